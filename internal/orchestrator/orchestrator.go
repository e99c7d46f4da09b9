// Package orchestrator drives the whole system: cron-fired schedules,
// admission control, consistency point lifecycle, engine dispatch,
// validation, replication, retention, and health monitoring.
package orchestrator

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"multistore-backup/internal/backup"
	"multistore-backup/internal/config"
	"multistore-backup/internal/engine/files"
	"multistore-backup/internal/logging"
	"multistore-backup/internal/recovery"
	"multistore-backup/internal/replicate"
	"multistore-backup/internal/retention"
	"multistore-backup/internal/validate"
)

// Version is stamped into run metadata
const Version = "1.0.0"

// RelationalEngine is the orchestrator's view of the relational engine
type RelationalEngine interface {
	backup.Engine
	Full(ctx context.Context, bctx *backup.Context) (*backup.Artifact, error)
	WAL(ctx context.Context, bctx *backup.Context) (*backup.Artifact, error)
	Incremental(ctx context.Context, bctx *backup.Context, sinceLSN backup.LSN) (*backup.Artifact, error)
}

// DocumentEngine is the orchestrator's view of the document engine
type DocumentEngine interface {
	backup.Engine
	Full(ctx context.Context, bctx *backup.Context) (*backup.Artifact, error)
	Oplog(ctx context.Context, bctx *backup.Context) (*backup.Artifact, error)
	Snapshot(ctx context.Context, bctx *backup.Context) (*backup.Artifact, error)
	ExportGridFS(ctx context.Context, bctx *backup.Context) (*backup.Artifact, error)
}

// KVEngine is the orchestrator's view of the key-value engine
type KVEngine interface {
	backup.Engine
	Snapshot(ctx context.Context, bctx *backup.Context) (*backup.Artifact, error)
}

// FilesEngine is the orchestrator's view of the file engine
type FilesEngine interface {
	backup.Engine
	Backup(ctx context.Context, bctx *backup.Context, strategy files.Strategy) (*backup.Artifact, error)
}

// ConsistencyManager is the orchestrator's view of consistency handling
type ConsistencyManager interface {
	Create(ctx context.Context) (*backup.ConsistencyPoint, error)
	Complete(ctx context.Context, cp *backup.ConsistencyPoint) error
	Rollback(ctx context.Context, cp *backup.ConsistencyPoint)
	Verify(ctx context.Context, cp *backup.ConsistencyPoint) (*backup.VerificationResult, error)
}

// RecoveryCoordinator is the orchestrator's view of restore handling
type RecoveryCoordinator interface {
	Plan(ctx context.Context, opts recovery.Options) (*recovery.Plan, error)
	Execute(ctx context.Context, plan *recovery.Plan) (*recovery.ExecutionReport, error)
}

// Orchestrator owns every component's lifecycle
type Orchestrator struct {
	cfg         *config.Config
	catalog     *backup.Catalog
	relational  RelationalEngine
	document    DocumentEngine
	kv          KVEngine
	files       FilesEngine
	consistency ConsistencyManager
	recovery    RecoveryCoordinator
	replicator  *replicate.Replicator
	retention   *retention.Manager
	validator   *validate.Validator
	metrics     *Metrics
	logger      *logging.Logger

	cron        *cron.Cron
	running     sync.WaitGroup
	monitorStop chan struct{}

	mu        sync.Mutex
	inFlight  int
	observers []backup.Observer
	stopped   bool
}

// Deps bundles the orchestrator's collaborators. Nil engines disable
// the corresponding backup types.
type Deps struct {
	Catalog     *backup.Catalog
	Relational  RelationalEngine
	Document    DocumentEngine
	KV          KVEngine
	Files       FilesEngine
	Consistency ConsistencyManager
	Recovery    RecoveryCoordinator
	Replicator  *replicate.Replicator
	Retention   *retention.Manager
	Validator   *validate.Validator
	Logger      *logging.Logger
}

// New builds the orchestrator and its cron scheduler
func New(cfg *config.Config, deps Deps) (*Orchestrator, error) {
	location, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, backup.NewConfigurationError(fmt.Sprintf("invalid timezone %q", cfg.Timezone), err)
	}

	o := &Orchestrator{
		cfg:         cfg,
		catalog:     deps.Catalog,
		relational:  deps.Relational,
		document:    deps.Document,
		kv:          deps.KV,
		files:       deps.Files,
		consistency: deps.Consistency,
		recovery:    deps.Recovery,
		replicator:  deps.Replicator,
		retention:   deps.Retention,
		validator:   deps.Validator,
		metrics:     NewMetrics(cfg.HistoryDepth),
		logger:      deps.Logger,
		cron:        cron.New(cron.WithLocation(location)),
	}

	for name, schedule := range cfg.Schedules {
		name, schedule := name, schedule
		if _, err := o.cron.AddFunc(schedule.Cron, func() {
			o.TriggerSchedule(context.Background(), name)
		}); err != nil {
			return nil, backup.NewConfigurationError(
				fmt.Sprintf("invalid cron expression %q for schedule %s", schedule.Cron, name), err)
		}
	}
	return o, nil
}

// Subscribe registers an observer for orchestrator events
func (o *Orchestrator) Subscribe(observer backup.Observer) {
	o.mu.Lock()
	o.observers = append(o.observers, observer)
	o.mu.Unlock()
}

func (o *Orchestrator) emit(event backup.Event) {
	o.mu.Lock()
	observers := make([]backup.Observer, len(o.observers))
	copy(observers, o.observers)
	o.mu.Unlock()
	for _, obs := range observers {
		obs.OnEvent(event)
	}
}

// Metrics exposes the run counters
func (o *Orchestrator) Metrics() Snapshot {
	return o.metrics.Snapshot()
}

// Start initializes the engines and begins firing schedules
func (o *Orchestrator) Start(ctx context.Context) error {
	for _, engine := range o.engines() {
		if err := engine.Initialize(ctx); err != nil {
			return err
		}
		o.logger.WithField("engine", engine.Name()).Info("engine initialized")
	}

	o.cron.Start()
	o.monitorStop = make(chan struct{})
	go o.monitorLoop(o.monitorStop)
	o.emit(backup.NewEvent(backup.EventInitialized, "", "").
		With("schedules", len(o.cfg.Schedules)))
	o.logger.WithField("schedules", len(o.cfg.Schedules)).Info("orchestrator started")
	return nil
}

// Stop halts scheduling and drains in-flight runs. Runs still going
// when the drain window closes are abandoned and reported.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	o.stopped = true
	o.mu.Unlock()

	cronCtx := o.cron.Stop()
	<-cronCtx.Done()
	if o.monitorStop != nil {
		close(o.monitorStop)
		o.monitorStop = nil
	}

	done := make(chan struct{})
	go func() {
		o.running.Wait()
		close(done)
	}()

	var drainErr error
	select {
	case <-done:
	case <-time.After(o.cfg.DrainTimeout):
		drainErr = backup.NewShutdownDrainError(
			fmt.Sprintf("in-flight backups still running after %s drain window", o.cfg.DrainTimeout))
		o.logger.Warn(drainErr.Error())
	}

	for _, engine := range o.engines() {
		if err := engine.Close(); err != nil {
			o.logger.WithError(err).WithField("engine", engine.Name()).Warn("engine close failed")
		}
	}
	return drainErr
}

func (o *Orchestrator) engines() []backup.Engine {
	var engines []backup.Engine
	if o.relational != nil {
		engines = append(engines, o.relational)
	}
	if o.document != nil {
		engines = append(engines, o.document)
	}
	if o.kv != nil {
		engines = append(engines, o.kv)
	}
	if o.files != nil {
		engines = append(engines, o.files)
	}
	return engines
}

// TriggerSchedule fires one schedule by name. Firings beyond the
// concurrency limit are dropped, not queued: a backlog of backups
// stampeding the stores after a stall is worse than a gap.
func (o *Orchestrator) TriggerSchedule(ctx context.Context, name string) {
	schedule, ok := o.cfg.Schedules[name]
	if !ok {
		o.logger.WithField("schedule", name).Error("unknown schedule fired")
		return
	}

	if !o.admit() {
		o.metrics.RecordThrottle()
		o.emit(backup.NewEvent(backup.EventScheduleThrottled, "", name).
			With("max_concurrent", o.cfg.MaxConcurrentBackups))
		o.logger.WithField("schedule", name).Warn("schedule firing dropped, concurrency limit reached")
		return
	}

	o.running.Add(1)
	go func() {
		defer o.running.Done()
		defer o.release()
		o.runSchedule(ctx, schedule)
	}()
}

// RunNow executes a schedule synchronously, for CLI-triggered backups
func (o *Orchestrator) RunNow(ctx context.Context, name string) (*backup.BackupSet, error) {
	schedule, ok := o.cfg.Schedules[name]
	if !ok {
		return nil, backup.NewNotFoundError(fmt.Sprintf("schedule %s not found", name), nil)
	}
	if !o.admit() {
		o.metrics.RecordThrottle()
		o.emit(backup.NewEvent(backup.EventScheduleThrottled, "", name).
			With("max_concurrent", o.cfg.MaxConcurrentBackups))
		return nil, backup.NewValidationError("concurrency limit reached, try again later", nil)
	}
	o.running.Add(1)
	defer o.running.Done()
	defer o.release()
	return o.executeRun(ctx, schedule, 0)
}

// ManualOptions configures an operator-triggered ad hoc run
type ManualOptions struct {
	Types         []backup.BackupType
	Consistency   bool
	MultiRegion   bool
	FilesStrategy string
	// SinceLSN switches the relational-wal part to an incremental
	// archive starting at the given position instead of the persisted
	// archive cursor.
	SinceLSN backup.LSN
}

// RunManual executes an ad hoc backup outside any configured schedule.
// The run counts against the same concurrency bound as scheduled work.
func (o *Orchestrator) RunManual(ctx context.Context, opts ManualOptions) (*backup.BackupSet, error) {
	if len(opts.Types) == 0 {
		opts.Types = []backup.BackupType{backup.BackupTypeFullSystem}
	}
	schedule := &backup.Schedule{
		Name:          "manual",
		Types:         opts.Types,
		Priority:      backup.PriorityHigh,
		Consistency:   opts.Consistency,
		MultiRegion:   opts.MultiRegion,
		FilesStrategy: opts.FilesStrategy,
	}
	if !o.admit() {
		o.metrics.RecordThrottle()
		o.emit(backup.NewEvent(backup.EventScheduleThrottled, "", schedule.Name).
			With("max_concurrent", o.cfg.MaxConcurrentBackups))
		return nil, backup.NewValidationError("concurrency limit reached, try again later", nil)
	}
	o.running.Add(1)
	defer o.running.Done()
	defer o.release()
	return o.executeRun(ctx, schedule, opts.SinceLSN)
}

func (o *Orchestrator) admit() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.stopped || o.inFlight >= o.cfg.MaxConcurrentBackups {
		return false
	}
	o.inFlight++
	return true
}

func (o *Orchestrator) release() {
	o.mu.Lock()
	o.inFlight--
	o.mu.Unlock()
}

func (o *Orchestrator) runSchedule(ctx context.Context, schedule *backup.Schedule) {
	set, err := o.executeRun(ctx, schedule, 0)
	if err != nil {
		event := backup.NewEvent(backup.EventScheduledBackupFailed, "", schedule.Name).
			With("error", err.Error())
		if set != nil {
			event.SetID = set.ID
		}
		o.emit(event)
		return
	}
	o.emit(backup.NewEvent(backup.EventScheduledBackupCompleted, set.ID, schedule.Name).
		With("duration_ms", set.DurationMS).
		With("bytes", set.TotalBytes()))
}

// Restore executes a prepared restore plan and reports the outcome as
// restore events
func (o *Orchestrator) Restore(ctx context.Context, plan *recovery.Plan) (*recovery.ExecutionReport, error) {
	if o.recovery == nil {
		return nil, backup.NewConfigurationError("no recovery coordinator is configured", nil)
	}
	report, err := o.recovery.Execute(ctx, plan)
	if err != nil || !report.Succeeded {
		event := backup.NewEvent(backup.EventRestoreFailed, plan.BaseSetID, "").
			With("plan_id", plan.ID).
			With("dry_run", plan.DryRun)
		if err != nil {
			event = event.With("error", err.Error())
		}
		o.emit(event)
		return report, err
	}
	o.emit(backup.NewEvent(backup.EventRestoreCompleted, plan.BaseSetID, "").
		With("plan_id", plan.ID).
		With("dry_run", plan.DryRun).
		With("steps", len(report.Results)))
	return report, nil
}

// TestRecovery plans and dry-runs a restore of one set. Nothing touches
// live namespaces; the report says whether the set is restorable.
func (o *Orchestrator) TestRecovery(ctx context.Context, setID string) (*recovery.ExecutionReport, error) {
	if o.recovery == nil {
		return nil, backup.NewConfigurationError("no recovery coordinator is configured", nil)
	}
	plan, err := o.recovery.Plan(ctx, recovery.Options{SetID: setID, DryRun: true})
	if err != nil {
		o.emit(backup.NewEvent(backup.EventRestoreFailed, setID, "").
			With("error", err.Error()))
		return nil, err
	}
	return o.Restore(ctx, plan)
}

func systemInfo() backup.SystemInfo {
	hostname, _ := os.Hostname()
	return backup.SystemInfo{
		Hostname: hostname,
		PID:      os.Getpid(),
		Version:  Version,
	}
}

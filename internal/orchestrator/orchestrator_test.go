package orchestrator

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"multistore-backup/internal/backup"
	"multistore-backup/internal/config"
	"multistore-backup/internal/engine/files"
	"multistore-backup/internal/logging"
	"multistore-backup/internal/recovery"
	"multistore-backup/internal/retention"
)

type stubEngine struct {
	name  string
	err   error
	gate  chan struct{}
	calls int32
	trace func(backup.BackupType)

	strategy     files.Strategy
	sinceLSN     backup.LSN
	incrementals int32
}

func (s *stubEngine) Name() string                        { return s.name }
func (s *stubEngine) Initialize(ctx context.Context) error { return nil }
func (s *stubEngine) Close() error                        { return nil }

func (s *stubEngine) Health(ctx context.Context) (*backup.HealthReport, error) {
	return &backup.HealthReport{Component: s.name, State: backup.HealthStateHealthy}, nil
}

func (s *stubEngine) produce(typ backup.BackupType) (*backup.Artifact, error) {
	atomic.AddInt32(&s.calls, 1)
	if s.trace != nil {
		s.trace(typ)
	}
	if s.gate != nil {
		<-s.gate
	}
	if s.err != nil {
		return nil, s.err
	}
	return &backup.Artifact{
		Type:      typ,
		Path:      "/tmp/" + string(typ),
		Bytes:     1024,
		Checksum:  "deadbeef",
		CreatedAt: time.Now().UTC(),
	}, nil
}

func (s *stubEngine) Full(ctx context.Context, bctx *backup.Context) (*backup.Artifact, error) {
	if s.name == "postgresql" {
		return s.produce(backup.BackupTypeRelationalFull)
	}
	return s.produce(backup.BackupTypeDocumentFull)
}

func (s *stubEngine) WAL(ctx context.Context, bctx *backup.Context) (*backup.Artifact, error) {
	return s.produce(backup.BackupTypeRelationalWAL)
}

func (s *stubEngine) Incremental(ctx context.Context, bctx *backup.Context, sinceLSN backup.LSN) (*backup.Artifact, error) {
	atomic.AddInt32(&s.incrementals, 1)
	s.sinceLSN = sinceLSN
	return s.produce(backup.BackupTypeRelationalWAL)
}

func (s *stubEngine) Oplog(ctx context.Context, bctx *backup.Context) (*backup.Artifact, error) {
	return s.produce(backup.BackupTypeDocumentOplog)
}

func (s *stubEngine) Snapshot(ctx context.Context, bctx *backup.Context) (*backup.Artifact, error) {
	if s.name == "mongodb" {
		return s.produce(backup.BackupTypeDocumentSnapshot)
	}
	return s.produce(backup.BackupTypeKVSnapshot)
}

func (s *stubEngine) ExportGridFS(ctx context.Context, bctx *backup.Context) (*backup.Artifact, error) {
	return s.produce(backup.BackupTypeDocumentGridFS)
}

func (s *stubEngine) Backup(ctx context.Context, bctx *backup.Context, strategy files.Strategy) (*backup.Artifact, error) {
	s.strategy = strategy
	return s.produce(backup.BackupTypeFiles)
}

type stubConsistency struct {
	createErr  error
	created    int32
	completed  int32
	rolledBack int32
	verifyFail bool
}

func (s *stubConsistency) Create(ctx context.Context) (*backup.ConsistencyPoint, error) {
	atomic.AddInt32(&s.created, 1)
	if s.createErr != nil {
		return nil, s.createErr
	}
	now := time.Now().UTC()
	return &backup.ConsistencyPoint{
		ID:             backup.GenerateConsistencyPointID(now),
		CreatedAt:      now,
		RelationalTime: now,
		DocumentTime:   now,
		Level:          backup.ConsistencyLevelStrict,
		Status:         backup.CPStatusActive,
	}, nil
}

func (s *stubConsistency) Complete(ctx context.Context, cp *backup.ConsistencyPoint) error {
	atomic.AddInt32(&s.completed, 1)
	return nil
}

func (s *stubConsistency) Rollback(ctx context.Context, cp *backup.ConsistencyPoint) {
	atomic.AddInt32(&s.rolledBack, 1)
}

func (s *stubConsistency) Verify(ctx context.Context, cp *backup.ConsistencyPoint) (*backup.VerificationResult, error) {
	result := &backup.VerificationResult{
		TemporalOK:    !s.verifyFail,
		ReferentialOK: true,
		IntegrityOK:   true,
		VerifiedAt:    time.Now().UTC(),
	}
	return result, nil
}

type stubRecovery struct {
	planErr error
	execErr error
	failed  bool
}

func (s *stubRecovery) Plan(ctx context.Context, opts recovery.Options) (*recovery.Plan, error) {
	if s.planErr != nil {
		return nil, s.planErr
	}
	return &recovery.Plan{
		ID:        "restore-stub",
		BaseSetID: opts.SetID,
		DryRun:    opts.DryRun,
		CreatedAt: time.Now().UTC(),
	}, nil
}

func (s *stubRecovery) Execute(ctx context.Context, plan *recovery.Plan) (*recovery.ExecutionReport, error) {
	if s.execErr != nil {
		return &recovery.ExecutionReport{PlanID: plan.ID, DryRun: plan.DryRun}, s.execErr
	}
	return &recovery.ExecutionReport{PlanID: plan.ID, DryRun: plan.DryRun, Succeeded: !s.failed}, nil
}

type harness struct {
	orch        *Orchestrator
	catalog     *backup.Catalog
	relational  *stubEngine
	document    *stubEngine
	kv          *stubEngine
	files       *stubEngine
	consistency *stubConsistency
	recovery    *stubRecovery
}

func newHarness(t *testing.T, mutate func(*config.Config)) *harness {
	t.Helper()
	cfg := &config.Config{
		BackupRoot: t.TempDir(),
		Schedules: map[string]*backup.Schedule{
			"nightly": {
				Name:  "nightly",
				Cron:  "@daily",
				Types: []backup.BackupType{backup.BackupTypeFullSystem},
			},
		},
	}
	cfg.SetDefaults()
	if mutate != nil {
		mutate(cfg)
	}

	catalog, err := backup.NewCatalog(cfg.BackupRoot)
	require.NoError(t, err)

	h := &harness{
		catalog:     catalog,
		relational:  &stubEngine{name: "postgresql"},
		document:    &stubEngine{name: "mongodb"},
		kv:          &stubEngine{name: "redis"},
		files:       &stubEngine{name: "files"},
		consistency: &stubConsistency{},
		recovery:    &stubRecovery{},
	}
	h.orch, err = New(cfg, Deps{
		Catalog:     catalog,
		Relational:  h.relational,
		Document:    h.document,
		KV:          h.kv,
		Files:       h.files,
		Consistency: h.consistency,
		Recovery:    h.recovery,
		Retention:   retention.NewManager(catalog, nil, nil, logging.NewDefaultLogger()),
		Logger:      logging.NewDefaultLogger(),
	})
	require.NoError(t, err)
	return h
}

func TestExpandTypesFullSystem(t *testing.T) {
	types := expandTypes([]backup.BackupType{backup.BackupTypeFullSystem, backup.BackupTypeRelationalFull})
	assert.Equal(t, backup.AllEngineTypes, types)
}

func TestRunNowCompletesFullSystemSet(t *testing.T) {
	h := newHarness(t, nil)

	set, err := h.orch.RunNow(context.Background(), "nightly")
	require.NoError(t, err)
	assert.Equal(t, backup.SetStatusCompleted, set.Status)
	assert.Len(t, set.Parts, 4)
	assert.NotNil(t, set.CompletedAt)

	loaded, err := h.catalog.Load(context.Background(), set.ID)
	require.NoError(t, err)
	assert.Equal(t, backup.SetStatusCompleted, loaded.Status)

	snap := h.orch.Metrics()
	assert.Equal(t, int64(1), snap.Started)
	assert.Equal(t, int64(1), snap.Completed)
	assert.Equal(t, 1.0, snap.SuccessRate)
}

func TestRunManualUsesAdHocTypes(t *testing.T) {
	h := newHarness(t, nil)

	set, err := h.orch.RunManual(context.Background(), ManualOptions{
		Types: []backup.BackupType{backup.BackupTypeKVSnapshot},
	})
	require.NoError(t, err)
	assert.Equal(t, "manual", set.Schedule)
	assert.Equal(t, backup.PriorityHigh, set.Priority)
	assert.Len(t, set.Parts, 1)
	assert.Equal(t, int32(0), atomic.LoadInt32(&h.relational.calls))
}

func TestDeclaredTypesRunInDeclaredOrder(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) {
		cfg.Schedules["nightly"].Types = []backup.BackupType{
			backup.BackupTypeKVSnapshot,
			backup.BackupTypeRelationalFull,
			backup.BackupTypeFiles,
		}
	})

	var mu sync.Mutex
	var order []backup.BackupType
	trace := func(typ backup.BackupType) {
		mu.Lock()
		order = append(order, typ)
		mu.Unlock()
	}
	h.relational.trace = trace
	h.document.trace = trace
	h.kv.trace = trace
	h.files.trace = trace

	set, err := h.orch.RunNow(context.Background(), "nightly")
	require.NoError(t, err)
	assert.Equal(t, backup.SetStatusCompleted, set.Status)
	assert.Equal(t, []backup.BackupType{
		backup.BackupTypeKVSnapshot,
		backup.BackupTypeRelationalFull,
		backup.BackupTypeFiles,
	}, order)
}

func TestRestoreEmitsCompletedEvent(t *testing.T) {
	h := newHarness(t, nil)

	var events []backup.Event
	var mu sync.Mutex
	h.orch.Subscribe(backup.ObserverFunc(func(e backup.Event) {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
	}))

	report, err := h.orch.TestRecovery(context.Background(), "some-set")
	require.NoError(t, err)
	assert.True(t, report.Succeeded)
	assert.True(t, report.DryRun)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, events, 1)
	assert.Equal(t, backup.EventRestoreCompleted, events[0].Type)
	assert.Equal(t, "some-set", events[0].SetID)
}

func TestRestoreEmitsFailedEventOnPlanError(t *testing.T) {
	h := newHarness(t, nil)
	h.recovery.planErr = backup.NewIntegrityError("artifact checksum mismatch", nil)

	var failed atomic.Int32
	h.orch.Subscribe(backup.ObserverFunc(func(e backup.Event) {
		if e.Type == backup.EventRestoreFailed {
			failed.Add(1)
		}
	}))

	_, err := h.orch.TestRecovery(context.Background(), "some-set")
	require.Error(t, err)
	assert.Equal(t, int32(1), failed.Load())
}

func TestRunNowUnknownScheduleFails(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.orch.RunNow(context.Background(), "no-such-schedule")
	require.Error(t, err)
	assert.Equal(t, backup.ErrorKindNotFound, backup.KindOf(err))
}

func TestEngineFailureIsRecordedOthersSurvive(t *testing.T) {
	h := newHarness(t, nil)
	h.kv.err = backup.NewConnectivityError("kv store unreachable", nil)

	set, err := h.orch.RunNow(context.Background(), "nightly")
	require.Error(t, err)
	require.NotNil(t, set)
	assert.Equal(t, backup.SetStatusFailed, set.Status)

	// The other three engines still ran and kept their artifacts.
	assert.Equal(t, int32(1), atomic.LoadInt32(&h.relational.calls))
	assert.Equal(t, int32(1), atomic.LoadInt32(&h.document.calls))
	assert.Equal(t, int32(1), atomic.LoadInt32(&h.files.calls))
	assert.False(t, set.Parts[backup.BackupTypeRelationalFull].Failed)
	assert.True(t, set.Parts[backup.BackupTypeKVSnapshot].Failed)

	require.Len(t, set.FailureRecords, 1)
	assert.Equal(t, backup.BackupTypeKVSnapshot, set.FailureRecords[0].Type)
	assert.Equal(t, backup.ErrorKindConnectivity, set.FailureRecords[0].Kind)
}

func TestConsistentScheduleAbortsAfterFirstFailure(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) {
		cfg.Schedules["nightly"].Types = []backup.BackupType{
			backup.BackupTypeRelationalFull,
			backup.BackupTypeKVSnapshot,
			backup.BackupTypeFiles,
		}
		cfg.Schedules["nightly"].Consistency = true
	})
	h.relational.err = backup.NewConnectivityError("relational store unreachable", nil)

	set, err := h.orch.RunNow(context.Background(), "nightly")
	require.Error(t, err)
	assert.Equal(t, backup.SetStatusFailed, set.Status)

	// The point was doomed after the first failure; the remaining
	// dispatches never fired, so no store advanced its position for a
	// set that will be thrown away.
	assert.Equal(t, int32(0), atomic.LoadInt32(&h.kv.calls))
	assert.Equal(t, int32(0), atomic.LoadInt32(&h.files.calls))
	assert.Equal(t, int32(1), atomic.LoadInt32(&h.consistency.rolledBack))
}

func TestFilesStrategyComesFromSchedule(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) {
		cfg.Schedules["nightly"].Types = []backup.BackupType{backup.BackupTypeFiles}
		cfg.Schedules["nightly"].FilesStrategy = "full"
	})

	_, err := h.orch.RunNow(context.Background(), "nightly")
	require.NoError(t, err)
	assert.Equal(t, files.StrategyFull, h.files.strategy)
}

func TestManualRunArchivesWALFromGivenPosition(t *testing.T) {
	h := newHarness(t, nil)
	since, err := backup.ParseLSN("0/5000")
	require.NoError(t, err)

	set, err := h.orch.RunManual(context.Background(), ManualOptions{
		Types:    []backup.BackupType{backup.BackupTypeRelationalWAL},
		SinceLSN: since,
	})
	require.NoError(t, err)
	assert.Len(t, set.Parts, 1)
	assert.Equal(t, int32(1), atomic.LoadInt32(&h.relational.incrementals))
	assert.Equal(t, since, h.relational.sinceLSN)
}

func TestManualGridFSExport(t *testing.T) {
	h := newHarness(t, nil)

	set, err := h.orch.RunManual(context.Background(), ManualOptions{
		Types: []backup.BackupType{backup.BackupTypeDocumentGridFS},
	})
	require.NoError(t, err)
	require.Contains(t, set.Parts, backup.BackupTypeDocumentGridFS)
	assert.False(t, set.Parts[backup.BackupTypeDocumentGridFS].Failed)
	assert.Equal(t, int32(1), atomic.LoadInt32(&h.document.calls))
}

func TestAgeOnlyRetentionRunsAfterBackup(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) {
		cfg.Schedules["nightly"].Retention = backup.RetentionPolicy{MaxAge: time.Hour}
	})

	old := &backup.BackupSet{
		ID:        "20240101T000000Z-aged0000",
		Schedule:  "nightly",
		Types:     []backup.BackupType{backup.BackupTypeKVSnapshot},
		CreatedAt: time.Now().UTC().Add(-48 * time.Hour),
		Status:    backup.SetStatusCompleted,
		Parts: map[backup.BackupType]*backup.Artifact{
			backup.BackupTypeKVSnapshot: {
				Type:     backup.BackupTypeKVSnapshot,
				Path:     filepath.Join(t.TempDir(), "gone.rdb"),
				Checksum: "deadbeef",
			},
		},
	}
	completed := old.CreatedAt.Add(time.Minute)
	old.CompletedAt = &completed
	require.NoError(t, h.catalog.Save(context.Background(), old))

	_, err := h.orch.RunNow(context.Background(), "nightly")
	require.NoError(t, err)

	// The policy has no count bound, only an age; the expired set is
	// still gone after the run.
	_, err = h.catalog.Load(context.Background(), old.ID)
	require.Error(t, err)
}

func TestConsistencyCreateFailureAbortsBeforeEngines(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) {
		cfg.Schedules["nightly"].Consistency = true
	})
	h.consistency.createErr = backup.NewConsistencyViolationError("skew too large", nil)

	set, err := h.orch.RunNow(context.Background(), "nightly")
	require.Error(t, err)
	assert.Equal(t, backup.SetStatusFailed, set.Status)
	assert.Equal(t, int32(0), atomic.LoadInt32(&h.relational.calls))
	assert.Equal(t, int32(0), atomic.LoadInt32(&h.document.calls))
}

func TestConsistencyPointRolledBackWhenEngineFails(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) {
		cfg.Schedules["nightly"].Consistency = true
	})
	h.document.err = backup.NewDumpProcessError("mongodump crashed", 1, "")

	var events []backup.Event
	var mu sync.Mutex
	h.orch.Subscribe(backup.ObserverFunc(func(e backup.Event) {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
	}))

	set, err := h.orch.RunNow(context.Background(), "nightly")
	require.Error(t, err)
	assert.Equal(t, backup.SetStatusFailed, set.Status)
	assert.Equal(t, int32(1), atomic.LoadInt32(&h.consistency.rolledBack))
	assert.Equal(t, int32(0), atomic.LoadInt32(&h.consistency.completed))

	mu.Lock()
	defer mu.Unlock()
	var sawRollback bool
	for _, e := range events {
		if e.Type == backup.EventConsistencyPointRolledBack {
			sawRollback = true
		}
	}
	assert.True(t, sawRollback)
}

func TestConsistencyPointCompletedOnSuccess(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) {
		cfg.Schedules["nightly"].Consistency = true
	})

	set, err := h.orch.RunNow(context.Background(), "nightly")
	require.NoError(t, err)
	assert.Equal(t, backup.SetStatusCompleted, set.Status)
	assert.NotEmpty(t, set.ConsistencyPointID)
	assert.Equal(t, int32(1), atomic.LoadInt32(&h.consistency.completed))
	assert.Equal(t, int32(0), atomic.LoadInt32(&h.consistency.rolledBack))
}

func TestStrictVerificationFailureRollsBack(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) {
		cfg.Schedules["nightly"].Consistency = true
	})
	h.consistency.verifyFail = true

	set, err := h.orch.RunNow(context.Background(), "nightly")
	require.Error(t, err)
	assert.Equal(t, backup.SetStatusFailed, set.Status)
	assert.Equal(t, int32(1), atomic.LoadInt32(&h.consistency.rolledBack))
}

func TestConcurrencyLimitDropsNotQueues(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) {
		cfg.MaxConcurrentBackups = 1
	})
	gate := make(chan struct{})
	h.relational.gate = gate
	h.document.gate = gate
	h.kv.gate = gate
	h.files.gate = gate

	var throttled atomic.Int32
	h.orch.Subscribe(backup.ObserverFunc(func(e backup.Event) {
		if e.Type == backup.EventScheduleThrottled {
			throttled.Add(1)
		}
	}))

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = h.orch.RunNow(context.Background(), "nightly")
	}()

	// Wait for the first run to occupy the slot.
	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&h.relational.calls) == 1
	}, 2*time.Second, 10*time.Millisecond)

	h.orch.TriggerSchedule(context.Background(), "nightly")
	assert.Equal(t, int32(1), throttled.Load())
	assert.Equal(t, int64(1), h.orch.Metrics().Throttled)

	close(gate)
	<-done

	// The dropped firing never ran.
	assert.Equal(t, int32(1), atomic.LoadInt32(&h.relational.calls))
}

func TestStopDrainsCleanlyWhenIdle(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.orch.Start(context.Background()))
	assert.NoError(t, h.orch.Stop(context.Background()))
}

func TestStopReportsExpiredDrainWindow(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) {
		cfg.DrainTimeout = 50 * time.Millisecond
	})
	gate := make(chan struct{})
	h.relational.gate = gate
	h.document.gate = gate
	h.kv.gate = gate
	h.files.gate = gate

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = h.orch.RunNow(context.Background(), "nightly")
	}()
	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&h.relational.calls) == 1
	}, 2*time.Second, 10*time.Millisecond)

	err := h.orch.Stop(context.Background())
	require.Error(t, err)
	assert.Equal(t, backup.ErrorKindShutdownDrain, backup.KindOf(err))

	close(gate)
	<-done
}

func TestStoppedOrchestratorAdmitsNothing(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.orch.Start(context.Background()))
	require.NoError(t, h.orch.Stop(context.Background()))

	_, err := h.orch.RunNow(context.Background(), "nightly")
	require.Error(t, err)
	assert.Equal(t, int32(0), atomic.LoadInt32(&h.relational.calls))
}

func TestCheckHealthAggregatesEngines(t *testing.T) {
	h := newHarness(t, nil)
	summary := h.orch.CheckHealth(context.Background())
	assert.True(t, summary.Healthy)
	assert.Len(t, summary.Reports, 4)
}

func TestMetricsHistoryIsNewestFirstAndBounded(t *testing.T) {
	m := NewMetrics(3)
	for i := 0; i < 5; i++ {
		m.RecordStart()
		m.RecordFinish(RunRecord{
			SetID:      string(rune('a' + i)),
			Status:     backup.SetStatusCompleted,
			TotalBytes: 10,
		})
	}

	snap := m.Snapshot()
	assert.Equal(t, int64(5), snap.Started)
	assert.Equal(t, int64(5), snap.Completed)
	assert.Equal(t, int64(50), snap.TotalBytes)
	require.Len(t, snap.History, 3)
	assert.Equal(t, "e", snap.History[0].SetID)
	assert.Equal(t, "d", snap.History[1].SetID)
	assert.Equal(t, "c", snap.History[2].SetID)
}

func TestMetricsSuccessRateCountsFailures(t *testing.T) {
	m := NewMetrics(10)
	m.RecordFinish(RunRecord{Status: backup.SetStatusCompleted})
	m.RecordFinish(RunRecord{Status: backup.SetStatusFailed})
	m.RecordFinish(RunRecord{Status: backup.SetStatusCompleted})
	m.RecordFinish(RunRecord{Status: backup.SetStatusCompleted})

	snap := m.Snapshot()
	assert.Equal(t, 0.75, snap.SuccessRate)
	assert.Equal(t, int64(1), snap.Failed)
}

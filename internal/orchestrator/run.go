package orchestrator

import (
	"context"
	"fmt"
	"time"

	"multistore-backup/internal/backup"
	"multistore-backup/internal/engine/files"
	"multistore-backup/internal/validate"
)

// executeRun drives one backup run end to end: consistency point,
// engine dispatch, validation, replication, retention.
func (o *Orchestrator) executeRun(ctx context.Context, schedule *backup.Schedule, sinceLSN backup.LSN) (*backup.BackupSet, error) {
	startedAt := time.Now().UTC()
	bctx := &backup.Context{
		ID:            backup.GenerateSetID(startedAt),
		Schedule:      schedule.Name,
		Types:         expandTypes(schedule.Types),
		Priority:      schedule.Priority,
		Consistency:   schedule.Consistency,
		MultiRegion:   schedule.MultiRegion,
		StartedAt:     startedAt,
		SinceLSN:      sinceLSN,
		FilesStrategy: schedule.FilesStrategy,
		System:        systemInfo(),
	}

	set := &backup.BackupSet{
		ID:        bctx.ID,
		Schedule:  schedule.Name,
		Types:     bctx.Types,
		CreatedAt: startedAt,
		Status:    backup.SetStatusRunning,
		Priority:  schedule.Priority,
		Parts:     map[backup.BackupType]*backup.Artifact{},
	}

	o.metrics.RecordStart()
	o.emit(backup.NewEvent(backup.EventBackupStarted, set.ID, schedule.Name).
		With("types", fmt.Sprintf("%v", set.Types)))
	logger := o.logger.WithField("set_id", set.ID).WithField("schedule", schedule.Name)
	logger.Info("backup run started")

	if err := o.catalog.Save(ctx, set); err != nil {
		return o.failRun(ctx, set, startedAt, err)
	}

	// A consistency point is all-or-nothing: when it cannot be created
	// the run does not start at all.
	var cp *backup.ConsistencyPoint
	if schedule.Consistency {
		if o.consistency == nil {
			return o.failRun(ctx, set, startedAt,
				backup.NewConfigurationError("schedule requires consistency but no consistency manager is configured", nil))
		}
		created, err := o.consistency.Create(ctx)
		if err != nil {
			return o.failRun(ctx, set, startedAt, err)
		}
		cp = created
		set.ConsistencyPointID = cp.ID
		bctx.ConsistencyPointID = cp.ID
		o.emit(backup.NewEvent(backup.EventConsistencyPointCreated, set.ID, schedule.Name).
			With("cp_id", cp.ID).
			With("skew_ms", cp.Skew().Milliseconds()))
	}

	o.dispatchEngines(ctx, bctx, set, declaresFullSystem(schedule.Types), schedule.Consistency)

	failed := len(set.FailureRecords) > 0
	if cp != nil {
		if failed {
			// A consistent set with a missing part is worthless, roll
			// the whole point back rather than keep half a snapshot.
			o.consistency.Rollback(ctx, cp)
			o.emit(backup.NewEvent(backup.EventConsistencyPointRolledBack, set.ID, schedule.Name).
				With("cp_id", cp.ID))
		} else if err := o.sealConsistencyPoint(ctx, cp, set); err != nil {
			failed = true
		}
	}

	if failed {
		return o.failRun(ctx, set, startedAt,
			backup.NewValidationError(fmt.Sprintf("backup run %s had %d failures", set.ID, len(set.FailureRecords)), nil))
	}

	completedAt := time.Now().UTC()
	set.CompletedAt = &completedAt
	set.DurationMS = completedAt.Sub(startedAt).Milliseconds()
	set.Status = backup.SetStatusCompleted
	if err := o.catalog.Save(ctx, set); err != nil {
		return o.failRun(ctx, set, startedAt, err)
	}

	if err := o.validateSet(ctx, set); err != nil {
		return o.failRun(ctx, set, startedAt, err)
	}
	o.replicateSet(ctx, schedule, set)
	o.enforceRetention(ctx, schedule)

	o.finishRun(set, startedAt)
	o.emit(backup.NewEvent(backup.EventBackupCompleted, set.ID, schedule.Name).
		With("bytes", set.TotalBytes()).
		With("duration_ms", set.DurationMS))
	logger.WithField("bytes", set.TotalBytes()).Info("backup run completed")
	return set, nil
}

// expandTypes resolves full-system into the concrete engine types
func expandTypes(types []backup.BackupType) []backup.BackupType {
	var out []backup.BackupType
	seen := map[backup.BackupType]bool{}
	for _, t := range types {
		expanded := []backup.BackupType{t}
		if t == backup.BackupTypeFullSystem {
			expanded = backup.AllEngineTypes
		}
		for _, e := range expanded {
			if !seen[e] {
				seen[e] = true
				out = append(out, e)
			}
		}
	}
	return out
}

// dispatchEngines runs every requested backup type: in parallel for
// full-system sets, in declared order otherwise. On a best-effort run
// one store failing never cancels the others: each failure is recorded
// on the set and the survivors keep their artifacts. A consistent run
// aborts on the first failure instead; its set is doomed anyway, and a
// later WAL dispatch would still advance the persisted archive position
// and leave a gap in the segment chain.
func (o *Orchestrator) dispatchEngines(ctx context.Context, bctx *backup.Context, set *backup.BackupSet, parallel, abortOnFailure bool) {
	if !parallel {
		for _, typ := range set.Types {
			artifact, err := o.runEngine(ctx, bctx, typ)
			o.recordEngineResult(set, typ, artifact, err)
			if err != nil && abortOnFailure {
				o.logger.WithField("set_id", set.ID).
					WithField("failed_type", string(typ)).
					Warn("consistent run aborted, remaining backup types skipped")
				return
			}
		}
		return
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if abortOnFailure {
		runCtx, cancel = context.WithCancel(ctx)
		defer cancel()
	}

	results := make(chan engineResult, len(set.Types))
	for _, typ := range set.Types {
		typ := typ
		go func() {
			artifact, err := o.runEngine(runCtx, bctx, typ)
			results <- engineResult{typ: typ, artifact: artifact, err: err}
		}()
	}
	for range set.Types {
		res := <-results
		o.recordEngineResult(set, res.typ, res.artifact, res.err)
		if res.err != nil && cancel != nil {
			cancel()
		}
	}
}

func (o *Orchestrator) recordEngineResult(set *backup.BackupSet, typ backup.BackupType, artifact *backup.Artifact, err error) {
	if err != nil {
		o.logger.WithError(err).
			WithField("set_id", set.ID).
			WithField("type", string(typ)).
			Error("engine backup failed")
		set.RecordFailure(typ, err)
		set.Parts[typ] = &backup.Artifact{
			Type:      typ,
			CreatedAt: time.Now().UTC(),
			Failed:    true,
		}
		o.emit(backup.NewEvent(backup.EventBackupFailed, set.ID, set.Schedule).
			With("type", string(typ)).
			With("error", err.Error()))
		return
	}
	set.Parts[typ] = artifact
}

// declaresFullSystem reports whether a schedule asked for the parallel
// full-system run
func declaresFullSystem(types []backup.BackupType) bool {
	for _, t := range types {
		if t == backup.BackupTypeFullSystem {
			return true
		}
	}
	return false
}

type engineResult struct {
	typ      backup.BackupType
	artifact *backup.Artifact
	err      error
}

func (o *Orchestrator) runEngine(ctx context.Context, bctx *backup.Context, typ backup.BackupType) (*backup.Artifact, error) {
	switch typ {
	case backup.BackupTypeRelationalFull:
		if o.relational == nil {
			return nil, backup.NewConfigurationError("relational engine is not configured", nil)
		}
		return o.relational.Full(ctx, bctx)
	case backup.BackupTypeRelationalWAL:
		if o.relational == nil {
			return nil, backup.NewConfigurationError("relational engine is not configured", nil)
		}
		if bctx.SinceLSN != 0 {
			return o.relational.Incremental(ctx, bctx, bctx.SinceLSN)
		}
		return o.relational.WAL(ctx, bctx)
	case backup.BackupTypeDocumentFull:
		if o.document == nil {
			return nil, backup.NewConfigurationError("document engine is not configured", nil)
		}
		return o.document.Full(ctx, bctx)
	case backup.BackupTypeDocumentOplog:
		if o.document == nil {
			return nil, backup.NewConfigurationError("document engine is not configured", nil)
		}
		return o.document.Oplog(ctx, bctx)
	case backup.BackupTypeDocumentSnapshot:
		if o.document == nil {
			return nil, backup.NewConfigurationError("document engine is not configured", nil)
		}
		return o.document.Snapshot(ctx, bctx)
	case backup.BackupTypeDocumentGridFS:
		if o.document == nil {
			return nil, backup.NewConfigurationError("document engine is not configured", nil)
		}
		return o.document.ExportGridFS(ctx, bctx)
	case backup.BackupTypeKVSnapshot:
		if o.kv == nil {
			return nil, backup.NewConfigurationError("kv engine is not configured", nil)
		}
		return o.kv.Snapshot(ctx, bctx)
	case backup.BackupTypeFiles:
		if o.files == nil {
			return nil, backup.NewConfigurationError("file engine is not configured", nil)
		}
		return o.files.Backup(ctx, bctx, filesStrategy(bctx.FilesStrategy))
	default:
		return nil, backup.NewValidationError(fmt.Sprintf("unknown backup type %q", typ), nil)
	}
}

// filesStrategy maps a schedule's declared strategy onto the engine's.
// An empty declaration keeps the incremental default.
func filesStrategy(name string) files.Strategy {
	switch name {
	case string(files.StrategyFull):
		return files.StrategyFull
	case string(files.StrategyDifferential):
		return files.StrategyDifferential
	default:
		return files.StrategyIncremental
	}
}

// sealConsistencyPoint verifies the point after all dumps landed and
// marks it complete. A strict-level verification failure fails the run.
func (o *Orchestrator) sealConsistencyPoint(ctx context.Context, cp *backup.ConsistencyPoint, set *backup.BackupSet) error {
	result, err := o.consistency.Verify(ctx, cp)
	if err != nil {
		set.RecordFailure("", err)
		o.consistency.Rollback(ctx, cp)
		o.emit(backup.NewEvent(backup.EventConsistencyPointRolledBack, set.ID, set.Schedule).
			With("cp_id", cp.ID))
		return err
	}
	cp.Verification = result
	if !result.Passed() {
		if cp.Level == backup.ConsistencyLevelStrict {
			err := backup.NewConsistencyViolationError("consistency point verification failed", nil)
			set.RecordFailure("", err)
			o.consistency.Rollback(ctx, cp)
			o.emit(backup.NewEvent(backup.EventConsistencyPointRolledBack, set.ID, set.Schedule).
				With("cp_id", cp.ID))
			return err
		}
		o.logger.WithField("cp_id", cp.ID).
			WithField("set_id", set.ID).
			Warn("consistency verification reported violations, level permits keeping the point")
	}
	if err := o.consistency.Complete(ctx, cp); err != nil {
		return err
	}
	// The sealed point travels with the set so a later point-in-time
	// restore can stop both stores at its captured positions.
	set.ConsistencyPoint = cp
	return nil
}

// validateSet runs post-backup validation at the configured depth. A
// failed validation fails the run: a set that cannot be read back is
// not a backup.
func (o *Orchestrator) validateSet(ctx context.Context, set *backup.BackupSet) error {
	if o.validator == nil {
		return nil
	}
	report, err := o.validator.ValidateSet(ctx, set, validate.Level(o.cfg.ValidationLevel))
	if err != nil {
		return err
	}
	if !report.Passed {
		return backup.NewValidationError(
			fmt.Sprintf("post-backup validation failed for set %s at level %s", set.ID, report.Level), nil)
	}
	return nil
}

// replicateSet pushes the completed set to the secondary regions.
// Replication problems never fail the run, the primary copy is safe; a
// partial result is surfaced so an operator can re-push.
func (o *Orchestrator) replicateSet(ctx context.Context, schedule *backup.Schedule, set *backup.BackupSet) {
	if !schedule.MultiRegion || o.replicator == nil || len(o.replicator.Targets()) == 0 {
		return
	}
	result, err := o.replicator.Replicate(ctx, set, o.catalog.SidecarPath(set.ID))
	if err != nil {
		o.logger.WithError(err).WithField("set_id", set.ID).Error("replication failed in all regions")
		o.emit(backup.NewEvent(backup.EventPartialReplication, set.ID, schedule.Name).
			With("replicated", 0).
			With("error", err.Error()))
		return
	}
	set.RegionReplicas = result.Replicated
	if result.Partial() {
		o.emit(backup.NewEvent(backup.EventPartialReplication, set.ID, schedule.Name).
			With("replicated", len(result.Replicated)).
			With("failed", len(result.Failed)))
	}
	if err := o.catalog.Save(ctx, set); err != nil {
		o.logger.WithError(err).WithField("set_id", set.ID).Warn("failed to record replica regions")
	}
}

func (o *Orchestrator) enforceRetention(ctx context.Context, schedule *backup.Schedule) {
	if o.retention == nil {
		return
	}
	// Age-only policies carry no count; the gate is whether any policy
	// is declared at all.
	if schedule.Retention.CountKeep <= 0 && schedule.Retention.MaxAge <= 0 {
		return
	}
	report, err := o.retention.Enforce(ctx, map[string]*backup.Schedule{schedule.Name: schedule}, false)
	if err != nil {
		o.logger.WithError(err).WithField("schedule", schedule.Name).Warn("retention enforcement failed")
		return
	}
	if len(report.Removed) > 0 {
		o.logger.WithField("schedule", schedule.Name).
			WithField("removed", len(report.Removed)).
			Info("retention removed expired sets")
	}
}

func (o *Orchestrator) failRun(ctx context.Context, set *backup.BackupSet, startedAt time.Time, cause error) (*backup.BackupSet, error) {
	completedAt := time.Now().UTC()
	set.CompletedAt = &completedAt
	set.DurationMS = completedAt.Sub(startedAt).Milliseconds()
	set.Status = backup.SetStatusFailed
	if len(set.FailureRecords) == 0 {
		set.RecordFailure("", cause)
	}
	if err := o.catalog.Save(ctx, set); err != nil {
		o.logger.WithError(err).WithField("set_id", set.ID).Error("failed to persist failed set")
	}
	o.finishRun(set, startedAt)
	o.logger.WithError(cause).WithField("set_id", set.ID).Error("backup run failed")
	return set, cause
}

func (o *Orchestrator) finishRun(set *backup.BackupSet, startedAt time.Time) {
	o.metrics.RecordFinish(RunRecord{
		SetID:      set.ID,
		Schedule:   set.Schedule,
		Status:     set.Status,
		StartedAt:  startedAt,
		Duration:   time.Since(startedAt),
		TotalBytes: set.TotalBytes(),
	})
}

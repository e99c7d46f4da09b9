// Package recovery plans and executes restores from backup sets: full
// restores, point-in-time restores through WAL and oplog replay, and
// dry runs staged under recovery-tests/ that never touch live stores.
package recovery

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"multistore-backup/internal/backup"
	"multistore-backup/internal/engine/files"
	"multistore-backup/internal/engine/mongo"
	"multistore-backup/internal/engine/postgres"
	"multistore-backup/internal/logging"
)

// RelationalRestorer is the slice of the relational engine recovery needs
type RelationalRestorer interface {
	Restore(ctx context.Context, dumpPath string) error
	TestRestore(ctx context.Context, dumpPath string) (*postgres.TestRestoreResult, error)
	StageWAL(ctx context.Context, walArtifactPath, dstDir string, stopLSN backup.LSN) (*postgres.StagedWAL, error)
}

// DocumentRestorer is the slice of the document engine recovery needs
type DocumentRestorer interface {
	Restore(ctx context.Context, archivePath string, dryRun bool) error
	ReplayOplog(ctx context.Context, oplogPath string, until backup.OplogTimestamp) (*mongo.OplogReplayResult, error)
}

// Coordinator builds and runs restore plans
type Coordinator struct {
	catalog    *backup.Catalog
	chain      *backup.TransformChain
	relational RelationalRestorer
	document   DocumentRestorer
	backupRoot string
	logger     *logging.Logger
}

// NewCoordinator wires the coordinator. Either restorer may be nil when
// the corresponding store is not configured; plans then skip its steps.
func NewCoordinator(catalog *backup.Catalog, chain *backup.TransformChain, relational RelationalRestorer, document DocumentRestorer, backupRoot string, logger *logging.Logger) *Coordinator {
	return &Coordinator{
		catalog:    catalog,
		chain:      chain,
		relational: relational,
		document:   document,
		backupRoot: backupRoot,
		logger:     logger,
	}
}

// Options selects what to restore
type Options struct {
	SetID      string             // restore exactly this set; empty selects by time
	TargetTime *time.Time         // point-in-time target; nil means latest
	Types      []backup.BackupType // subset of the set; empty means everything it has
	DryRun     bool
}

// Step is one ordered restore action
type Step struct {
	Order    int               `json:"order"`
	Type     backup.BackupType `json:"type"`
	SetID    string            `json:"set_id"`
	Artifact *backup.Artifact  `json:"artifact"`
}

// Plan is an ordered, checksum-verified restore plan
type Plan struct {
	ID                 string                   `json:"id"`
	BaseSetID          string                   `json:"base_set_id"`
	ConsistencyPointID string                   `json:"consistency_point_id,omitempty"`
	ConsistencyPoint   *backup.ConsistencyPoint `json:"consistency_point,omitempty"`
	TargetTime         *time.Time               `json:"target_time,omitempty"`
	DryRun             bool                     `json:"dry_run"`
	Steps              []Step                   `json:"steps"`
	CreatedAt          time.Time                `json:"created_at"`
}

// walStopLSN is the relational replay stop position. The stored
// consistency point pins both stores to one logical instant; zero means
// replay every staged segment.
func (p *Plan) walStopLSN() backup.LSN {
	if p.ConsistencyPoint != nil {
		return p.ConsistencyPoint.RelationalLSN
	}
	return 0
}

// oplogStop is the document replay stop position: the consistency
// point's captured timestamp when the base set has one, otherwise the
// wall-clock target as the only available bound.
func (p *Plan) oplogStop() backup.OplogTimestamp {
	if p.ConsistencyPoint != nil {
		return p.ConsistencyPoint.DocumentTS
	}
	if p.TargetTime != nil {
		return backup.OplogTimestamp{T: uint32(p.TargetTime.Unix())}
	}
	return backup.OplogTimestamp{}
}

// restoreOrder fixes the cross-store sequence: the relational store
// first (it holds the references everything else points at), then
// documents, then the caches and files.
var restoreOrder = map[backup.BackupType]int{
	backup.BackupTypeRelationalFull:   1,
	backup.BackupTypeRelationalWAL:    2,
	backup.BackupTypeDocumentFull:     3,
	backup.BackupTypeDocumentSnapshot: 3,
	backup.BackupTypeDocumentGridFS:   3,
	backup.BackupTypeDocumentOplog:    4,
	backup.BackupTypeKVSnapshot:       5,
	backup.BackupTypeFiles:            6,
}

// Plan selects the base set, gathers the incremental chain up to the
// target time, verifies every artifact's checksum, and produces the
// ordered step list. A checksum mismatch refuses the whole plan.
func (c *Coordinator) Plan(ctx context.Context, opts Options) (*Plan, error) {
	base, err := c.selectBaseSet(ctx, opts)
	if err != nil {
		return nil, err
	}

	plan := &Plan{
		ID:                 "restore-" + backup.GenerateSetID(time.Now().UTC()),
		BaseSetID:          base.ID,
		ConsistencyPointID: base.ConsistencyPointID,
		ConsistencyPoint:   base.ConsistencyPoint,
		TargetTime:         opts.TargetTime,
		DryRun:             opts.DryRun,
		CreatedAt:          time.Now().UTC(),
	}

	wanted := func(t backup.BackupType) bool {
		if len(opts.Types) == 0 {
			return true
		}
		for _, w := range opts.Types {
			if w == t {
				return true
			}
		}
		return false
	}

	for typ, artifact := range base.Parts {
		if artifact.Failed || !wanted(typ) {
			continue
		}
		plan.Steps = append(plan.Steps, Step{Type: typ, SetID: base.ID, Artifact: artifact})
	}

	if opts.TargetTime != nil {
		if err := c.appendIncrementalChain(ctx, plan, base, *opts.TargetTime, wanted); err != nil {
			return nil, err
		}
	}

	sort.SliceStable(plan.Steps, func(i, j int) bool {
		oi, oj := restoreOrder[plan.Steps[i].Type], restoreOrder[plan.Steps[j].Type]
		if oi != oj {
			return oi < oj
		}
		return plan.Steps[i].Artifact.CreatedAt.Before(plan.Steps[j].Artifact.CreatedAt)
	})
	for i := range plan.Steps {
		plan.Steps[i].Order = i + 1
	}

	if err := c.verifyPlanChecksums(plan); err != nil {
		return nil, err
	}
	return plan, nil
}

func (c *Coordinator) selectBaseSet(ctx context.Context, opts Options) (*backup.BackupSet, error) {
	if opts.SetID != "" {
		set, err := c.catalog.Load(ctx, opts.SetID)
		if err != nil {
			return nil, err
		}
		if set.Status != backup.SetStatusCompleted {
			return nil, backup.NewValidationError(
				fmt.Sprintf("set %s is %s, only completed sets are restorable", set.ID, set.Status), nil)
		}
		return set, nil
	}

	completed := backup.SetStatusCompleted
	filter := backup.Filter{Status: &completed}
	if opts.TargetTime != nil {
		filter.Until = opts.TargetTime
	}
	sets, err := c.catalog.List(ctx, filter)
	if err != nil {
		return nil, err
	}
	// Newest first; the base must carry at least one full artifact.
	for _, set := range sets {
		if set.HasType(backup.BackupTypeRelationalFull) ||
			set.HasType(backup.BackupTypeDocumentFull) ||
			set.HasType(backup.BackupTypeFullSystem) {
			return set, nil
		}
	}
	return nil, backup.NewNotFoundError("no completed full backup set found for the requested target", nil)
}

// appendIncrementalChain pulls WAL and oplog artifacts from completed
// sets between the base and the target time
func (c *Coordinator) appendIncrementalChain(ctx context.Context, plan *Plan, base *backup.BackupSet, target time.Time, wanted func(backup.BackupType) bool) error {
	completed := backup.SetStatusCompleted
	sets, err := c.catalog.List(ctx, backup.Filter{Status: &completed, Since: &base.CreatedAt, Until: &target})
	if err != nil {
		return err
	}
	for _, set := range sets {
		if set.ID == base.ID {
			continue
		}
		for typ, artifact := range set.Parts {
			if artifact.Failed {
				continue
			}
			if typ != backup.BackupTypeRelationalWAL && typ != backup.BackupTypeDocumentOplog {
				continue
			}
			if !wanted(typ) {
				continue
			}
			plan.Steps = append(plan.Steps, Step{Type: typ, SetID: set.ID, Artifact: artifact})
		}
	}
	return nil
}

// verifyPlanChecksums re-hashes every artifact the plan references
func (c *Coordinator) verifyPlanChecksums(plan *Plan) error {
	for _, step := range plan.Steps {
		actual, err := backup.ChecksumFile(step.Artifact.Path)
		if err != nil {
			return backup.NewIntegrityError(
				fmt.Sprintf("artifact %s of set %s is unreadable", step.Artifact.Path, step.SetID), err)
		}
		if actual != step.Artifact.Checksum {
			return backup.NewIntegrityError(
				fmt.Sprintf("artifact %s of set %s fails checksum verification, refusing to restore", step.Artifact.Path, step.SetID), nil)
		}
	}
	return nil
}

// StepResult is the outcome of one executed step
type StepResult struct {
	Step     Step          `json:"step"`
	Status   string        `json:"status"` // completed | skipped | failed
	Detail   string        `json:"detail,omitempty"`
	Duration time.Duration `json:"duration"`
}

// ExecutionReport is the outcome of one plan run
type ExecutionReport struct {
	PlanID     string       `json:"plan_id"`
	DryRun     bool         `json:"dry_run"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at"`
	Results    []StepResult `json:"results"`
	Succeeded  bool         `json:"succeeded"`
}

// Execute runs the plan's steps in order. The first failed step aborts
// the run: continuing a restore past a broken link would leave the
// stores in a mixed state worse than the one being repaired.
func (c *Coordinator) Execute(ctx context.Context, plan *Plan) (*ExecutionReport, error) {
	report := &ExecutionReport{
		PlanID:    plan.ID,
		DryRun:    plan.DryRun,
		StartedAt: time.Now().UTC(),
		Succeeded: true,
	}

	workDir := filepath.Join(c.backupRoot, "recovery-tests", plan.ID)
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return nil, backup.NewStorageError("failed to create recovery work directory", err)
	}

	for _, step := range plan.Steps {
		start := time.Now()
		status, detail, err := c.executeStep(ctx, plan, step, workDir)
		result := StepResult{Step: step, Status: status, Detail: detail, Duration: time.Since(start)}
		if err != nil {
			result.Status = "failed"
			result.Detail = err.Error()
			report.Results = append(report.Results, result)
			report.Succeeded = false
			report.FinishedAt = time.Now().UTC()
			return report, err
		}
		report.Results = append(report.Results, result)
		c.logger.WithFields(map[string]interface{}{
			"plan":   plan.ID,
			"step":   string(step.Type),
			"status": status,
		}).Info("restore step finished")
	}

	report.FinishedAt = time.Now().UTC()
	return report, nil
}

func (c *Coordinator) executeStep(ctx context.Context, plan *Plan, step Step, workDir string) (string, string, error) {
	decoded, cleanup, err := c.decode(step.Artifact, workDir)
	if err != nil {
		return "", "", err
	}
	defer cleanup()

	switch step.Type {
	case backup.BackupTypeRelationalFull:
		if c.relational == nil {
			return "skipped", "relational store not configured", nil
		}
		if plan.DryRun {
			result, err := c.relational.TestRestore(ctx, decoded)
			if err != nil {
				return "", "", err
			}
			return "completed", fmt.Sprintf("test restore loaded %d tables", result.TableCount), nil
		}
		return "completed", "", c.relational.Restore(ctx, decoded)

	case backup.BackupTypeRelationalWAL:
		if c.relational == nil {
			return "skipped", "relational store not configured", nil
		}
		stop := plan.walStopLSN()
		if meta := step.Artifact.Relational; stop != 0 && meta != nil &&
			!postgres.WALCovers(meta, stop) && meta.StartLSN > stop {
			return "skipped", fmt.Sprintf("segment range starts past the replay stop position %s", stop), nil
		}
		staged, err := c.relational.StageWAL(ctx, decoded, filepath.Join(workDir, "wal"), stop)
		if err != nil {
			return "", "", err
		}
		return "completed", fmt.Sprintf("%d segments staged for replay up to %s", len(staged.SegmentNames()), staged.EndLSN), nil

	case backup.BackupTypeDocumentFull, backup.BackupTypeDocumentSnapshot:
		if c.document == nil {
			return "skipped", "document store not configured", nil
		}
		return "completed", "", c.document.Restore(ctx, decoded, plan.DryRun)

	case backup.BackupTypeDocumentOplog:
		if c.document == nil {
			return "skipped", "document store not configured", nil
		}
		if plan.DryRun {
			return "skipped", "oplog replay writes to the live store", nil
		}
		result, err := c.document.ReplayOplog(ctx, decoded, plan.oplogStop())
		if err != nil {
			return "", "", err
		}
		return "completed", fmt.Sprintf("%d operations applied", result.Applied), nil

	case backup.BackupTypeDocumentGridFS:
		dst := filepath.Join(workDir, filepath.Base(step.Artifact.Path)+".gridfs")
		if err := copyFile(decoded, dst); err != nil {
			return "", "", err
		}
		return "completed", "bucket export staged at " + dst + " for manual import", nil

	case backup.BackupTypeKVSnapshot:
		dst := filepath.Join(workDir, filepath.Base(step.Artifact.Path)+".rdb")
		if err := copyFile(decoded, dst); err != nil {
			return "", "", err
		}
		return "completed", "snapshot staged at " + dst + "; swap it in and restart the store", nil

	case backup.BackupTypeFiles:
		restored, err := c.restoreFiles(ctx, decoded, plan.DryRun, workDir)
		if err != nil {
			return "", "", err
		}
		return "completed", fmt.Sprintf("%d files restored", restored), nil

	default:
		return "skipped", "no restore handler for " + string(step.Type), nil
	}
}

// restoreFiles walks the manifest and copies every entry back to its
// source path, or into the work directory on a dry run. Reference
// entries copy from the earlier set's directory their backup path
// points into.
func (c *Coordinator) restoreFiles(ctx context.Context, manifestPath string, dryRun bool, workDir string) (int, error) {
	manifest, err := files.ReadManifest(manifestPath)
	if err != nil {
		return 0, err
	}

	restored := 0
	for _, entry := range manifest.Files {
		select {
		case <-ctx.Done():
			return restored, backup.NewTimeoutError("file restore cancelled", ctx.Err())
		default:
		}
		dst := entry.SourcePath
		if dryRun {
			// Keep the source layout so same-named files from different
			// directories cannot overwrite each other.
			rel := strings.TrimPrefix(filepath.ToSlash(entry.SourcePath), "/")
			dst = filepath.Join(workDir, "files", filepath.FromSlash(rel))
		}
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return restored, backup.NewStorageError("failed to create restore directory", err)
		}
		if err := copyFile(entry.BackupPath, dst); err != nil {
			return restored, err
		}
		restored++
	}
	return restored, nil
}

func (c *Coordinator) decode(artifact *backup.Artifact, workDir string) (string, func(), error) {
	if !artifact.Compressed && !artifact.Encrypted {
		return artifact.Path, func() {}, nil
	}
	dst := filepath.Join(workDir, filepath.Base(artifact.Path)+".decoded")
	if err := c.chain.Invert(artifact, dst); err != nil {
		return "", nil, err
	}
	return dst, func() { os.Remove(dst) }, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return backup.NewStorageError("failed to open file for restore", err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return backup.NewStorageError("failed to create restored file", err)
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return backup.NewStorageError("failed to copy restored file", err)
	}
	return out.Sync()
}

// Package retention expires old backup sets per schedule policy. A set
// is removable only when it is older than the policy's age limit AND
// enough newer completed sets of the same schedule exist; the newest
// completed set of a schedule survives any policy.
package retention

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"multistore-backup/internal/backup"
	"multistore-backup/internal/engine/files"
	"multistore-backup/internal/logging"
	"multistore-backup/internal/replicate"
)

// IndexSource yields the file index once the file engine has loaded
// it. The files engine satisfies this directly.
type IndexSource interface {
	Index() *files.Index
}

// Manager enforces retention policies over the catalog
type Manager struct {
	catalog    *backup.Catalog
	indexes    IndexSource
	replicator *replicate.Replicator
	logger     *logging.Logger
	now        func() time.Time
}

// NewManager builds the retention manager. indexes and replicator may
// be nil when the file engine or multi-region replication is not
// configured.
func NewManager(catalog *backup.Catalog, indexes IndexSource, replicator *replicate.Replicator, logger *logging.Logger) *Manager {
	return &Manager{
		catalog:    catalog,
		indexes:    indexes,
		replicator: replicator,
		logger:     logger,
		now:        time.Now,
	}
}

// Removal records one expired set
type Removal struct {
	SetID      string `json:"set_id"`
	Schedule   string `json:"schedule"`
	FreedBytes int64  `json:"freed_bytes"`
	Unlinked   int    `json:"unlinked_index_entries"`
}

// Report summarizes one enforcement pass
type Report struct {
	Evaluated  int       `json:"evaluated"`
	Removed    []Removal `json:"removed"`
	Kept       int       `json:"kept"`
	FreedBytes int64     `json:"freed_bytes"`
	DryRun     bool      `json:"dry_run"`
}

// Enforce applies every schedule's policy. With dryRun set, it reports
// what would be removed without touching anything.
func (m *Manager) Enforce(ctx context.Context, schedules map[string]*backup.Schedule, dryRun bool) (*Report, error) {
	report := &Report{DryRun: dryRun}

	for name, schedule := range schedules {
		if schedule.Retention.CountKeep <= 0 && schedule.Retention.MaxAge <= 0 {
			continue
		}
		if err := m.enforceSchedule(ctx, name, schedule.Retention, dryRun, report); err != nil {
			return report, err
		}
	}
	return report, nil
}

func (m *Manager) enforceSchedule(ctx context.Context, schedule string, policy backup.RetentionPolicy, dryRun bool, report *Report) error {
	completed := backup.SetStatusCompleted
	sets, err := m.catalog.List(ctx, backup.Filter{Schedule: schedule, Status: &completed})
	if err != nil {
		return err
	}
	report.Evaluated += len(sets)

	cutoff := m.now().Add(-policy.MaxAge)
	// Listing is newest first, so index == number of newer completed sets.
	for i, set := range sets {
		if i == 0 {
			report.Kept++
			continue
		}
		removable := i >= policy.CountKeep
		if policy.MaxAge > 0 && set.CreatedAt.After(cutoff) {
			removable = false
		}
		if !removable {
			report.Kept++
			continue
		}

		freed := set.TotalBytes()
		if dryRun {
			report.Removed = append(report.Removed, Removal{SetID: set.ID, Schedule: schedule, FreedBytes: freed})
			report.FreedBytes += freed
			continue
		}

		unlinked, err := m.removeSet(ctx, set)
		if err != nil {
			return err
		}
		report.Removed = append(report.Removed, Removal{
			SetID:      set.ID,
			Schedule:   schedule,
			FreedBytes: freed,
			Unlinked:   unlinked,
		})
		report.FreedBytes += freed
		m.logger.WithFields(map[string]interface{}{
			"set":      set.ID,
			"schedule": schedule,
			"freed":    freed,
		}).Info("expired backup set removed")
	}
	return nil
}

// removeSet deletes one set in order: file index unlink first so nothing
// references the copies, then artifacts, then remote replicas, and the
// sidecar last. The sidecar surviving a partial failure keeps the set
// visible for a retry instead of orphaning its remains.
func (m *Manager) removeSet(ctx context.Context, set *backup.BackupSet) (int, error) {
	unlinked := 0
	if index := m.fileIndex(); index != nil && set.HasType(backup.BackupTypeFiles) {
		unlinked = index.UnlinkSet(set.ID)
		if err := index.Save(); err != nil {
			return 0, backup.NewRetentionConflictError(
				fmt.Sprintf("failed to persist index unlink for set %s: %v", set.ID, err))
		}
	}

	for _, artifact := range set.Parts {
		if err := removeArtifact(artifact); err != nil {
			return unlinked, backup.NewRetentionConflictError(
				fmt.Sprintf("failed to remove artifact of set %s: %v", set.ID, err))
		}
	}

	if m.replicator != nil && len(set.RegionReplicas) > 0 {
		if err := m.replicator.DeleteSet(ctx, set.ID); err != nil {
			return unlinked, backup.NewRetentionConflictError(
				fmt.Sprintf("failed to remove replicas of set %s: %v", set.ID, err))
		}
	}

	if err := m.catalog.Delete(ctx, set.ID); err != nil {
		return unlinked, err
	}
	return unlinked, nil
}

func (m *Manager) fileIndex() *files.Index {
	if m.indexes == nil {
		return nil
	}
	return m.indexes.Index()
}

func removeArtifact(artifact *backup.Artifact) error {
	if artifact == nil || artifact.Path == "" {
		return nil
	}
	if err := os.Remove(artifact.Path); err != nil && !os.IsNotExist(err) {
		return err
	}
	if artifact.Files != nil {
		// The manifest sits inside the set's copy directory; remove the
		// whole directory with it.
		setDir := filepath.Dir(artifact.Files.ManifestPath)
		if err := os.RemoveAll(setDir); err != nil {
			return err
		}
	}
	return nil
}

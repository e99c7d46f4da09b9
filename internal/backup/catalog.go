package backup

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// Filter narrows catalog listings
type Filter struct {
	Schedule string
	Since    *time.Time
	Until    *time.Time
	Status   *SetStatus
	Type     BackupType
}

// Catalog persists BackupSet sidecars as JSON files under
// <backup_root>/metadata and serves listings from them. It is the
// single writer for sidecar files; concurrent readers go through it.
type Catalog struct {
	dir string
	mu  sync.RWMutex
}

// NewCatalog opens (and creates if needed) the sidecar directory
func NewCatalog(backupRoot string) (*Catalog, error) {
	dir := filepath.Join(backupRoot, "metadata")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, NewStorageError("failed to create metadata directory", err)
	}
	return &Catalog{dir: dir}, nil
}

// Save writes (or rewrites) the sidecar for a set. The write goes through
// a temp file and rename so a crash never leaves a torn sidecar.
func (c *Catalog) Save(ctx context.Context, set *BackupSet) error {
	if set == nil {
		return NewValidationError("backup set cannot be nil", nil)
	}
	data, err := set.ToJSON()
	if err != nil {
		return NewStorageError("failed to serialize backup set", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	tmp := c.sidecarPath(set.ID) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return NewStorageError("failed to write sidecar", err)
	}
	if err := os.Rename(tmp, c.sidecarPath(set.ID)); err != nil {
		return NewStorageError("failed to publish sidecar", err)
	}
	return nil
}

// Load reads one set by id
func (c *Catalog) Load(ctx context.Context, id string) (*BackupSet, error) {
	if id == "" {
		return nil, NewValidationError("backup set id is required", nil)
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	data, err := os.ReadFile(c.sidecarPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, NewNotFoundError(fmt.Sprintf("backup set %s not found", id), err)
		}
		return nil, NewStorageError("failed to read sidecar", err)
	}
	set := &BackupSet{}
	if err := set.FromJSON(data); err != nil {
		return nil, err
	}
	return set, nil
}

// List returns sets matching the filter, newest first
func (c *Catalog) List(ctx context.Context, filter Filter) ([]*BackupSet, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return nil, NewStorageError("failed to list metadata directory", err)
	}

	var sets []*BackupSet
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(c.dir, entry.Name()))
		if err != nil {
			continue
		}
		set := &BackupSet{}
		if err := set.FromJSON(data); err != nil {
			continue
		}
		if !matches(set, filter) {
			continue
		}
		sets = append(sets, set)
	}

	sort.Slice(sets, func(i, j int) bool {
		return sets[i].CreatedAt.After(sets[j].CreatedAt)
	})
	return sets, nil
}

// NewestCompleted returns the newest completed set of a schedule,
// or nil when none exists
func (c *Catalog) NewestCompleted(ctx context.Context, schedule string) (*BackupSet, error) {
	status := SetStatusCompleted
	sets, err := c.List(ctx, Filter{Schedule: schedule, Status: &status})
	if err != nil {
		return nil, err
	}
	if len(sets) == 0 {
		return nil, nil
	}
	return sets[0], nil
}

// Delete removes the sidecar of a set. Artifact deletion is the retention
// manager's job and happens before this.
func (c *Catalog) Delete(ctx context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := os.Remove(c.sidecarPath(id)); err != nil && !os.IsNotExist(err) {
		return NewStorageError("failed to remove sidecar", err)
	}
	return nil
}

// SidecarPath returns where a set's sidecar lives; replication uses it
// to ship the sidecar with the artifacts
func (c *Catalog) SidecarPath(id string) string {
	return c.sidecarPath(id)
}

func (c *Catalog) sidecarPath(id string) string {
	return filepath.Join(c.dir, id+".json")
}

func matches(set *BackupSet, filter Filter) bool {
	if filter.Schedule != "" && set.Schedule != filter.Schedule {
		return false
	}
	if filter.Since != nil && set.CreatedAt.Before(*filter.Since) {
		return false
	}
	if filter.Until != nil && set.CreatedAt.After(*filter.Until) {
		return false
	}
	if filter.Status != nil && set.Status != *filter.Status {
		return false
	}
	if filter.Type != "" && !set.HasType(filter.Type) {
		return false
	}
	return true
}

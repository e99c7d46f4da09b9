package replicate

import (
	"context"
	"fmt"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"multistore-backup/internal/backup"
	"multistore-backup/internal/config"
	"multistore-backup/internal/engine/files"
	"multistore-backup/internal/logging"
)

// Replicator fans a completed set out to every secondary region
type Replicator struct {
	targets []Target
	logger  *logging.Logger
}

// NewReplicator builds targets for every secondary region
func NewReplicator(regions []config.Region, logger *logging.Logger) (*Replicator, error) {
	r := &Replicator{logger: logger}
	for _, region := range regions {
		t, err := NewTarget(region)
		if err != nil {
			return nil, err
		}
		r.targets = append(r.targets, t)
	}
	return r, nil
}

// Targets reports the configured target names
func (r *Replicator) Targets() []string {
	names := make([]string, 0, len(r.targets))
	for _, t := range r.targets {
		names = append(names, t.Name())
	}
	return names
}

// Result reports which regions received the set
type Result struct {
	Replicated []string
	Failed     map[string]error
}

// Partial reports whether some but not all regions succeeded
func (res *Result) Partial() bool {
	return len(res.Failed) > 0 && len(res.Replicated) > 0
}

type upload struct {
	localPath string
	key       string
}

// Replicate copies every artifact of the set plus its sidecar to every
// target in parallel. A files artifact brings the copies behind its
// manifest along; a manifest whose backup paths point at nothing is no
// replica. One slow or broken region never blocks the others; the
// result says exactly who got the set.
func (r *Replicator) Replicate(ctx context.Context, set *backup.BackupSet, sidecarPath string) (*Result, error) {
	if len(r.targets) == 0 {
		return &Result{}, nil
	}

	var uploads []upload
	for _, artifact := range set.Parts {
		if artifact.Failed || artifact.Path == "" {
			continue
		}
		uploads = append(uploads, upload{
			localPath: artifact.Path,
			key:       SetKey(set.ID, filepath.Base(artifact.Path)),
		})
		if artifact.Files != nil && artifact.Files.ManifestPath != "" {
			if artifact.Files.ManifestPath != artifact.Path {
				uploads = append(uploads, upload{
					localPath: artifact.Files.ManifestPath,
					key:       SetKey(set.ID, filepath.Base(artifact.Files.ManifestPath)),
				})
			}
			copies, err := fileCopyUploads(set.ID, artifact.Files.ManifestPath)
			if err != nil {
				return nil, err
			}
			uploads = append(uploads, copies...)
		}
	}
	if sidecarPath != "" {
		uploads = append(uploads, upload{
			localPath: sidecarPath,
			key:       SetKey(set.ID, filepath.Base(sidecarPath)),
		})
	}

	result := &Result{Failed: make(map[string]error)}
	var mu sync.Mutex

	// Not WithContext: one region failing must not cancel the others.
	var g errgroup.Group
	for _, t := range r.targets {
		t := t
		g.Go(func() error {
			for _, u := range uploads {
				if err := t.Upload(ctx, u.localPath, u.key); err != nil {
					mu.Lock()
					result.Failed[t.Name()] = err
					mu.Unlock()
					r.logger.WithError(err).WithFields(map[string]interface{}{
						"region": t.Name(),
						"set":    set.ID,
					}).Error("replication to region failed")
					return nil
				}
			}
			mu.Lock()
			result.Replicated = append(result.Replicated, t.Name())
			mu.Unlock()
			return nil
		})
	}
	g.Wait()

	if len(result.Failed) == len(r.targets) {
		return result, backup.NewReplicationError(
			fmt.Sprintf("replication of set %s failed in every region: %s", set.ID, strings.Join(failedNames(result), ", ")), nil)
	}
	return result, nil
}

// DeleteSet removes a set's replicas from every region. Retention calls
// this when it expires a replicated set.
func (r *Replicator) DeleteSet(ctx context.Context, setID string) error {
	var firstErr error
	for _, t := range r.targets {
		if err := t.Delete(ctx, SetKey(setID)); err != nil {
			r.logger.WithError(err).WithFields(map[string]interface{}{
				"region": t.Name(),
				"set":    setID,
			}).Warn("failed to delete replica")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Health checks every target
func (r *Replicator) Health(ctx context.Context) map[string]error {
	results := make(map[string]error, len(r.targets))
	for _, t := range r.targets {
		results[t.Name()] = t.Health(ctx)
	}
	return results
}

// SetKey builds the object key for a set's files
func SetKey(setID string, parts ...string) string {
	return path.Join(append([]string{"sets", setID}, parts...)...)
}

// fileCopyUploads lists the backing copies behind a file-store manifest.
// Reference entries point into an earlier set's directory and already
// travel with that set; everything else lives beside the manifest and
// must be replicated with it, keyed by its path relative to the set
// directory so the manifest stays resolvable on the replica.
func fileCopyUploads(setID, manifestPath string) ([]upload, error) {
	manifest, err := files.ReadManifest(manifestPath)
	if err != nil {
		return nil, err
	}

	setDir := filepath.Dir(manifestPath)
	var uploads []upload
	for _, entry := range manifest.Files {
		if entry.Reference || entry.BackupPath == "" {
			continue
		}
		rel, err := filepath.Rel(setDir, entry.BackupPath)
		if err != nil || strings.HasPrefix(rel, "..") {
			rel = filepath.Base(entry.BackupPath)
		}
		uploads = append(uploads, upload{
			localPath: entry.BackupPath,
			key:       SetKey(setID, "files", filepath.ToSlash(rel)),
		})
	}
	return uploads, nil
}

func failedNames(res *Result) []string {
	names := make([]string, 0, len(res.Failed))
	for name := range res.Failed {
		names = append(names, name)
	}
	return names
}

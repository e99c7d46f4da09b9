// Package files implements the file-store backup engine: filtered scans,
// change detection against a persistent index, content dedup, bounded
// concurrent copying, and per-run manifests.
package files

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"multistore-backup/internal/backup"
	"multistore-backup/internal/config"
	"multistore-backup/internal/logging"
)

// Strategy selects which files a run copies
type Strategy string

const (
	StrategyFull         Strategy = "full"
	StrategyIncremental  Strategy = "incremental"  // changed since their last backup
	StrategyDifferential Strategy = "differential" // changed since the last full pass
)

// retryDelay is the initial wait before a failed copy is retried; it
// doubles on every further attempt.
const retryDelay = 200 * time.Millisecond

// Engine is the file-store backup engine
type Engine struct {
	cfg        config.FilesConfig
	root       string
	index      *Index
	logger     *logging.Logger
	retryDelay time.Duration
}

// New creates the file engine; the index is loaded on Initialize
func New(cfg config.FilesConfig, backupRoot string, logger *logging.Logger) *Engine {
	return &Engine{
		cfg:        cfg,
		root:       backupRoot,
		logger:     logger,
		retryDelay: retryDelay,
	}
}

// Name implements backup.Engine
func (e *Engine) Name() string { return "files" }

// Initialize loads the persistent index
func (e *Engine) Initialize(ctx context.Context) error {
	if e.index != nil {
		return nil
	}
	idx, err := OpenIndex(filepath.Join(e.root, "files", "index", "file_index.json"))
	if err != nil {
		return err
	}
	e.index = idx
	return nil
}

// Close persists the index
func (e *Engine) Close() error {
	if e.index != nil {
		return e.index.Save()
	}
	return nil
}

// Health verifies every configured root is readable
func (e *Engine) Health(ctx context.Context) (*backup.HealthReport, error) {
	start := time.Now()
	report := &backup.HealthReport{Component: e.Name(), CheckedAt: start}

	var unreachable []string
	for _, root := range e.cfg.Roots {
		if _, err := os.Stat(root); err != nil {
			unreachable = append(unreachable, root)
		}
	}
	switch {
	case len(unreachable) == len(e.cfg.Roots) && len(e.cfg.Roots) > 0:
		report.State = backup.HealthStateUnhealthy
		report.Message = "no file root is accessible"
	case len(unreachable) > 0:
		report.State = backup.HealthStateDegraded
		report.Message = "unreachable roots: " + strings.Join(unreachable, ", ")
	default:
		report.State = backup.HealthStateHealthy
	}
	report.Latency = time.Since(start)
	return report, nil
}

// Index exposes the file index so retention can unlink a set's copies
// before deleting them
func (e *Engine) Index() *Index { return e.index }

// Manifest is the per-run record written next to the copied files
type Manifest struct {
	SetID       string                   `json:"set_id"`
	Strategy    Strategy                 `json:"strategy"`
	CreatedAt   time.Time                `json:"created_at"`
	FileCount   int                      `json:"file_count"`
	DedupHits   int                      `json:"dedup_hits"`
	BytesCopied int64                    `json:"bytes_copied"`
	Skipped     int                      `json:"skipped"`
	ByExtension map[string]ExtensionStat `json:"by_extension"`
	Files       []ManifestEntry          `json:"files"`
}

// ExtensionStat aggregates manifest entries per file extension
type ExtensionStat struct {
	Count int   `json:"count"`
	Bytes int64 `json:"bytes"`
}

// ManifestEntry is one copied or deduplicated file
type ManifestEntry struct {
	SourcePath string    `json:"source_path"`
	BackupPath string    `json:"backup_path"`
	Size       int64     `json:"size"`
	ModTime    time.Time `json:"mod_time"`
	Checksum   string    `json:"checksum"`
	Category   string    `json:"category"`
	Reference  bool      `json:"reference,omitempty"`
}

// Backup copies every candidate the strategy selects into the set's
// directory under a bounded worker pool, verifies the copies, updates
// the index, and writes the manifest. The returned artifact points at
// the manifest; its checksum covers the manifest bytes, and the manifest
// in turn carries every file's checksum.
func (e *Engine) Backup(ctx context.Context, bctx *backup.Context, strategy Strategy) (*backup.Artifact, error) {
	if e.index == nil {
		return nil, backup.NewConfigurationError("file engine not initialized", nil)
	}
	if e.index.Len() == 0 {
		strategy = StrategyFull
	}

	scanner := NewScanner(e.cfg)
	candidates, skipped, err := scanner.Scan()
	if err != nil {
		return nil, err
	}

	selected := e.selectCandidates(candidates, strategy)
	e.logger.WithFields(map[string]interface{}{
		"set":      bctx.ID,
		"strategy": string(strategy),
		"scanned":  len(candidates),
		"selected": len(selected),
	}).Info("file scan complete")

	setDir := filepath.Join(e.root, "files", string(strategy), bctx.ID)
	if err := os.MkdirAll(setDir, 0o755); err != nil {
		return nil, backup.NewStorageError("failed to create set directory", err)
	}

	manifest := &Manifest{
		SetID:       bctx.ID,
		Strategy:    strategy,
		CreatedAt:   time.Now().UTC(),
		Skipped:     skipped,
		ByExtension: make(map[string]ExtensionStat),
	}

	var mu sync.Mutex
	workers := e.cfg.MaxConcurrentFiles
	if workers < 1 {
		workers = 1
	}
	byteBudget := e.cfg.MaxBytesInFlight
	if byteBudget < 1 {
		byteBudget = 1 << 30
	}
	bytesInFlight := semaphore.NewWeighted(byteBudget)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	for _, c := range selected {
		c := c
		g.Go(func() error {
			weight := c.Size
			if weight > byteBudget {
				weight = byteBudget
			}
			if err := bytesInFlight.Acquire(gctx, weight); err != nil {
				return backup.NewTimeoutError("file backup cancelled", err)
			}
			defer bytesInFlight.Release(weight)

			entry, err := e.backupOne(c, bctx.ID, setDir)
			if err != nil {
				return err
			}

			mu.Lock()
			manifest.Files = append(manifest.Files, *entry)
			manifest.FileCount++
			if entry.Reference {
				manifest.DedupHits++
			} else {
				manifest.BytesCopied += entry.Size
			}
			ext := strings.ToLower(filepath.Ext(entry.SourcePath))
			if ext == "" {
				ext = "(none)"
			}
			stat := manifest.ByExtension[ext]
			stat.Count++
			stat.Bytes += entry.Size
			manifest.ByExtension[ext] = stat
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(manifest.Files, func(i, j int) bool {
		return manifest.Files[i].SourcePath < manifest.Files[j].SourcePath
	})

	if strategy == StrategyFull {
		e.index.MarkFull(manifest.CreatedAt)
	}
	if err := e.index.Save(); err != nil {
		return nil, err
	}

	manifestPath := filepath.Join(setDir, "manifest.json")
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, backup.NewStorageError("failed to marshal manifest", err)
	}
	if err := os.WriteFile(manifestPath, data, 0o644); err != nil {
		return nil, backup.NewStorageError("failed to write manifest", err)
	}
	checksum, err := backup.ChecksumFile(manifestPath)
	if err != nil {
		return nil, err
	}

	return &backup.Artifact{
		Type:      backup.BackupTypeFiles,
		Path:      manifestPath,
		Bytes:     int64(len(data)),
		Checksum:  checksum,
		CreatedAt: time.Now().UTC(),
		Files: &backup.FilesMeta{
			FileCount:    manifest.FileCount,
			DedupHits:    manifest.DedupHits,
			ManifestPath: manifestPath,
			BytesCopied:  manifest.BytesCopied,
			Strategy:     string(strategy),
		},
	}, nil
}

// selectCandidates applies the strategy's change detection
func (e *Engine) selectCandidates(candidates []Candidate, strategy Strategy) []Candidate {
	if strategy == StrategyFull {
		return candidates
	}

	lastFull := e.index.LastFull()
	var selected []Candidate
	for _, c := range candidates {
		prev, known := e.index.Lookup(c.Path)
		switch strategy {
		case StrategyIncremental:
			if !known || prev.Size != c.Size || !prev.ModTime.Equal(c.ModTime) {
				selected = append(selected, c)
			}
		case StrategyDifferential:
			if !known || c.ModTime.After(lastFull) {
				selected = append(selected, c)
			}
		}
	}
	return selected
}

// backupOne checksums a candidate, dedups large files against already
// stored content, and otherwise copies and verifies it
func (e *Engine) backupOne(c Candidate, setID, setDir string) (*ManifestEntry, error) {
	checksum, err := backup.ChecksumFile(c.Path)
	if err != nil {
		return nil, err
	}

	entry := &ManifestEntry{
		SourcePath: c.Path,
		Size:       c.Size,
		ModTime:    c.ModTime,
		Checksum:   checksum,
		Category:   c.Category,
	}

	if e.cfg.DedupThreshold > 0 && c.Size >= e.cfg.DedupThreshold {
		if existing, ok := e.index.LookupDigest(checksum); ok {
			entry.BackupPath = existing
			entry.Reference = true
			e.index.Put(&IndexEntry{
				SourcePath: c.Path,
				Size:       c.Size,
				ModTime:    c.ModTime,
				Checksum:   checksum,
				BackupPath: existing,
				SetID:      setID,
				Reference:  true,
				BackedUpAt: time.Now().UTC(),
			})
			return entry, nil
		}
	}

	rel, err := filepath.Rel(c.Root, c.Path)
	if err != nil {
		rel = filepath.Base(c.Path)
	}
	dst := filepath.Join(setDir, rootLabel(c.Root), rel)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return nil, backup.NewStorageError("failed to create backup subdirectory", err)
	}

	if err := e.copyVerified(c, dst, checksum); err != nil {
		return nil, err
	}

	entry.BackupPath = dst
	e.index.Put(&IndexEntry{
		SourcePath: c.Path,
		Size:       c.Size,
		ModTime:    c.ModTime,
		Checksum:   checksum,
		BackupPath: dst,
		SetID:      setID,
		BackedUpAt: time.Now().UTC(),
	})
	return entry, nil
}

// copyVerified copies src to dst and, when verification is on, compares
// the copy's checksum against the source's, retrying the whole copy on
// mismatch. Retries back off exponentially starting at retryDelay.
func (e *Engine) copyVerified(c Candidate, dst, wantChecksum string) error {
	attempts := 1
	if e.cfg.VerifyCopies {
		attempts += e.cfg.VerifyRetries
	}

	var lastErr error
	delay := e.retryDelay
	for i := 0; i < attempts; i++ {
		if i > 0 {
			time.Sleep(delay)
			delay *= 2
		}
		if err := e.copyFile(c, dst); err != nil {
			lastErr = err
			continue
		}
		if !e.cfg.VerifyCopies {
			return nil
		}
		got, err := backup.ChecksumFile(dst)
		if err != nil {
			lastErr = err
			continue
		}
		if got == wantChecksum {
			return nil
		}
		lastErr = backup.NewIntegrityError(
			fmt.Sprintf("copy of %s failed verification", c.Path), nil)
	}
	os.Remove(dst)
	return lastErr
}

func (e *Engine) copyFile(c Candidate, dst string) error {
	in, err := os.Open(c.Path)
	if err != nil {
		return backup.NewStorageError("failed to open source file", err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return backup.NewStorageError("failed to create backup file", err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return backup.NewStorageError("failed to copy file", err)
	}
	if err := out.Close(); err != nil {
		return backup.NewStorageError("failed to finish file copy", err)
	}

	if e.cfg.PreserveMode {
		if err := os.Chmod(dst, c.Mode.Perm()); err != nil {
			return backup.NewStorageError("failed to preserve file mode", err)
		}
	}
	if e.cfg.PreserveTimes {
		if err := os.Chtimes(dst, c.ModTime, c.ModTime); err != nil {
			return backup.NewStorageError("failed to preserve file times", err)
		}
	}
	return nil
}

// rootLabel turns an absolute root into a stable directory name so
// files from different roots cannot collide
func rootLabel(root string) string {
	label := strings.Trim(filepath.ToSlash(root), "/")
	label = strings.ReplaceAll(label, "/", "_")
	if label == "" {
		label = "root"
	}
	return label
}

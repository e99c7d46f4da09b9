package files

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"multistore-backup/internal/backup"
	"multistore-backup/internal/config"
	"multistore-backup/internal/logging"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func newTestEngine(t *testing.T, cfg config.FilesConfig) *Engine {
	t.Helper()
	e := New(cfg, t.TempDir(), logging.NewDefaultLogger())
	require.NoError(t, e.Initialize(context.Background()))
	return e
}

func TestScannerFilters(t *testing.T) {
	srcDir := t.TempDir()
	writeFile(t, filepath.Join(srcDir, "photo.jpg"), "jpeg bytes")
	writeFile(t, filepath.Join(srcDir, "doc.pdf"), "pdf bytes")
	writeFile(t, filepath.Join(srcDir, "notes.txt"), "ignored extension")
	writeFile(t, filepath.Join(srcDir, "huge.jpg"), "0123456789012345678901234567890123456789")

	s := NewScanner(config.FilesConfig{
		Roots:       []string{srcDir},
		MaxFileSize: 20,
		FileTypes: map[string][]string{
			"images":    {"jpg"},
			"documents": {".pdf"},
		},
	})

	candidates, skipped, err := s.Scan()
	require.NoError(t, err)
	assert.Equal(t, 0, skipped)
	require.Len(t, candidates, 2)

	categories := map[string]string{}
	for _, c := range candidates {
		categories[filepath.Base(c.Path)] = c.Category
	}
	assert.Equal(t, "images", categories["photo.jpg"])
	assert.Equal(t, "documents", categories["doc.pdf"])
}

func TestScannerMinAgeSkipsFreshFiles(t *testing.T) {
	srcDir := t.TempDir()
	writeFile(t, filepath.Join(srcDir, "fresh.jpg"), "just written")

	s := NewScanner(config.FilesConfig{
		Roots:  []string{srcDir},
		MinAge: time.Hour,
	})
	candidates, _, err := s.Scan()
	require.NoError(t, err)
	assert.Empty(t, candidates)
}

func TestFullBackupWritesManifestAndIndex(t *testing.T) {
	srcDir := t.TempDir()
	writeFile(t, filepath.Join(srcDir, "a", "one.jpg"), "content one")
	writeFile(t, filepath.Join(srcDir, "two.pdf"), "content two")

	e := newTestEngine(t, config.FilesConfig{
		Roots:              []string{srcDir},
		MaxConcurrentFiles: 2,
		VerifyCopies:       true,
		VerifyRetries:      1,
	})

	artifact, err := e.Backup(context.Background(), &backup.Context{ID: "set-1"}, StrategyFull)
	require.NoError(t, err)

	assert.Equal(t, backup.BackupTypeFiles, artifact.Type)
	assert.Equal(t, 2, artifact.Files.FileCount)
	assert.Equal(t, 0, artifact.Files.DedupHits)
	assert.Equal(t, "full", artifact.Files.Strategy)
	assert.FileExists(t, artifact.Files.ManifestPath)

	checksum, err := backup.ChecksumFile(artifact.Path)
	require.NoError(t, err)
	assert.Equal(t, checksum, artifact.Checksum)

	assert.Equal(t, 2, e.index.Len())
	assert.False(t, e.index.LastFull().IsZero())
}

func TestDedupReferencesExistingContent(t *testing.T) {
	srcDir := t.TempDir()
	writeFile(t, filepath.Join(srcDir, "original.bin"), "identical payload")
	writeFile(t, filepath.Join(srcDir, "duplicate.bin"), "identical payload")

	e := newTestEngine(t, config.FilesConfig{
		Roots:              []string{srcDir},
		MaxConcurrentFiles: 1,
		DedupThreshold:     1,
	})

	artifact, err := e.Backup(context.Background(), &backup.Context{ID: "set-1"}, StrategyFull)
	require.NoError(t, err)

	assert.Equal(t, 2, artifact.Files.FileCount)
	assert.Equal(t, 1, artifact.Files.DedupHits)
	// Only the first copy moved bytes.
	assert.Equal(t, int64(len("identical payload")), artifact.Files.BytesCopied)
}

func TestIncrementalSelectsChangedFilesOnly(t *testing.T) {
	srcDir := t.TempDir()
	stable := filepath.Join(srcDir, "stable.jpg")
	churn := filepath.Join(srcDir, "churn.jpg")
	writeFile(t, stable, "stays the same")
	writeFile(t, churn, "version 1")

	e := newTestEngine(t, config.FilesConfig{
		Roots:              []string{srcDir},
		MaxConcurrentFiles: 2,
	})

	_, err := e.Backup(context.Background(), &backup.Context{ID: "set-1"}, StrategyFull)
	require.NoError(t, err)

	writeFile(t, churn, "version 2 with more bytes")

	artifact, err := e.Backup(context.Background(), &backup.Context{ID: "set-2"}, StrategyIncremental)
	require.NoError(t, err)
	assert.Equal(t, 1, artifact.Files.FileCount)
	assert.Equal(t, "incremental", artifact.Files.Strategy)
}

func TestFirstRunIsPromotedToFull(t *testing.T) {
	srcDir := t.TempDir()
	writeFile(t, filepath.Join(srcDir, "only.jpg"), "content")

	e := newTestEngine(t, config.FilesConfig{
		Roots:              []string{srcDir},
		MaxConcurrentFiles: 1,
	})

	artifact, err := e.Backup(context.Background(), &backup.Context{ID: "set-1"}, StrategyIncremental)
	require.NoError(t, err)
	assert.Equal(t, "full", artifact.Files.Strategy)
	assert.Equal(t, 1, artifact.Files.FileCount)
}

func TestCopyRetriesBackOffBeforeGivingUp(t *testing.T) {
	srcDir := t.TempDir()
	src := filepath.Join(srcDir, "flaky.bin")
	writeFile(t, src, "payload")

	e := newTestEngine(t, config.FilesConfig{
		Roots:        []string{srcDir},
		VerifyCopies: true,
		// Two retries after the first attempt: 5ms + 10ms of backoff.
		VerifyRetries: 2,
	})
	e.retryDelay = 5 * time.Millisecond

	info, err := os.Stat(src)
	require.NoError(t, err)
	c := Candidate{Path: src, Size: info.Size(), ModTime: info.ModTime(), Mode: info.Mode()}
	dst := filepath.Join(t.TempDir(), "flaky.bin")

	start := time.Now()
	err = e.copyVerified(c, dst, "not-the-real-checksum")
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.Equal(t, backup.ErrorKindIntegrity, backup.KindOf(err))
	assert.GreaterOrEqual(t, elapsed, 15*time.Millisecond)
	assert.NoFileExists(t, dst)
}

func TestIndexRoundTripAndUnlink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index", "file_index.json")
	idx, err := OpenIndex(path)
	require.NoError(t, err)

	idx.Put(&IndexEntry{
		SourcePath: "/data/a.jpg",
		Checksum:   "abc",
		BackupPath: "/backup/set-1/a.jpg",
		SetID:      "set-1",
	})
	idx.Put(&IndexEntry{
		SourcePath: "/data/b.jpg",
		Checksum:   "def",
		BackupPath: "/backup/set-2/b.jpg",
		SetID:      "set-2",
	})
	idx.MarkFull(time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, idx.Save())

	reloaded, err := OpenIndex(path)
	require.NoError(t, err)
	assert.Equal(t, 2, reloaded.Len())
	assert.Equal(t, idx.LastFull(), reloaded.LastFull())

	p, ok := reloaded.LookupDigest("abc")
	require.True(t, ok)
	assert.Equal(t, "/backup/set-1/a.jpg", p)

	removed := reloaded.UnlinkSet("set-1")
	assert.Equal(t, 1, removed)
	_, ok = reloaded.LookupDigest("abc")
	assert.False(t, ok)
	assert.Equal(t, 1, reloaded.Len())
}

func TestCorruptIndexSurfacesIntegrityError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "file_index.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	_, err := OpenIndex(path)
	require.Error(t, err)
	assert.Equal(t, backup.ErrorKindIntegrity, backup.KindOf(err))
}

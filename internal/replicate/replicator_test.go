package replicate

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"multistore-backup/internal/backup"
	"multistore-backup/internal/config"
	"multistore-backup/internal/engine/files"
	"multistore-backup/internal/logging"
)

func newLocalReplicator(t *testing.T, roots ...string) *Replicator {
	t.Helper()
	var regions []config.Region
	for i, root := range roots {
		regions = append(regions, config.Region{
			Name: "region-" + string(rune('a'+i)),
			Type: "local",
			Path: root,
		})
	}
	r, err := NewReplicator(regions, logging.NewDefaultLogger())
	require.NoError(t, err)
	return r
}

func makeSet(t *testing.T) (*backup.BackupSet, string) {
	t.Helper()
	dir := t.TempDir()
	artifactPath := filepath.Join(dir, "dump.tar.gz")
	require.NoError(t, os.WriteFile(artifactPath, []byte("artifact bytes"), 0o644))
	sidecarPath := filepath.Join(dir, "set-1.json")
	require.NoError(t, os.WriteFile(sidecarPath, []byte(`{"id":"set-1"}`), 0o644))

	return &backup.BackupSet{
		ID: "set-1",
		Parts: map[backup.BackupType]*backup.Artifact{
			backup.BackupTypeRelationalFull: {
				Type: backup.BackupTypeRelationalFull,
				Path: artifactPath,
			},
		},
	}, sidecarPath
}

func TestReplicateToAllRegions(t *testing.T) {
	rootA, rootB := t.TempDir(), t.TempDir()
	r := newLocalReplicator(t, rootA, rootB)
	set, sidecar := makeSet(t)

	result, err := r.Replicate(context.Background(), set, sidecar)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"region-a", "region-b"}, result.Replicated)
	assert.Empty(t, result.Failed)
	assert.False(t, result.Partial())

	for _, root := range []string{rootA, rootB} {
		assert.FileExists(t, filepath.Join(root, "sets", "set-1", "dump.tar.gz"))
		assert.FileExists(t, filepath.Join(root, "sets", "set-1", "set-1.json"))
	}
}

func TestReplicatePartialFailure(t *testing.T) {
	good := t.TempDir()
	bad := filepath.Join(t.TempDir(), "missing")
	r := newLocalReplicator(t, good)

	badTarget, err := NewTarget(config.Region{Name: "region-bad", Type: "local", Path: bad})
	require.NoError(t, err)
	r.targets = append(r.targets, badTarget)
	// The bad region's root does not exist as a directory tree the copy
	// can land in once we make it a file.
	require.NoError(t, os.WriteFile(bad, []byte("in the way"), 0o644))

	set, sidecar := makeSet(t)
	result, err := r.Replicate(context.Background(), set, sidecar)
	require.NoError(t, err)
	assert.Equal(t, []string{"region-a"}, result.Replicated)
	assert.Contains(t, result.Failed, "region-bad")
	assert.True(t, result.Partial())
}

func TestReplicateAllRegionsFailing(t *testing.T) {
	bad := filepath.Join(t.TempDir(), "blocked")
	require.NoError(t, os.WriteFile(bad, []byte("file, not dir"), 0o644))
	r := newLocalReplicator(t, bad)

	set, sidecar := makeSet(t)
	result, err := r.Replicate(context.Background(), set, sidecar)
	require.Error(t, err)
	assert.Equal(t, backup.ErrorKindReplication, backup.KindOf(err))
	assert.Empty(t, result.Replicated)
}

func TestReplicateIncludesFileCopies(t *testing.T) {
	setDir := t.TempDir()
	priorDir := t.TempDir()

	copyPath := filepath.Join(setDir, "documents", "report.pdf")
	require.NoError(t, os.MkdirAll(filepath.Dir(copyPath), 0o755))
	require.NoError(t, os.WriteFile(copyPath, []byte("report bytes"), 0o644))
	refPath := filepath.Join(priorDir, "unchanged.txt")
	require.NoError(t, os.WriteFile(refPath, []byte("old bytes"), 0o644))

	manifest := files.Manifest{
		SetID:     "set-2",
		Strategy:  files.StrategyIncremental,
		FileCount: 2,
		Files: []files.ManifestEntry{
			{SourcePath: "/srv/docs/report.pdf", BackupPath: copyPath, Size: 12},
			{SourcePath: "/srv/docs/unchanged.txt", BackupPath: refPath, Size: 9, Reference: true},
		},
	}
	manifestData, err := json.MarshalIndent(manifest, "", "  ")
	require.NoError(t, err)
	manifestPath := filepath.Join(setDir, "manifest.json")
	require.NoError(t, os.WriteFile(manifestPath, manifestData, 0o644))

	set := &backup.BackupSet{
		ID: "set-2",
		Parts: map[backup.BackupType]*backup.Artifact{
			backup.BackupTypeFiles: {
				Type:  backup.BackupTypeFiles,
				Path:  manifestPath,
				Files: &backup.FilesMeta{ManifestPath: manifestPath},
			},
		},
	}

	root := t.TempDir()
	r := newLocalReplicator(t, root)
	result, err := r.Replicate(context.Background(), set, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"region-a"}, result.Replicated)

	assert.FileExists(t, filepath.Join(root, "sets", "set-2", "manifest.json"))
	assert.FileExists(t, filepath.Join(root, "sets", "set-2", "files", "documents", "report.pdf"))
	// The reference entry belongs to the earlier set and must not be
	// re-uploaded under this one.
	assert.NoFileExists(t, filepath.Join(root, "sets", "set-2", "files", "unchanged.txt"))
}

func TestDeleteSetRemovesReplicas(t *testing.T) {
	root := t.TempDir()
	r := newLocalReplicator(t, root)
	set, sidecar := makeSet(t)

	_, err := r.Replicate(context.Background(), set, sidecar)
	require.NoError(t, err)
	require.NoError(t, r.DeleteSet(context.Background(), "set-1"))
	assert.NoDirExists(t, filepath.Join(root, "sets", "set-1"))
}

func TestUnknownRegionType(t *testing.T) {
	_, err := NewTarget(config.Region{Name: "x", Type: "ftp"})
	require.Error(t, err)
	assert.Equal(t, backup.ErrorKindConfiguration, backup.KindOf(err))
}

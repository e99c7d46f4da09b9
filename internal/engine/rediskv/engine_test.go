package rediskv

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"multistore-backup/internal/backup"
	"multistore-backup/internal/config"
	"multistore-backup/internal/logging"
)

func TestHealthUninitialized(t *testing.T) {
	e := New(config.RedisConfig{Addr: "localhost:6379"}, t.TempDir(), nil, logging.NewDefaultLogger())

	report, err := e.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, backup.HealthStateUnhealthy, report.State)
	assert.Equal(t, "rediskv", report.Component)
}

func TestCopySnapshotFile(t *testing.T) {
	src := filepath.Join(t.TempDir(), "dump.rdb")
	require.NoError(t, os.WriteFile(src, []byte("REDIS0011snapshot"), 0o644))

	dst := filepath.Join(t.TempDir(), "copy.rdb")
	require.NoError(t, copySnapshotFile(src, dst))

	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "REDIS0011snapshot", string(data))
}

func TestCopySnapshotFileMissingSource(t *testing.T) {
	err := copySnapshotFile(filepath.Join(t.TempDir(), "missing.rdb"), filepath.Join(t.TempDir(), "copy.rdb"))
	require.Error(t, err)
	assert.Equal(t, backup.ErrorKindStorage, backup.KindOf(err))
}

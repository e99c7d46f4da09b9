package postgres

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"multistore-backup/internal/backup"
	"multistore-backup/internal/config"
	"multistore-backup/internal/logging"
)

func newMockedEngine(t *testing.T) (*Engine, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	e := New(config.PostgresConfig{
		DSN:      "postgres://backup@localhost/app",
		DumpTool: "pg_dump",
	}, t.TempDir(), backup.NewTransformChain(false, backup.CompressionNone, 0, nil), logging.NewDefaultLogger(), backup.RetryPolicy{})
	e.db = db
	return e, mock
}

func TestCurrentLSN(t *testing.T) {
	e, mock := newMockedEngine(t)
	mock.ExpectQuery("SELECT pg_current_wal_lsn").
		WillReturnRows(sqlmock.NewRows([]string{"lsn"}).AddRow("16/B374D848"))

	lsn, err := e.CurrentLSN(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "16/B374D848", lsn.String())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHealthDegradedOnMinimalWALLevel(t *testing.T) {
	e, mock := newMockedEngine(t)
	mock.ExpectPing()
	mock.ExpectQuery("SHOW wal_level").
		WillReturnRows(sqlmock.NewRows([]string{"wal_level"}).AddRow("minimal"))

	report, err := e.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, backup.HealthStateDegraded, report.State)
}

func TestHealthHealthy(t *testing.T) {
	e, mock := newMockedEngine(t)
	mock.ExpectPing()
	mock.ExpectQuery("SHOW wal_level").
		WillReturnRows(sqlmock.NewRows([]string{"wal_level"}).AddRow("replica"))

	report, err := e.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, backup.HealthStateHealthy, report.State)
}

func TestEnsureArchivingRejectsMinimal(t *testing.T) {
	e, mock := newMockedEngine(t)
	mock.ExpectQuery("SHOW wal_level").
		WillReturnRows(sqlmock.NewRows([]string{"wal_level"}).AddRow("minimal"))

	err := e.ensureArchiving(context.Background())
	require.Error(t, err)
	assert.Equal(t, backup.ErrorKindWALDisabled, backup.KindOf(err))
	assert.True(t, backup.IsPermanent(err))
}

func TestWALRequiresConfiguredDir(t *testing.T) {
	e, _ := newMockedEngine(t)
	_, err := e.WAL(context.Background(), &backup.Context{ID: "s1"})
	require.Error(t, err)
	assert.Equal(t, backup.ErrorKindWALDisabled, backup.KindOf(err))
}

func TestParseSegmentName(t *testing.T) {
	tests := []struct {
		name    string
		valid   bool
		start   backup.LSN
	}{
		{"000000010000000000000001", true, backup.LSN(1 * walSegmentSize)},
		{"00000001000000160000002D", true, backup.LSN(0x16<<32 | 0x2D*walSegmentSize)},
		{"000000010000000000000001.partial", false, 0},
		{"archive_status", false, 0},
		{"zzzzzzzzzzzzzzzzzzzzzzzz", false, 0},
	}
	for _, tt := range tests {
		seg, ok := parseSegmentName(tt.name)
		assert.Equal(t, tt.valid, ok, tt.name)
		if tt.valid {
			assert.Equal(t, tt.start, seg.StartLSN, tt.name)
			assert.Equal(t, tt.start+walSegmentSize, seg.EndLSN, tt.name)
		}
	}
}

func TestSelectSegmentsWindow(t *testing.T) {
	walDir := t.TempDir()
	names := []string{
		"000000010000000000000001",
		"000000010000000000000002",
		"000000010000000000000003",
		"00000001.history",
	}
	for _, n := range names {
		require.NoError(t, os.WriteFile(filepath.Join(walDir, n), []byte("wal"), 0o644))
	}

	// since = end of segment 1, current = inside segment 3
	since := backup.LSN(2 * walSegmentSize)
	current := backup.LSN(3*walSegmentSize + 100)

	segments, err := selectSegments(walDir, since, current)
	require.NoError(t, err)
	require.Len(t, segments, 2)
	assert.Equal(t, "000000010000000000000002", segments[0].Name)
	assert.Equal(t, "000000010000000000000003", segments[1].Name)
}

func TestArchivePositionRoundTrip(t *testing.T) {
	e, _ := newMockedEngine(t)
	require.NoError(t, os.MkdirAll(filepath.Join(e.root, "postgresql", "metadata"), 0o755))

	assert.Equal(t, backup.LSN(0), e.loadArchivePosition())
	require.NoError(t, e.saveArchivePosition(backup.LSN(12345)))
	assert.Equal(t, backup.LSN(12345), e.loadArchivePosition())
}

func TestTarRoundTrip(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(src, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "toc.dat"), []byte("toc"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "sub", "1.dat"), []byte("data"), 0o644))

	tarFile := filepath.Join(t.TempDir(), "dump.tar")
	require.NoError(t, backup.TarDirectory(src, tarFile))

	dst := t.TempDir()
	require.NoError(t, backup.UntarDirectory(tarFile, dst))

	data, err := os.ReadFile(filepath.Join(dst, "sub", "1.dat"))
	require.NoError(t, err)
	assert.Equal(t, "data", string(data))
}

func TestDSNWithDatabase(t *testing.T) {
	tests := []struct {
		dsn  string
		want string
	}{
		{"postgres://u:p@host:5432/app?sslmode=disable", "postgres://u:p@host:5432/restore_scratch?sslmode=disable"},
		{"host=localhost dbname=app user=backup", "host=localhost user=backup dbname=restore_scratch"},
	}
	for _, tt := range tests {
		got, err := dsnWithDatabase(tt.dsn, "restore_scratch")
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}
}

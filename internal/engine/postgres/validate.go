package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"

	"multistore-backup/internal/backup"
)

// StructuralCheck verifies a decoded full-dump artifact can be read by
// the restore tool without touching any database. The artifact must
// already have its transforms inverted.
func (e *Engine) StructuralCheck(ctx context.Context, dumpPath string) error {
	if err := backup.LookupTool(e.cfg.RestoreTool); err != nil {
		return err
	}

	stageDir, err := os.MkdirTemp(filepath.Dir(dumpPath), "structural-")
	if err != nil {
		return backup.NewStorageError("failed to create structural check directory", err)
	}
	defer os.RemoveAll(stageDir)

	if err := backup.UntarDirectory(dumpPath, stageDir); err != nil {
		return backup.NewValidationError("dump artifact is not a readable archive", err)
	}

	_, err = backup.RunCommand(ctx, backup.CommandSpec{
		Name:       e.cfg.RestoreTool,
		Args:       []string{"--list", stageDir},
		StdoutPath: filepath.Join(stageDir, "toc.txt"),
		Timeout:    5 * time.Minute,
	})
	if err != nil {
		return backup.NewValidationError("dump table of contents is unreadable", err)
	}
	return nil
}

// TestRestoreResult summarizes a scratch restore
type TestRestoreResult struct {
	Database   string        `json:"database"`
	TableCount int           `json:"table_count"`
	Duration   time.Duration `json:"duration"`
}

// TestRestore loads a decoded full dump into the configured scratch
// database and counts the restored tables. The scratch database is
// created fresh and dropped afterwards, success or not.
func (e *Engine) TestRestore(ctx context.Context, dumpPath string) (*TestRestoreResult, error) {
	if e.cfg.ScratchDatabase == "" {
		return nil, backup.NewConfigurationError("postgres.scratch_database is not configured", nil)
	}
	if err := backup.LookupTool(e.cfg.RestoreTool); err != nil {
		return nil, err
	}

	start := time.Now()
	scratch := e.cfg.ScratchDatabase

	quoted := pq.QuoteIdentifier(scratch)
	if _, err := e.db.ExecContext(ctx, "DROP DATABASE IF EXISTS "+quoted); err != nil {
		return nil, backup.NewValidationError("failed to reset scratch database", err)
	}
	if _, err := e.db.ExecContext(ctx, "CREATE DATABASE "+quoted); err != nil {
		return nil, backup.NewValidationError("failed to create scratch database", err)
	}
	defer func() {
		e.db.Exec("DROP DATABASE IF EXISTS " + quoted)
	}()

	stageDir, err := os.MkdirTemp(filepath.Dir(dumpPath), "restore-test-")
	if err != nil {
		return nil, backup.NewStorageError("failed to create restore staging directory", err)
	}
	defer os.RemoveAll(stageDir)
	if err := backup.UntarDirectory(dumpPath, stageDir); err != nil {
		return nil, backup.NewValidationError("dump artifact is not a readable archive", err)
	}

	scratchDSN, err := dsnWithDatabase(e.cfg.DSN, scratch)
	if err != nil {
		return nil, err
	}

	workers := e.cfg.ParallelWorkers
	if workers < 1 {
		workers = 1
	}
	_, err = backup.RunCommand(ctx, backup.CommandSpec{
		Name: e.cfg.RestoreTool,
		Args: []string{
			"--dbname=" + scratchDSN,
			"--jobs=" + strconv.Itoa(workers),
			"--no-owner",
			"--exit-on-error",
			stageDir,
		},
		Timeout: e.cfg.DumpTimeout,
	})
	if err != nil {
		return nil, backup.NewValidationError("test restore failed", err)
	}

	count, err := countTables(ctx, scratchDSN)
	if err != nil {
		return nil, err
	}
	if count == 0 {
		return nil, backup.NewValidationError("test restore produced an empty database", nil)
	}

	return &TestRestoreResult{
		Database:   scratch,
		TableCount: count,
		Duration:   time.Since(start),
	}, nil
}

func countTables(ctx context.Context, dsn string) (int, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return 0, backup.NewConfigurationError("invalid scratch DSN", err)
	}
	defer db.Close()

	var count int
	err = db.QueryRowContext(ctx,
		"SELECT count(*) FROM information_schema.tables WHERE table_schema = 'public'").Scan(&count)
	if err != nil {
		return 0, backup.NewValidationError("failed to count restored tables", err)
	}
	return count, nil
}

// dsnWithDatabase rewrites the database name of a postgres DSN, handling
// both URL and key=value forms
func dsnWithDatabase(dsn, database string) (string, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		u, err := url.Parse(dsn)
		if err != nil {
			return "", backup.NewConfigurationError("failed to parse postgres DSN", err)
		}
		u.Path = "/" + database
		return u.String(), nil
	}

	parts := strings.Fields(dsn)
	out := make([]string, 0, len(parts)+1)
	for _, p := range parts {
		if strings.HasPrefix(p, "dbname=") {
			continue
		}
		out = append(out, p)
	}
	out = append(out, fmt.Sprintf("dbname=%s", database))
	return strings.Join(out, " "), nil
}

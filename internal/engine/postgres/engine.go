// Package postgres implements the relational backup engine: full dumps,
// WAL archival, and WAL-segment incrementals for a PostgreSQL-class store.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"multistore-backup/internal/backup"
	"multistore-backup/internal/config"
	"multistore-backup/internal/logging"
)

const walSegmentSize = 16 << 20

// Engine is the relational backup engine
type Engine struct {
	cfg    config.PostgresConfig
	root   string
	db     *sql.DB
	chain  *backup.TransformChain
	logger *logging.Logger
	retry  backup.RetryPolicy
}

// New creates the relational engine. The database handle is opened lazily
// in Initialize so construction never blocks.
func New(cfg config.PostgresConfig, backupRoot string, chain *backup.TransformChain, logger *logging.Logger, retry backup.RetryPolicy) *Engine {
	return &Engine{
		cfg:    cfg,
		root:   backupRoot,
		chain:  chain,
		logger: logger,
		retry:  retry,
	}
}

// Name implements backup.Engine
func (e *Engine) Name() string { return "postgres" }

// Initialize opens the connection pool and verifies connectivity
func (e *Engine) Initialize(ctx context.Context) error {
	if e.db != nil {
		return nil
	}
	db, err := sql.Open("postgres", e.dsn())
	if err != nil {
		return backup.NewConfigurationError("invalid postgres DSN", err)
	}
	db.SetMaxOpenConns(4)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return backup.NewConnectivityError("failed to connect to postgres", err)
	}
	e.db = db
	return nil
}

// Close releases the connection pool
func (e *Engine) Close() error {
	if e.db != nil {
		return e.db.Close()
	}
	return nil
}

// Health reports connectivity and WAL archival readiness
func (e *Engine) Health(ctx context.Context) (*backup.HealthReport, error) {
	start := time.Now()
	report := &backup.HealthReport{Component: e.Name(), CheckedAt: start}

	if e.db == nil {
		report.State = backup.HealthStateUnhealthy
		report.Message = "engine not initialized"
		return report, nil
	}
	if err := e.db.PingContext(ctx); err != nil {
		report.State = backup.HealthStateUnhealthy
		report.Message = err.Error()
		report.Latency = time.Since(start)
		return report, nil
	}

	var walLevel string
	if err := e.db.QueryRowContext(ctx, "SHOW wal_level").Scan(&walLevel); err == nil && walLevel == "minimal" {
		report.State = backup.HealthStateDegraded
		report.Message = "wal_level=minimal; WAL archival and incrementals unavailable"
	} else {
		report.State = backup.HealthStateHealthy
	}
	report.Latency = time.Since(start)
	return report, nil
}

// CurrentLSN reads the current write-ahead log position
func (e *Engine) CurrentLSN(ctx context.Context) (backup.LSN, error) {
	var raw string
	if err := e.db.QueryRowContext(ctx, "SELECT pg_current_wal_lsn()::text").Scan(&raw); err != nil {
		return 0, backup.NewConnectivityError("failed to read current LSN", err)
	}
	return backup.ParseLSN(raw)
}

// Full produces a complete dump artifact. The dump runs in directory
// format with parallel workers, is packed into a single tar, and then
// goes through the transform chain.
func (e *Engine) Full(ctx context.Context, bctx *backup.Context) (*backup.Artifact, error) {
	if err := backup.LookupTool(e.cfg.DumpTool); err != nil {
		return nil, err
	}

	startLSN, err := e.CurrentLSN(ctx)
	if err != nil {
		return nil, err
	}

	dumpDir, err := os.MkdirTemp(filepath.Join(e.root, "postgresql", "full"), bctx.ID+"-dump-")
	if err != nil {
		return nil, backup.NewStorageError("failed to create dump staging directory", err)
	}
	defer os.RemoveAll(dumpDir)

	workers := e.cfg.ParallelWorkers
	if cpus := runtime.NumCPU(); workers > cpus {
		workers = cpus
	}

	stageDir := filepath.Join(dumpDir, "pgdump")
	args := []string{
		"--format=directory",
		"--file=" + stageDir,
		"--jobs=" + strconv.Itoa(workers),
		"--compress=0",
		"--no-password",
	}
	for _, t := range e.cfg.ExcludedTables {
		args = append(args, "--exclude-table="+t)
	}
	args = append(args, "--dbname="+e.dumpDSN())

	runDump := func() error {
		os.RemoveAll(stageDir)
		result, err := backup.RunCommand(ctx, backup.CommandSpec{
			Name:    e.cfg.DumpTool,
			Args:    args,
			Timeout: e.cfg.DumpTimeout,
		})
		if err != nil {
			return err
		}
		e.logger.WithFields(map[string]interface{}{
			"set":      bctx.ID,
			"duration": result.Duration.String(),
		}).Debug("pg_dump completed")
		return nil
	}
	if err := e.retry.Do(ctx, runDump); err != nil {
		return nil, err
	}

	endLSN, err := e.CurrentLSN(ctx)
	if err != nil {
		return nil, err
	}

	dumpFile := filepath.Join(e.root, "postgresql", "full", bctx.ID+".pgdump.tar")
	if err := backup.TarDirectory(stageDir, dumpFile); err != nil {
		return nil, err
	}

	result, err := e.chain.Apply(dumpFile)
	if err != nil {
		return nil, err
	}

	return &backup.Artifact{
		Type:              backup.BackupTypeRelationalFull,
		Path:              result.Path,
		Bytes:             result.Bytes,
		UncompressedBytes: result.UncompressedBytes,
		Checksum:          result.Checksum,
		Compressed:        result.Compressed,
		Encrypted:         result.Encrypted,
		CreatedAt:         time.Now().UTC(),
		Relational:        &backup.RelationalMeta{StartLSN: startLSN, EndLSN: endLSN},
	}, nil
}

// WAL forces a segment switch, then archives every completed segment
// newer than the last archived position. Segments are compressed
// independently so partial restores remain possible.
func (e *Engine) WAL(ctx context.Context, bctx *backup.Context) (*backup.Artifact, error) {
	if e.cfg.WALDir == "" {
		return nil, backup.NewWALDisabledError("postgres.wal_dir is not configured")
	}
	if err := e.ensureArchiving(ctx); err != nil {
		return nil, err
	}

	// Switching flushes the partially filled segment so the archive set
	// is current up to the switch instant. Fails on a hot standby, which
	// is fine: the primary already switched for us.
	if _, err := e.db.ExecContext(ctx, "SELECT pg_switch_wal()"); err != nil {
		e.logger.WithError(err).Debug("pg_switch_wal failed, continuing with completed segments")
	}

	since := e.loadArchivePosition()
	return e.archiveSegments(ctx, bctx, since, backup.BackupTypeRelationalWAL)
}

// Incremental archives the WAL segments covering [sinceLSN, current]
func (e *Engine) Incremental(ctx context.Context, bctx *backup.Context, sinceLSN backup.LSN) (*backup.Artifact, error) {
	if e.cfg.WALDir == "" {
		return nil, backup.NewWALDisabledError("postgres.wal_dir is not configured")
	}
	if err := e.ensureArchiving(ctx); err != nil {
		return nil, err
	}
	return e.archiveSegments(ctx, bctx, sinceLSN, backup.BackupTypeRelationalWAL)
}

func (e *Engine) ensureArchiving(ctx context.Context) error {
	var walLevel string
	if err := e.db.QueryRowContext(ctx, "SHOW wal_level").Scan(&walLevel); err != nil {
		return backup.NewConnectivityError("failed to read wal_level", err)
	}
	if walLevel == "minimal" {
		return backup.NewWALDisabledError("store is running with wal_level=minimal")
	}
	return nil
}

func (e *Engine) archiveSegments(ctx context.Context, bctx *backup.Context, since backup.LSN, typ backup.BackupType) (*backup.Artifact, error) {
	currentLSN, err := e.CurrentLSN(ctx)
	if err != nil {
		return nil, err
	}

	segments, err := selectSegments(e.cfg.WALDir, since, currentLSN)
	if err != nil {
		return nil, err
	}

	stageDir, err := os.MkdirTemp(filepath.Join(e.root, "postgresql", "wal"), bctx.ID+"-wal-")
	if err != nil {
		return nil, backup.NewStorageError("failed to create WAL staging directory", err)
	}
	defer os.RemoveAll(stageDir)

	cm := backup.NewCompressionManager()
	index := walIndex{SinceLSN: since, EndLSN: currentLSN}
	for _, seg := range segments {
		select {
		case <-ctx.Done():
			return nil, backup.NewTimeoutError("WAL archival cancelled", ctx.Err())
		default:
		}
		dst := filepath.Join(stageDir, seg.Name+".gz")
		if _, err := cm.CompressFile(filepath.Join(e.cfg.WALDir, seg.Name), dst, backup.CompressionGzip, 6); err != nil {
			return nil, err
		}
		index.Segments = append(index.Segments, seg)
	}

	indexData, err := json.MarshalIndent(index, "", "  ")
	if err != nil {
		return nil, backup.NewStorageError("failed to marshal WAL index", err)
	}
	if err := os.WriteFile(filepath.Join(stageDir, "index.json"), indexData, 0o644); err != nil {
		return nil, backup.NewStorageError("failed to write WAL index", err)
	}

	artifactFile := filepath.Join(e.root, "postgresql", "wal", bctx.ID+".wal.tar")
	if err := backup.TarDirectory(stageDir, artifactFile); err != nil {
		return nil, err
	}

	// The chain only encrypts here: segments are already individually
	// gzipped inside the tar.
	result, err := backup.NewTransformChain(false, backup.CompressionNone, 0, e.chain.Encryption()).Apply(artifactFile)
	if err != nil {
		return nil, err
	}

	if err := e.saveArchivePosition(currentLSN); err != nil {
		return nil, err
	}

	return &backup.Artifact{
		Type:              typ,
		Path:              result.Path,
		Bytes:             result.Bytes,
		UncompressedBytes: result.UncompressedBytes,
		Checksum:          result.Checksum,
		Compressed:        result.Compressed,
		Encrypted:         result.Encrypted,
		CreatedAt:         time.Now().UTC(),
		Relational:        &backup.RelationalMeta{StartLSN: since, EndLSN: currentLSN},
	}, nil
}

type walIndex struct {
	SinceLSN backup.LSN   `json:"since_lsn"`
	EndLSN   backup.LSN   `json:"end_lsn"`
	Segments []walSegment `json:"segments"`
}

type walSegment struct {
	Name     string     `json:"name"`
	StartLSN backup.LSN `json:"start_lsn"`
	EndLSN   backup.LSN `json:"end_lsn"`
}

// selectSegments lists WAL segment files (24 hex character names) whose
// range intersects (since, current]
func selectSegments(walDir string, since, current backup.LSN) ([]walSegment, error) {
	entries, err := os.ReadDir(walDir)
	if err != nil {
		return nil, backup.NewStorageError("failed to read WAL directory", err)
	}

	var segments []walSegment
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		seg, ok := parseSegmentName(entry.Name())
		if !ok {
			continue
		}
		if seg.EndLSN <= since || seg.StartLSN > current {
			continue
		}
		segments = append(segments, seg)
	}
	sort.Slice(segments, func(i, j int) bool { return segments[i].StartLSN < segments[j].StartLSN })
	return segments, nil
}

// parseSegmentName decodes the 24-hex-character WAL file name
// TTTTTTTTXXXXXXXXYYYYYYYY into the segment's LSN range
func parseSegmentName(name string) (walSegment, bool) {
	if len(name) != 24 {
		return walSegment{}, false
	}
	for _, c := range name {
		if !strings.ContainsRune("0123456789ABCDEFabcdef", c) {
			return walSegment{}, false
		}
	}
	logNo, err1 := strconv.ParseUint(name[8:16], 16, 32)
	segNo, err2 := strconv.ParseUint(name[16:24], 16, 32)
	if err1 != nil || err2 != nil {
		return walSegment{}, false
	}
	start := backup.LSN(logNo<<32 | segNo*walSegmentSize)
	return walSegment{
		Name:     name,
		StartLSN: start,
		EndLSN:   start + walSegmentSize,
	}, true
}

func (e *Engine) archivePositionPath() string {
	return filepath.Join(e.root, "postgresql", "metadata", "wal_archive_position.json")
}

func (e *Engine) loadArchivePosition() backup.LSN {
	data, err := os.ReadFile(e.archivePositionPath())
	if err != nil {
		return 0
	}
	var pos struct {
		LSN backup.LSN `json:"lsn"`
	}
	if err := json.Unmarshal(data, &pos); err != nil {
		return 0
	}
	return pos.LSN
}

func (e *Engine) saveArchivePosition(lsn backup.LSN) error {
	data, _ := json.Marshal(struct {
		LSN backup.LSN `json:"lsn"`
	}{lsn})
	if err := os.WriteFile(e.archivePositionPath(), data, 0o644); err != nil {
		return backup.NewStorageError("failed to persist WAL archive position", err)
	}
	return nil
}

func (e *Engine) dsn() string {
	return e.cfg.DSN
}

// dumpDSN prefers a configured replica for dump traffic
func (e *Engine) dumpDSN() string {
	if e.cfg.PreferSecondary && e.cfg.ReplicaDSN != "" {
		return e.cfg.ReplicaDSN
	}
	return e.cfg.DSN
}

// DB exposes the pool to the consistency manager, which shares this
// engine's connection configuration
func (e *Engine) DB() *sql.DB { return e.db }

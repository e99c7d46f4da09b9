// Package rediskv implements the key-value snapshot engine. It triggers a
// background save on the store, waits for the snapshot file to land, and
// copies it into the backup tree.
package rediskv

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/redis/go-redis/v9"

	"multistore-backup/internal/backup"
	"multistore-backup/internal/config"
	"multistore-backup/internal/logging"
)

const savePollInterval = 500 * time.Millisecond

// Engine is the KV snapshot engine
type Engine struct {
	cfg    config.RedisConfig
	root   string
	client *redis.Client
	chain  *backup.TransformChain
	logger *logging.Logger
}

// New creates the KV engine
func New(cfg config.RedisConfig, backupRoot string, chain *backup.TransformChain, logger *logging.Logger) *Engine {
	return &Engine{
		cfg:    cfg,
		root:   backupRoot,
		chain:  chain,
		logger: logger,
	}
}

// Name implements backup.Engine
func (e *Engine) Name() string { return "rediskv" }

// Initialize connects and verifies the store answers
func (e *Engine) Initialize(ctx context.Context) error {
	if e.client != nil {
		return nil
	}
	e.client = redis.NewClient(&redis.Options{
		Addr:     e.cfg.Addr,
		Password: e.cfg.Password,
		DB:       e.cfg.DB,
	})
	if err := e.client.Ping(ctx).Err(); err != nil {
		e.client.Close()
		e.client = nil
		return backup.NewConnectivityError("failed to connect to redis", err)
	}
	return nil
}

// Close releases the connection pool
func (e *Engine) Close() error {
	if e.client != nil {
		return e.client.Close()
	}
	return nil
}

// Health pings the store
func (e *Engine) Health(ctx context.Context) (*backup.HealthReport, error) {
	start := time.Now()
	report := &backup.HealthReport{Component: e.Name(), CheckedAt: start}

	if e.client == nil {
		report.State = backup.HealthStateUnhealthy
		report.Message = "engine not initialized"
		return report, nil
	}
	if err := e.client.Ping(ctx).Err(); err != nil {
		report.State = backup.HealthStateUnhealthy
		report.Message = err.Error()
	} else {
		report.State = backup.HealthStateHealthy
	}
	report.Latency = time.Since(start)
	return report, nil
}

// Snapshot triggers a background save, waits for its completion by
// watching the last-save clock, and copies the resulting snapshot file.
// The snapshot sequence is the store's own last-save timestamp, so two
// snapshots of the same save carry the same sequence.
func (e *Engine) Snapshot(ctx context.Context, bctx *backup.Context) (*backup.Artifact, error) {
	timeout := e.cfg.SnapshotTimeout
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	before, err := e.client.LastSave(ctx).Result()
	if err != nil {
		return nil, backup.NewConnectivityError("failed to read last-save clock", err)
	}

	if err := e.client.BgSave(ctx).Err(); err != nil {
		// A save already in flight serves just as well.
		if !isSaveInProgress(err) {
			return nil, backup.NewConnectivityError("failed to trigger background save", err)
		}
		e.logger.Debug("background save already in progress, waiting for it")
	}

	sequence, err := e.waitForSave(ctx, before)
	if err != nil {
		return nil, err
	}

	rdbPath, err := e.snapshotFilePath(ctx)
	if err != nil {
		return nil, err
	}

	dst := filepath.Join(e.root, "redis", bctx.ID+".rdb")
	if err := copySnapshotFile(rdbPath, dst); err != nil {
		return nil, err
	}

	result, err := e.chain.Apply(dst)
	if err != nil {
		return nil, err
	}

	return &backup.Artifact{
		Type:              backup.BackupTypeKVSnapshot,
		Path:              result.Path,
		Bytes:             result.Bytes,
		UncompressedBytes: result.UncompressedBytes,
		Checksum:          result.Checksum,
		Compressed:        result.Compressed,
		Encrypted:         result.Encrypted,
		CreatedAt:         time.Now().UTC(),
		KV:                &backup.KVMeta{SnapshotSequence: sequence},
	}, nil
}

// waitForSave polls the last-save clock until it advances past before
func (e *Engine) waitForSave(ctx context.Context, before int64) (int64, error) {
	ticker := time.NewTicker(savePollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return 0, backup.NewTimeoutError("background save did not complete in time", ctx.Err())
		case <-ticker.C:
			now, err := e.client.LastSave(ctx).Result()
			if err != nil {
				return 0, backup.NewConnectivityError("failed to poll last-save clock", err)
			}
			if now > before {
				return now, nil
			}
		}
	}
}

// snapshotFilePath resolves the store's dump file location from its
// runtime configuration
func (e *Engine) snapshotFilePath(ctx context.Context) (string, error) {
	dir, err := e.configValue(ctx, "dir")
	if err != nil {
		return "", err
	}
	name, err := e.configValue(ctx, "dbfilename")
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, name), nil
}

func (e *Engine) configValue(ctx context.Context, key string) (string, error) {
	values, err := e.client.ConfigGet(ctx, key).Result()
	if err != nil {
		return "", backup.NewConnectivityError(fmt.Sprintf("failed to read config %s", key), err)
	}
	v, ok := values[key]
	if !ok || v == "" {
		return "", backup.NewConfigurationError(fmt.Sprintf("store did not report config %s", key), nil)
	}
	return v, nil
}

func isSaveInProgress(err error) bool {
	return err != nil && (redis.HasErrorPrefix(err, "ERR Background save already in progress") ||
		redis.HasErrorPrefix(err, "ERR An AOF log rewriting in progress"))
}

func copySnapshotFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return backup.NewStorageError("failed to open snapshot file", err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return backup.NewStorageError("failed to create snapshot copy", err)
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return backup.NewStorageError("failed to copy snapshot file", err)
	}
	return out.Sync()
}

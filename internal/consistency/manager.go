// Package consistency creates and verifies cross-store consistency
// points: a relational WAL position and a document replication-log
// position captured close enough together to describe one logical
// moment, pinned by advisory locks on the write-heavy tables.
package consistency

import (
	"context"
	"database/sql"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/lib/pq"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"golang.org/x/sync/errgroup"

	"multistore-backup/internal/backup"
	"multistore-backup/internal/config"
	"multistore-backup/internal/logging"
)

// Manager owns the consistency point lifecycle
type Manager struct {
	cfg     config.ConsistencyConfig
	db      *sql.DB
	mongo   *mongo.Client
	mongoDB string
	logger  *logging.Logger

	mu    sync.Mutex
	locks map[string]*sql.Conn // cp id -> session holding the advisory locks
}

// NewManager builds a manager over the two stores' existing handles
func NewManager(cfg config.ConsistencyConfig, db *sql.DB, mongoClient *mongo.Client, mongoDatabase string, logger *logging.Logger) *Manager {
	return &Manager{
		cfg:     cfg,
		db:      db,
		mongo:   mongoClient,
		mongoDB: mongoDatabase,
		logger:  logger,
		locks:   make(map[string]*sql.Conn),
	}
}

// Create captures a new consistency point. Advisory locks are taken
// first and held until Complete or Rollback, so writers on the locked
// tables queue behind the capture instead of racing it.
func (m *Manager) Create(ctx context.Context) (*backup.ConsistencyPoint, error) {
	cp := &backup.ConsistencyPoint{
		ID:        backup.GenerateConsistencyPointID(time.Now().UTC()),
		CreatedAt: time.Now().UTC(),
		Level:     m.cfg.Level,
		Status:    backup.CPStatusCreating,
	}

	if err := m.acquireLocks(ctx, cp); err != nil {
		return nil, err
	}

	var err error
	if m.cfg.Sequencing == "parallel" {
		err = m.captureParallel(ctx, cp)
	} else {
		err = m.captureSequential(ctx, cp)
	}
	if err != nil {
		m.Rollback(context.Background(), cp)
		return nil, err
	}

	if m.cfg.Level == backup.ConsistencyLevelStrict && cp.Skew() > m.cfg.MaxWait {
		m.Rollback(context.Background(), cp)
		return nil, backup.NewConsistencyViolationError(
			fmt.Sprintf("capture skew %s exceeds strict limit %s", cp.Skew(), m.cfg.MaxWait), nil)
	}
	if cp.Skew() > m.cfg.MaxWait {
		m.logger.WithFields(map[string]interface{}{
			"cp":   cp.ID,
			"skew": cp.Skew().String(),
		}).Warn("capture skew exceeds configured window, accepted at non-strict level")
	}

	if err := m.recordTracking(ctx, cp); err != nil {
		m.Rollback(context.Background(), cp)
		return nil, err
	}

	cp.Status = backup.CPStatusActive
	m.logger.WithFields(map[string]interface{}{
		"cp":   cp.ID,
		"lsn":  cp.RelationalLSN.String(),
		"skew": cp.Skew().String(),
	}).Info("consistency point active")
	return cp, nil
}

func (m *Manager) captureSequential(ctx context.Context, cp *backup.ConsistencyPoint) error {
	if err := m.captureRelational(ctx, cp); err != nil {
		return err
	}
	return m.captureDocument(ctx, cp)
}

func (m *Manager) captureParallel(ctx context.Context, cp *backup.ConsistencyPoint) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return m.captureRelational(gctx, cp) })
	g.Go(func() error { return m.captureDocument(gctx, cp) })
	return g.Wait()
}

func (m *Manager) captureRelational(ctx context.Context, cp *backup.ConsistencyPoint) error {
	var raw string
	if err := m.db.QueryRowContext(ctx, "SELECT pg_current_wal_lsn()::text").Scan(&raw); err != nil {
		return backup.NewConnectivityError("failed to capture relational position", err)
	}
	lsn, err := backup.ParseLSN(raw)
	if err != nil {
		return err
	}
	cp.RelationalLSN = lsn
	cp.RelationalTime = time.Now().UTC()
	return nil
}

func (m *Manager) captureDocument(ctx context.Context, cp *backup.ConsistencyPoint) error {
	oplog := m.mongo.Database("local").Collection("oplog.rs")
	var entry struct {
		TS primitive.Timestamp `bson:"ts"`
	}
	opts := options.FindOne().SetSort(bson.D{{Key: "$natural", Value: -1}})
	err := oplog.FindOne(ctx, bson.D{}, opts).Decode(&entry)
	if err != nil {
		return backup.NewConnectivityError("failed to capture document position", err)
	}
	cp.DocumentTS = backup.OplogTimestamp{T: entry.TS.T, I: entry.TS.I}
	cp.DocumentTime = time.Now().UTC()
	return nil
}

// acquireLocks takes one session-level advisory lock per configured
// table on a dedicated connection. The connection stays open until the
// point completes or rolls back; closing it releases every lock.
func (m *Manager) acquireLocks(ctx context.Context, cp *backup.ConsistencyPoint) error {
	if len(m.cfg.LockTables) == 0 {
		return nil
	}

	lockCtx := ctx
	if m.cfg.LockTimeout > 0 {
		var cancel context.CancelFunc
		lockCtx, cancel = context.WithTimeout(ctx, m.cfg.LockTimeout)
		defer cancel()
	}

	conn, err := m.db.Conn(lockCtx)
	if err != nil {
		return backup.NewConnectivityError("failed to open lock session", err)
	}

	for _, table := range m.cfg.LockTables {
		id := AdvisoryLockID(table)
		if _, err := conn.ExecContext(lockCtx, "SELECT pg_advisory_lock($1)", id); err != nil {
			conn.Close()
			if lockCtx.Err() == context.DeadlineExceeded {
				return backup.NewTimeoutError(
					fmt.Sprintf("advisory lock on %s not acquired within %s", table, m.cfg.LockTimeout), lockCtx.Err())
			}
			return backup.NewConnectivityError("failed to acquire advisory lock on "+table, err)
		}
		cp.LockHolders = append(cp.LockHolders, id)
	}

	m.mu.Lock()
	m.locks[cp.ID] = conn
	m.mu.Unlock()
	return nil
}

func (m *Manager) releaseLocks(cp *backup.ConsistencyPoint) {
	m.mu.Lock()
	conn, ok := m.locks[cp.ID]
	delete(m.locks, cp.ID)
	m.mu.Unlock()
	if !ok {
		return
	}
	// Closing the session drops all of its advisory locks.
	if err := conn.Close(); err != nil {
		m.logger.WithError(err).Warn("failed to close lock session")
	}
	cp.LockHolders = nil
}

func (m *Manager) recordTracking(ctx context.Context, cp *backup.ConsistencyPoint) error {
	query := fmt.Sprintf(
		"INSERT INTO %s (id, created_at, relational_lsn, document_ts_t, document_ts_i, level, status) VALUES ($1, $2, $3, $4, $5, $6, $7)",
		pq.QuoteIdentifier(m.cfg.TrackingTable))
	_, err := m.db.ExecContext(ctx, query,
		cp.ID, cp.CreatedAt, cp.RelationalLSN.String(), cp.DocumentTS.T, cp.DocumentTS.I, string(cp.Level), string(backup.CPStatusActive))
	if err != nil {
		return backup.NewStorageError("failed to record consistency point in relational store", err)
	}

	coll := m.mongo.Database(m.mongoDB).Collection(m.cfg.TrackingCollection)
	_, err = coll.InsertOne(ctx, bson.D{
		{Key: "_id", Value: cp.ID},
		{Key: "created_at", Value: cp.CreatedAt},
		{Key: "relational_lsn", Value: cp.RelationalLSN.String()},
		{Key: "document_ts", Value: primitive.Timestamp{T: cp.DocumentTS.T, I: cp.DocumentTS.I}},
		{Key: "level", Value: string(cp.Level)},
		{Key: "status", Value: string(backup.CPStatusActive)},
	})
	if err != nil {
		return backup.NewStorageError("failed to record consistency point in document store", err)
	}
	return nil
}

// Complete marks the point completed in both stores and releases the locks
func (m *Manager) Complete(ctx context.Context, cp *backup.ConsistencyPoint) error {
	defer m.releaseLocks(cp)

	if err := m.updateStatus(ctx, cp, backup.CPStatusCompleted); err != nil {
		return err
	}
	cp.Status = backup.CPStatusCompleted
	return nil
}

// Rollback undoes a partially created point. It is idempotent: calling
// it on an already rolled back or never-recorded point is harmless.
func (m *Manager) Rollback(ctx context.Context, cp *backup.ConsistencyPoint) {
	defer m.releaseLocks(cp)

	if cp.Status == backup.CPStatusRolledBack {
		return
	}
	if err := m.updateStatus(ctx, cp, backup.CPStatusRolledBack); err != nil {
		m.logger.WithError(err).WithField("cp", cp.ID).Warn("rollback cleanup incomplete")
	}
	cp.Status = backup.CPStatusRolledBack
}

func (m *Manager) updateStatus(ctx context.Context, cp *backup.ConsistencyPoint, status backup.CPStatus) error {
	query := fmt.Sprintf("UPDATE %s SET status = $1 WHERE id = $2", pq.QuoteIdentifier(m.cfg.TrackingTable))
	if _, err := m.db.ExecContext(ctx, query, string(status), cp.ID); err != nil {
		return backup.NewStorageError("failed to update consistency point status", err)
	}

	coll := m.mongo.Database(m.mongoDB).Collection(m.cfg.TrackingCollection)
	_, err := coll.UpdateOne(ctx,
		bson.D{{Key: "_id", Value: cp.ID}},
		bson.D{{Key: "$set", Value: bson.D{{Key: "status", Value: string(status)}}}})
	if err != nil {
		return backup.NewStorageError("failed to update consistency point document", err)
	}
	return nil
}

// AdvisoryLockID derives the stable lock key for a table name
func AdvisoryLockID(table string) int64 {
	h := fnv.New64a()
	h.Write([]byte("backup:" + table))
	return int64(h.Sum64())
}

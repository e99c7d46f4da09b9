// Package mongo implements the document backup engine: full dumps via the
// external dump tool, oplog incrementals read directly from the replication
// log, point-in-time snapshots, and GridFS bucket exports.
package mongo

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"multistore-backup/internal/backup"
	"multistore-backup/internal/config"
	"multistore-backup/internal/logging"
)

// Engine is the document backup engine
type Engine struct {
	cfg    config.MongoConfig
	root   string
	client *mongo.Client
	chain  *backup.TransformChain
	logger *logging.Logger
	retry  backup.RetryPolicy
}

// New creates the document engine. The driver connection is opened in
// Initialize.
func New(cfg config.MongoConfig, backupRoot string, chain *backup.TransformChain, logger *logging.Logger, retry backup.RetryPolicy) *Engine {
	return &Engine{
		cfg:    cfg,
		root:   backupRoot,
		chain:  chain,
		logger: logger,
		retry:  retry,
	}
}

// Name implements backup.Engine
func (e *Engine) Name() string { return "mongo" }

// Initialize connects the driver and verifies the deployment answers
func (e *Engine) Initialize(ctx context.Context) error {
	if e.client != nil {
		return nil
	}
	opts := options.Client().ApplyURI(e.cfg.URI)
	if e.cfg.PreferSecondary {
		opts.SetReadPreference(readpref.SecondaryPreferred())
	}
	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return backup.NewConfigurationError("invalid mongo URI", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(context.Background())
		return backup.NewConnectivityError("failed to connect to mongo", err)
	}
	e.client = client
	return nil
}

// Close disconnects the driver
func (e *Engine) Close() error {
	if e.client != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return e.client.Disconnect(ctx)
	}
	return nil
}

// Health reports connectivity and replica-set role
func (e *Engine) Health(ctx context.Context) (*backup.HealthReport, error) {
	start := time.Now()
	report := &backup.HealthReport{Component: e.Name(), CheckedAt: start}

	if e.client == nil {
		report.State = backup.HealthStateUnhealthy
		report.Message = "engine not initialized"
		return report, nil
	}
	if err := e.client.Ping(ctx, nil); err != nil {
		report.State = backup.HealthStateUnhealthy
		report.Message = err.Error()
		report.Latency = time.Since(start)
		return report, nil
	}

	var hello struct {
		SetName     string `bson:"setName"`
		IsWritable  bool   `bson:"isWritablePrimary"`
		Secondary   bool   `bson:"secondary"`
	}
	err := e.client.Database("admin").RunCommand(ctx, bson.D{{Key: "hello", Value: 1}}).Decode(&hello)
	switch {
	case err != nil:
		report.State = backup.HealthStateDegraded
		report.Message = fmt.Sprintf("hello command failed: %v", err)
	case e.cfg.ReplicaSet != "" && hello.SetName == "":
		report.State = backup.HealthStateDegraded
		report.Message = "configured replica set not reported by server; oplog incrementals unavailable"
	default:
		report.State = backup.HealthStateHealthy
	}
	report.Latency = time.Since(start)
	return report, nil
}

// Full produces a complete dump of the configured database as a single
// archive-mode file, then runs the transform chain over it
func (e *Engine) Full(ctx context.Context, bctx *backup.Context) (*backup.Artifact, error) {
	if err := backup.LookupTool(e.cfg.DumpTool); err != nil {
		return nil, err
	}

	startTS, err := e.LatestOplogTS(ctx)
	if err != nil {
		e.logger.WithError(err).Debug("oplog timestamp unavailable, continuing without positions")
	}

	archive := filepath.Join(e.root, "mongodb", "full", bctx.ID+".archive")

	workers := e.cfg.ParallelCollections
	if cpus := runtime.NumCPU(); workers > cpus {
		workers = cpus
	}
	args := []string{
		"--uri=" + e.cfg.URI,
		"--db=" + e.cfg.Database,
		"--archive=" + archive,
		"--numParallelCollections=" + strconv.Itoa(workers),
	}
	if e.cfg.PreferSecondary && e.cfg.ReplicaSet != "" {
		args = append(args, "--readPreference=secondary")
	}
	for _, c := range e.cfg.ExcludeCollections {
		args = append(args, "--excludeCollection="+c)
	}
	for _, c := range e.cfg.IncludeCollections {
		args = append(args, "--collection="+c)
	}

	runDump := func() error {
		_, err := backup.RunCommand(ctx, backup.CommandSpec{
			Name:    e.cfg.DumpTool,
			Args:    args,
			Timeout: e.cfg.DumpTimeout,
		})
		return err
	}
	if err := e.retry.Do(ctx, runDump); err != nil {
		os.Remove(archive)
		return nil, err
	}

	endTS, err := e.LatestOplogTS(ctx)
	if err != nil {
		endTS = startTS
	}

	collections, err := e.listCollections(ctx)
	if err != nil {
		return nil, err
	}

	result, err := e.chain.Apply(archive)
	if err != nil {
		return nil, err
	}

	return &backup.Artifact{
		Type:              backup.BackupTypeDocumentFull,
		Path:              result.Path,
		Bytes:             result.Bytes,
		UncompressedBytes: result.UncompressedBytes,
		Checksum:          result.Checksum,
		Compressed:        result.Compressed,
		Encrypted:         result.Encrypted,
		CreatedAt:         time.Now().UTC(),
		Document: &backup.DocumentMeta{
			StartOplogTS: startTS,
			EndOplogTS:   endTS,
			Collections:  collections,
		},
	}, nil
}

// Snapshot produces a point-in-time dump. On sharded deployments the
// balancer is stopped for the duration so chunks do not move mid-dump.
func (e *Engine) Snapshot(ctx context.Context, bctx *backup.Context) (*backup.Artifact, error) {
	if err := backup.LookupTool(e.cfg.DumpTool); err != nil {
		return nil, err
	}

	if e.cfg.Sharded {
		if err := e.stopBalancer(ctx); err != nil {
			return nil, err
		}
		defer e.startBalancer()
	}

	startTS, _ := e.LatestOplogTS(ctx)

	archive := filepath.Join(e.root, "mongodb", "snapshots", bctx.ID+".archive")
	args := []string{
		"--uri=" + e.cfg.URI,
		"--archive=" + archive,
		"--oplog",
	}
	if _, err := backup.RunCommand(ctx, backup.CommandSpec{
		Name:    e.cfg.DumpTool,
		Args:    args,
		Timeout: e.cfg.DumpTimeout,
	}); err != nil {
		os.Remove(archive)
		return nil, err
	}

	endTS, _ := e.LatestOplogTS(ctx)

	result, err := e.chain.Apply(archive)
	if err != nil {
		return nil, err
	}

	return &backup.Artifact{
		Type:              backup.BackupTypeDocumentSnapshot,
		Path:              result.Path,
		Bytes:             result.Bytes,
		UncompressedBytes: result.UncompressedBytes,
		Checksum:          result.Checksum,
		Compressed:        result.Compressed,
		Encrypted:         result.Encrypted,
		CreatedAt:         time.Now().UTC(),
		Document:          &backup.DocumentMeta{StartOplogTS: startTS, EndOplogTS: endTS},
	}, nil
}

// LatestOplogTS reads the newest replication-log timestamp
func (e *Engine) LatestOplogTS(ctx context.Context) (backup.OplogTimestamp, error) {
	oplog := e.client.Database("local").Collection("oplog.rs")
	opts := options.FindOne().SetSort(bson.D{{Key: "$natural", Value: -1}})

	var entry struct {
		TS primitive.Timestamp `bson:"ts"`
	}
	if err := oplog.FindOne(ctx, bson.D{}, opts).Decode(&entry); err != nil {
		if err == mongo.ErrNoDocuments {
			return backup.OplogTimestamp{}, backup.NewValidationError("oplog is empty; is this a replica set member?", nil)
		}
		return backup.OplogTimestamp{}, backup.NewConnectivityError("failed to read oplog head", err)
	}
	return backup.OplogTimestamp{T: entry.TS.T, I: entry.TS.I}, nil
}

func (e *Engine) listCollections(ctx context.Context) ([]string, error) {
	names, err := e.client.Database(e.cfg.Database).ListCollectionNames(ctx, bson.D{})
	if err != nil {
		return nil, backup.NewConnectivityError("failed to list collections", err)
	}
	return names, nil
}

func (e *Engine) stopBalancer(ctx context.Context) error {
	err := e.client.Database("admin").
		RunCommand(ctx, bson.D{{Key: "balancerStop", Value: 1}}).Err()
	if err != nil {
		return backup.NewConnectivityError("failed to stop the balancer", err)
	}
	e.logger.Debug("balancer stopped for snapshot")
	return nil
}

func (e *Engine) startBalancer() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	err := e.client.Database("admin").
		RunCommand(ctx, bson.D{{Key: "balancerStart", Value: 1}}).Err()
	if err != nil {
		e.logger.WithError(err).Error("failed to restart the balancer; manual intervention required")
		return
	}
	e.logger.Debug("balancer restarted")
}

// Client exposes the driver handle to the consistency manager
func (e *Engine) Client() *mongo.Client { return e.client }

func (e *Engine) oplogPositionPath() string {
	return filepath.Join(e.root, "mongodb", "metadata", "oplog_position.json")
}

// LoadOplogPosition reads the last successfully archived oplog timestamp
func (e *Engine) LoadOplogPosition() backup.OplogTimestamp {
	data, err := os.ReadFile(e.oplogPositionPath())
	if err != nil {
		return backup.OplogTimestamp{}
	}
	var pos backup.OplogTimestamp
	if err := json.Unmarshal(data, &pos); err != nil {
		return backup.OplogTimestamp{}
	}
	return pos
}

func (e *Engine) saveOplogPosition(ts backup.OplogTimestamp) error {
	data, _ := json.Marshal(ts)
	if err := os.WriteFile(e.oplogPositionPath(), data, 0o644); err != nil {
		return backup.NewStorageError("failed to persist oplog position", err)
	}
	return nil
}

package mongo

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo/options"

	"multistore-backup/internal/backup"
)

// Oplog archives every replication-log entry for the configured database
// recorded after the last successfully archived position. Entries are
// written as extended-JSON lines so a replay tool can stream them. The
// persisted position only advances after the artifact is fully written:
// a failed run reads the same window again next time.
func (e *Engine) Oplog(ctx context.Context, bctx *backup.Context) (*backup.Artifact, error) {
	last := e.LoadOplogPosition()
	if last.IsZero() {
		// First incremental ever: anchor at the current head so the window
		// starts now instead of replaying the whole retained oplog.
		head, err := e.LatestOplogTS(ctx)
		if err != nil {
			return nil, err
		}
		last = head
	}

	if err := e.checkOplogCoverage(ctx, last); err != nil {
		return nil, err
	}

	outPath := filepath.Join(e.root, "mongodb", "oplog", bctx.ID+".oplog.jsonl")
	out, err := os.Create(outPath)
	if err != nil {
		return nil, backup.NewStorageError("failed to create oplog output file", err)
	}
	w := bufio.NewWriterSize(out, 1<<20)

	oplog := e.client.Database("local").Collection("oplog.rs")
	filter := bson.D{
		{Key: "ts", Value: bson.D{{Key: "$gt", Value: primitive.Timestamp{T: last.T, I: last.I}}}},
		{Key: "ns", Value: bson.D{{Key: "$regex", Value: "^" + e.cfg.Database + "\\."}}},
	}
	opts := options.Find().SetSort(bson.D{{Key: "$natural", Value: 1}}).SetBatchSize(1000)

	cursor, err := oplog.Find(ctx, filter, opts)
	if err != nil {
		out.Close()
		os.Remove(outPath)
		return nil, backup.NewConnectivityError("failed to open oplog cursor", err)
	}
	defer cursor.Close(ctx)

	var count int64
	end := last
	for cursor.Next(ctx) {
		var entry struct {
			TS primitive.Timestamp `bson:"ts"`
			NS string              `bson:"ns"`
		}
		if err := bson.Unmarshal(cursor.Current, &entry); err != nil {
			out.Close()
			os.Remove(outPath)
			return nil, backup.NewIntegrityError("failed to decode oplog entry", err)
		}
		if strings.HasSuffix(entry.NS, ".system.profile") {
			continue
		}

		line, err := bson.MarshalExtJSON(bson.Raw(cursor.Current), true, false)
		if err != nil {
			out.Close()
			os.Remove(outPath)
			return nil, backup.NewIntegrityError("failed to encode oplog entry", err)
		}
		if _, err := w.Write(append(line, '\n')); err != nil {
			out.Close()
			os.Remove(outPath)
			return nil, backup.NewStorageError("failed to write oplog entry", err)
		}
		count++
		end = backup.OplogTimestamp{T: entry.TS.T, I: entry.TS.I}
	}
	if err := cursor.Err(); err != nil {
		out.Close()
		os.Remove(outPath)
		return nil, backup.NewConnectivityError("oplog cursor failed", err)
	}
	if err := w.Flush(); err != nil {
		out.Close()
		os.Remove(outPath)
		return nil, backup.NewStorageError("failed to flush oplog output", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(outPath)
		return nil, backup.NewStorageError("failed to close oplog output", err)
	}

	result, err := e.chain.Apply(outPath)
	if err != nil {
		return nil, err
	}

	if err := e.saveOplogPosition(end); err != nil {
		return nil, err
	}

	e.logger.WithFields(map[string]interface{}{
		"set":     bctx.ID,
		"entries": count,
	}).Debug("oplog window archived")

	return &backup.Artifact{
		Type:              backup.BackupTypeDocumentOplog,
		Path:              result.Path,
		Bytes:             result.Bytes,
		UncompressedBytes: result.UncompressedBytes,
		Checksum:          result.Checksum,
		Compressed:        result.Compressed,
		Encrypted:         result.Encrypted,
		CreatedAt:         time.Now().UTC(),
		Document: &backup.DocumentMeta{
			StartOplogTS: last,
			EndOplogTS:   end,
			EntryCount:   count,
		},
	}, nil
}

// checkOplogCoverage verifies the retained oplog still contains the last
// archived position. If the oldest retained entry is already newer, the
// log rolled over and the incremental chain has a hole: the caller must
// fall back to a full backup.
func (e *Engine) checkOplogCoverage(ctx context.Context, last backup.OplogTimestamp) error {
	oplog := e.client.Database("local").Collection("oplog.rs")
	opts := options.FindOne().SetSort(bson.D{{Key: "$natural", Value: 1}})

	var oldest struct {
		TS primitive.Timestamp `bson:"ts"`
	}
	if err := oplog.FindOne(ctx, bson.D{}, opts).Decode(&oldest); err != nil {
		return backup.NewConnectivityError("failed to read oplog tail", err)
	}

	first := backup.OplogTimestamp{T: oldest.TS.T, I: oldest.TS.I}
	if first.After(last) {
		return backup.NewOplogGapError(
			"replication log rolled past the last archived position; a full backup is required")
	}
	return nil
}

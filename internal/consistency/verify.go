package consistency

import (
	"context"
	"fmt"
	"time"

	"github.com/lib/pq"
	"go.mongodb.org/mongo-driver/bson"

	"multistore-backup/internal/backup"
)

// minReferenceRatio is the smallest acceptable cross-store count ratio
// per consistency level
func minReferenceRatio(level backup.ConsistencyLevel) float64 {
	switch level {
	case backup.ConsistencyLevelStrict:
		return 0.95
	case backup.ConsistencyLevelEventual:
		return 0.80
	default:
		return 0.70
	}
}

// Verify runs the temporal, referential and integrity checks for a
// completed consistency point. At the relaxed level, failed checks are
// demoted to informational counters instead of failing the point.
func (m *Manager) Verify(ctx context.Context, cp *backup.ConsistencyPoint) (*backup.VerificationResult, error) {
	cp.Status = backup.CPStatusVerifying

	result := &backup.VerificationResult{
		ReferenceRatios: make(map[string]float64),
		OrphanCounts:    make(map[string]int64),
		DuplicateIDs:    make(map[string]int64),
		Informational:   make(map[string]int64),
		VerifiedAt:      time.Now().UTC(),
	}
	relaxed := m.cfg.Level == backup.ConsistencyLevelRelaxed

	result.MeasuredSkewMS = cp.Skew().Milliseconds()
	result.TemporalOK = cp.Skew() <= m.cfg.MaxWait
	if !result.TemporalOK && relaxed {
		result.Informational["temporal_skew_ms"] = result.MeasuredSkewMS
		result.TemporalOK = true
	}

	if err := m.verifyReferences(ctx, result, relaxed); err != nil {
		return nil, err
	}
	if err := m.verifyIntegrity(ctx, result, relaxed); err != nil {
		return nil, err
	}

	cp.Verification = result
	if result.Passed() {
		cp.Status = backup.CPStatusCompleted
	} else {
		cp.Status = backup.CPStatusFailed
	}
	return result, nil
}

// verifyReferences samples the newest rows of each declared table and
// measures what fraction of their ids the document collection actually
// holds. Matching cardinality proves nothing when the ids diverge, so
// the check is membership, not counting.
func (m *Manager) verifyReferences(ctx context.Context, result *backup.VerificationResult, relaxed bool) error {
	result.ReferentialOK = true
	minRatio := minReferenceRatio(m.cfg.Level)

	for _, rule := range m.cfg.References {
		ids, err := m.sampleNewestIDs(ctx, rule.Table)
		if err != nil {
			return err
		}

		var present int64
		if len(ids) > 0 {
			coll := m.mongo.Database(m.mongoDB).Collection(rule.Collection)
			present, err = coll.CountDocuments(ctx, bson.D{{Key: rule.Field, Value: bson.D{{Key: "$in", Value: ids}}}})
			if err != nil {
				return backup.NewConnectivityError("failed to count documents in "+rule.Collection, err)
			}
		}

		key := rule.Table + "/" + rule.Collection
		ratio := presenceRatio(present, len(ids))
		result.ReferenceRatios[key] = ratio

		if ratio < minRatio {
			if relaxed {
				result.Informational["reference_missing:"+key] = int64(len(ids)) - present
			} else {
				result.ReferentialOK = false
			}
		}
	}
	return nil
}

// sampleNewestIDs reads the ids of the newest sample_size rows of table.
// Driver-dependent []byte values are normalized to strings so they can
// match document fields.
func (m *Manager) sampleNewestIDs(ctx context.Context, table string) ([]interface{}, error) {
	limit := m.cfg.SampleSize
	if limit <= 0 {
		limit = 100
	}

	query := fmt.Sprintf("SELECT id FROM %s ORDER BY id DESC LIMIT $1", pq.QuoteIdentifier(table))
	rows, err := m.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, backup.NewConnectivityError("failed to sample rows from "+table, err)
	}
	defer rows.Close()

	var ids []interface{}
	for rows.Next() {
		var id interface{}
		if err := rows.Scan(&id); err != nil {
			return nil, backup.NewConnectivityError("failed to scan sampled id from "+table, err)
		}
		if b, ok := id.([]byte); ok {
			id = string(b)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, backup.NewConnectivityError("row sampling failed for "+table, err)
	}
	return ids, nil
}

// presenceRatio is the fraction of sampled ids found in the collection.
// An empty sample has nothing to disagree about and passes.
func presenceRatio(present int64, sampled int) float64 {
	if sampled == 0 {
		return 1.0
	}
	ratio := float64(present) / float64(sampled)
	if ratio > 1 {
		ratio = 1
	}
	return ratio
}

// verifyIntegrity counts relational orphans per declared foreign key,
// scans the document store for duplicate _ids, and records aggregate
// row/document cross-counts as informational context
func (m *Manager) verifyIntegrity(ctx context.Context, result *backup.VerificationResult, relaxed bool) error {
	result.IntegrityOK = true

	for _, fk := range m.cfg.ForeignKeys {
		query := fmt.Sprintf(
			"SELECT count(*) FROM %s c LEFT JOIN %s p ON c.%s = p.%s WHERE p.%s IS NULL AND c.%s IS NOT NULL",
			pq.QuoteIdentifier(fk.ChildTable), pq.QuoteIdentifier(fk.ParentTable),
			pq.QuoteIdentifier(fk.ChildColumn), pq.QuoteIdentifier(fk.ParentColumn),
			pq.QuoteIdentifier(fk.ParentColumn), pq.QuoteIdentifier(fk.ChildColumn))

		var orphans int64
		if err := m.db.QueryRowContext(ctx, query).Scan(&orphans); err != nil {
			return backup.NewConnectivityError("failed to count orphans for "+fk.ChildTable, err)
		}
		if orphans > 0 {
			key := fk.ChildTable + "." + fk.ChildColumn
			if relaxed {
				result.Informational["orphans:"+key] = orphans
			} else {
				result.OrphanCounts[key] = orphans
				result.IntegrityOK = false
			}
		}
	}

	for _, rule := range m.cfg.References {
		var rows int64
		query := fmt.Sprintf("SELECT count(*) FROM %s", pq.QuoteIdentifier(rule.Table))
		if err := m.db.QueryRowContext(ctx, query).Scan(&rows); err != nil {
			return backup.NewConnectivityError("failed to count rows in "+rule.Table, err)
		}
		coll := m.mongo.Database(m.mongoDB).Collection(rule.Collection)
		docs, err := coll.CountDocuments(ctx, bson.D{})
		if err != nil {
			return backup.NewConnectivityError("failed to count documents in "+rule.Collection, err)
		}
		key := rule.Table + "/" + rule.Collection
		result.Informational["cross_count_rows:"+key] = rows
		result.Informational["cross_count_docs:"+key] = docs

		dups, err := m.countDuplicateIDs(ctx, rule.Collection)
		if err != nil {
			return err
		}
		if dups > 0 {
			if relaxed {
				result.Informational["duplicates:"+rule.Collection] = dups
			} else {
				result.DuplicateIDs[rule.Collection] = dups
				result.IntegrityOK = false
			}
		}
	}
	return nil
}

// countDuplicateIDs counts _id values appearing in more than one
// document, bounded by the configured sample size. The count must be
// zero; anything else means the dump captured a torn collection.
func (m *Manager) countDuplicateIDs(ctx context.Context, collection string) (int64, error) {
	coll := m.mongo.Database(m.mongoDB).Collection(collection)

	pipeline := mongoDuplicatePipeline("_id", m.cfg.SampleSize)
	cursor, err := coll.Aggregate(ctx, pipeline)
	if err != nil {
		return 0, backup.NewConnectivityError("failed to aggregate duplicates in "+collection, err)
	}
	defer cursor.Close(ctx)

	var count int64
	for cursor.Next(ctx) {
		count++
	}
	if err := cursor.Err(); err != nil {
		return 0, backup.NewConnectivityError("duplicate aggregation failed for "+collection, err)
	}
	return count, nil
}

func mongoDuplicatePipeline(field string, sampleSize int) []bson.D {
	pipeline := []bson.D{
		{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: "$" + field},
			{Key: "n", Value: bson.D{{Key: "$sum", Value: 1}}},
		}}},
		{{Key: "$match", Value: bson.D{{Key: "n", Value: bson.D{{Key: "$gt", Value: 1}}}}}},
	}
	if sampleSize > 0 {
		pipeline = append(pipeline, bson.D{{Key: "$limit", Value: sampleSize}})
	}
	return pipeline
}

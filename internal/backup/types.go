package backup

import (
	"context"
	"time"
)

// BackupType identifies one store-specific backup operation
type BackupType string

const (
	BackupTypeRelationalFull   BackupType = "relational-full"
	BackupTypeRelationalWAL    BackupType = "relational-wal"
	BackupTypeDocumentFull     BackupType = "document-full"
	BackupTypeDocumentOplog    BackupType = "document-oplog"
	BackupTypeDocumentSnapshot BackupType = "document-snapshot"
	BackupTypeDocumentGridFS   BackupType = "document-gridfs"
	BackupTypeKVSnapshot       BackupType = "kv-snapshot"
	BackupTypeFiles            BackupType = "files"
	BackupTypeFullSystem       BackupType = "full-system"
)

// AllEngineTypes lists the concrete engine-backed types a full-system
// run expands to
var AllEngineTypes = []BackupType{
	BackupTypeRelationalFull,
	BackupTypeDocumentFull,
	BackupTypeKVSnapshot,
	BackupTypeFiles,
}

// Priority of a backup run
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// SetStatus is the lifecycle state of a BackupSet
type SetStatus string

const (
	SetStatusRunning    SetStatus = "running"
	SetStatusCompleted  SetStatus = "completed"
	SetStatusFailed     SetStatus = "failed"
	SetStatusRolledBack SetStatus = "rolled_back"
)

// BackupSet is the unit produced by one scheduled or manual run
type BackupSet struct {
	ID                 string                      `json:"id"`
	Schedule           string                      `json:"schedule"`
	Types              []BackupType                `json:"types"`
	CreatedAt          time.Time                   `json:"created_at"`
	CompletedAt        *time.Time                  `json:"completed_at,omitempty"`
	DurationMS         int64                       `json:"duration_ms"`
	Status             SetStatus                   `json:"status"`
	Parts              map[BackupType]*Artifact    `json:"parts"`
	ConsistencyPointID string                      `json:"consistency_point_id,omitempty"`
	ConsistencyPoint   *ConsistencyPoint           `json:"consistency_point,omitempty"`
	Priority           Priority                    `json:"priority"`
	RegionReplicas     []string                    `json:"region_replicas,omitempty"`
	FailureRecords     []FailureRecord             `json:"failure_records,omitempty"`
}

// FailureRecord captures one structured failure written to the set's
// sidecar before the corresponding event fires
type FailureRecord struct {
	Kind      ErrorKind  `json:"kind"`
	Type      BackupType `json:"type,omitempty"`
	Message   string     `json:"message"`
	Timestamp time.Time  `json:"timestamp"`
}

// Artifact describes one on-disk artifact produced by one engine in one run,
// after all transforms
type Artifact struct {
	Type              BackupType `json:"type"`
	Path              string     `json:"path"`
	Bytes             int64      `json:"bytes"`
	UncompressedBytes int64      `json:"uncompressed_bytes"`
	Checksum          string     `json:"checksum"`
	Compressed        bool       `json:"compressed"`
	Encrypted         bool       `json:"encrypted"`
	CreatedAt         time.Time  `json:"created_at"`
	Failed            bool       `json:"failed,omitempty"`

	Relational *RelationalMeta `json:"relational,omitempty"`
	Document   *DocumentMeta   `json:"document,omitempty"`
	Files      *FilesMeta      `json:"files,omitempty"`
	KV         *KVMeta         `json:"kv,omitempty"`
}

// RelationalMeta carries the WAL positions that make a relational artifact
// self-describing for replay
type RelationalMeta struct {
	StartLSN LSN `json:"start_lsn"`
	EndLSN   LSN `json:"end_lsn"`
}

// DocumentMeta carries oplog positions and the collection list
type DocumentMeta struct {
	StartOplogTS OplogTimestamp `json:"start_oplog_ts"`
	EndOplogTS   OplogTimestamp `json:"end_oplog_ts"`
	Collections  []string       `json:"collections,omitempty"`
	EntryCount   int64          `json:"entry_count,omitempty"`
}

// FilesMeta summarizes a file-store backup
type FilesMeta struct {
	FileCount    int    `json:"file_count"`
	DedupHits    int    `json:"dedup_hits"`
	ManifestPath string `json:"manifest_path"`
	BytesCopied  int64  `json:"bytes_copied"`
	Strategy     string `json:"strategy"`
}

// KVMeta carries the snapshot sequence of the in-memory store
type KVMeta struct {
	SnapshotSequence int64 `json:"snapshot_sequence"`
}

// OplogTimestamp mirrors the document store's replication-log timestamp
// without pulling the driver into the core package
type OplogTimestamp struct {
	T uint32 `json:"t"`
	I uint32 `json:"i"`
}

// IsZero reports whether the timestamp is unset
func (ts OplogTimestamp) IsZero() bool {
	return ts.T == 0 && ts.I == 0
}

// After reports whether ts is strictly later than other
func (ts OplogTimestamp) After(other OplogTimestamp) bool {
	if ts.T != other.T {
		return ts.T > other.T
	}
	return ts.I > other.I
}

// ConsistencyLevel bands the temporal and referential thresholds used
// during verification
type ConsistencyLevel string

const (
	ConsistencyLevelStrict   ConsistencyLevel = "strict"
	ConsistencyLevelEventual ConsistencyLevel = "eventual"
	ConsistencyLevelRelaxed  ConsistencyLevel = "relaxed"
)

// CPStatus is the lifecycle state of a ConsistencyPoint
type CPStatus string

const (
	CPStatusCreating   CPStatus = "creating"
	CPStatusActive     CPStatus = "active"
	CPStatusVerifying  CPStatus = "verifying"
	CPStatusCompleted  CPStatus = "completed"
	CPStatusFailed     CPStatus = "failed"
	CPStatusRolledBack CPStatus = "rolled_back"
)

// ConsistencyPoint ties a relational LSN and a document oplog timestamp
// to a single moment
type ConsistencyPoint struct {
	ID             string              `json:"id"`
	CreatedAt      time.Time           `json:"created_at"`
	RelationalLSN  LSN                 `json:"relational_lsn"`
	DocumentTS     OplogTimestamp      `json:"document_oplog_ts"`
	RelationalTime time.Time           `json:"relational_capture_at"`
	DocumentTime   time.Time           `json:"document_capture_at"`
	LockHolders    []int64             `json:"lock_holders,omitempty"`
	Level          ConsistencyLevel    `json:"level"`
	Status         CPStatus            `json:"status"`
	Verification   *VerificationResult `json:"verification,omitempty"`
}

// Skew is the wall-clock distance between the two capture instants
func (cp *ConsistencyPoint) Skew() time.Duration {
	d := cp.DocumentTime.Sub(cp.RelationalTime)
	if d < 0 {
		d = -d
	}
	return d
}

// VerificationResult records the outcome of the temporal, referential and
// integrity checks run after the consistent set's dumps complete
type VerificationResult struct {
	TemporalOK      bool              `json:"temporal_ok"`
	MeasuredSkewMS  int64             `json:"measured_skew_ms"`
	ReferentialOK   bool              `json:"referential_ok"`
	ReferenceRatios map[string]float64 `json:"reference_ratios,omitempty"`
	IntegrityOK     bool              `json:"integrity_ok"`
	OrphanCounts    map[string]int64  `json:"orphan_counts,omitempty"`
	DuplicateIDs    map[string]int64  `json:"duplicate_ids,omitempty"`
	Informational   map[string]int64  `json:"informational,omitempty"`
	VerifiedAt      time.Time         `json:"verified_at"`
}

// Passed reports whether all mandatory checks passed
func (vr *VerificationResult) Passed() bool {
	return vr.TemporalOK && vr.ReferentialOK && vr.IntegrityOK
}

// RetentionPolicy is the per-schedule pair (count_keep, max_age_keep).
// A set is removable iff it is older than MaxAge and at least CountKeep
// newer completed sets of the same schedule exist.
type RetentionPolicy struct {
	CountKeep int           `json:"count" yaml:"count"`
	MaxAge    time.Duration `json:"max_age" yaml:"max_age"`
}

// Schedule declaratively describes recurring work
type Schedule struct {
	Name        string          `json:"name" yaml:"name"`
	Cron        string          `json:"cron" yaml:"cron"`
	Types       []BackupType    `json:"types" yaml:"types"`
	Priority    Priority        `json:"priority" yaml:"priority"`
	Retention   RetentionPolicy `json:"retention" yaml:"retention"`
	Consistency bool            `json:"consistency" yaml:"consistency"`
	MultiRegion bool            `json:"multi_region" yaml:"multi_region"`
	// FilesStrategy selects how the file engine picks candidates for
	// this schedule: full, incremental, or differential. Empty keeps
	// the incremental default.
	FilesStrategy string `json:"files_strategy,omitempty" yaml:"files_strategy"`
}

// SystemInfo captures the host context of a run
type SystemInfo struct {
	Hostname string `json:"hostname"`
	PID      int    `json:"pid"`
	Version  string `json:"version"`
}

// Context describes one firing handed to the engines
type Context struct {
	ID                 string       `json:"id"`
	Schedule           string       `json:"schedule"`
	Types              []BackupType `json:"types"`
	Priority           Priority     `json:"priority"`
	Consistency        bool         `json:"consistency"`
	MultiRegion        bool         `json:"multi_region"`
	StartedAt          time.Time    `json:"started_at"`
	ConsistencyPointID string       `json:"consistency_point_id,omitempty"`
	SinceLSN           LSN          `json:"since_lsn,omitempty"`
	FilesStrategy      string       `json:"files_strategy,omitempty"`
	System             SystemInfo   `json:"system_info"`
}

// HealthState of a component
type HealthState string

const (
	HealthStateHealthy   HealthState = "healthy"
	HealthStateDegraded  HealthState = "degraded"
	HealthStateUnhealthy HealthState = "unhealthy"
)

// HealthReport is the result of one component health check
type HealthReport struct {
	Component string        `json:"component"`
	State     HealthState   `json:"state"`
	Message   string        `json:"message,omitempty"`
	Latency   time.Duration `json:"latency"`
	CheckedAt time.Time     `json:"checked_at"`
}

// Engine is the surface the orchestrator holds over every store engine
type Engine interface {
	Name() string
	Initialize(ctx context.Context) error
	Health(ctx context.Context) (*HealthReport, error)
	Close() error
}

package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"multistore-backup/internal/backup"
)

// Config is the typed configuration record for the orchestrator.
// Unknown YAML keys are rejected by the loader.
type Config struct {
	BackupRoot string `yaml:"backup_root"`
	TempDir    string `yaml:"temp_dir"`
	Timezone   string `yaml:"timezone"`

	Schedules map[string]*backup.Schedule `yaml:"schedules"`

	MaxConcurrentBackups int           `yaml:"max_concurrent_backups"`
	MaxRetries           int           `yaml:"max_retries"`
	RetryDelay           time.Duration `yaml:"retry_delay"`
	DrainTimeout         time.Duration `yaml:"drain_timeout"`
	HealthInterval       time.Duration `yaml:"health_interval"`
	HistoryDepth         int           `yaml:"history_depth"`
	ValidationLevel      string        `yaml:"validation_level"` // checksum | structural | test_restore

	Compression          bool                   `yaml:"compression"`
	CompressionAlgorithm backup.CompressionType `yaml:"compression_algorithm"`
	CompressionLevel     int                    `yaml:"compression_level"`

	Encryption backup.EncryptionConfig `yaml:"encryption"`

	Regions       []Region `yaml:"regions"`
	PrimaryRegion string   `yaml:"primary_region"`

	Consistency ConsistencyConfig `yaml:"consistency"`

	Postgres PostgresConfig `yaml:"postgres"`
	Mongo    MongoConfig    `yaml:"mongo"`
	Redis    RedisConfig    `yaml:"redis"`
	Files    FilesConfig    `yaml:"files"`

	Logging LoggingConfig `yaml:"logging"`

	Notifications NotificationConfig `yaml:"notifications"`
}

// Region describes one replication target. Non-primary members receive
// completed backup sets when a schedule declares multi_region.
type Region struct {
	Name string `yaml:"name"`
	Type string `yaml:"type"` // local | s3 | azure | gcs

	// local
	Path string `yaml:"path,omitempty"`

	// s3
	Bucket    string `yaml:"bucket,omitempty"`
	AWSRegion string `yaml:"aws_region,omitempty"`
	AccessKey string `yaml:"access_key,omitempty"`
	SecretKey string `yaml:"secret_key,omitempty"`

	// azure
	AccountName string `yaml:"account_name,omitempty"`
	AccountKey  string `yaml:"account_key,omitempty"`
	Container   string `yaml:"container,omitempty"`

	// gcs
	CredentialsPath string `yaml:"credentials_path,omitempty"`
	ProjectID       string `yaml:"project_id,omitempty"`

	Prefix string `yaml:"prefix,omitempty"`
}

// ConsistencyConfig bounds cross-store consistency point creation
type ConsistencyConfig struct {
	Level              backup.ConsistencyLevel `yaml:"level"`
	MaxWait            time.Duration           `yaml:"max_wait"`
	LockTimeout        time.Duration           `yaml:"lock_timeout"`
	Sequencing         string                  `yaml:"sequencing"` // sequential | parallel
	LockTables         []string                `yaml:"lock_tables"`
	References         []ReferenceRule         `yaml:"references"`
	ForeignKeys        []ForeignKeyRule        `yaml:"foreign_keys"`
	SampleSize         int                     `yaml:"sample_size"`
	TrackingTable      string                  `yaml:"tracking_table"`
	TrackingCollection string                  `yaml:"tracking_collection"`
}

// ReferenceRule declares one cross-store relationship
// pg_table -> mongo_collection[field] checked during verification
type ReferenceRule struct {
	Table      string `yaml:"table"`
	Collection string `yaml:"collection"`
	Field      string `yaml:"field"`
}

// ForeignKeyRule declares one relational parent/child pair whose orphan
// count must be zero
type ForeignKeyRule struct {
	ParentTable  string `yaml:"parent_table"`
	ParentColumn string `yaml:"parent_column"`
	ChildTable   string `yaml:"child_table"`
	ChildColumn  string `yaml:"child_column"`
}

// PostgresConfig is the relational engine's tool-specific settings
type PostgresConfig struct {
	DSN             string        `yaml:"dsn"`
	ReplicaDSN      string        `yaml:"replica_dsn"`
	DumpTool        string        `yaml:"dump_tool"`
	RestoreTool     string        `yaml:"restore_tool"`
	ParallelWorkers int           `yaml:"parallel_workers"`
	PreferSecondary bool          `yaml:"prefer_secondary"`
	WALDir          string        `yaml:"wal_dir"`
	DumpTimeout     time.Duration `yaml:"dump_timeout"`
	ExcludedTables  []string      `yaml:"excluded_tables"`
	ScratchDatabase string        `yaml:"scratch_database"`
}

// MongoConfig is the document engine's tool-specific settings
type MongoConfig struct {
	URI                 string        `yaml:"uri"`
	Database            string        `yaml:"database"`
	DumpTool            string        `yaml:"dump_tool"`
	RestoreTool         string        `yaml:"restore_tool"`
	ParallelCollections int           `yaml:"parallel_collections"`
	PreferSecondary     bool          `yaml:"prefer_secondary"`
	IncludeCollections  []string      `yaml:"include_collections"`
	ExcludeCollections  []string      `yaml:"exclude_collections"`
	ReplicaSet          string        `yaml:"replica_set"`
	Sharded             bool          `yaml:"sharded"`
	GridFSBucket        string        `yaml:"gridfs_bucket"`
	DumpTimeout         time.Duration `yaml:"dump_timeout"`
}

// RedisConfig is the KV engine's settings
type RedisConfig struct {
	Addr            string        `yaml:"addr"`
	Password        string        `yaml:"password"`
	DB              int           `yaml:"db"`
	SnapshotTimeout time.Duration `yaml:"snapshot_timeout"`
}

// FilesConfig is the file engine's settings
type FilesConfig struct {
	Roots              []string            `yaml:"roots"`
	MaxFileSize        int64               `yaml:"max_file_size"`
	MinAge             time.Duration       `yaml:"min_age"`
	MaxAge             time.Duration       `yaml:"max_age"`
	FileTypes          map[string][]string `yaml:"file_types"` // category -> extensions
	DedupThreshold     int64               `yaml:"dedup_threshold"`
	MaxConcurrentFiles int                 `yaml:"max_concurrent_files"`
	MaxBytesInFlight   int64               `yaml:"max_bytes_in_flight"`
	PreserveTimes      bool                `yaml:"preserve_times"`
	PreserveMode       bool                `yaml:"preserve_mode"`
	VerifyCopies       bool                `yaml:"verify_copies"`
	VerifyRetries      int                 `yaml:"verify_retries"`
}

// LoggingConfig selects log level, format and optional log file
type LoggingConfig struct {
	Level   string `yaml:"level"`
	Format  string `yaml:"format"`
	LogFile string `yaml:"log_file"`
}

// NotificationConfig selects notification channels
type NotificationConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MinSeverity string        `yaml:"min_severity"`
	Webhook     *WebhookSink  `yaml:"webhook,omitempty"`
	Slack       *SlackSink    `yaml:"slack,omitempty"`
	File        *FileSink     `yaml:"file,omitempty"`
	RateLimit   time.Duration `yaml:"rate_limit"`
}

// WebhookSink posts events to a generic HTTP endpoint
type WebhookSink struct {
	URL     string            `yaml:"url"`
	Method  string            `yaml:"method"`
	Headers map[string]string `yaml:"headers"`
	Timeout time.Duration     `yaml:"timeout"`
}

// SlackSink posts events to a Slack incoming webhook
type SlackSink struct {
	WebhookURL string `yaml:"webhook_url"`
	Channel    string `yaml:"channel"`
	Username   string `yaml:"username"`
}

// FileSink appends events to a local file
type FileSink struct {
	Path   string `yaml:"path"`
	Format string `yaml:"format"` // json | text
}

// SetDefaults fills in defaults for everything the file left unset
func (c *Config) SetDefaults() {
	if c.BackupRoot == "" {
		c.BackupRoot = "/var/backups/platform"
	}
	if c.TempDir == "" {
		c.TempDir = os.TempDir()
	}
	if c.Timezone == "" {
		c.Timezone = "UTC"
	}
	if c.MaxConcurrentBackups == 0 {
		c.MaxConcurrentBackups = 2
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = 5 * time.Second
	}
	if c.DrainTimeout == 0 {
		c.DrainTimeout = 5 * time.Minute
	}
	if c.HealthInterval == 0 {
		c.HealthInterval = 5 * time.Minute
	}
	if c.HistoryDepth == 0 {
		c.HistoryDepth = 50
	}
	if c.ValidationLevel == "" {
		c.ValidationLevel = "checksum"
	}
	if c.CompressionAlgorithm == "" {
		c.CompressionAlgorithm = backup.CompressionGzip
	}
	if c.CompressionLevel == 0 {
		c.CompressionLevel = 6
	}

	if c.Consistency.Level == "" {
		c.Consistency.Level = backup.ConsistencyLevelStrict
	}
	if c.Consistency.MaxWait == 0 {
		c.Consistency.MaxWait = 5 * time.Second
	}
	if c.Consistency.LockTimeout == 0 {
		c.Consistency.LockTimeout = 10 * time.Second
	}
	if c.Consistency.Sequencing == "" {
		c.Consistency.Sequencing = "sequential"
	}
	if len(c.Consistency.LockTables) == 0 {
		c.Consistency.LockTables = []string{"users", "clans", "content", "transactions", "votes"}
	}
	if c.Consistency.SampleSize == 0 {
		c.Consistency.SampleSize = 100
	}
	if c.Consistency.TrackingTable == "" {
		c.Consistency.TrackingTable = "backup_consistency_points"
	}
	if c.Consistency.TrackingCollection == "" {
		c.Consistency.TrackingCollection = "consistency_points"
	}

	if c.Postgres.DumpTool == "" {
		c.Postgres.DumpTool = "pg_dump"
	}
	if c.Postgres.RestoreTool == "" {
		c.Postgres.RestoreTool = "pg_restore"
	}
	if c.Postgres.ParallelWorkers == 0 {
		c.Postgres.ParallelWorkers = 4
	}
	if c.Postgres.DumpTimeout == 0 {
		c.Postgres.DumpTimeout = 2 * time.Hour
	}
	if c.Postgres.ScratchDatabase == "" {
		c.Postgres.ScratchDatabase = "backup_restore_test"
	}

	if c.Mongo.DumpTool == "" {
		c.Mongo.DumpTool = "mongodump"
	}
	if c.Mongo.RestoreTool == "" {
		c.Mongo.RestoreTool = "mongorestore"
	}
	if c.Mongo.ParallelCollections == 0 {
		c.Mongo.ParallelCollections = 4
	}
	if c.Mongo.GridFSBucket == "" {
		c.Mongo.GridFSBucket = "fs"
	}
	if c.Mongo.DumpTimeout == 0 {
		c.Mongo.DumpTimeout = 2 * time.Hour
	}

	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
	if c.Redis.SnapshotTimeout == 0 {
		c.Redis.SnapshotTimeout = 10 * time.Minute
	}

	if c.Files.MaxFileSize == 0 {
		c.Files.MaxFileSize = 1 << 30 // 1 GiB
	}
	if c.Files.DedupThreshold == 0 {
		c.Files.DedupThreshold = 1 << 20 // 1 MiB
	}
	if c.Files.MaxConcurrentFiles == 0 {
		c.Files.MaxConcurrentFiles = 16
	}
	if c.Files.MaxBytesInFlight == 0 {
		c.Files.MaxBytesInFlight = 256 << 20 // 256 MiB
	}
	if c.Files.VerifyRetries == 0 {
		c.Files.VerifyRetries = 3
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "normal"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}

	for name, sched := range c.Schedules {
		sched.Name = name
		if sched.Priority == "" {
			sched.Priority = backup.PriorityNormal
		}
	}
}

// LoadFromEnvironment overrides secrets and connection strings from the
// process environment so config files never need to carry credentials
func (c *Config) LoadFromEnvironment() {
	if v := os.Getenv("BACKUP_PG_DSN"); v != "" {
		c.Postgres.DSN = v
	}
	if v := os.Getenv("BACKUP_MONGO_URI"); v != "" {
		c.Mongo.URI = v
	}
	if v := os.Getenv("BACKUP_REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("BACKUP_REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("BACKUP_ENCRYPTION_KEY"); v != "" {
		c.Encryption.Key = v
	}
	if v := os.Getenv("BACKUP_MAX_CONCURRENT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.MaxConcurrentBackups = n
		}
	}
}

// Validate rejects configurations the orchestrator cannot run with
func (c *Config) Validate() error {
	if c.BackupRoot == "" {
		return backup.NewConfigurationError("backup_root is required", nil)
	}
	if c.MaxConcurrentBackups < 1 {
		return backup.NewConfigurationError("max_concurrent_backups must be at least 1", nil)
	}
	if c.Encryption.Enabled {
		if _, err := c.Encryption.GetKey(); err != nil {
			return err
		}
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return backup.NewConfigurationError(fmt.Sprintf("invalid timezone %q", c.Timezone), err)
	}
	switch c.Consistency.Sequencing {
	case "sequential", "parallel":
	default:
		return backup.NewConfigurationError(fmt.Sprintf("invalid consistency sequencing %q", c.Consistency.Sequencing), nil)
	}
	switch c.Consistency.Level {
	case backup.ConsistencyLevelStrict, backup.ConsistencyLevelEventual, backup.ConsistencyLevelRelaxed:
	default:
		return backup.NewConfigurationError(fmt.Sprintf("invalid consistency level %q", c.Consistency.Level), nil)
	}
	for name, sched := range c.Schedules {
		if sched.Cron == "" {
			return backup.NewConfigurationError(fmt.Sprintf("schedule %q has no cron expression", name), nil)
		}
		if len(sched.Types) == 0 {
			return backup.NewConfigurationError(fmt.Sprintf("schedule %q declares no backup types", name), nil)
		}
		if sched.Retention.CountKeep < 0 || sched.Retention.MaxAge < 0 {
			return backup.NewConfigurationError(fmt.Sprintf("schedule %q has a negative retention bound", name), nil)
		}
		switch sched.FilesStrategy {
		case "", "full", "incremental", "differential":
		default:
			return backup.NewConfigurationError(fmt.Sprintf("schedule %q has unknown files_strategy %q", name, sched.FilesStrategy), nil)
		}
	}
	if c.PrimaryRegion != "" {
		found := false
		for _, r := range c.Regions {
			if r.Name == c.PrimaryRegion {
				found = true
				break
			}
		}
		if !found {
			return backup.NewConfigurationError(fmt.Sprintf("primary_region %q is not in regions", c.PrimaryRegion), nil)
		}
	}
	for _, r := range c.Regions {
		switch r.Type {
		case "local", "s3", "azure", "gcs":
		default:
			return backup.NewConfigurationError(fmt.Sprintf("region %q has unknown type %q", r.Name, r.Type), nil)
		}
	}
	if wantsWAL(c.Schedules) && c.Postgres.WALDir == "" {
		return backup.NewConfigurationError("postgres.wal_dir is required when a schedule uses relational-wal", nil)
	}
	return nil
}

// SecondaryRegions returns the replication targets, i.e. every region
// except the primary
func (c *Config) SecondaryRegions() []Region {
	var out []Region
	for _, r := range c.Regions {
		if r.Name != c.PrimaryRegion {
			out = append(out, r)
		}
	}
	return out
}

func wantsWAL(schedules map[string]*backup.Schedule) bool {
	for _, s := range schedules {
		for _, t := range s.Types {
			if t == backup.BackupTypeRelationalWAL {
				return true
			}
		}
	}
	return false
}

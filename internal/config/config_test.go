package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"multistore-backup/internal/backup"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := NewLoader("").Load()
	require.NoError(t, err)

	assert.Equal(t, "/var/backups/platform", cfg.BackupRoot)
	assert.Equal(t, "UTC", cfg.Timezone)
	assert.Equal(t, 2, cfg.MaxConcurrentBackups)
	assert.Equal(t, 5*time.Minute, cfg.DrainTimeout)
	assert.Equal(t, "checksum", cfg.ValidationLevel)
	assert.Equal(t, backup.CompressionGzip, cfg.CompressionAlgorithm)
	assert.Equal(t, backup.ConsistencyLevelStrict, cfg.Consistency.Level)
	assert.Equal(t, "pg_dump", cfg.Postgres.DumpTool)
	assert.Equal(t, "mongodump", cfg.Mongo.DumpTool)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
}

func TestLoadParsesSchedulesAndNamesThem(t *testing.T) {
	path := writeConfigFile(t, `
backup_root: /tmp/backups
schedules:
  nightly:
    cron: "0 2 * * *"
    types: [full-system]
    multi_region: true
    retention:
      count: 7
  hourly-kv:
    cron: "@hourly"
    types: [kv-snapshot]
`)
	cfg, err := NewLoader(path).Load()
	require.NoError(t, err)

	require.Contains(t, cfg.Schedules, "nightly")
	nightly := cfg.Schedules["nightly"]
	assert.Equal(t, "nightly", nightly.Name)
	assert.Equal(t, "0 2 * * *", nightly.Cron)
	assert.True(t, nightly.MultiRegion)
	assert.Equal(t, 7, nightly.Retention.CountKeep)
	assert.Equal(t, backup.PriorityNormal, nightly.Priority)
	assert.Equal(t, "hourly-kv", cfg.Schedules["hourly-kv"].Name)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := writeConfigFile(t, `
backup_root: /tmp/backups
no_such_option: true
`)
	_, err := NewLoader(path).Load()
	require.Error(t, err)
	assert.Equal(t, backup.ErrorKindConfiguration, backup.KindOf(err))
}

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := NewLoader(filepath.Join(t.TempDir(), "absent.yaml")).Load()
	require.NoError(t, err)
	assert.Equal(t, "/var/backups/platform", cfg.BackupRoot)
}

func TestEnvironmentOverridesFileValues(t *testing.T) {
	t.Setenv("BACKUP_PG_DSN", "postgres://override/db")
	t.Setenv("BACKUP_MAX_CONCURRENT", "8")

	path := writeConfigFile(t, `
postgres:
  dsn: postgres://file/db
`)
	cfg, err := NewLoader(path).Load()
	require.NoError(t, err)
	assert.Equal(t, "postgres://override/db", cfg.Postgres.DSN)
	assert.Equal(t, 8, cfg.MaxConcurrentBackups)
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad timezone", func(c *Config) { c.Timezone = "Mars/Olympus" }},
		{"bad sequencing", func(c *Config) { c.Consistency.Sequencing = "interleaved" }},
		{"bad consistency level", func(c *Config) { c.Consistency.Level = "hopeful" }},
		{"schedule without cron", func(c *Config) {
			c.Schedules = map[string]*backup.Schedule{
				"broken": {Types: []backup.BackupType{backup.BackupTypeKVSnapshot}},
			}
		}},
		{"schedule without types", func(c *Config) {
			c.Schedules = map[string]*backup.Schedule{
				"broken": {Cron: "@daily"},
			}
		}},
		{"negative retention", func(c *Config) {
			c.Schedules = map[string]*backup.Schedule{
				"broken": {
					Cron:      "@daily",
					Types:     []backup.BackupType{backup.BackupTypeKVSnapshot},
					Retention: backup.RetentionPolicy{CountKeep: -1},
				},
			}
		}},
		{"unknown primary region", func(c *Config) { c.PrimaryRegion = "nowhere" }},
		{"unknown region type", func(c *Config) {
			c.Regions = []Region{{Name: "west", Type: "ftp"}}
		}},
		{"wal schedule without wal dir", func(c *Config) {
			c.Schedules = map[string]*backup.Schedule{
				"wal": {Cron: "@hourly", Types: []backup.BackupType{backup.BackupTypeRelationalWAL}},
			}
			c.Postgres.WALDir = ""
		}},
		{"encryption without key", func(c *Config) { c.Encryption.Enabled = true }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := &Config{}
			cfg.SetDefaults()
			tc.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Equal(t, backup.ErrorKindConfiguration, backup.KindOf(err))
		})
	}
}

func TestSecondaryRegionsExcludesPrimary(t *testing.T) {
	cfg := &Config{
		PrimaryRegion: "east",
		Regions: []Region{
			{Name: "east", Type: "local", Path: "/a"},
			{Name: "west", Type: "local", Path: "/b"},
			{Name: "archive", Type: "s3", Bucket: "b"},
		},
	}
	secondary := cfg.SecondaryRegions()
	require.Len(t, secondary, 2)
	assert.Equal(t, "west", secondary[0].Name)
	assert.Equal(t, "archive", secondary[1].Name)
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	loader := NewLoader(path)

	cfg := &Config{}
	cfg.SetDefaults()
	cfg.BackupRoot = "/srv/backups"
	require.NoError(t, loader.Save(cfg))

	reloaded, err := loader.Load()
	require.NoError(t, err)
	assert.Equal(t, "/srv/backups", reloaded.BackupRoot)
}

func TestEnsureLayoutCreatesTree(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, EnsureLayout(root))

	for _, d := range []string{"metadata", "postgresql/wal", "mongodb/oplog", "files/dedup", "recovery-tests"} {
		info, err := os.Stat(filepath.Join(root, d))
		require.NoError(t, err, d)
		assert.True(t, info.IsDir())
	}
}

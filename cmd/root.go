// Package cmd implements the multistore-backup CLI.
package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"multistore-backup/internal/config"
	"multistore-backup/internal/logging"
)

var cfgFile string

// CLI flag variables
var (
	verbose    bool
	quiet      bool
	logFile    string
	backupRoot string
)

// Version information (set by build flags)
var (
	buildVersion = "dev"
	buildTime    = "unknown"
	gitCommit    = "unknown"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "multistore-backup",
	Short: "Automated backup and recovery across relational, document, key-value and file stores",
	Long: `multistore-backup orchestrates scheduled backups across a PostgreSQL
database, a MongoDB database, a Redis instance, and file trees, with
cross-store consistency points, multi-region replication, retention,
validation, and point-in-time recovery.

Examples:
  # Run the orchestrator as a daemon with scheduled backups
  multistore-backup serve --config=/etc/multistore-backup.yaml

  # Fire one schedule immediately
  multistore-backup run nightly

  # List recent backup sets
  multistore-backup list --schedule=nightly --limit=20

  # Validate a set down to a scratch-database restore
  multistore-backup verify 20260101T020000Z-1a2b3c4d --level=test_restore

  # Plan and execute a point-in-time restore
  multistore-backup restore --target-time=2026-01-01T02:30:00Z --dry-run`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and runs it.
// Called once from main.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// SetVersionInfo stamps build metadata into the version command
func SetVersionInfo(version, built, commit string) {
	buildVersion, buildTime, gitCommit = version, built, commit
	rootCmd.Version = fmt.Sprintf("%s (built %s, commit %s)", version, built, commit)
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.multistore-backup.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "suppress non-error output")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "write logs to this file in addition to stdout")
	rootCmd.PersistentFlags().StringVar(&backupRoot, "backup-root", "", "override the configured backup root directory")

	viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
	viper.BindPFlag("quiet", rootCmd.PersistentFlags().Lookup("quiet"))
	viper.BindPFlag("log_file", rootCmd.PersistentFlags().Lookup("log-file"))
	viper.BindPFlag("backup_root", rootCmd.PersistentFlags().Lookup("backup-root"))

	rootCmd.MarkFlagsMutuallyExclusive("verbose", "quiet")
}

// initConfig locates the config file via flag, environment, or the
// default search path
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(home)
		}
		viper.AddConfigPath("/etc/multistore-backup")
		viper.AddConfigPath(".")
		viper.SetConfigName(".multistore-backup")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("MSB")
	viper.AutomaticEnv()

	// Missing config file is fine, the loader falls back to defaults
	// plus environment overrides.
	_ = viper.ReadInConfig()
}

// resolveConfigPath returns the config file viper located, if any
func resolveConfigPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	if used := viper.ConfigFileUsed(); used != "" {
		return filepath.Clean(used)
	}
	return ""
}

// applyFlagOverrides pushes CLI flags over the file-loaded config
func applyFlagOverrides(cfg *config.Config) {
	if backupRoot != "" {
		cfg.BackupRoot = backupRoot
	}
	if logFile != "" {
		cfg.Logging.LogFile = logFile
	}
}

func logLevel() logging.LogLevel {
	switch {
	case quiet:
		return logging.LogLevelQuiet
	case verbose:
		return logging.LogLevelVerbose
	default:
		return logging.LogLevelNormal
	}
}

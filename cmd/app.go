package cmd

import (
	"context"
	"os"

	"multistore-backup/internal/backup"
	"multistore-backup/internal/config"
	"multistore-backup/internal/consistency"
	"multistore-backup/internal/display"
	"multistore-backup/internal/engine/files"
	"multistore-backup/internal/engine/mongo"
	"multistore-backup/internal/engine/postgres"
	"multistore-backup/internal/engine/rediskv"
	"multistore-backup/internal/logging"
	"multistore-backup/internal/notify"
	"multistore-backup/internal/orchestrator"
	"multistore-backup/internal/recovery"
	"multistore-backup/internal/replicate"
	"multistore-backup/internal/retention"
	"multistore-backup/internal/validate"
)

// app wires the whole system from configuration. Engines whose store
// is not configured stay nil and their backup types are unavailable.
type app struct {
	cfg     *config.Config
	logger  *logging.Logger
	catalog *backup.Catalog
	chain   *backup.TransformChain

	relational *postgres.Engine
	document   *mongo.Engine
	kv         *rediskv.Engine
	files      *files.Engine

	replicator  *replicate.Replicator
	retention   *retention.Manager
	validator   *validate.Validator
	coordinator *recovery.Coordinator
	orch        *orchestrator.Orchestrator
	notifier    *notify.Notifier
	display     *display.Service
}

// buildApp loads configuration and constructs every component. With
// connect set, the configured engines are initialized so components
// holding live handles (consistency, recovery) can be wired.
func buildApp(ctx context.Context, connect bool) (*app, error) {
	cfg, err := config.NewLoader(resolveConfigPath()).Load()
	if err != nil {
		return nil, err
	}
	applyFlagOverrides(cfg)

	logger, err := logging.NewLogger(logging.Config{
		Level:   logLevel(),
		Format:  cfg.Logging.Format,
		LogFile: cfg.Logging.LogFile,
	})
	if err != nil {
		return nil, backup.NewConfigurationError("failed to set up logging", err)
	}

	if err := config.EnsureLayout(cfg.BackupRoot); err != nil {
		return nil, err
	}
	catalog, err := backup.NewCatalog(cfg.BackupRoot)
	if err != nil {
		return nil, err
	}

	chain := backup.NewTransformChain(
		cfg.Compression, cfg.CompressionAlgorithm, cfg.CompressionLevel,
		backup.NewEncryptionManager(&cfg.Encryption))

	a := &app{
		cfg:     cfg,
		logger:  logger,
		catalog: catalog,
		chain:   chain,
		display: display.NewService(os.Stdout, false),
	}

	retry := backup.RetryPolicy{MaxRetries: cfg.MaxRetries, Delay: cfg.RetryDelay}
	if cfg.Postgres.DSN != "" {
		a.relational = postgres.New(cfg.Postgres, cfg.BackupRoot, chain, logger, retry)
	}
	if cfg.Mongo.URI != "" {
		a.document = mongo.New(cfg.Mongo, cfg.BackupRoot, chain, logger, retry)
	}
	if cfg.Redis.Addr != "" {
		a.kv = rediskv.New(cfg.Redis, cfg.BackupRoot, chain, logger)
	}
	if len(cfg.Files.Roots) > 0 {
		a.files = files.New(cfg.Files, cfg.BackupRoot, logger)
	}

	if secondaries := cfg.SecondaryRegions(); len(secondaries) > 0 {
		a.replicator, err = replicate.NewReplicator(secondaries, logger)
		if err != nil {
			return nil, err
		}
	}

	var indexes retention.IndexSource
	if a.files != nil {
		indexes = a.files
	}
	a.retention = retention.NewManager(catalog, indexes, a.replicator, logger)

	var checker validate.RelationalChecker
	if a.relational != nil {
		checker = a.relational
	}
	a.validator = validate.NewValidator(chain, checker, cfg.TempDir, logger)

	if connect {
		if err := a.connect(ctx); err != nil {
			return nil, err
		}
	}

	deps := orchestrator.Deps{
		Catalog:    catalog,
		Replicator: a.replicator,
		Retention:  a.retention,
		Validator:  a.validator,
		Logger:     logger,
	}
	if a.relational != nil {
		deps.Relational = a.relational
	}
	if a.document != nil {
		deps.Document = a.document
	}
	if a.kv != nil {
		deps.KV = a.kv
	}
	if a.files != nil {
		deps.Files = a.files
	}
	if connect && a.relational != nil && a.document != nil {
		deps.Consistency = consistency.NewManager(
			cfg.Consistency, a.relational.DB(), a.document.Client(), cfg.Mongo.Database, logger)
	}

	var relRestore recovery.RelationalRestorer
	var docRestore recovery.DocumentRestorer
	if a.relational != nil {
		relRestore = a.relational
	}
	if a.document != nil {
		docRestore = a.document
	}
	a.coordinator = recovery.NewCoordinator(catalog, chain, relRestore, docRestore, cfg.BackupRoot, logger)
	deps.Recovery = a.coordinator

	a.orch, err = orchestrator.New(cfg, deps)
	if err != nil {
		return nil, err
	}

	a.notifier = notify.NewNotifier(cfg.Notifications, logger)
	if a.notifier != nil {
		a.orch.Subscribe(a.notifier)
	}
	return a, nil
}

// connect initializes every configured engine
func (a *app) connect(ctx context.Context) error {
	for _, engine := range a.engines() {
		if err := engine.Initialize(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (a *app) engines() []backup.Engine {
	var engines []backup.Engine
	if a.relational != nil {
		engines = append(engines, a.relational)
	}
	if a.document != nil {
		engines = append(engines, a.document)
	}
	if a.kv != nil {
		engines = append(engines, a.kv)
	}
	if a.files != nil {
		engines = append(engines, a.files)
	}
	return engines
}

// close releases engine connections for one-shot commands that never
// go through the orchestrator's Stop
func (a *app) close() {
	for _, engine := range a.engines() {
		if err := engine.Close(); err != nil {
			a.logger.WithError(err).WithField("engine", engine.Name()).Warn("engine close failed")
		}
	}
	if a.notifier != nil {
		a.notifier.Flush()
	}
}

package container

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/benbjohnson/clock"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/garyjia/campus-approvals/internal/application/dispatcher"
	"github.com/garyjia/campus-approvals/internal/application/port"
	"github.com/garyjia/campus-approvals/internal/application/workflow"
	"github.com/garyjia/campus-approvals/internal/config"
	"github.com/garyjia/campus-approvals/internal/domain/grading"
	domainwf "github.com/garyjia/campus-approvals/internal/domain/workflow"
	identityinfra "github.com/garyjia/campus-approvals/internal/infrastructure/identity"
	"github.com/garyjia/campus-approvals/internal/infrastructure/notify"
	"github.com/garyjia/campus-approvals/internal/infrastructure/persistence/memory"
	"github.com/garyjia/campus-approvals/internal/infrastructure/persistence/repository"
	"github.com/garyjia/campus-approvals/internal/infrastructure/persistence/sqlite"
	"github.com/garyjia/campus-approvals/internal/infrastructure/worker"
	"github.com/garyjia/campus-approvals/internal/metrics"
	"github.com/garyjia/campus-approvals/pkg/database"
	"github.com/garyjia/campus-approvals/pkg/utils"
)

// StorageBundle holds the stores selected by database.driver.
// DB and TxManager are nil for the memory driver.
type StorageBundle struct {
	DB        *database.DB
	TxManager port.TransactionManager
	Instances port.InstanceStore
	Outbox    port.OutboxRepository
}

// NotifierBundle holds the configured delivery channels and the connections behind them
type NotifierBundle struct {
	Registry *notify.Registry
	closers  []func() error
}

// Close releases transport connections
func (b *NotifierBundle) Close() error {
	var firstErr error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	b.closers = nil
	return firstErr
}

// ProvideStorage opens the configured store. The sqlite driver runs pending migrations.
func ProvideStorage(cfg *config.DatabaseConfig, logger *zap.Logger) (*StorageBundle, error) {
	if cfg == nil {
		return nil, fmt.Errorf("database config is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}

	if cfg.Driver == config.DriverMemory {
		logger.Warn("Using in-memory storage; instances are lost on restart")
		return &StorageBundle{
			Instances: memory.NewInstanceStore(),
			Outbox:    memory.NewOutboxRepository(),
		}, nil
	}

	db, err := OpenDatabase(cfg, logger)
	if err != nil {
		return nil, err
	}

	if _, err := database.NewMigrator(db, logger).RunMigrations(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	txManager := sqlite.NewDB(db.DB, logger)
	return &StorageBundle{
		DB:        db,
		TxManager: txManager,
		Instances: repository.NewInstanceRepository(txManager, logger),
		Outbox:    repository.NewOutboxRepository(txManager, logger),
	}, nil
}

// OpenDatabase opens the sqlite file, creating its directory if needed
func OpenDatabase(cfg *config.DatabaseConfig, logger *zap.Logger) (*database.DB, error) {
	if err := utils.EnsureParentDir(cfg.Path); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := database.New(database.Config{
		Path:            cfg.Path,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return db, nil
}

// ProvideDefinitions registers the built-in chains plus any from the definitions file
func ProvideDefinitions(cfg *config.WorkflowConfig, logger *zap.Logger) (*domainwf.Registry, error) {
	registry, err := domainwf.NewRegistry(domainwf.BuiltinDefinitions()...)
	if err != nil {
		return nil, fmt.Errorf("failed to register built-in definitions: %w", err)
	}

	if cfg.DefinitionsFile != "" {
		n, err := registry.LoadDefinitionsFile(cfg.DefinitionsFile)
		if err != nil {
			return nil, err
		}
		logger.Info("Loaded workflow definitions",
			zap.String("file", cfg.DefinitionsFile),
			zap.Int("count", n))
	}

	return registry, nil
}

// ProvideScales registers the default grading scale plus any from the scales file
func ProvideScales(cfg *config.GradingConfig, logger *zap.Logger) (*grading.Registry, error) {
	scales, err := grading.NewRegistry(grading.DefaultScale())
	if err != nil {
		return nil, fmt.Errorf("failed to register default scale: %w", err)
	}

	if cfg.ScalesFile != "" {
		n, err := scales.LoadScalesFile(cfg.ScalesFile)
		if err != nil {
			return nil, err
		}
		logger.Info("Loaded grading scales",
			zap.String("file", cfg.ScalesFile),
			zap.Int("count", n))
	}

	return scales, nil
}

// ProvideRoleProvider loads the token directory behind a TTL cache
func ProvideRoleProvider(cfg *config.IdentityConfig, logger *zap.Logger) (*identityinfra.CachingProvider, error) {
	directory, err := identityinfra.LoadDirectoryFile(cfg.DirectoryFile)
	if err != nil {
		return nil, err
	}
	logger.Info("Loaded user directory",
		zap.String("file", cfg.DirectoryFile),
		zap.Int("users", directory.Len()))

	return identityinfra.NewCachingProvider(directory, cfg.CacheSize, cfg.CacheTTL), nil
}

// ProvideNotifiers builds one notifier per configured channel
func ProvideNotifiers(cfg *config.Config, logger *zap.Logger) (*NotifierBundle, error) {
	bundle := &NotifierBundle{}
	var notifiers []port.Notifier

	for _, channel := range cfg.Notification.Channels {
		switch channel {
		case config.ChannelLog:
			notifiers = append(notifiers, notify.NewLogNotifier(logger))

		case config.ChannelLark:
			larkCfg := notify.LarkConfig{
				AppID:         cfg.Lark.AppID,
				AppSecret:     cfg.Lark.AppSecret,
				ReceiveIDType: cfg.Lark.ReceiveIDType,
				ReceiveID:     cfg.Lark.ReceiveID,
			}
			client := notify.NewLarkClient(larkCfg)
			notifiers = append(notifiers, notify.NewLarkNotifier(client.Im.Message, larkCfg, logger))

		case config.ChannelNATS:
			conn, err := notify.DialNATS(cfg.NATS.URL, cfg.NATS.ClientName, logger)
			if err != nil {
				_ = bundle.Close()
				return nil, err
			}
			bundle.closers = append(bundle.closers, func() error {
				return conn.Drain()
			})
			notifiers = append(notifiers, notify.NewNATSNotifier(conn, cfg.NATS.SubjectPrefix))

		case config.ChannelRedis:
			client := notify.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
			bundle.closers = append(bundle.closers, client.Close)
			notifiers = append(notifiers, notify.NewRedisNotifier(client, cfg.Redis.Channel))

		default:
			_ = bundle.Close()
			return nil, fmt.Errorf("unknown notification channel %q", channel)
		}
	}

	bundle.Registry = notify.NewRegistry(notifiers...)
	logger.Info("Notification channels configured", zap.Strings("channels", bundle.Registry.Channels()))
	return bundle, nil
}

// ProvideTracerProvider returns an SDK provider exporting spans to w, or nil when tracing is off
func ProvideTracerProvider(cfg *config.TracingConfig, w io.Writer) (*sdktrace.TracerProvider, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if w == nil {
		w = os.Stderr
	}

	opts := []stdouttrace.Option{stdouttrace.WithWriter(w)}
	if cfg.PrettyPrint {
		opts = append(opts, stdouttrace.WithPrettyPrint())
	}
	exporter, err := stdouttrace.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewSchemaless(
			attribute.String("service.name", cfg.ServiceName),
		)),
	), nil
}

// ProvideDispatcher creates the event dispatcher with log, metrics and outbox handlers
func ProvideDispatcher(storage *StorageBundle, channels []string, m *metrics.Metrics, logger *zap.Logger) dispatcher.Dispatcher {
	kv := utils.NewKVLogger(logger)
	d := dispatcher.NewDispatcher(dispatcher.WithLogger(kv))
	outbox := dispatcher.OutboxHandler(storage.Outbox, storage.TxManager, channels, clock.New())
	dispatcher.RegisterDefaults(d, kv, m, outbox)
	return d
}

// EngineDeps holds the dependencies of the workflow engine
type EngineDeps struct {
	Storage        *StorageBundle
	Definitions    *domainwf.Registry
	Sink           port.NotificationSink
	Metrics        *metrics.Metrics
	TracerProvider *sdktrace.TracerProvider
	PageSize       int
	Logger         *zap.Logger
}

// ProvideEngine creates the workflow engine
func ProvideEngine(deps *EngineDeps) (workflow.Engine, error) {
	if deps == nil || deps.Storage == nil || deps.Definitions == nil {
		return nil, fmt.Errorf("storage and definitions are required")
	}

	opts := []workflow.EngineOption{
		workflow.WithNotificationSink(deps.Sink),
		workflow.WithMetrics(deps.Metrics),
		workflow.WithLogger(utils.NewKVLogger(deps.Logger)),
		workflow.WithHistoryPageSize(deps.PageSize),
	}
	if deps.TracerProvider != nil {
		opts = append(opts, workflow.WithTracerProvider(deps.TracerProvider))
	}

	return workflow.NewEngine(deps.Storage.Instances, deps.Definitions, opts...), nil
}

// ProvideWorkers creates the worker manager with the outbox delivery worker registered
func ProvideWorkers(cfg *config.NotificationConfig, storage *StorageBundle, notifiers *notify.Registry, m *metrics.Metrics, logger *zap.Logger) (*worker.WorkerManager, *worker.OutboxWorker) {
	outboxWorker := worker.NewOutboxWorker(worker.OutboxWorkerConfig{
		PollInterval:        cfg.PollInterval,
		BatchSize:           cfg.BatchSize,
		MaxAttempts:         cfg.MaxAttempts,
		DeliveryTimeout:     cfg.DeliveryTimeout,
		InitialInterval:     cfg.InitialInterval,
		MaxInterval:         cfg.MaxInterval,
		Multiplier:          cfg.Multiplier,
		RandomizationFactor: cfg.RandomizationFactor,
	}, storage.Outbox, notifiers, m, clock.New(), logger)

	manager := worker.NewWorkerManager(logger)
	manager.Register(outboxWorker)
	return manager, outboxWorker
}

// shutdownTracer flushes buffered spans
func shutdownTracer(ctx context.Context, tp *sdktrace.TracerProvider) error {
	if tp == nil {
		return nil
	}
	return tp.Shutdown(ctx)
}

// Package container provides dependency injection and lifecycle management
// for the approvals service.
package container

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/garyjia/campus-approvals/internal/application/dispatcher"
	"github.com/garyjia/campus-approvals/internal/application/workflow"
	"github.com/garyjia/campus-approvals/internal/config"
	"github.com/garyjia/campus-approvals/internal/domain/grading"
	domainwf "github.com/garyjia/campus-approvals/internal/domain/workflow"
	identityinfra "github.com/garyjia/campus-approvals/internal/infrastructure/identity"
	"github.com/garyjia/campus-approvals/internal/infrastructure/worker"
	apihttp "github.com/garyjia/campus-approvals/internal/interfaces/http"
	"github.com/garyjia/campus-approvals/internal/metrics"
	"github.com/garyjia/campus-approvals/pkg/utils"
)

// Version is reported by /health. Release builds set it with -ldflags "-X".
var Version = "dev"

// Container manages all application dependencies and lifecycle.
// Components start in dependency order and are torn down in reverse.
type Container struct {
	config      *config.Config
	logger      *zap.Logger
	traceOutput io.Writer

	// Infrastructure
	storage   *StorageBundle
	notifiers *NotifierBundle
	roles     *identityinfra.CachingProvider
	metrics   *metrics.Metrics
	tracer    *sdktrace.TracerProvider

	// Domain registries
	definitions *domainwf.Registry
	scales      *grading.Registry

	// Application
	dispatcher dispatcher.Dispatcher
	engine     workflow.Engine

	// Workers and transport
	workers      *worker.WorkerManager
	outboxWorker *worker.OutboxWorker
	server       *apihttp.Server

	// Lifecycle
	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	ready  atomic.Bool
	closed atomic.Bool
}

// HealthStatus represents the health of all components.
type HealthStatus struct {
	Overall    bool                       `json:"overall"`
	Components map[string]ComponentHealth `json:"components"`
}

// ComponentHealth represents health of a single component.
type ComponentHealth struct {
	Healthy bool   `json:"healthy"`
	Message string `json:"message,omitempty"`
}

// Option configures a Container
type Option func(*Container)

// WithTraceOutput sets where exported spans are written (stderr by default)
func WithTraceOutput(w io.Writer) Option {
	return func(c *Container) {
		c.traceOutput = w
	}
}

// NewContainer creates a new container from configuration.
// It does not initialize components; call Start to initialize.
func NewContainer(cfg *config.Config, logger *zap.Logger, opts ...Option) (*Container, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	c := &Container{
		config: cfg,
		logger: logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Start initializes all components and starts background work:
// 1. Storage
// 2. Definitions, grading scales and the user directory
// 3. Metrics, tracing and notification channels
// 4. Event dispatcher and workflow engine
// 5. Workers
// 6. HTTP server (not listening until Serve)
func (c *Container) Start(ctx context.Context) (err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed.Load() {
		return fmt.Errorf("container has been closed")
	}
	if c.ready.Load() {
		return fmt.Errorf("container already started")
	}

	c.ctx, c.cancel = context.WithCancel(ctx)
	c.logger.Info("Starting container initialization")

	defer func() {
		if err != nil {
			c.teardown()
		}
	}()

	// Step 1: Storage
	c.storage, err = ProvideStorage(&c.config.Database, c.logger)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	c.logger.Info("Storage initialized", zap.String("driver", c.config.Database.Driver))

	// Step 2: Registries and identity
	if c.definitions, err = ProvideDefinitions(&c.config.Workflow, c.logger); err != nil {
		return fmt.Errorf("failed to load workflow definitions: %w", err)
	}
	if c.scales, err = ProvideScales(&c.config.Grading, c.logger); err != nil {
		return fmt.Errorf("failed to load grading scales: %w", err)
	}
	if c.roles, err = ProvideRoleProvider(&c.config.Identity, c.logger); err != nil {
		return fmt.Errorf("failed to initialize identity: %w", err)
	}
	go c.roles.StartEviction(c.ctx)

	// Step 3: Observability and notification channels
	c.metrics = metrics.New()
	if c.tracer, err = ProvideTracerProvider(&c.config.Tracing, c.traceOutput); err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	if c.notifiers, err = ProvideNotifiers(c.config, c.logger); err != nil {
		return fmt.Errorf("failed to initialize notifiers: %w", err)
	}

	// Step 4: Dispatcher and engine
	c.dispatcher = ProvideDispatcher(c.storage, c.notifiers.Registry.Channels(), c.metrics, c.logger)
	c.engine, err = ProvideEngine(&EngineDeps{
		Storage:        c.storage,
		Definitions:    c.definitions,
		Sink:           c.dispatcher,
		Metrics:        c.metrics,
		TracerProvider: c.tracer,
		PageSize:       c.config.Workflow.HistoryPageSize,
		Logger:         c.logger,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize workflow engine: %w", err)
	}
	c.logger.Info("Dispatcher and workflow engine initialized",
		zap.Int("definitions", len(c.definitions.List())))

	// Step 5: Workers
	c.workers, c.outboxWorker = ProvideWorkers(&c.config.Notification, c.storage, c.notifiers.Registry, c.metrics, c.logger)
	if err = c.workers.StartAll(c.ctx); err != nil {
		return fmt.Errorf("failed to start workers: %w", err)
	}

	// Step 6: HTTP server
	c.server = apihttp.NewServer(apihttp.ServerConfig{
		Host:            c.config.Server.Host,
		Port:            c.config.Server.Port,
		ReadTimeout:     c.config.Server.ReadTimeout,
		WriteTimeout:    c.config.Server.WriteTimeout,
		ShutdownTimeout: c.config.Server.ShutdownTimeout,
		Version:         Version,
	}, c.engine, c.roles, c.scales, c.metrics.Handler(), utils.NewKVLogger(c.logger))

	c.ready.Store(true)
	c.logger.Info("Container started successfully")
	return nil
}

// Serve runs the HTTP server until ctx is cancelled
func (c *Container) Serve(ctx context.Context) error {
	if !c.ready.Load() {
		return fmt.Errorf("container not started")
	}
	return c.server.Start(ctx)
}

// Close gracefully shuts down all components in reverse order.
func (c *Container) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed.Load() {
		return fmt.Errorf("container already closed")
	}

	c.logger.Info("Closing container")
	err := c.teardown()

	c.closed.Store(true)
	c.ready.Store(false)

	if err != nil {
		c.logger.Error("Container closed with errors", zap.Error(err))
		return err
	}
	c.logger.Info("Container closed successfully")
	return nil
}

// teardown releases whatever Start managed to build
func (c *Container) teardown() error {
	var errs []error

	if c.cancel != nil {
		c.cancel()
	}

	if c.server != nil {
		if err := c.server.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop server: %w", err))
		}
	}

	if c.workers != nil {
		if err := c.workers.StopAll(); err != nil {
			errs = append(errs, fmt.Errorf("stop workers: %w", err))
		} else {
			c.logger.Info("Workers stopped")
		}
	}

	if c.dispatcher != nil {
		if err := c.dispatcher.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close dispatcher: %w", err))
		} else {
			c.logger.Info("Dispatcher closed")
		}
	}

	if c.notifiers != nil {
		if err := c.notifiers.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close notifiers: %w", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := shutdownTracer(shutdownCtx, c.tracer); err != nil {
		errs = append(errs, fmt.Errorf("shutdown tracer: %w", err))
	}

	if c.storage != nil && c.storage.DB != nil {
		if err := c.storage.DB.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close database: %w", err))
		} else {
			c.logger.Info("Database closed")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("container closed with %d errors: %w", len(errs), errs[0])
	}
	return nil
}

// Ready returns true when all components are initialized.
func (c *Container) Ready() bool {
	return c.ready.Load()
}

// Health returns health status of all components.
func (c *Container) Health() *HealthStatus {
	status := &HealthStatus{
		Overall:    true,
		Components: make(map[string]ComponentHealth),
	}

	set := func(name string, healthy bool, msg string) {
		status.Components[name] = ComponentHealth{Healthy: healthy, Message: msg}
		if !healthy {
			status.Overall = false
		}
	}

	switch {
	case c.storage == nil:
		set("storage", false, "not initialized")
	case c.storage.DB == nil:
		set("storage", true, "in-memory")
	default:
		if err := c.storage.DB.Ping(); err != nil {
			set("storage", false, fmt.Sprintf("ping failed: %v", err))
		} else {
			set("storage", true, "")
		}
	}

	if c.workers != nil {
		set("workers", c.workers.IsRunning(), fmt.Sprintf("worker count: %d", c.workers.GetWorkerCount()))
	} else {
		set("workers", false, "not initialized")
	}

	if c.outboxWorker != nil {
		stats := c.outboxWorker.Stats()
		set("outbox", true, fmt.Sprintf("delivered: %d, retried: %d, failed: %d", stats.Delivered, stats.Retried, stats.Failed))
	}

	if c.dispatcher != nil {
		ds := c.dispatcher.Stats()
		set("dispatcher", true, fmt.Sprintf("emitted: %d, handler failures: %d", ds.Emitted, ds.Failures))
	} else {
		set("dispatcher", false, "not initialized")
	}

	return status
}

// Getters for accessing container components

// Engine returns the workflow engine.
func (c *Container) Engine() workflow.Engine {
	return c.engine
}

// Dispatcher returns the event dispatcher.
func (c *Container) Dispatcher() dispatcher.Dispatcher {
	return c.dispatcher
}

// Definitions returns the workflow definition registry.
func (c *Container) Definitions() *domainwf.Registry {
	return c.definitions
}

// Scales returns the grading scale registry.
func (c *Container) Scales() *grading.Registry {
	return c.scales
}

// Storage returns the selected stores.
func (c *Container) Storage() *StorageBundle {
	return c.storage
}

// OutboxWorker returns the notification delivery worker.
func (c *Container) OutboxWorker() *worker.OutboxWorker {
	return c.outboxWorker
}

// Server returns the HTTP server.
func (c *Container) Server() *apihttp.Server {
	return c.server
}

// Metrics returns the metrics collectors.
func (c *Container) Metrics() *metrics.Metrics {
	return c.metrics
}

// Logger returns the container's logger.
func (c *Container) Logger() *zap.Logger {
	return c.logger
}

// Config returns the container's configuration.
func (c *Container) Config() *config.Config {
	return c.config
}

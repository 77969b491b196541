package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/eventrelay/eventrelay/config"
	"github.com/eventrelay/eventrelay/internal/database"
	"github.com/eventrelay/eventrelay/internal/domain"
	httpHandler "github.com/eventrelay/eventrelay/internal/http"
	"github.com/eventrelay/eventrelay/internal/repository"
	"github.com/eventrelay/eventrelay/internal/service"
	"github.com/eventrelay/eventrelay/internal/streamlog"
	"github.com/eventrelay/eventrelay/pkg/logger"
)

// App encapsulates the wiring between the event core's components (C1-C11)
// and the HTTP API they're served behind.
type App struct {
	config *config.Config
	logger logger.Logger
	db     *sql.DB
	redis  *redis.Client

	eventRepo        domain.EventStore
	endpointRepo     domain.EndpointRepository
	attemptRepo      domain.AttemptRepository
	subscriptionRepo domain.SubscriptionRepository
	streamLog        domain.StreamLog

	publisher  *service.Publisher
	matcher    *service.SubscriptionMatcher
	planner    *service.DeliveryPlanner
	adapter    *service.HTTPDeliveryAdapter
	recorder   *service.AttemptRecorder
	scheduler  *service.RetryScheduler
	dispatcher *service.Dispatcher
	metrics    *service.Metrics
	health     *service.HealthChecker

	healthRegistry *prometheus.Registry

	mux    *http.ServeMux
	server *http.Server

	serverMu      sync.RWMutex
	serverStarted chan struct{}

	dispatcherWG sync.WaitGroup
}

// AppOption configures an App before Initialize runs.
type AppOption func(*App)

// WithMockDB injects a database connection, bypassing Connect.
func WithMockDB(db *sql.DB) AppOption {
	return func(a *App) { a.db = db }
}

// WithMockRedis injects a Redis client, bypassing the dial in InitStream.
func WithMockRedis(client *redis.Client) AppOption {
	return func(a *App) { a.redis = client }
}

// WithLogger sets a custom logger.
func WithLogger(log logger.Logger) AppOption {
	return func(a *App) { a.logger = log }
}

// NewApp builds an App from cfg, applying any overrides.
func NewApp(cfg *config.Config, opts ...AppOption) *App {
	app := &App{
		config:        cfg,
		logger:        logger.NewLogger(),
		mux:           http.NewServeMux(),
		serverStarted: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(app)
	}
	return app
}

// InitDB opens the Postgres pool backing the event store, endpoint
// registry, attempt log and subscription table.
func (a *App) InitDB() error {
	if a.db != nil {
		return nil
	}
	db, err := database.Connect(&a.config.Database)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	a.db = db
	return nil
}

// InitStream dials the Redis client the stream log and retry scheduler
// share.
func (a *App) InitStream() error {
	if a.redis != nil {
		return nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     a.config.Stream.Addr,
		Password: a.config.Stream.Password,
		DB:       a.config.Stream.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return fmt.Errorf("failed to ping redis: %w", err)
	}
	a.redis = client
	return nil
}

// InitRepositories wires the Postgres-backed repositories and the Redis
// Streams log.
func (a *App) InitRepositories() error {
	if a.db == nil {
		return fmt.Errorf("database must be initialized before repositories")
	}
	if a.redis == nil {
		return fmt.Errorf("stream client must be initialized before repositories")
	}

	a.eventRepo = repository.NewEventRepository(a.db)
	a.endpointRepo = repository.NewEndpointRepository(a.db)
	a.attemptRepo = repository.NewAttemptRepository(a.db)
	a.subscriptionRepo = repository.NewSubscriptionRepository(a.db)
	a.streamLog = streamlog.NewRedisStreamLog(a.redis, streamlog.Config{
		ClaimMinIdleTime: a.config.Stream.ClaimMinIdleTime,
		Partitions:       a.config.Stream.Partitions,
	})

	return nil
}

// InitServices wires C3 through C11 against the repositories above.
func (a *App) InitServices() error {
	a.publisher = service.NewPublisher(a.eventRepo, a.streamLog, a.logger)
	a.matcher = service.NewSubscriptionMatcher(a.subscriptionRepo, a.endpointRepo, a.logger)
	a.planner = service.NewDeliveryPlanner()
	a.adapter = service.NewHTTPDeliveryAdapter(service.DefaultAdapterConfig())
	a.recorder = service.NewAttemptRecorder(a.attemptRepo, a.eventRepo, a.endpointRepo, a.logger)
	a.scheduler = service.NewRetryScheduler(a.redis, a.streamLog, a.logger)

	workerID := a.config.Stream.ConsumerName
	if workerID == "" {
		workerID = fmt.Sprintf("eventrelay-%d", os.Getpid())
	}

	a.dispatcher = service.NewDispatcher(
		service.DefaultDispatcherConfig(),
		a.eventRepo,
		a.streamLog,
		a.attemptRepo,
		a.matcher,
		a.planner,
		a.adapter,
		a.recorder,
		a.scheduler,
		a.logger,
		workerID,
	)

	registry := prometheus.NewRegistry()
	a.metrics = service.NewMetrics(registry)
	a.health = service.NewHealthChecker(a.db, a.redis)
	a.dispatcher.SetMetrics(a.metrics)
	a.recorder.SetMetrics(a.metrics)

	a.healthRegistry = registry
	return nil
}

// InitHandlers registers the HTTP API (§6.2-§6.3) on the App's mux.
func (a *App) InitHandlers() error {
	endpointHandler := httpHandler.NewEndpointHandler(a.endpointRepo, a.planner, a.adapter, a.config.Security.SecretKey, a.logger)
	observabilityHandler := httpHandler.NewObservabilityHandler(a.eventRepo, a.attemptRepo, a.health, a.recorder, a.healthRegistry, a.logger)

	endpointHandler.RegisterRoutes(a.mux)
	observabilityHandler.RegisterRoutes(a.mux)

	return nil
}

// Initialize runs every Init step in dependency order.
func (a *App) Initialize() error {
	if err := a.InitDB(); err != nil {
		return err
	}
	if err := a.InitStream(); err != nil {
		return err
	}
	if err := a.InitRepositories(); err != nil {
		return err
	}
	if err := a.InitServices(); err != nil {
		return err
	}
	if err := a.InitHandlers(); err != nil {
		return err
	}
	return nil
}

// topics returns the (schema, category) pairs this process's dispatcher
// consumes, from config.DispatcherConfig.Tenants x Categories.
func (a *App) topics() []service.SchemaTopic {
	var topics []service.SchemaTopic
	for _, schema := range a.config.Dispatcher.Tenants {
		for _, category := range a.config.Dispatcher.Categories {
			topics = append(topics, service.SchemaTopic{Schema: schema, Category: category})
		}
	}
	return topics
}

// RunDispatcher starts the dispatcher's consumer and reconciliation
// loops in a background goroutine and returns immediately (errors from
// Run surface asynchronously through the logger).
func (a *App) RunDispatcher(ctx context.Context) {
	topics := a.topics()
	if len(topics) == 0 {
		a.logger.Warn("no dispatcher tenants/categories configured, dispatcher will idle")
		return
	}

	a.dispatcherWG.Add(1)
	go func() {
		defer a.dispatcherWG.Done()
		if err := a.dispatcher.Run(ctx, topics); err != nil && ctx.Err() == nil {
			a.logger.WithField("error", err.Error()).Error("dispatcher exited")
		}
	}()
}

// Start begins serving the HTTP API. It blocks until the server stops.
func (a *App) Start() error {
	addr := fmt.Sprintf("%s:%d", a.config.Server.Host, a.config.Server.Port)
	a.logger.WithField("address", addr).Info("server starting")

	a.serverMu.Lock()
	a.server = &http.Server{
		Addr:         addr,
		Handler:      a.mux,
		ReadTimeout:  a.config.Server.ReadTimeout,
		WriteTimeout: a.config.Server.WriteTimeout,
	}
	started := a.serverStarted
	a.serverMu.Unlock()
	close(started)

	if a.config.Server.SSL.Enabled {
		return a.server.ListenAndServeTLS(a.config.Server.SSL.CertFile, a.config.Server.SSL.KeyFile)
	}
	return a.server.ListenAndServe()
}

// Shutdown drains the HTTP server and dispatcher within ctx's deadline,
// then releases the database and Redis connections.
func (a *App) Shutdown(ctx context.Context) error {
	a.serverMu.RLock()
	server := a.server
	a.serverMu.RUnlock()

	var shutdownErr error
	if server != nil {
		shutdownErr = server.Shutdown(ctx)
	}

	done := make(chan struct{})
	go func() {
		a.dispatcherWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		if shutdownErr == nil {
			shutdownErr = ctx.Err()
		}
	}

	if a.redis != nil {
		a.redis.Close()
	}
	if a.db != nil {
		a.db.Close()
	}

	return shutdownErr
}

// GetMux exposes the App's multiplexer, primarily for tests.
func (a *App) GetMux() *http.ServeMux { return a.mux }

// GetConfig returns the App's configuration.
func (a *App) GetConfig() *config.Config { return a.config }

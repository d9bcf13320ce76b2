package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"lending/internal/config"
	"lending/internal/history/ch"
	"lending/internal/lending"
	"lending/internal/metrics"
	"lending/internal/notify"
	"lending/internal/storage"
	"lending/internal/storage/sqlstore"
	"lending/internal/storage/stubs"
)

// App represents the application
type App struct {
	config   *config.Config
	logger   *zap.Logger
	db       storage.Storage
	history  *ch.HistoryDB
	notifier *notify.TelegramNotifier
	metrics  *metrics.Collector
	engine   *lending.Engine
	cron     *cron.Cron
	server   *http.Server
}

// New loads configuration from the environment and builds the application
func New() (*App, error) {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using system environment variables")
	}

	cfg, err := config.LoadFromEnv()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := NewLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return nil, err
	}
	return NewWithConfig(cfg, logger)
}

// NewWithConfig builds the application from an already loaded configuration
func NewWithConfig(cfg *config.Config, logger *zap.Logger) (*App, error) {
	app := &App{config: cfg, logger: logger}

	logger.Info("Starting lending service", zap.String("storage", cfg.StorageBackend))

	if err := app.initDatabase(); err != nil {
		return nil, err
	}

	if err := app.initHistory(); err != nil {
		app.closeStores()
		return nil, err
	}

	if err := app.initNotifier(); err != nil {
		app.closeStores()
		return nil, err
	}

	app.initEngine()

	if err := app.initScheduler(); err != nil {
		app.closeStores()
		return nil, err
	}

	app.initHTTPServer()

	return app, nil
}

// NewLogger builds a zap logger for level. format "console" selects the
// development encoder, anything else logs JSON.
func NewLogger(level, format string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid LOG_LEVEL %q: %w", level, err)
	}

	zcfg := zap.NewProductionConfig()
	if format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(lvl)

	logger, err := zcfg.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return logger, nil
}

// initDatabase opens the configured storage backend and applies its schema
func (a *App) initDatabase() error {
	var db storage.Storage
	switch a.config.StorageBackend {
	case config.BackendMemory:
		a.logger.Info("Using in-memory database")
		db = stubs.NewMockDB()
	case config.BackendSQLite:
		a.logger.Info("Opening SQLite database", zap.String("path", a.config.SQLitePath))
		store, err := sqlstore.Open(context.Background(), sqlstore.SQLite, sqlstore.SQLiteDSN(a.config.SQLitePath))
		if err != nil {
			return fmt.Errorf("failed to open SQLite: %w", err)
		}
		db = store
	case config.BackendPostgres:
		a.logger.Info("Connecting to PostgreSQL")
		store, err := sqlstore.Open(context.Background(), sqlstore.Postgres, a.config.PostgresDSN)
		if err != nil {
			return fmt.Errorf("failed to connect to PostgreSQL: %w", err)
		}
		db = store
	default:
		return fmt.Errorf("unsupported storage backend: %s", a.config.StorageBackend)
	}

	// Initialize database schema
	ctx := context.Background()
	if err := db.Initialize(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	a.logger.Info("Database initialized successfully")

	a.db = db
	return nil
}

// initHistory connects to ClickHouse when a host is configured
func (a *App) initHistory() error {
	if a.config.ClickHouseHost == "" {
		return nil
	}

	tlsStatus := "without TLS"
	if a.config.ClickHouseUseTLS {
		tlsStatus = "with TLS"
	}
	a.logger.Info("Connecting to ClickHouse history",
		zap.String("host", a.config.ClickHouseHost),
		zap.Int("port", a.config.ClickHousePort),
		zap.String("database", a.config.ClickHouseDatabase),
		zap.String("tls", tlsStatus),
	)

	history, err := ch.NewHistoryDB(
		a.config.ClickHouseHost,
		a.config.ClickHousePort,
		a.config.ClickHouseDatabase,
		a.config.ClickHouseUser,
		a.config.ClickHousePassword,
		a.config.ClickHouseUseTLS,
	)
	if err != nil {
		return fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}
	a.history = history
	return nil
}

// initNotifier creates the Telegram notifier when a bot token is configured
func (a *App) initNotifier() error {
	if a.config.TelegramToken == "" {
		return nil
	}

	notifier, err := notify.NewTelegramNotifier(a.config.TelegramToken, a.db, a.logger.Named("notify"))
	if err != nil {
		return fmt.Errorf("failed to create Telegram notifier: %w", err)
	}
	a.notifier = notifier
	return nil
}

func (a *App) initEngine() {
	sinks := lending.Sinks{lending.LogSink{Logger: a.logger.Named("events")}}
	if a.history != nil {
		sinks = append(sinks, a.history)
	}
	if a.notifier != nil {
		sinks = append(sinks, a.notifier)
	}

	a.metrics = metrics.NewCollector()
	a.engine = lending.NewEngine(a.db,
		lending.WithPolicy(lending.Policy{
			LoanPeriod:       a.config.LoanPeriod,
			DefaultLoanLimit: a.config.DefaultLoanLimit,
		}),
		lending.WithPenaltyPolicy(lending.DailyFine(a.config.FinePerDay)),
		lending.WithLockTimeout(a.config.LockTimeout),
		lending.WithEventSink(sinks),
		lending.WithMetrics(a.metrics),
		lending.WithLogger(a.logger.Named("lending")),
	)
}

// initScheduler registers the overdue sweep with cron
func (a *App) initScheduler() error {
	a.cron = cron.New()
	_, err := a.cron.AddFunc(a.config.SweepSchedule, func() {
		if _, err := a.Sweep(context.Background()); err != nil {
			a.logger.Error("Overdue sweep failed", zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("invalid SWEEP_SCHEDULE %q: %w", a.config.SweepSchedule, err)
	}
	a.logger.Info("Registered overdue sweep", zap.String("schedule", a.config.SweepSchedule))
	return nil
}

// initHTTPServer sets up the ops server for health checks and metrics
func (a *App) initHTTPServer() {
	mux := http.NewServeMux()

	// Health check endpoint
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "OK")
	})
	mux.Handle("/metrics", a.metrics.Handler())

	a.server = &http.Server{
		Addr:         ":" + a.config.Port,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// Sweep runs one overdue sweep, retrying while storage reports busy
func (a *App) Sweep(ctx context.Context) (lending.SweepResult, error) {
	var result lending.SweepResult
	err := lending.Retry(ctx, func(ctx context.Context) error {
		var err error
		result, err = a.engine.SweepOverdue(ctx)
		return err
	})
	return result, err
}

// Engine returns the lending engine
func (a *App) Engine() *lending.Engine {
	return a.engine
}

// History returns the ClickHouse history store, or nil when it is not configured
func (a *App) History() *ch.HistoryDB {
	return a.history
}

// Logger returns the application logger
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Run starts the ops server and the sweep scheduler and blocks until shutdown
func (a *App) Run() error {
	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	errChan := make(chan error, 1)
	go func() {
		a.logger.Info("Starting HTTP server", zap.String("port", a.config.Port))
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	a.cron.Start()

	var runErr error
	select {
	case <-sigChan:
		a.logger.Info("Shutting down...")
	case err := <-errChan:
		a.logger.Error("HTTP server error", zap.Error(err))
		runErr = fmt.Errorf("http server: %w", err)
	}

	return errors.Join(runErr, a.Shutdown())
}

// Shutdown gracefully shuts down the application
func (a *App) Shutdown() error {
	// Wait for a running sweep to finish
	<-a.cron.Stop().Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.server.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("HTTP server shutdown error", zap.Error(err))
	}

	if err := a.closeStores(); err != nil {
		a.logger.Error("Error closing databases", zap.Error(err))
		return err
	}

	a.logger.Info("Shutdown complete")
	_ = a.logger.Sync()
	return nil
}

func (a *App) closeStores() error {
	var errs []error
	if a.history != nil {
		errs = append(errs, a.history.Close())
	}
	if a.db != nil {
		errs = append(errs, a.db.Close())
	}
	return errors.Join(errs...)
}

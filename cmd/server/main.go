/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the pool ledger server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (.env, environment, flags) and validate it
  2. Set up logging
  3. Open the store (SQLite with migrations, or memory)
  4. Connect the notifier (AMQP when AMQP_URL is set, log otherwise)
  5. Build ledger, auth service, reminder scheduler and router
  6. Run HTTP server and scheduler until a shutdown signal

COMMAND-LINE FLAGS:
  -port    HTTP server port (default: 8080, env PORT)
  -db      SQLite database path (default: ./data/pool.db, env DB_PATH)
           Use ":memory:" for in-memory database
  -store   sqlite or memory (env STORE)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections and stop the scheduler
  2. Wait for active requests to complete (30s timeout)
  3. Close notifier and store
  4. Exit

EXAMPLES:
  # Run with file database
  JWT_SECRET=change-me-please-now ./server -db="./data/pool.db"

  # Run fully in memory
  JWT_SECRET=change-me-please-now ./server -store=memory

SEE ALSO:
  - config/config.go: All environment variables
  - api/server.go: Router configuration
*/
package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/warp/pool-ledger/api"
	"github.com/warp/pool-ledger/auth"
	"github.com/warp/pool-ledger/config"
	"github.com/warp/pool-ledger/ledger"
	"github.com/warp/pool-ledger/ledger/store"
	"github.com/warp/pool-ledger/logging"
	"github.com/warp/pool-ledger/metrics"
	"github.com/warp/pool-ledger/notify"
	"github.com/warp/pool-ledger/store/sqlite"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 30 * time.Second

func main() {
	cfg := config.Load("")
	cfg.BindFlags(flag.CommandLine)
	flag.Parse()

	logger := logging.Setup(cfg.LogLevel)

	if err := cfg.Validate(); err != nil {
		logger.Error("Configuration validation failed", "error", err)
		os.Exit(1)
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("Server failed", "error", err)
		os.Exit(1)
	}
	logger.Info("Server stopped")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize store
	txStore, closeStore, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore.Close()
	logger.Info("Store ready", "store", cfg.Store, "path", cfg.DBPath)

	// Initialize notifier
	notifier, err := openNotifier(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer notifier.Close()

	m := metrics.New()

	policy := ledger.RefundZeroPool
	if cfg.RefundRetainUnclaimed {
		policy = ledger.RefundRetainUnclaimed
	}
	l := ledger.New(txStore, ledger.Options{
		Observer:     m,
		Notifier:     notifier,
		Logger:       logger,
		RefundPolicy: policy,
		PublicURL:    cfg.PublicURL,
	})

	authSvc := auth.NewService(l, auth.NewJWTManager(cfg.JWTSecret, cfg.TokenTTL), auth.WithLogger(logger))

	reminders := api.NewReminderScheduler(l, notifier, api.ReminderConfig{
		Interval:  cfg.ReminderInterval,
		Window:    cfg.ReminderWindow,
		PublicURL: cfg.PublicURL,
		Observer:  m,
		Logger:    logger,
	})

	handler := api.NewHandler(l, authSvc, api.WithReminders(reminders), api.WithLogger(logger))
	origins := []string{"http://localhost:5173", "http://localhost:" + cfg.Port}
	if cfg.PublicURL != "" {
		origins = append(origins, cfg.PublicURL)
	}
	router := api.NewRouter(handler, api.RouterOptions{
		AllowedOrigins: origins,
		Observer:       m,
		Metrics:        m.Handler(),
	})

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("Server starting", "addr", "http://localhost:"+cfg.Port, "api", "http://localhost:"+cfg.Port+"/api")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return reminders.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func openStore(cfg *config.Config) (ledger.TxStore, io.Closer, error) {
	if cfg.Store == config.StoreMemory {
		return store.NewTxMemory(), io.NopCloser(nil), nil
	}
	s, err := sqlite.New(cfg.DBPath)
	if err != nil {
		return nil, nil, err
	}
	return s, s, nil
}

func openNotifier(ctx context.Context, cfg *config.Config, logger *slog.Logger) (notify.Notifier, error) {
	if cfg.AMQPURL == "" {
		logger.Info("AMQP disabled, notifications are logged")
		return notify.NewLogNotifier(logger), nil
	}
	n, err := notify.NewAMQPNotifier(ctx, notify.AMQPConfig{
		URL:          cfg.AMQPURL,
		ExchangeName: cfg.AMQPExchange,
		QueueName:    cfg.AMQPQueue,
	}, logger)
	if err != nil {
		return nil, err
	}
	logger.Info("AMQP notifier ready", "exchange", cfg.AMQPExchange, "queue", cfg.AMQPQueue)
	return n, nil
}

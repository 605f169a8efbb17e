/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the card balance ledger server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load .env, configuration file and CARDLEDGER_* environment
  2. Apply command-line flag overrides and validate
  3. Initialize logger and SQLite store (migrations run on open)
  4. Select the balance event backend (none, kafka, amqp)
  5. Create ledger engine, API handler and re-anchor scheduler
  6. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -port    HTTP server port (overrides server.port)
  -db      SQLite database path (overrides database.path)
           Use ":memory:" for in-memory database

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the scheduler
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Close the event publisher and database connection

  run() owns every resource, so startup failures and server errors also
  close the publisher (flushing Kafka/AMQP) and the database before exit.

EXAMPLES:
  ./server -db="./data/cards.db"
  CARDLEDGER_EVENTS_BACKEND=kafka ./server
  CARDLEDGER_LEDGER_TIMEZONE=Europe/Paris ./server -port=3000

SEE ALSO:
  - config/config.go: Configuration keys and defaults
  - api/server.go: Router configuration
  - ledger/engine.go: Batch engine
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/warp/card-ledger/api"
	"github.com/warp/card-ledger/config"
	"github.com/warp/card-ledger/events"
	"github.com/warp/card-ledger/events/amqp"
	"github.com/warp/card-ledger/events/kafka"
	"github.com/warp/card-ledger/ledger"
	"github.com/warp/card-ledger/logging"
	"github.com/warp/card-ledger/store/sqlite"
)

func main() {
	// .env is optional
	_ = godotenv.Load()

	// Flags
	port := flag.Int("port", 0, "HTTP server port (overrides config)")
	dbPath := flag.String("db", "", "SQLite database path (overrides config)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *dbPath != "" {
		cfg.Database.Path = *dbPath
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal(err)
	}

	level, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		log.Fatal(err)
	}
	logger := logging.New(logging.Config{
		Level:     level,
		Format:    cfg.Log.Format,
		Component: logging.ComponentApp,
		Output:    os.Stdout,
	})

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *logging.Logger) error {
	loc, err := cfg.Location()
	if err != nil {
		return err
	}

	// Initialize store
	store, err := sqlite.New(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("initialize database %q: %w", cfg.Database.Path, err)
	}
	defer store.Close()

	// Balance events
	eventsLogger := logger.WithComponent(logging.ComponentEvents).Slog()
	sender, err := newSender(cfg.Events, eventsLogger)
	if err != nil {
		return fmt.Errorf("initialize %s events backend: %w", cfg.Events.Backend, err)
	}
	publisher := events.NewPublisher(sender, eventsLogger)
	defer func() {
		if err := publisher.Close(); err != nil {
			logger.Error("failed to close event publisher", "error", err)
		}
	}()

	engine := ledger.NewEngine(store, ledger.Options{
		Notifier:    publisher,
		Logger:      logger.WithComponent(logging.ComponentLedger).Slog(),
		Parallelism: cfg.Ledger.Parallelism,
	})

	scheduler := api.NewAnchorScheduler(engine, loc, logger)
	scheduler.Enabled = cfg.Scheduler.Enabled
	scheduler.CheckInterval = cfg.Scheduler.Interval
	scheduler.Start()
	defer scheduler.Stop()

	handler := api.NewHandler(store, engine, loc, logger)
	handler.Scheduler = scheduler

	// Create router
	router := api.NewRouter(handler, cfg.Server.AllowedOrigins)

	// Create server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			"addr", server.Addr,
			"database", cfg.Database.Path,
			"timezone", loc.String(),
			"events", cfg.Events.Backend,
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	// Wait for interrupt signal or a server failure
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-serveErr:
		return fmt.Errorf("server failed: %w", err)
	case <-quit:
	}

	logger.Info("shutting down server")
	scheduler.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	logger.Info("server stopped")
	return nil
}

// newSender returns the configured event sender; nil means log only.
func newSender(cfg config.EventsConfig, logger *slog.Logger) (events.Sender, error) {
	switch cfg.Backend {
	case "kafka":
		return kafka.NewSender(cfg.Kafka.Brokers, cfg.Kafka.Topic), nil
	case "amqp":
		client, err := amqp.NewClient(cfg.AMQP.URL, cfg.AMQP.Exchange, cfg.AMQP.Queue, logger)
		if err != nil {
			return nil, err
		}
		return client, nil
	default:
		return nil, nil
	}
}

/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the obligation engine server. Handles
  configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load .env (if present) and parse command-line flags
  2. Initialize the store (SQLite or PostgreSQL)
  3. Create API handler with engine components
  4. Start the generation sweep scheduler
  5. Start server with graceful shutdown

COMMAND-LINE FLAGS (env var fallback in parentheses):
  -port     HTTP server port (PORT, default: 8080)
  -backend  Store backend: sqlite or postgres (STORE_BACKEND, default: sqlite)
  -db       SQLite database path (DB_PATH, default: obligations.db)
            Use ":memory:" for in-memory database
  -dsn      PostgreSQL connection string (DATABASE_URL)
  -sweep    Scheduler sweep interval (SWEEP_INTERVAL, default: 1h)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the scheduler and close the store
  4. Exit

EXAMPLES:
  # Run with file database
  ./server -db="./data/obligations.db"

  # Run against postgres
  ./server -backend=postgres -dsn="postgres://app@localhost/tracker"

SEE ALSO:
  - api/server.go: Router configuration
  - api/scheduler.go: Generation sweep
  - store/sqlite, store/postgres: Database implementations
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/warp/obligation-engine/api"
	"github.com/warp/obligation-engine/engine"
	"github.com/warp/obligation-engine/store/postgres"
	"github.com/warp/obligation-engine/store/sqlite"
)

// storeBundle is what a backend must provide: the transactional store and
// the rate source, plus a way to shut it down.
type storeBundle struct {
	store engine.TxStore
	rates engine.RateStore
	close func()
}

func main() {
	// .env is optional; flags and real env vars win.
	_ = godotenv.Load()

	port := flag.Int("port", envInt("PORT", 8080), "HTTP server port")
	backend := flag.String("backend", envStr("STORE_BACKEND", "sqlite"), "store backend: sqlite or postgres")
	dbPath := flag.String("db", envStr("DB_PATH", "obligations.db"), "SQLite database path")
	dsn := flag.String("dsn", envStr("DATABASE_URL", ""), "PostgreSQL connection string")
	sweep := flag.Duration("sweep", envDuration("SWEEP_INTERVAL", time.Hour), "scheduler sweep interval")
	flag.Parse()

	bundle, err := openStore(*backend, *dbPath, *dsn)
	if err != nil {
		log.Fatalf("Failed to initialize store: %v", err)
	}
	defer bundle.close()

	handler := api.NewHandler(bundle.store, bundle.rates)
	router := api.NewRouter(handler)

	scheduler := api.NewSweepScheduler(bundle.store, handler)
	scheduler.CheckInterval = *sweep
	scheduler.Start()
	defer scheduler.Stop()

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", *port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("Server starting on http://localhost:%d (backend: %s)", *port, *backend)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Server stopped")
}

func openStore(backend, dbPath, dsn string) (storeBundle, error) {
	switch backend {
	case "sqlite":
		s, err := sqlite.New(dbPath)
		if err != nil {
			return storeBundle{}, err
		}
		return storeBundle{store: s, rates: s, close: func() { s.Close() }}, nil
	case "postgres":
		if dsn == "" {
			return storeBundle{}, fmt.Errorf("postgres backend requires -dsn or DATABASE_URL")
		}
		s, err := postgres.New(context.Background(), dsn)
		if err != nil {
			return storeBundle{}, err
		}
		return storeBundle{store: s, rates: s, close: s.Close}, nil
	default:
		return storeBundle{}, fmt.Errorf("unknown backend %q (want sqlite or postgres)", backend)
	}
}

// =============================================================================
// ENV HELPERS
// =============================================================================

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil {
			return n
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

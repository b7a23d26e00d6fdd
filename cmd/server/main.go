/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the forecast bulk-upsert server. Handles
  configuration, dependency injection, the idempotency-record retention
  sweeper, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load optional .env, parse command-line flags
  2. Initialize SQLite store
  3. Wire evaluator and API handler
  4. Start the retention sweeper (cron)
  5. Start server with graceful shutdown

CONFIGURATION:
  Flags win over environment variables. Recognized env vars (loaded
  from .env when present): PORT, FORECAST_DB, BATCH_RETENTION_HOURS.

  -port       HTTP server port (default: 8080)
  -db         SQLite database path (default: forecast.db,
              use ":memory:" for in-memory)
  -retention  Hours to keep processed-batch records (default: 48)

RETENTION SWEEPER:
  Processed-batch records exist so a retried idempotency key replays
  its stored result instead of re-applying writes. They only need to
  outlive plausible client retries, so an hourly cron purges records
  older than the retention window.

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM: stop accepting connections, wait up to 30s for
  active requests, stop the sweeper, close the database.

SEE ALSO:
  - api/server.go: Router configuration
  - store/sqlite/sqlite.go: Database implementation
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
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"

	"github.com/warp/forecast-engine/api"
	"github.com/warp/forecast-engine/forecast"
	"github.com/warp/forecast-engine/store/sqlite"
)

func main() {
	// .env is optional; real deployments inject env vars directly.
	_ = godotenv.Load()

	port := flag.Int("port", envInt("PORT", 8080), "HTTP server port")
	dbPath := flag.String("db", envStr("FORECAST_DB", "forecast.db"), "SQLite database path")
	retention := flag.Int("retention", envInt("BATCH_RETENTION_HOURS", 48), "hours to keep processed-batch records")
	flag.Parse()

	store, err := sqlite.New(*dbPath)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer store.Close()

	evaluator := forecast.NewEvaluator(store, store, store)
	handler := api.NewHandler(evaluator)
	router := api.NewRouter(handler)

	// Hourly purge of expired idempotency records.
	sweeper := cron.New()
	_, err = sweeper.AddFunc("@hourly", func() {
		cutoff := time.Now().Add(-time.Duration(*retention) * time.Hour)
		removed, err := store.PurgeBatchesBefore(context.Background(), cutoff)
		if err != nil {
			log.Printf("Retention sweep failed: %v", err)
			return
		}
		if removed > 0 {
			log.Printf("Retention sweep removed %d batch records", removed)
		}
	})
	if err != nil {
		log.Fatalf("Failed to schedule retention sweep: %v", err)
	}
	sweeper.Start()

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", *port),
		Handler: router,
	}

	go func() {
		log.Printf("Forecast server listening on :%d (db=%s)", *port, *dbPath)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Graceful shutdown on SIGINT/SIGTERM
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Println("Shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("Shutdown error: %v", err)
	}
	<-sweeper.Stop().Done()
	log.Println("Server stopped")
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

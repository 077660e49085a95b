// Package main runs the workflow engine: the periodic tick scheduler and
// the HTTP API in one process.
package main

import (
	"context"
	"database/sql"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"

	app "github.com/flowsend/engine/internal/app"
	"github.com/flowsend/engine/internal/app/httpapi"
	"github.com/flowsend/engine/internal/app/storage/postgres"
	"github.com/flowsend/engine/internal/config"
	"github.com/flowsend/engine/internal/middleware"
	"github.com/flowsend/engine/pkg/logger"
)

func main() {
	configPath := flag.String("config", "config/engine.yaml", "Path to config file")
	flag.Parse()

	// Best effort; production sets real environment variables.
	_ = godotenv.Load()

	log := logger.NewDefault("engine")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	stores, cleanup, err := buildStores(cfg, log)
	if err != nil {
		log.Fatalf("Failed to initialise storage: %v", err)
	}
	defer cleanup()

	application, err := app.NewWithOptions(stores, app.Options{
		BatchSize:   cfg.Engine.BatchSize,
		EnrollLimit: cfg.Engine.EnrollLimit,
		SendTimeout: cfg.Engine.SendTimeout,
	}, log)
	if err != nil {
		log.Fatalf("Failed to build application: %v", err)
	}

	// Periodic tick.
	scheduler := cron.New()
	if _, err := scheduler.AddFunc(cfg.Engine.TickSchedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		if _, err := application.Engine.Tick(ctx); err != nil {
			log.WithError(err).Error("Tick failed")
		}
	}); err != nil {
		log.Fatalf("Invalid tick schedule %q: %v", cfg.Engine.TickSchedule, err)
	}
	scheduler.Start()
	log.Infof("Tick scheduled: %s", cfg.Engine.TickSchedule)

	handler := buildHandler(cfg, application, log)

	server := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Infof("Engine API listening on %s", cfg.Server.Address)
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("Shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	stopped := scheduler.Stop()
	select {
	case <-stopped.Done():
	case <-shutdownCtx.Done():
	}

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("Server shutdown error")
	}

	log.Info("Engine stopped")
}

// buildStores selects Postgres when a DSN is configured and the in-memory
// store otherwise. The returned cleanup closes the database connection.
func buildStores(cfg config.Config, log *logger.Logger) (app.Stores, func(), error) {
	if cfg.Database.DSN == "" {
		log.Warn("No database DSN configured, using in-memory storage")
		return app.Stores{}, func() {}, nil
	}

	db, err := sql.Open("postgres", cfg.Database.DSN)
	if err != nil {
		return app.Stores{}, nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return app.Stores{}, nil, err
	}
	store := postgres.New(db)
	log.Info("Connected to Postgres")

	return app.Stores{
		Workflows: store,
		Contacts:  store,
		Leads:     store,
		Senders:   store,
		Templates: store,
		Messages:  store,
		Credits:   store,
		Audit:     store,
	}, func() { db.Close() }, nil
}

func buildHandler(cfg config.Config, application *app.Application, log *logger.Logger) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(application.Registry(), promhttp.HandlerOpts{}))
	mux.Handle("/", httpapi.NewHandler(application, log.WithField("component", "httpapi")))

	auth := middleware.NewAuth([]byte(cfg.Auth.JWTSecret), log, []string{"/healthz", "/metrics"})
	limiter := middleware.NewRateLimiter(cfg.Rate.PerSecond, cfg.Rate.Burst, log)
	limiter.StartCleanup(10 * time.Minute)
	cors := middleware.NewCORS(cfg.Server.CORSOrigins)
	metrics := middleware.NewHTTPMetrics(application.Registry())

	return metrics.Handler(cors.Handler(limiter.Handler(auth.Handler(mux))))
}

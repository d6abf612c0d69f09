// cmd/main.go is the application entry point.
// It wires together all layers and starts the HTTP server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/Shivanand-hulikatti/campus-event-pass/internal/config"
	"github.com/Shivanand-hulikatti/campus-event-pass/internal/database"
	"github.com/Shivanand-hulikatti/campus-event-pass/internal/feed"
	"github.com/Shivanand-hulikatti/campus-event-pass/internal/handler"
	"github.com/Shivanand-hulikatti/campus-event-pass/internal/metrics"
	"github.com/Shivanand-hulikatti/campus-event-pass/internal/notify"
	"github.com/Shivanand-hulikatti/campus-event-pass/internal/repository"
	"github.com/Shivanand-hulikatti/campus-event-pass/internal/service"
	"github.com/Shivanand-hulikatti/campus-event-pass/internal/token"
)

func main() {
	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(log)

	if err := run(log); err != nil {
		log.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run(log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// ── 1. Open the store ─────────────────────────────────────────────────
	var store repository.Store
	switch cfg.Backend {
	case config.BackendPostgres:
		pool, err := database.NewPool(ctx, cfg.Database, log)
		if err != nil {
			return fmt.Errorf("database: %w", err)
		}
		defer pool.Close()
		if err := database.Migrate(ctx, pool); err != nil {
			return err
		}
		log.Info("connected to PostgreSQL", "host", cfg.Database.Host, "db", cfg.Database.DBName)
		store = repository.NewPostgresStore(pool)
	default:
		log.Warn("using in-memory store; state is lost on restart")
		store = repository.NewMemoryStore()
	}

	m := metrics.New(prometheus.DefaultRegisterer)

	// ── 2. Sync relay and notifications ───────────────────────────────────
	hub := feed.NewHub()
	var publisher feed.Publisher = hub
	if cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("parse REDIS_URL: %w", err)
		}
		rdb := redis.NewClient(opts)
		defer rdb.Close() //nolint:errcheck

		relay := feed.NewRedisRelay(rdb, cfg.Redis.Channel, hub, log)
		publisher = relay
		go func() {
			if err := relay.Run(ctx); err != nil {
				log.Error("sync relay stopped", "error", err)
			}
		}()
		log.Info("sync relay enabled", "channel", cfg.Redis.Channel)
	}

	var notifier notify.Notifier = notify.Nop{}
	if cfg.AMQPURL != "" {
		amqpPub := notify.NewAMQPPublisher(cfg.AMQPURL, log)
		go func() {
			if err := amqpPub.Run(ctx); err != nil {
				log.Error("rabbitmq publisher stopped", "error", err)
			}
		}()
		notifier = amqpPub
	}

	// ── 3. Wire up layers ─────────────────────────────────────────────────
	opts := []service.Option{
		service.WithPublisher(publisher),
		service.WithNotifier(notifier),
		service.WithLogger(log),
		service.WithMetrics(m),
		service.WithRetry(cfg.Store),
	}
	eventSvc := service.NewEventService(store, opts...)
	regSvc := service.NewRegistrationService(store, token.NewIssuer(), opts...)
	snapshots := feed.New(store, hub,
		feed.WithResync(cfg.Sync.ResyncInterval),
		feed.WithLogger(log),
		feed.WithMetrics(m),
	)

	// ── 4. Build the router ───────────────────────────────────────────────
	r := chi.NewRouter()

	// Global middleware stack
	r.Use(chimiddleware.Recoverer) // recover from panics, return 500
	r.Use(chimiddleware.RequestID) // attach request IDs
	r.Use(chimiddleware.RealIP)    // trust X-Forwarded-For
	r.Use(handler.Logger(log))     // structured access log
	r.Use(handler.CORS)            // permissive CORS for browser clients

	r.Get("/health", handler.HealthCheck)
	r.Handle("/metrics", promhttp.Handler())

	auth := handler.Authenticate([]byte(cfg.Auth.JWTSecret))
	handler.NewEventHandler(eventSvc, log).Routes(r)
	handler.NewRegistrationHandler(regSvc, log).Routes(r, auth)
	handler.NewSyncHandler(snapshots, log).Routes(r, auth)

	// ── 5. Start server with graceful shutdown ────────────────────────────
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server listening", "port", cfg.Port, "backend", cfg.Backend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	log.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	log.Info("server stopped")
	return nil
}

// Command local serves the conversation API over plain HTTP on SQLite.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"nexus-agent/handler"
	"nexus-agent/internal/app"
	"nexus-agent/internal/config"
	"nexus-agent/internal/integrations/openai"
	"nexus-agent/internal/observability"
	"nexus-agent/internal/repository"
)

const sessionSweepInterval = time.Minute

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Info("no .env file found, using environment variables")
	}

	cfg, err := config.Load(config.ModeLocal)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := repository.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	if cfg.SeedPath != "" {
		seed, err := repository.LoadSeedFile(cfg.SeedPath)
		if err != nil {
			slog.Error("failed to load seed", "error", err, "path", cfg.SeedPath)
			os.Exit(1)
		}
		if err := store.Apply(ctx, seed); err != nil {
			slog.Error("failed to apply seed", "error", err)
			os.Exit(1)
		}
		slog.Info("seed applied", "path", cfg.SeedPath, "agents", len(seed.Agents))
	}

	llm, err := openai.NewClient(nil, "", openai.WithAPIKey(cfg.OpenAI.APIKey))
	if err != nil {
		slog.Error("failed to create OpenAI client", "error", err)
		os.Exit(1)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(reg)

	h, err := app.Build(ctx, app.Deps{
		Config:  cfg,
		Store:   store,
		LLM:     llm,
		Metrics: metrics,
		Log:     logger,
	}, handler.WithTwilioAuthToken(cfg.Voice.TwilioAuthToken))
	if err != nil {
		slog.Error("failed to build handler", "error", err)
		os.Exit(1)
	}

	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))

	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	r.Handle("/static/*", http.StripPrefix("/static/", http.FileServer(http.Dir("./static"))))
	r.Handle("/*", h)

	go sweepSessions(ctx, store)

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("server starting", "addr", server.Addr, "public_url", cfg.Voice.PublicBaseURL)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}
	slog.Info("server stopped")
}

// sweepSessions drops expired call sessions; reads already ignore them.
func sweepSessions(ctx context.Context, store *repository.SQLiteStore) {
	ticker := time.NewTicker(sessionSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := store.PurgeExpiredSessions(ctx)
			if err != nil {
				slog.Warn("session sweep failed", "error", err)
				continue
			}
			if n > 0 {
				slog.Debug("expired sessions purged", "count", n)
			}
		}
	}
}

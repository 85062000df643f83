// Package internal provides the main application initialization and runtime logic.
package internal

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
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/starford/ansuz/internal/api"
	"github.com/starford/ansuz/internal/docstore"
	"github.com/starford/ansuz/internal/index"
	"github.com/starford/ansuz/internal/mcpserver"
	"github.com/starford/ansuz/internal/sse"
)

// Run starts the application with the given options.
func Run(ctx context.Context, opts ...Option) error {
	app := &application{}

	for _, opt := range opts {
		opt(app)
	}

	if app.config == nil {
		return fmt.Errorf("config is required")
	}

	cfg := app.config

	// Initialize structured JSON logger. MCP mode owns stdout for the
	// protocol, so logs go to stderr there.
	logOut := os.Stdout
	if app.mcpMode {
		logOut = os.Stderr
	}
	logger := slog.New(slog.NewJSONHandler(logOut, &slog.HandlerOptions{
		Level: cfg.App.LogLevel,
	}))
	slog.SetDefault(logger)

	logger.Info("Configuration loaded",
		slog.String("http_address", cfg.App.HTTP.Address()),
		slog.String("document_path", cfg.Document.Path),
		slog.String("history_dir", cfg.History.Dir),
		slog.String("sqlite_path", cfg.SQLite.Path),
		slog.Bool("git_enabled", cfg.Git.Enabled),
		slog.String("log_level", cfg.App.LogLevel.String()))

	// Initialize SQLite snapshot index.
	db, err := index.Open(cfg.SQLite.Path)
	if err != nil {
		return fmt.Errorf("init index: %w", err)
	}
	defer db.Close()

	// Initialize the document store.
	store, err := docstore.New(docstore.Config{
		DocumentPath: cfg.Document.Path,
		HistoryDir:   cfg.History.Dir,
		LockPath:     cfg.Lock.Path,
		LockTimeout:  cfg.Lock.Timeout(),
		LockPoll:     cfg.Lock.PollInterval(),
		LockStale:    cfg.Lock.StaleAfter(),
		GitEnabled:   cfg.Git.Enabled,
	}, db, logger)
	if err != nil {
		return fmt.Errorf("init document store: %w", err)
	}

	// Reconcile the index with the snapshot directory.
	if err := index.Sync(db, store.History(), logger); err != nil {
		logger.Warn("initial sync failed", slog.String("error", err.Error()))
	}

	// Apply the configured retention window on startup.
	if cfg.History.RetentionDays > 0 {
		deleted, err := store.CleanupHistory(cfg.History.RetentionDays)
		if err != nil {
			logger.Warn("history cleanup failed", slog.String("error", err.Error()))
		} else if deleted > 0 {
			logger.Info("history cleanup", slog.Int("deleted", deleted))
		}
	}

	// MCP mode: stdio transport, no HTTP server.
	if app.mcpMode {
		logger.Info("Starting MCP server on stdio")
		return mcpserver.New(store).ServeStdio()
	}

	// SSE broker.
	broker := sse.NewBroker(2 * time.Second)

	// Build API router.
	apiRouter := api.NewRouter(store, db, broker, cfg.Auth.AuthEnabled(), cfg.Auth.Token, broker)

	// Build chi router.
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// Health check endpoints (unauthenticated).
	r.Get("/health/live", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Get("/health/ready", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	// Mount API routes under /api.
	r.Mount("/api", apiRouter)

	httpServer := &http.Server{
		Addr:    cfg.App.HTTP.Address(),
		Handler: r,
	}

	logger.Info("Server starting...", slog.String("http_address", cfg.App.HTTP.Address()))

	g, gCtx := errgroup.WithContext(ctx)

	// Watch the document for external edits and fan out over SSE.
	g.Go(func() error {
		return store.Watch(gCtx, func(kind, hash string) {
			broker.PublishDocumentEvent(kind, hash)
		})
	})

	// Start HTTP server.
	g.Go(func() error {
		logger.Info("Starting HTTP server", slog.String("address", cfg.App.HTTP.Address()))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

	// Handle shutdown signals.
	g.Go(func() error {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

		select {
		case sig := <-quit:
			logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
		case <-gCtx.Done():
			logger.Info("Context cancelled, initiating shutdown")
		}

		logger.Info("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", slog.String("error", err.Error()))
		}

		broker.Close()
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("Application error", slog.String("error", err.Error()))
		return err
	}

	logger.Info("Server stopped successfully")
	return nil
}

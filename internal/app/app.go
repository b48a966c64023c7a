package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/johoja12/nzbstream/internal/adapter/nntp"
	"github.com/johoja12/nzbstream/internal/app/services"
	"github.com/johoja12/nzbstream/internal/config"
)

// Application ties the engine to its operational surface: a small HTTP
// status endpoint and config hot-reload.
type Application struct {
	config  *config.Config
	engine  *services.Engine
	indexer *config.ProviderIndexer
	server  *http.Server
	logger  *slog.Logger
	errCh   chan error
}

// New builds the engine from configuration and prepares the status
// server.
func New(cfg *config.Config, indexer *config.ProviderIndexer, logger *slog.Logger) (*Application, error) {
	providers := indexer.Providers(&cfg.Usenet)

	engine, err := services.New(cfg.Usenet, providers, nntp.Dial, logger)
	if err != nil {
		return nil, err
	}

	server := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: nil, // set in Start
	}

	return &Application{
		config:  cfg,
		engine:  engine,
		indexer: indexer,
		server:  server,
		logger:  logger,
		errCh:   make(chan error, 1),
	}, nil
}

func (a *Application) Engine() *services.Engine {
	return a.engine
}

// ReloadProviders re-resolves the provider list after a config change.
func (a *Application) ReloadProviders() {
	a.logger.Info("configuration changed, re-applying providers")
	a.engine.ApplyProviders(a.indexer.Providers(&a.config.Usenet))
}

// Start brings up the status server.
func (a *Application) Start(ctx context.Context) error {
	a.logger.Info("starting status server", "host", a.config.Server.Host, "port", a.config.Server.Port)

	router := http.NewServeMux()
	router.HandleFunc("/health", a.healthHandler)
	router.HandleFunc("/stats", a.statsHandler)

	a.server.Handler = router

	go func() {
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("status server error", "error", err)
			a.errCh <- err
		}
	}()

	go func() {
		select {
		case err := <-a.errCh:
			a.logger.Error("startup error", "error", err)
		case <-ctx.Done():
		}
	}()

	a.logger.Info("status server started", "bind", a.server.Addr)
	return nil
}

// Stop shuts the server down and closes every provider pool.
func (a *Application) Stop(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, a.config.Server.ShutdownTimeout)
	defer cancel()

	err := a.server.Shutdown(shutdownCtx)
	a.engine.Close()
	if err != nil {
		return fmt.Errorf("status server shutdown error: %w", err)
	}
	return nil
}

func (a *Application) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
}

func (a *Application) statsHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	response := map[string]any{
		"providers": a.engine.ProviderSnapshots(),
		"bandwidth": a.engine.BandwidthSnapshots(),
		"limiter":   a.engine.LimiterSnapshot(),
		"missing":   a.engine.MissingArticles(),
	}
	_ = json.NewEncoder(w).Encode(response)
}

// ABOUTME: Gateway orchestrator wiring store, engine, websocket and REST surfaces
// ABOUTME: Manages the HTTP server lifecycle and graceful shutdown

package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/embedchat/chat-gateway/internal/autoreply"
	"github.com/embedchat/chat-gateway/internal/broadcast"
	"github.com/embedchat/chat-gateway/internal/cache"
	"github.com/embedchat/chat-gateway/internal/config"
	"github.com/embedchat/chat-gateway/internal/engine"
	"github.com/embedchat/chat-gateway/internal/registry"
	"github.com/embedchat/chat-gateway/internal/store"
	"github.com/embedchat/chat-gateway/internal/transport"
)

// Gateway orchestrates the chat-gateway server components. It owns the HTTP
// server that carries both the websocket endpoint and the dashboard REST API.
type Gateway struct {
	config      *config.Config
	store       store.Store
	engine      *engine.Engine
	registry    *registry.Registry
	broadcaster *broadcast.Broadcaster
	bizCache    *cache.Cache[*store.Business]
	httpServer  *http.Server
	logger      *slog.Logger
}

// initStore creates and returns a store based on config and environment.
func initStore(cfg *config.Config) (store.Store, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("EMBEDCHAT_DB_PATH"); envPath != "" {
		dbPath = envPath
	}

	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// New creates a new Gateway instance with the given configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	broadcaster := broadcast.New(logger)
	bizCache := cache.New[*store.Business](cfg.Cache.BusinessTTL, cfg.Cache.MaxEntries)
	replyClient := autoreply.NewClient(cfg.AutoReply.Timeout, logger)
	eng := engine.New(s, broadcaster, replyClient, bizCache, logger)
	reg := registry.New(logger)

	gw := &Gateway{
		config:      cfg,
		store:       s,
		engine:      eng,
		registry:    reg,
		broadcaster: broadcaster,
		bizCache:    bizCache,
		logger:      logger.With("component", "gateway"),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	// Health endpoints
	r.Get("/health", gw.handleHealth)
	r.Get("/health/ready", gw.handleReady)

	// Websocket endpoint for widget visitors and dashboard agents
	transport.NewHandler(eng, reg, broadcaster, logger).RegisterRoutes(r)

	// Dashboard REST API
	gw.registerAPIRoutes(r)

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// Run starts the gateway server and blocks until the context is canceled.
// Returns nil on graceful shutdown (context canceled), or an error if the
// server fails.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening on HTTP address: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		g.logger.Error("server error", "error", serverErr)
	}

	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() intentionally since the original context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// Shutdown gracefully stops the gateway and releases resources. In-flight
// automated replies are allowed to finish before the store closes.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	if err := g.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("HTTP shutdown: %w", err))
	}

	g.waitForReplies(ctx)

	g.broadcaster.Close()
	g.bizCache.Close()

	if err := g.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store close: %w", err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// waitForReplies blocks until in-flight webhook dispatches finish or ctx expires.
func (g *Gateway) waitForReplies(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		g.engine.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		g.logger.Warn("shutdown deadline reached with automated replies in flight")
	}
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK once the store answers queries.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := g.store.Ping(r.Context()); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("store unavailable"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

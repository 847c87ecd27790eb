// Package gateway exposes the scheduler over HTTP: the cron RPC surface, a
// health probe, Prometheus metrics, a run-event WebSocket feed, and an inbound
// event webhook.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/pulsehq/pulse/internal/cron"
)

// Gateway is the HTTP front of the scheduler. It is a leaf component — nothing
// imports it.
type Gateway struct {
	config    Config
	logger    *slog.Logger
	cron      *cron.Service
	events    cron.SystemEventSink
	waker     cron.HeartbeatWaker
	metrics   *metrics
	feed      *eventFeed
	server    *http.Server
	startedAt time.Time
}

// New creates a Gateway. The cron service and event sink are required; the
// waker may be nil.
func New(cfg Config, logger *slog.Logger, svc *cron.Service, events cron.SystemEventSink, waker cron.HeartbeatWaker) (*Gateway, error) {
	if svc == nil {
		return nil, errors.New("gateway: nil cron service")
	}
	if events == nil {
		return nil, errors.New("gateway: nil event sink")
	}
	if logger == nil {
		logger = slog.Default()
	}
	cfg.defaults()
	if _, err := net.ResolveTCPAddr("tcp", cfg.Bind); err != nil {
		return nil, fmt.Errorf("gateway: invalid bind address %q: %w", cfg.Bind, err)
	}

	g := &Gateway{
		config:  cfg,
		logger:  logger.With("component", "gateway"),
		cron:    svc,
		events:  events,
		waker:   waker,
		metrics: newMetrics(),
		feed:    newEventFeed(logger),
	}

	// Completed runs fan out to the metrics and the WebSocket feed.
	svc.Subscribe(func(rec cron.RunRecord) {
		g.metrics.observeRun(rec)
		g.feed.broadcast(rec)
	})

	return g, nil
}

// Start begins serving. Non-blocking; errors after listen are logged.
func (g *Gateway) Start(ctx context.Context) error {
	g.startedAt = time.Now()

	g.server = &http.Server{
		Addr:         g.config.Bind,
		Handler:      g.buildRouter(),
		ReadTimeout:  g.config.ReadTimeout,
		WriteTimeout: g.config.WriteTimeout,
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", g.config.Bind)
	if err != nil {
		return fmt.Errorf("gateway: listen on %s: %w", g.config.Bind, err)
	}

	go func() {
		g.logger.Info("gateway listening", "addr", ln.Addr().String())
		if err := g.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			g.logger.Error("gateway serve error", "error", err)
		}
	}()

	return nil
}

// Stop shuts the server down gracefully and closes the event feed.
func (g *Gateway) Stop(ctx context.Context) error {
	if g.server == nil {
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, g.config.ShutdownTimeout)
	defer cancel()

	g.logger.Info("gateway shutting down")
	g.feed.closeAll()
	return g.server.Shutdown(shutdownCtx)
}

// buildRouter constructs the chi mux with all routes wired.
func (g *Gateway) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(g.requestLogger)
	r.Use(g.metrics.middleware)

	// Public — no auth required.
	r.Get("/health", g.handleHealth())
	r.Get("/metrics", g.metrics.handler())

	// Webhook — own HMAC auth.
	r.Post("/webhook", g.handleWebhook())

	// RPC and event feed — bearer auth when configured.
	r.Group(func(r chi.Router) {
		if g.config.Auth.IsConfigured() {
			r.Use(authMiddleware(g.config.Auth))
		}
		r.Post("/rpc", g.handleRPC())
		r.Get("/ws/events", g.feed.handleWS)
	})

	return r
}

// requestLogger logs every request with its final status and duration.
func (g *Gateway) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)
		g.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", sw.code,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/kansoku/internal/ratelimit"
	"github.com/ashita-ai/kansoku/internal/service/monitor"
	"github.com/ashita-ai/kansoku/internal/settings"
)

// Server is the kansoku HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a Server.
// Optional fields (nil-safe): Broker, Prober, Store, Limiter, MCPServer,
// ExtraRoutes, Middlewares.
type ServerConfig struct {
	// Required dependencies.
	Monitor *monitor.Monitor
	Logger  *slog.Logger

	// Optional dependencies (nil = disabled).
	Broker    *Broker
	Prober    Prober
	Store     settings.Store
	Limiter   ratelimit.Limiter
	MCPServer *mcpserver.MCPServer

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64

	// Extension points for embedders.
	ExtraRoutes []func(*http.ServeMux)
	Middlewares []func(http.Handler) http.Handler
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		Monitor: cfg.Monitor,
		Broker:  cfg.Broker,
		Prober:  cfg.Prober,
		Store:   cfg.Store,
		Logger:  cfg.Logger,
		Version: cfg.Version,
	})

	// Request ID extractor for rate limit error responses.
	reqIDFunc := func(r *http.Request) string {
		return RequestIDFromContext(r.Context())
	}
	// Every action that calls the tracking service is limited per client IP.
	upstreamRL := ratelimit.Middleware(cfg.Limiter, ratelimit.IPKeyFunc, reqIDFunc, cfg.Logger)

	mux := http.NewServeMux()

	// Dashboard pages and form actions.
	mux.HandleFunc("GET /{$}", h.HandleDashboard)
	mux.Handle("GET /runs/{run_id}", upstreamRL(http.HandlerFunc(h.HandleDashboardRun)))
	mux.Handle("POST /connection", upstreamRL(http.HandlerFunc(h.HandleConnectionForm)))
	mux.Handle("POST /refresh", upstreamRL(http.HandlerFunc(h.HandleRefreshForm)))
	mux.HandleFunc("POST /polling", h.HandlePollingForm)
	mux.Handle("GET /static/", newStaticHandler())

	// JSON API.
	mux.HandleFunc("GET /v1/runs", h.HandleListRuns)
	mux.Handle("POST /v1/refresh", upstreamRL(http.HandlerFunc(h.HandleRefresh)))
	mux.HandleFunc("PUT /v1/polling", h.HandleSetPolling)
	mux.HandleFunc("GET /v1/connection", h.HandleGetConnection)
	mux.Handle("PUT /v1/connection", upstreamRL(http.HandlerFunc(h.HandlePutConnection)))
	mux.Handle("POST /v1/connection/test", upstreamRL(http.HandlerFunc(h.HandleTestConnection)))
	mux.HandleFunc("GET /v1/selection", h.HandleGetSelection)
	mux.Handle("PUT /v1/selection", upstreamRL(http.HandlerFunc(h.HandlePutSelection)))
	mux.HandleFunc("GET /v1/runs/{run_id}/charts/{chart}", h.HandleRunChart)

	// Subscription endpoint (no rate limit, long-lived connection).
	mux.HandleFunc("GET /v1/subscribe", h.HandleSubscribe)

	// MCP StreamableHTTP transport.
	if cfg.MCPServer != nil {
		mux.Handle("/mcp", mcpserver.NewStreamableHTTPServer(cfg.MCPServer))
	}

	// Health (no rate limit).
	mux.HandleFunc("GET /health", h.HandleHealth)

	for _, register := range cfg.ExtraRoutes {
		register(mux)
	}

	// Registered last so all routes above take priority via the mux's longest-match rule.
	mux.HandleFunc("/", notFoundHandler)

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → recovery → body limit → handler.
	var handler http.Handler = mux
	handler = bodyLimitMiddleware(cfg.MaxRequestBodyBytes, handler)
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)
	// Embedder middlewares wrap everything; the first registered runs first.
	for i := len(cfg.Middlewares) - 1; i >= 0; i-- {
		handler = cfg.Middlewares[i](handler)
	}

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           handler,
			ReadTimeout:       cfg.ReadTimeout,
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      cfg.WriteTimeout,
		},
		handler: handler,
		logger:  cfg.Logger,
	}
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}

package kansoku

import (
	"log/slog"
	"net/http"
)

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported; callers use the With* functions.
type resolvedOptions struct {
	port           int
	trackerURL     string
	httpClient     *http.Client
	connection     *Connection
	logger         *slog.Logger
	version        string
	store          SettingsStore
	eventHooks     []EventHook
	routeRegistrar []RouteRegistrar
	middlewares    []Middleware
}

// WithPort overrides the TCP port from config (KANSOKU_PORT env var).
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = port }
}

// WithTrackerURL overrides the tracking API base URL from config
// (KANSOKU_TRACKER_URL env var).
func WithTrackerURL(url string) Option {
	return func(o *resolvedOptions) { o.trackerURL = url }
}

// WithHTTPClient sets the client used for tracking API calls. Its timeout
// replaces KANSOKU_REQUEST_TIMEOUT.
func WithHTTPClient(c *http.Client) Option {
	return func(o *resolvedOptions) { o.httpClient = c }
}

// WithConnection seeds the connection used when the settings store holds
// none, replacing the WANDB_API_KEY, WANDB_ENTITY and WANDB_PROJECT env vars.
func WithConnection(conn Connection) Option {
	return func(o *resolvedOptions) { o.connection = &conn }
}

// WithLogger sets the structured logger for the App.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in the health endpoint, MCP
// handshake and logs.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithSettingsStore replaces the SQL or in-memory settings store.
// Only the last call wins.
func WithSettingsStore(s SettingsStore) Option {
	return func(o *resolvedOptions) { o.store = s }
}

// WithEventHook registers an event hook to receive refresh notifications.
// Multiple hooks may be registered; all registered hooks receive every event.
func WithEventHook(hook EventHook) Option {
	return func(o *resolvedOptions) { o.eventHooks = append(o.eventHooks, hook) }
}

// WithExtraRoutes registers additional routes on the shared HTTP mux.
// Multiple registrars may be registered; all are called in registration order.
func WithExtraRoutes(fn RouteRegistrar) Option {
	return func(o *resolvedOptions) { o.routeRegistrar = append(o.routeRegistrar, fn) }
}

// WithMiddleware registers an outermost HTTP middleware.
// Multiple middlewares may be registered. Applied in registration order:
// the first-registered middleware is outermost (called first by every request).
func WithMiddleware(mw Middleware) Option {
	return func(o *resolvedOptions) { o.middlewares = append(o.middlewares, mw) }
}

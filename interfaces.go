package kansoku

import (
	"context"
	"net/http"
)

// SettingsStore persists the connection. When provided via
// WithSettingsStore, replaces the store selected by KANSOKU_SETTINGS_DSN.
// A store with nothing saved returns the zero Connection and no error.
type SettingsStore interface {
	Load(ctx context.Context) (Connection, error)
	Save(ctx context.Context, conn Connection) error
}

// EventHook receives async notifications after every run-list refresh,
// whether triggered by polling, a manual refresh or a new connection.
// Multiple hooks may be registered via multiple WithEventHook calls.
// Hook methods run in goroutines and must not block indefinitely.
// Failures are logged and do not affect the dashboard.
type EventHook interface {
	OnRunsRefreshed(ctx context.Context, result RefreshResult) error
}

// RouteRegistrar registers additional routes on the shared HTTP mux.
// Extra routes share the middleware chain and OTEL instrumentation with the
// built-in routes. The function is called once during New().
type RouteRegistrar func(mux *http.ServeMux)

// Middleware wraps the root HTTP handler.
// Applied outermost (before routing), so it sees all requests including /health.
// Multiple middlewares are applied in registration order (first-registered = outermost).
type Middleware func(http.Handler) http.Handler

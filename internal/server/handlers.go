package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ashita-ai/kansoku/internal/model"
	"github.com/ashita-ai/kansoku/internal/service/monitor"
	"github.com/ashita-ai/kansoku/internal/settings"
)

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	monitor   *monitor.Monitor
	broker    *Broker
	prober    Prober
	store     settings.Store
	pages     *pageRenderer
	logger    *slog.Logger
	startedAt time.Time
	version   string
}

// HandlersDeps holds all dependencies for constructing Handlers.
// Optional (nil-safe): Broker, Prober, Store.
type HandlersDeps struct {
	Monitor *monitor.Monitor
	Broker  *Broker
	Prober  Prober
	Store   settings.Store
	Logger  *slog.Logger
	Version string
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	return &Handlers{
		monitor:   d.Monitor,
		broker:    d.Broker,
		prober:    d.Prober,
		store:     d.Store,
		pages:     newPageRenderer(),
		logger:    d.Logger,
		startedAt: time.Now(),
		version:   d.Version,
	}
}

// HandleListRuns handles GET /v1/runs.
func (h *Handlers) HandleListRuns(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, h.monitor.Runs())
}

// HandleRefresh handles POST /v1/refresh. The refresh runs synchronously;
// a failed fetch is reported in the snapshot's error field, not as an HTTP
// error, since the previous list is still served.
func (h *Handlers) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	out := h.monitor.Refresh(r.Context())
	if out.Skipped {
		writeError(w, r, http.StatusConflict, model.ErrCodeNotConfigured,
			"api key, entity and project must be configured before refreshing")
		return
	}
	writeJSON(w, r, http.StatusOK, h.monitor.Runs())
}

// HandleSetPolling handles PUT /v1/polling.
func (h *Handlers) HandleSetPolling(w http.ResponseWriter, r *http.Request) {
	var req model.PollingRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.Enabled == nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "enabled is required")
		return
	}
	h.monitor.SetPolling(*req.Enabled)
	writeJSON(w, r, http.StatusOK, map[string]bool{"enabled": *req.Enabled})
}

// HandleGetConnection handles GET /v1/connection. The API key is never
// returned.
func (h *Handlers) HandleGetConnection(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, h.monitor.Connection())
}

// HandlePutConnection handles PUT /v1/connection.
func (h *Handlers) HandlePutConnection(w http.ResponseWriter, r *http.Request) {
	var req model.Connection
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.monitor.Configure(r.Context(), req); err != nil {
		if errors.Is(err, monitor.ErrIncompleteConnection) {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "api_key, entity and project are required")
			return
		}
		h.logger.Error("configure connection", "error", err, "request_id", RequestIDFromContext(r.Context()))
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to save connection")
		return
	}
	writeJSON(w, r, http.StatusOK, h.monitor.Connection())
}

// Prober checks a connection without saving it. *tracker.Client satisfies it.
type Prober interface {
	Probe(ctx context.Context, conn model.Connection) error
}

type probeResult struct {
	Connected bool   `json:"connected"`
	Error     string `json:"error,omitempty"`
}

func (p probeResult) notice() string {
	if p.Connected {
		return "Connected."
	}
	return "Connection failed: " + p.Error
}

func (h *Handlers) testConnection(r *http.Request, conn model.Connection) probeResult {
	conn = conn.Trimmed()
	if !conn.Complete() {
		return probeResult{Error: "api key, entity and project are required"}
	}
	if h.prober == nil {
		return probeResult{Error: "connection testing is not available"}
	}
	if err := h.prober.Probe(r.Context(), conn); err != nil {
		h.logger.Info("connection test failed", "entity", conn.Entity, "project", conn.Project, "error", err)
		return probeResult{Error: err.Error()}
	}
	return probeResult{Connected: true}
}

// HandleTestConnection handles POST /v1/connection/test. Nothing is saved.
func (h *Handlers) HandleTestConnection(w http.ResponseWriter, r *http.Request) {
	var req model.Connection
	if !h.decode(w, r, &req) {
		return
	}
	if !req.Complete() {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "api_key, entity and project are required")
		return
	}
	writeJSON(w, r, http.StatusOK, h.testConnection(r, req))
}

// HandleGetSelection handles GET /v1/selection.
func (h *Handlers) HandleGetSelection(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, h.monitor.Selection())
}

// HandlePutSelection handles PUT /v1/selection.
func (h *Handlers) HandlePutSelection(w http.ResponseWriter, r *http.Request) {
	var req model.SelectRunRequest
	if !h.decode(w, r, &req) {
		return
	}
	runID := strings.TrimSpace(req.RunID)
	if runID == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "run_id is required")
		return
	}
	if err := h.monitor.Select(r.Context(), runID); err != nil {
		if errors.Is(err, monitor.ErrUnknownRun) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "run not found in the current list")
			return
		}
		h.logger.Error("select run", "error", err, "run_id", runID)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to select run")
		return
	}
	writeJSON(w, r, http.StatusOK, h.monitor.Selection())
}

// HandleSubscribe handles GET /v1/subscribe (SSE).
func (h *Handlers) HandleSubscribe(w http.ResponseWriter, r *http.Request) {
	if h.broker == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeServiceUnavailable, "event stream not available")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Disable the server's WriteTimeout for this long-lived connection.
	// Without this, idle SSE connections are killed after WriteTimeout (default 30s).
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	ch := h.broker.Subscribe()
	defer h.broker.Unsubscribe(ch)

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			if _, err := w.Write([]byte(":keepalive\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case event, ok := <-ch:
			if !ok {
				return
			}
			if _, err := w.Write(event); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

type pinger interface {
	Ping(ctx context.Context) error
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	httpStatus := http.StatusOK

	settingsStatus := "memory"
	if p, ok := h.store.(pinger); ok {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		settingsStatus = "connected"
		if err := p.Ping(ctx); err != nil {
			settingsStatus = "disconnected"
			status = "unhealthy"
			httpStatus = http.StatusServiceUnavailable
		}
	}

	snap := h.monitor.Runs()
	if status == "healthy" && snap.Error != "" {
		status = "degraded"
	}

	resp := model.HealthResponse{
		Status:     status,
		Version:    h.version,
		Configured: snap.Configured,
		Polling:    snap.Polling,
		LastError:  snap.Error,
		Settings:   settingsStatus,
		Uptime:     int64(time.Since(h.startedAt).Seconds()),
	}
	if h.broker != nil {
		resp.Subscribers = h.broker.SubscriberCount()
	}

	writeJSON(w, r, httpStatus, resp)
}

// decode reads a JSON body into target, writing the error response itself
// when the body is unusable.
func (h *Handlers) decode(w http.ResponseWriter, r *http.Request, target any) bool {
	err := decodeJSON(r, target)
	if err == nil {
		return true
	}
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge):
		writeError(w, r, http.StatusRequestEntityTooLarge, model.ErrCodeInvalidInput, "request body too large")
	case errors.Is(err, io.EOF):
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "request body is required")
	default:
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body: "+err.Error())
	}
	return false
}

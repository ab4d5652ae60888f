// Package monitor is the orchestrator between the dashboard surfaces and the
// sync components. It owns the connection, the selected run and the polling
// toggle, applies refresh outcomes to the selection, and publishes state
// changes to subscribers.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ashita-ai/kansoku/internal/model"
	"github.com/ashita-ai/kansoku/internal/service/history"
	"github.com/ashita-ai/kansoku/internal/service/runs"
)

// Event names published to Events.
const (
	EventRuns       = "runs"
	EventSelection  = "selection"
	EventConnection = "connection"
	EventPolling    = "polling"
)

var (
	// ErrIncompleteConnection is returned by Configure when a field is empty.
	ErrIncompleteConnection = errors.New("monitor: api key, entity and project are required")

	// ErrUnknownRun is returned by Select for an id not in the run list.
	ErrUnknownRun = errors.New("monitor: run not found")

	// ErrNotConfigured is returned by operations that need a connection.
	ErrNotConfigured = errors.New("monitor: not configured")
)

// ConnectionStore persists the connection. *settings.SQLStore and
// *settings.MemoryStore satisfy it.
type ConnectionStore interface {
	Load(ctx context.Context) (model.Connection, error)
	Save(ctx context.Context, conn model.Connection) error
}

// Events receives state-change notifications. The server's SSE broker
// satisfies it.
type Events interface {
	Publish(event string, data any)
}

type discardEvents struct{}

func (discardEvents) Publish(string, any) {}

// RunsEvent is published after every completed refresh.
type RunsEvent struct {
	Count int    `json:"count"`
	Error string `json:"error"`
}

// Selection is the selected run with its history-derived charts.
type Selection struct {
	Run     *model.Run         `json:"run"`
	Charts  []history.Chart    `json:"charts"`
	Steps   model.MetricSeries `json:"steps"`
	Loading bool               `json:"loading"`
	Error   string             `json:"error"`
	Summary []SummaryEntry     `json:"summary"`

	// Stale is true when the run is no longer in the list and its data is
	// the last known copy.
	Stale bool `json:"stale"`
}

// SummaryEntry is one summary metric in display order.
type SummaryEntry struct {
	Key   string `json:"key"`
	Value any    `json:"value"`
}

// Monitor wires the synchronizer, the history fetcher and the settings
// store together.
type Monitor struct {
	runs    *runs.Synchronizer
	history *history.Fetcher
	source  history.Source
	store   ConnectionStore
	events  Events
	logger  *slog.Logger

	mu       sync.Mutex
	conn     model.Connection
	selected *model.Run
	// stale is set when the selected run vanished from the latest list.
	stale bool
}

// New creates a Monitor and subscribes it to the synchronizer's refresh
// outcomes. source is used for ad-hoc history lookups that must not disturb
// the selection. events may be nil.
func New(synchronizer *runs.Synchronizer, fetcher *history.Fetcher, source history.Source, store ConnectionStore, events Events, logger *slog.Logger) *Monitor {
	if events == nil {
		events = discardEvents{}
	}
	m := &Monitor{
		runs:    synchronizer,
		history: fetcher,
		source:  source,
		store:   store,
		events:  events,
		logger:  logger,
	}
	synchronizer.OnRefresh(m.applyRefresh)
	return m
}

// Start restores the persisted connection, falling back to seed when the
// store holds nothing usable, applies the initial polling state, and runs
// the first refresh if a connection is available.
func (m *Monitor) Start(ctx context.Context, seed model.Connection, polling bool) error {
	conn, err := m.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("monitor: load connection: %w", err)
	}
	if !conn.Complete() && seed.Complete() {
		conn = seed.Trimmed()
		if err := m.store.Save(ctx, conn); err != nil {
			return fmt.Errorf("monitor: save seed connection: %w", err)
		}
		m.logger.Info("monitor: connection seeded from environment",
			"entity", conn.Entity, "project", conn.Project)
	}

	reload := m.apply(conn)
	m.runs.SetPolling(polling)
	if conn.Complete() {
		m.runs.Refresh(ctx)
	}
	m.reload(ctx, reload)
	return nil
}

// Configure validates, persists and applies a new connection, then runs a
// refresh so the list reflects it immediately. Refresh failures are
// reported through Runs, not as an error.
func (m *Monitor) Configure(ctx context.Context, conn model.Connection) error {
	conn = conn.Trimmed()
	if !conn.Complete() {
		return ErrIncompleteConnection
	}
	if err := m.store.Save(ctx, conn); err != nil {
		return fmt.Errorf("monitor: save connection: %w", err)
	}
	reload := m.apply(conn)
	m.logger.Info("monitor: connection configured", "entity", conn.Entity, "project", conn.Project)
	m.runs.Refresh(ctx)
	m.reload(ctx, reload)
	return nil
}

// apply installs conn. A different project drops the selection and its
// history. Any other change keeps the selection and returns the fetch that
// reloads its history with the new connection; otherwise it returns nil.
func (m *Monitor) apply(conn model.Connection) func(context.Context) error {
	m.runs.Configure(conn)
	m.history.Configure(conn)

	var reload func(context.Context) error
	m.mu.Lock()
	prev := m.conn
	m.conn = conn
	switch {
	case prev.Entity != conn.Entity || prev.Project != conn.Project:
		m.selected = nil
		m.stale = false
		m.history.Reset()
	case prev != conn && m.selected != nil:
		reload = m.history.Begin(m.selected.ID)
	}
	m.mu.Unlock()

	m.events.Publish(EventConnection, conn.Redacted())
	return reload
}

// reload completes a history fetch begun for the selection. A failed load
// is reported through Selection().Error.
func (m *Monitor) reload(ctx context.Context, fetch func(context.Context) error) {
	if fetch == nil {
		return
	}
	if err := fetch(ctx); errors.Is(err, history.ErrSuperseded) {
		return
	}
	if run, ok := m.Selected(); ok {
		m.events.Publish(EventSelection, map[string]string{"run_id": run.ID})
	}
}

// Connection returns the redacted active connection.
func (m *Monitor) Connection() model.ConnectionInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn.Redacted()
}

// Refresh runs a manual refresh.
func (m *Monitor) Refresh(ctx context.Context) runs.Outcome {
	return m.runs.Refresh(ctx)
}

// SetPolling toggles the refresh schedule.
func (m *Monitor) SetPolling(enabled bool) {
	m.runs.SetPolling(enabled)
	m.events.Publish(EventPolling, map[string]bool{"enabled": enabled})
}

// Runs returns the synchronizer's state.
func (m *Monitor) Runs() runs.Snapshot {
	return m.runs.Snapshot()
}

// applyRefresh is the refresh listener: it re-points the selection at the
// fresh instance of the selected run, or leaves it on the stale one when
// the run is gone.
func (m *Monitor) applyRefresh(out runs.Outcome) {
	if out.Err == nil {
		m.mu.Lock()
		if m.selected != nil {
			next, refreshed := model.Reselect(m.selected, out.Runs)
			m.selected = next
			m.stale = !refreshed
		}
		m.mu.Unlock()
	}

	ev := RunsEvent{Count: len(out.Runs)}
	if out.Err != nil {
		ev.Count = len(m.runs.Snapshot().Runs)
		ev.Error = out.Err.Error()
	}
	m.events.Publish(EventRuns, ev)
}

// Select makes runID the selected run and loads its history. Selecting the
// run whose history is already held does not refetch it.
func (m *Monitor) Select(ctx context.Context, runID string) error {
	run, ok := m.runs.Run(runID)
	if !ok {
		return ErrUnknownRun
	}

	// The selection and the fetcher's latest request change together so
	// concurrent selects cannot leave them pointing at different runs.
	m.mu.Lock()
	m.selected = &run
	m.stale = false
	snap := m.history.Snapshot()
	if snap.RunID == runID && snap.Error == "" && (snap.Loading || !snap.LoadedAt.IsZero()) {
		m.mu.Unlock()
		return nil
	}
	fetch := m.history.Begin(runID)
	m.mu.Unlock()

	m.reload(ctx, fetch)
	return nil
}

// Selected returns a copy of the selected run.
func (m *Monitor) Selected() (model.Run, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.selected == nil {
		return model.Run{}, false
	}
	return *m.selected, true
}

// Selection returns the selected run with its charts. Run is nil when
// nothing is selected.
func (m *Monitor) Selection() Selection {
	m.mu.Lock()
	var run *model.Run
	if m.selected != nil {
		r := *m.selected
		run = &r
	}
	stale := m.stale
	m.mu.Unlock()

	if run == nil {
		return Selection{Charts: []history.Chart{}, Summary: []SummaryEntry{}}
	}

	snap := m.history.Snapshot()
	sel := Selection{Run: run, Stale: stale, Summary: summaryEntries(*run)}
	if snap.RunID != run.ID {
		sel.Charts = m.history.ChartsOf(nil)
		return sel
	}
	sel.Charts = m.history.ChartsOf(snap.Points)
	sel.Steps = model.ExtractSteps(snap.Points)
	sel.Loading = snap.Loading
	sel.Error = snap.Error
	return sel
}

// RunCharts fetches history for any run in the current project without
// touching the selection.
func (m *Monitor) RunCharts(ctx context.Context, runID string) ([]history.Chart, error) {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if !conn.Complete() {
		return nil, ErrNotConfigured
	}
	payload, err := m.source.History(ctx, conn, runID, model.HistoryKeys)
	if err != nil {
		return nil, fmt.Errorf("monitor: run history: %w", err)
	}
	return m.history.ChartsOf(model.HistoryPoints(payload)), nil
}

// Close stops polling and waits for in-flight refreshes.
func (m *Monitor) Close(ctx context.Context) {
	m.runs.Close(ctx)
}

func summaryEntries(r model.Run) []SummaryEntry {
	keys := r.SummaryKeys()
	out := make([]SummaryEntry, 0, len(keys))
	for _, k := range keys {
		out = append(out, SummaryEntry{Key: k, Value: r.Summary[k]})
	}
	return out
}

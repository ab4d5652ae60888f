// Package runs keeps the project's run list in sync with the tracking
// service: fetch, normalize, sort, replace, and notify listeners so the
// selection can follow the fresh data.
package runs

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/kansoku/internal/model"
	"github.com/ashita-ai/kansoku/internal/telemetry"
)

// DefaultInterval is the polling period when none is configured.
const DefaultInterval = 15 * time.Second

// errInterrupted is recorded when a refresh unwinds without producing a
// result, so a panic in the lister never leaves the list half-replaced.
var errInterrupted = errors.New("runs: refresh interrupted")

// RunLister fetches the raw runs payload for a connection.
// *tracker.Client satisfies it.
type RunLister interface {
	ListRuns(ctx context.Context, conn model.Connection) (any, error)
}

// Outcome describes one completed Refresh. It doubles as the selection
// event: listeners re-point their selection with model.Reselect(sel, Runs)
// when Err is nil.
type Outcome struct {
	Runs       []model.Run
	Err        error
	Skipped    bool
	StartedAt  time.Time
	FinishedAt time.Time
}

// Listener receives every non-skipped Outcome. Listeners run on the
// refreshing goroutine after the synchronizer's lock is released.
type Listener func(Outcome)

// Snapshot is a consistent copy of the synchronizer's state.
type Snapshot struct {
	Runs          []model.Run `json:"runs"`
	Busy          bool        `json:"busy"`
	Error         string      `json:"error"`
	Polling       bool        `json:"polling"`
	Configured    bool        `json:"configured"`
	LastRefreshAt time.Time   `json:"last_refresh_at,omitzero"`
	LastSuccessAt time.Time   `json:"last_success_at,omitzero"`
}

// Synchronizer owns the run list and its busy/error flags. Nothing else
// writes to them.
type Synchronizer struct {
	lister   RunLister
	logger   *slog.Logger
	interval time.Duration

	mu            sync.Mutex
	conn          model.Connection
	runs          []model.Run
	inFlight      int
	lastErr       string
	lastRefreshAt time.Time
	lastSuccessAt time.Time
	pollEnabled   bool
	listeners     []Listener

	// pollMu serializes schedule start/stop. It is never taken by the poll
	// loop itself, so stopping can wait on the loop without deadlock.
	pollMu     sync.Mutex
	cancelPoll context.CancelFunc
	pollDone   chan struct{}
	pollConn   model.Connection
	ticks      sync.WaitGroup

	refreshCount    metric.Int64Counter
	refreshDuration metric.Float64Histogram
}

// New creates a Synchronizer. A non-positive interval uses DefaultInterval.
// Polling starts disabled; see SetPolling.
func New(lister RunLister, logger *slog.Logger, interval time.Duration) *Synchronizer {
	if interval <= 0 {
		interval = DefaultInterval
	}
	s := &Synchronizer{
		lister:   lister,
		logger:   logger,
		interval: interval,
		runs:     []model.Run{},
	}
	s.registerMetrics()
	return s
}

// OnRefresh registers a listener for refresh outcomes.
func (s *Synchronizer) OnRefresh(l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

// Configure sets the active connection. It does not fetch. If polling is
// enabled the schedule is (re)started for a complete connection and stopped
// for an incomplete one.
func (s *Synchronizer) Configure(conn model.Connection) {
	s.mu.Lock()
	s.conn = conn.Trimmed()
	s.mu.Unlock()
	s.reconcilePolling()
}

// Refresh fetches the first page of runs and replaces the list on success.
// On failure the list is kept and the error message recorded. An incomplete
// connection makes Refresh a no-op that returns a Skipped outcome.
//
// Concurrent refreshes are not sequenced: whichever response is applied
// last wins.
func (s *Synchronizer) Refresh(ctx context.Context) (out Outcome) {
	s.mu.Lock()
	conn := s.conn
	if !conn.Complete() {
		s.mu.Unlock()
		return Outcome{Skipped: true}
	}
	s.inFlight++
	s.lastErr = ""
	s.mu.Unlock()

	out = Outcome{StartedAt: time.Now().UTC(), Err: errInterrupted}
	defer func() { s.finish(ctx, conn, &out) }()

	payload, err := s.lister.ListRuns(ctx, conn)
	if err != nil {
		out.Err = err
		return out
	}
	runs := model.NormalizeRuns(payload)
	model.SortRuns(runs)
	out.Runs = runs
	out.Err = nil
	return out
}

// finish applies a refresh result and releases the busy flag. It runs
// deferred so the flag clears on every path.
func (s *Synchronizer) finish(ctx context.Context, conn model.Connection, out *Outcome) {
	out.FinishedAt = time.Now().UTC()

	s.mu.Lock()
	s.inFlight--
	s.lastRefreshAt = out.FinishedAt
	if out.Err == nil {
		s.runs = out.Runs
		s.lastSuccessAt = out.FinishedAt
	} else {
		s.lastErr = out.Err.Error()
	}
	listeners := slices.Clone(s.listeners)
	s.mu.Unlock()

	elapsed := out.FinishedAt.Sub(out.StartedAt)
	outcome := "success"
	if out.Err != nil {
		outcome = "error"
		s.logger.Warn("runs: refresh failed",
			"error", out.Err,
			"entity", conn.Entity,
			"project", conn.Project,
			"duration_ms", elapsed.Milliseconds(),
		)
	} else {
		s.logger.Debug("runs: refreshed",
			"runs", len(out.Runs),
			"entity", conn.Entity,
			"project", conn.Project,
			"duration_ms", elapsed.Milliseconds(),
		)
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	s.refreshCount.Add(ctx, 1, attrs)
	s.refreshDuration.Record(ctx, float64(elapsed.Milliseconds()), attrs)

	for _, l := range listeners {
		l(*out)
	}
}

// SetPolling turns the refresh schedule on or off. Disabling cancels the
// schedule and returns only after the loop has exited, so no tick fires
// afterwards. Refreshes already in flight are not aborted. Enabling starts
// a fresh interval once the connection is complete.
func (s *Synchronizer) SetPolling(enabled bool) {
	s.mu.Lock()
	s.pollEnabled = enabled
	s.mu.Unlock()
	s.reconcilePolling()
}

// Polling reports whether polling is enabled.
func (s *Synchronizer) Polling() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pollEnabled
}

func (s *Synchronizer) reconcilePolling() {
	s.pollMu.Lock()
	defer s.pollMu.Unlock()

	s.mu.Lock()
	want := s.pollEnabled && s.conn.Complete()
	conn := s.conn
	s.mu.Unlock()

	running := s.cancelPoll != nil
	switch {
	case want && running && conn == s.pollConn:
		return
	case want:
		s.stopLocked()
		s.startLocked(conn)
	case running:
		s.stopLocked()
	}
}

func (s *Synchronizer) startLocked(conn model.Connection) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.cancelPoll = cancel
	s.pollDone = done
	s.pollConn = conn
	go s.pollLoop(ctx, done)
	s.logger.Info("runs: polling started", "interval", s.interval.String())
}

func (s *Synchronizer) stopLocked() {
	if s.cancelPoll == nil {
		return
	}
	s.cancelPoll()
	<-s.pollDone
	s.cancelPoll = nil
	s.pollDone = nil
	s.pollConn = model.Connection{}
	s.logger.Info("runs: polling stopped")
}

func (s *Synchronizer) pollLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Ticks outlive the schedule: disabling polling stops new ticks but an
	// in-flight request still completes and is applied.
	refreshCtx := context.WithoutCancel(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.ticks.Add(1)
			go func() {
				defer s.ticks.Done()
				s.Refresh(refreshCtx)
			}()
		}
	}
}

// Close stops polling and waits for tick-started refreshes to finish or for
// ctx to expire.
func (s *Synchronizer) Close(ctx context.Context) {
	s.pollMu.Lock()
	s.stopLocked()
	s.pollMu.Unlock()

	done := make(chan struct{})
	go func() {
		s.ticks.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("runs: close timed out waiting for in-flight refreshes")
	}
}

// Snapshot returns a copy of the current state.
func (s *Synchronizer) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		Runs:          slices.Clone(s.runs),
		Busy:          s.inFlight > 0,
		Error:         s.lastErr,
		Polling:       s.pollEnabled,
		Configured:    s.conn.Complete(),
		LastRefreshAt: s.lastRefreshAt,
		LastSuccessAt: s.lastSuccessAt,
	}
}

// Run returns a copy of the run with the given id from the current list.
func (s *Synchronizer) Run(id string) (model.Run, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := model.FindRun(s.runs, id)
	if !ok {
		return model.Run{}, false
	}
	return *r, true
}

func (s *Synchronizer) registerMetrics() {
	meter := telemetry.Meter("kansoku/runs")

	s.refreshCount, _ = meter.Int64Counter("kansoku.refresh.count",
		metric.WithDescription("Run list refreshes by outcome"),
	)
	s.refreshDuration, _ = meter.Float64Histogram("kansoku.refresh.duration",
		metric.WithDescription("Run list refresh latency"),
		metric.WithUnit("ms"),
	)
	_, _ = meter.Int64ObservableGauge("kansoku.runs.count",
		metric.WithDescription("Runs in the current list"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			s.mu.Lock()
			n := len(s.runs)
			s.mu.Unlock()
			o.Observe(int64(n))
			return nil
		}),
	)
}

// Package history loads metric history for the selected run and derives
// the per-metric series and sparkline geometry shown next to it.
package history

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/kansoku/internal/model"
	"github.com/ashita-ai/kansoku/internal/sparkline"
	"github.com/ashita-ai/kansoku/internal/telemetry"
)

// ErrSuperseded is returned by Load when another run was requested while
// the fetch was in flight. Its result was discarded.
var ErrSuperseded = errors.New("history: superseded by a newer request")

// Source fetches the raw history payload for one run.
// *tracker.Client satisfies it.
type Source interface {
	History(ctx context.Context, conn model.Connection, runID string, keys []string) (any, error)
}

// Snapshot is a consistent copy of the fetcher's state.
type Snapshot struct {
	RunID    string               `json:"run_id"`
	Points   []model.HistoryPoint `json:"-"`
	Loading  bool                 `json:"loading"`
	Error    string               `json:"error"`
	LoadedAt time.Time            `json:"loaded_at,omitzero"`
}

// Chart is one tracked metric's series, ready to draw.
type Chart struct {
	Metric   model.TrackedMetric  `json:"metric"`
	Series   model.MetricSeries   `json:"series"`
	Geometry model.SeriesGeometry `json:"geometry"`
	Last     float64              `json:"last"`

	// Steps holds the step of each series value, or is nil when some
	// sample has no step.
	Steps model.MetricSeries `json:"steps"`

	// Sufficient is false below two points; the chart shows "no data"
	// rather than an error.
	Sufficient bool `json:"sufficient"`
}

// Fetcher holds the history of a single run at a time.
type Fetcher struct {
	source Source
	logger *slog.Logger
	opts   sparkline.Options

	mu       sync.Mutex
	conn     model.Connection
	latest   string
	runID    string
	points   []model.HistoryPoint
	loading  bool
	lastErr  string
	loadedAt time.Time

	staleDiscarded metric.Int64Counter
}

// New creates a Fetcher that draws geometry with opts.
func New(source Source, logger *slog.Logger, opts sparkline.Options) *Fetcher {
	f := &Fetcher{
		source: source,
		logger: logger,
		opts:   opts,
	}
	meter := telemetry.Meter("kansoku/history")
	f.staleDiscarded, _ = meter.Int64Counter("kansoku.history.stale_discarded",
		metric.WithDescription("History responses dropped because a different run was requested meanwhile"),
	)
	return f
}

// Configure sets the connection used by later loads. Held history is kept;
// callers Reset when it belongs to a different project, or Begin a reload.
func (f *Fetcher) Configure(conn model.Connection) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.conn = conn.Trimmed()
}

// Reset drops the held history and invalidates pending loads.
func (f *Fetcher) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.latest = ""
	f.runID = ""
	f.points = nil
	f.loading = false
	f.lastErr = ""
	f.loadedAt = time.Time{}
}

// Load fetches history for runID. An empty runID is a no-op. Switching to a
// different run clears the held history immediately. Only the result for
// the most recently requested run is applied; an older response that
// arrives late is dropped and Load returns ErrSuperseded.
func (f *Fetcher) Load(ctx context.Context, runID string) error {
	if runID == "" {
		return nil
	}
	return f.Begin(runID)(ctx)
}

// Begin records runID as the latest requested run and returns the fetch
// that completes the load. Callers that must order the request with their
// own state change call Begin under their lock and the fetch outside it.
func (f *Fetcher) Begin(runID string) func(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	conn := f.conn
	f.latest = runID
	if runID != f.runID {
		f.runID = runID
		f.points = nil
		f.loadedAt = time.Time{}
	}
	f.loading = true
	f.lastErr = ""
	return func(ctx context.Context) error {
		return f.fetch(ctx, conn, runID)
	}
}

func (f *Fetcher) fetch(ctx context.Context, conn model.Connection, runID string) error {
	payload, err := f.source.History(ctx, conn, runID, model.HistoryKeys)

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.latest != runID {
		f.staleDiscarded.Add(ctx, 1)
		f.logger.Debug("history: discarded stale response", "run_id", runID, "latest", f.latest)
		return ErrSuperseded
	}
	f.loading = false
	if err != nil {
		f.points = nil
		f.lastErr = err.Error()
		f.logger.Warn("history: load failed", "run_id", runID, "error", err)
		return err
	}
	f.points = model.HistoryPoints(payload)
	f.loadedAt = time.Now().UTC()
	return nil
}

// Snapshot returns a copy of the current state.
func (f *Fetcher) Snapshot() Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return Snapshot{
		RunID:    f.runID,
		Points:   slices.Clone(f.points),
		Loading:  f.loading,
		Error:    f.lastErr,
		LoadedAt: f.loadedAt,
	}
}

// ChartsOf builds charts for arbitrary points with the fetcher's drawing
// options.
func (f *Fetcher) ChartsOf(points []model.HistoryPoint) []Chart {
	return BuildCharts(points, f.opts)
}

// BuildCharts filters points into the tracked metrics' series, in point
// order, and computes their geometry.
func BuildCharts(points []model.HistoryPoint, opts sparkline.Options) []Chart {
	charts := make([]Chart, 0, len(model.TrackedMetrics))
	for _, m := range model.TrackedMetrics {
		series := model.ExtractSeries(points, m.Key)
		last, _ := series.Last()
		charts = append(charts, Chart{
			Metric:     m,
			Series:     series,
			Steps:      model.ExtractSeriesSteps(points, m.Key),
			Geometry:   sparkline.ToGeometry(series, opts),
			Last:       last,
			Sufficient: len(series) >= 2,
		})
	}
	return charts
}

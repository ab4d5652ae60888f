package server

import (
	"bytes"
	"fmt"
	"net/http"
	"strings"

	chart "github.com/wcharczuk/go-chart/v2"
	"github.com/wcharczuk/go-chart/v2/drawing"

	"github.com/ashita-ai/kansoku/internal/model"
	"github.com/ashita-ai/kansoku/internal/service/history"
	"github.com/ashita-ai/kansoku/internal/sparkline"
)

const (
	chartWidth  = 900
	chartHeight = 320
)

// HandleRunChart handles GET /v1/runs/{run_id}/charts/{chart}, where chart
// is "<metric-slug>.png". Only the selected run's history is held, so other
// runs are a 404.
func (h *Handlers) HandleRunChart(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")
	slug, ok := strings.CutSuffix(r.PathValue("chart"), ".png")
	if !ok {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "charts are served as .png")
		return
	}
	metric, ok := model.MetricBySlug(slug)
	if !ok {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, fmt.Sprintf("unknown metric %q", slug))
		return
	}

	sel := h.monitor.Selection()
	if sel.Run == nil || sel.Run.ID != runID {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "run is not selected")
		return
	}

	var c *history.Chart
	for i := range sel.Charts {
		if sel.Charts[i].Metric.Key == metric.Key {
			c = &sel.Charts[i]
			break
		}
	}
	if c == nil || !c.Sufficient {
		writeError(w, r, http.StatusUnprocessableEntity, model.ErrCodeInsufficientData,
			fmt.Sprintf("%s needs at least two numeric samples", metric.Key))
		return
	}

	png, err := renderChartPNG(*c, chartWidth, chartHeight)
	if err != nil {
		h.logger.Error("render chart", "error", err, "run_id", runID, "metric", metric.Key)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to render chart")
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(png)
}

// chartXValues returns the x values for c and the axis name: the logged
// steps when every sample has one, the sample index otherwise.
func chartXValues(c history.Chart) ([]float64, string) {
	if len(c.Steps) == len(c.Series) && len(c.Steps) > 0 {
		return c.Steps, "step"
	}
	xs := make([]float64, len(c.Series))
	for i := range xs {
		xs[i] = float64(i)
	}
	return xs, "sample"
}

// renderChartPNG draws the series against its steps. The y range is the
// series bounds, widened when flat so the renderer has a non-empty range.
func renderChartPNG(c history.Chart, width, height int) ([]byte, error) {
	xs, xName := chartXValues(c)

	lo, hi := sparkline.Bounds(c.Series)
	if hi == lo {
		lo, hi = lo-0.5, hi+0.5
	}

	color := drawing.ColorFromHex(strings.TrimPrefix(c.Metric.Color, "#"))
	ch := chart.Chart{
		Title:      c.Metric.Title,
		Width:      width,
		Height:     height,
		Background: chart.Style{Padding: chart.Box{Top: 30, Left: 16, Right: 16, Bottom: 12}},
		XAxis:      chart.XAxis{Name: xName},
		YAxis:      chart.YAxis{Name: c.Metric.Key, Range: &chart.ContinuousRange{Min: lo, Max: hi}},
		Series: []chart.Series{
			chart.ContinuousSeries{
				Name:    c.Metric.Key,
				XValues: xs,
				YValues: c.Series,
				Style: chart.Style{
					StrokeColor: color,
					StrokeWidth: 2,
				},
			},
		},
	}

	var buf bytes.Buffer
	if err := ch.Render(chart.PNG, &buf); err != nil {
		return nil, fmt.Errorf("server: render %s chart: %w", c.Metric.Key, err)
	}
	return buf.Bytes(), nil
}

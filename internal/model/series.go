package model

// HistoryPoint is one raw sample from the history endpoint: metric key
// (including the step key) to value.
type HistoryPoint map[string]any

// MetricSeries is the numeric values of one metric in sample order.
type MetricSeries []float64

// SeriesGeometry is a drawable polyline for a MetricSeries. Path is an SVG
// path ("M x y L x y ...") or empty when the series is empty.
type SeriesGeometry struct {
	Path string  `json:"path"`
	Min  float64 `json:"min"`
	Max  float64 `json:"max"`
}

// TrackedMetric is one of the fixed metrics the dashboard charts.
type TrackedMetric struct {
	Key   string `json:"key"`
	Slug  string `json:"slug"`
	Title string `json:"title"`
	Color string `json:"color"`
}

// Step keys in preference order.
const (
	StepKey         = "_step"
	FallbackStepKey = "step"
)

// TrackedMetrics are charted for the selected run, in display order.
var TrackedMetrics = []TrackedMetric{
	{Key: "train/loss", Slug: "train-loss", Title: "Train Loss", Color: "#f59e0b"},
	{Key: "eval/loss", Slug: "eval-loss", Title: "Eval Loss", Color: "#22c55e"},
	{Key: "train/accuracy", Slug: "train-accuracy", Title: "Train Accuracy", Color: "#60a5fa"},
	{Key: "eval/accuracy", Slug: "eval-accuracy", Title: "Eval Accuracy", Color: "#f472b6"},
}

// HistoryKeys is the exact key list requested from the history endpoint.
var HistoryKeys = []string{"train/loss", "train/accuracy", "eval/loss", "eval/accuracy", StepKey}

// MetricBySlug looks up a tracked metric by its URL-safe slug.
func MetricBySlug(slug string) (TrackedMetric, bool) {
	for _, m := range TrackedMetrics {
		if m.Slug == slug {
			return m, true
		}
	}
	return TrackedMetric{}, false
}

// ExtractSeries returns the numeric values stored under key, in point order.
// Points without the key, or whose value is not a JSON number (strings such
// as "NaN", booleans, nulls), are dropped rather than coerced.
func ExtractSeries(points []HistoryPoint, key string) MetricSeries {
	out := make(MetricSeries, 0, len(points))
	for _, p := range points {
		if v, ok := p[key].(float64); ok {
			out = append(out, v)
		}
	}
	return out
}

// ExtractSteps returns the step index of every point that has a numeric one,
// preferring "_step" and falling back to "step".
func ExtractSteps(points []HistoryPoint) MetricSeries {
	out := make(MetricSeries, 0, len(points))
	for _, p := range points {
		if v, ok := pointStep(p); ok {
			out = append(out, v)
		}
	}
	return out
}

// ExtractSeriesSteps returns the step of every point that contributes a value
// to ExtractSeries(points, key), aligned with it. It returns nil when any
// contributing point lacks a numeric step.
func ExtractSeriesSteps(points []HistoryPoint, key string) MetricSeries {
	out := make(MetricSeries, 0, len(points))
	for _, p := range points {
		if _, ok := p[key].(float64); !ok {
			continue
		}
		step, ok := pointStep(p)
		if !ok {
			return nil
		}
		out = append(out, step)
	}
	return out
}

func pointStep(p HistoryPoint) (float64, bool) {
	if v, ok := p[StepKey].(float64); ok {
		return v, true
	}
	v, ok := p[FallbackStepKey].(float64)
	return v, ok
}

// HistoryPoints converts a decoded history payload. A non-array payload is
// an empty history and non-object elements are skipped.
func HistoryPoints(payload any) []HistoryPoint {
	items, ok := payload.([]any)
	if !ok {
		return []HistoryPoint{}
	}
	out := make([]HistoryPoint, 0, len(items))
	for _, item := range items {
		if obj, ok := item.(map[string]any); ok && obj != nil {
			out = append(out, HistoryPoint(obj))
		}
	}
	return out
}

// Last returns the final value of the series.
func (s MetricSeries) Last() (float64, bool) {
	if len(s) == 0 {
		return 0, false
	}
	return s[len(s)-1], true
}

package mcp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/kansoku/internal/model"
	"github.com/ashita-ai/kansoku/internal/service/monitor"
	"github.com/ashita-ai/kansoku/internal/tracker"
)

const (
	defaultListLimit = 50
	maxListLimit     = 50
)

func (s *Server) registerTools() {
	// kansoku_list_runs: the run list as of the last refresh.
	s.mcpServer.AddTool(
		mcplib.NewTool("kansoku_list_runs",
			mcplib.WithDescription(`List runs of the monitored project, newest first.

Reads the list held by the dashboard as of its last refresh; it does not
call the tracking service. If the last refresh failed, "error" is set and
the runs are the last successfully fetched ones.

WHAT YOU GET BACK:
- runs: id, name, state, timestamps, user and up to three summary metrics
- total: number of runs matching the filter before the limit
- busy, polling, last_success_at: refresh status`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithNumber("limit",
				mcplib.Description("Maximum number of runs to return"),
				mcplib.Min(1),
				mcplib.Max(maxListLimit),
				mcplib.DefaultNumber(defaultListLimit),
			),
			mcplib.WithString("state",
				mcplib.Description("Only return runs in this state: finished, running, crashed or unknown"),
				mcplib.Enum(string(model.RunStateFinished), string(model.RunStateRunning), string(model.RunStateCrashed), string(model.RunStateUnknown)),
			),
		),
		s.handleListRuns,
	)

	// kansoku_run_metrics: per-metric statistics from a run's history.
	s.mcpServer.AddTool(
		mcplib.NewTool("kansoku_run_metrics",
			mcplib.WithDescription(`Fetch the training history of one run and summarize the tracked metrics.

Covers train/loss, eval/loss, train/accuracy and eval/accuracy. For each
metric you get the number of numeric samples, min, max, last value and the
sparkline path the dashboard draws. Metrics with fewer than two samples are
reported with sufficient=false.

EXAMPLE: call kansoku_list_runs, pick the newest running run, then call
kansoku_run_metrics with its id to check whether eval loss is still falling.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(true),
			mcplib.WithString("run_id",
				mcplib.Description("Run id as returned by kansoku_list_runs"),
				mcplib.Required(),
			),
		),
		s.handleRunMetrics,
	)
}

type runItem struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	State     model.RunState `json:"state"`
	CreatedAt string         `json:"created_at,omitempty"`
	UpdatedAt string         `json:"updated_at,omitempty"`
	User      string         `json:"user,omitempty"`
	Summary   map[string]any `json:"summary"`
}

type listRunsResult struct {
	Runs          []runItem `json:"runs"`
	Total         int       `json:"total"`
	Busy          bool      `json:"busy"`
	Polling       bool      `json:"polling"`
	Error         string    `json:"error,omitempty"`
	LastSuccessAt time.Time `json:"last_success_at,omitzero"`
}

func (s *Server) handleListRuns(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	limit := request.GetInt("limit", defaultListLimit)
	if limit < 1 {
		limit = 1
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	state := model.RunState(strings.ToLower(strings.TrimSpace(request.GetString("state", ""))))

	snap := s.monitor.Runs()
	if !snap.Configured {
		return errorResult("kansoku is not connected to a project yet; configure the api key, entity and project in the dashboard"), nil
	}

	result := listRunsResult{
		Runs:          []runItem{},
		Busy:          snap.Busy,
		Polling:       snap.Polling,
		Error:         snap.Error,
		LastSuccessAt: snap.LastSuccessAt,
	}
	for _, r := range snap.Runs {
		if state != "" && r.StateClass() != state {
			continue
		}
		result.Total++
		if len(result.Runs) < limit {
			result.Runs = append(result.Runs, toRunItem(r))
		}
	}
	return jsonResult(result)
}

func toRunItem(r model.Run) runItem {
	summary := make(map[string]any, 3)
	for _, k := range r.SummaryKeys() {
		if len(summary) == 3 {
			break
		}
		summary[k] = r.Summary[k]
	}
	return runItem{
		ID:        r.ID,
		Name:      r.Name,
		State:     r.StateClass(),
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
		User:      r.User,
		Summary:   summary,
	}
}

type metricStats struct {
	Key        string   `json:"key"`
	Title      string   `json:"title"`
	Count      int      `json:"count"`
	Min        *float64 `json:"min,omitempty"`
	Max        *float64 `json:"max,omitempty"`
	Last       *float64 `json:"last,omitempty"`
	Sufficient bool     `json:"sufficient"`
	Path       string   `json:"path"`
}

type runMetricsResult struct {
	RunID   string        `json:"run_id"`
	Name    string        `json:"name,omitempty"`
	Metrics []metricStats `json:"metrics"`
}

func (s *Server) handleRunMetrics(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	runID := strings.TrimSpace(request.GetString("run_id", ""))
	if runID == "" {
		return errorResult("run_id is required"), nil
	}

	charts, err := s.monitor.RunCharts(ctx, runID)
	if err != nil {
		s.logger.Warn("mcp: run metrics failed", "run_id", runID, "error", err)
		return errorResult(describeError(runID, err)), nil
	}

	result := runMetricsResult{RunID: runID, Metrics: make([]metricStats, 0, len(charts))}
	if r, ok := model.FindRun(s.monitor.Runs().Runs, runID); ok {
		result.Name = r.Name
	}
	for _, c := range charts {
		st := metricStats{
			Key:        c.Metric.Key,
			Title:      c.Metric.Title,
			Count:      len(c.Series),
			Sufficient: c.Sufficient,
			Path:       c.Geometry.Path,
		}
		if len(c.Series) > 0 {
			lo, hi, last := c.Geometry.Min, c.Geometry.Max, c.Last
			st.Min, st.Max, st.Last = &lo, &hi, &last
		}
		result.Metrics = append(result.Metrics, st)
	}
	return jsonResult(result)
}

func describeError(runID string, err error) string {
	var apiErr *tracker.Error
	switch {
	case errors.Is(err, monitor.ErrNotConfigured):
		return "kansoku is not connected to a project yet; configure the api key, entity and project in the dashboard"
	case tracker.IsNotFound(err):
		return fmt.Sprintf("run %q was not found in the monitored project", runID)
	case tracker.IsUnauthorized(err):
		return "the tracking service rejected the configured api key"
	case errors.As(err, &apiErr):
		return fmt.Sprintf("tracking service error: %s", apiErr.Error())
	default:
		return fmt.Sprintf("failed to fetch history: %v", err)
	}
}

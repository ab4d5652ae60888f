package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/kansoku/internal/model"
	"github.com/ashita-ai/kansoku/internal/service/history"
	"github.com/ashita-ai/kansoku/internal/service/monitor"
	"github.com/ashita-ai/kansoku/internal/service/runs"
	"github.com/ashita-ai/kansoku/internal/sparkline"
	"github.com/ashita-ai/kansoku/internal/testutil"
	"github.com/ashita-ai/kansoku/internal/tracker"
)

type fakeMonitor struct {
	snap      runs.Snapshot
	selection monitor.Selection
	points    []model.HistoryPoint
	err       error
	requested []string
}

func (f *fakeMonitor) Runs() runs.Snapshot          { return f.snap }
func (f *fakeMonitor) Selection() monitor.Selection { return f.selection }

func (f *fakeMonitor) RunCharts(_ context.Context, runID string) ([]history.Chart, error) {
	f.requested = append(f.requested, runID)
	if f.err != nil {
		return nil, f.err
	}
	return history.BuildCharts(f.points, sparkline.DefaultOptions), nil
}

func sampleRuns() []model.Run {
	return []model.Run{
		{ID: "r3", Name: "gamma", State: "running", UpdatedAt: "2024-01-01T10:10:00Z",
			Summary: map[string]any{"a": 1.0, "b": 2.0, "c": 3.0, "d": 4.0}},
		{ID: "r2", Name: "beta", State: "Finished", UpdatedAt: "2024-01-01T10:05:00Z", Summary: map[string]any{}},
		{ID: "r1", Name: "alpha", State: "crashed", UpdatedAt: "2024-01-01T10:00:00Z", Summary: map[string]any{}},
	}
}

func newTestServer(f *fakeMonitor) *Server {
	return New(f, testutil.TestLogger(), "test")
}

func callTool(name string, args map[string]any) mcplib.CallToolRequest {
	return mcplib.CallToolRequest{
		Params: mcplib.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

func resultText(t *testing.T, result *mcplib.CallToolResult) string {
	t.Helper()
	require.NotNil(t, result)
	require.NotEmpty(t, result.Content)
	tc, ok := result.Content[0].(mcplib.TextContent)
	require.True(t, ok, "expected TextContent")
	return tc.Text
}

func TestListRuns(t *testing.T) {
	f := &fakeMonitor{snap: runs.Snapshot{Runs: sampleRuns(), Configured: true, Polling: true}}
	s := newTestServer(f)

	result, err := s.handleListRuns(context.Background(), callTool("kansoku_list_runs", map[string]any{}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	var got listRunsResult
	require.NoError(t, json.Unmarshal([]byte(resultText(t, result)), &got))
	assert.Equal(t, 3, got.Total)
	require.Len(t, got.Runs, 3)
	assert.Equal(t, "r3", got.Runs[0].ID)
	assert.Equal(t, model.RunStateRunning, got.Runs[0].State)
	assert.Equal(t, model.RunStateFinished, got.Runs[1].State, "state is classified case-insensitively")
	assert.Len(t, got.Runs[0].Summary, 3, "summary is trimmed to three entries")
	assert.NotContains(t, got.Runs[0].Summary, "d")
	assert.True(t, got.Polling)
}

func TestListRunsFilterAndLimit(t *testing.T) {
	f := &fakeMonitor{snap: runs.Snapshot{Runs: sampleRuns(), Configured: true}}
	s := newTestServer(f)

	result, err := s.handleListRuns(context.Background(), callTool("kansoku_list_runs", map[string]any{
		"state": "FINISHED",
	}))
	require.NoError(t, err)
	var got listRunsResult
	require.NoError(t, json.Unmarshal([]byte(resultText(t, result)), &got))
	require.Len(t, got.Runs, 1)
	assert.Equal(t, "r2", got.Runs[0].ID)

	result, err = s.handleListRuns(context.Background(), callTool("kansoku_list_runs", map[string]any{
		"limit": float64(2),
	}))
	require.NoError(t, err)
	got = listRunsResult{}
	require.NoError(t, json.Unmarshal([]byte(resultText(t, result)), &got))
	assert.Len(t, got.Runs, 2)
	assert.Equal(t, 3, got.Total, "total counts matches beyond the limit")
}

func TestListRunsReportsLastError(t *testing.T) {
	f := &fakeMonitor{snap: runs.Snapshot{Runs: sampleRuns(), Configured: true, Error: "tracker: HTTP 500"}}
	s := newTestServer(f)

	result, err := s.handleListRuns(context.Background(), callTool("kansoku_list_runs", nil))
	require.NoError(t, err)
	assert.False(t, result.IsError, "stale data is still a successful read")
	assert.Contains(t, resultText(t, result), "HTTP 500")
}

func TestListRunsNotConfigured(t *testing.T) {
	s := newTestServer(&fakeMonitor{})

	result, err := s.handleListRuns(context.Background(), callTool("kansoku_list_runs", nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "not connected")
}

func TestRunMetrics(t *testing.T) {
	f := &fakeMonitor{
		snap: runs.Snapshot{Runs: sampleRuns(), Configured: true},
		points: []model.HistoryPoint{
			{"_step": 0.0, "train/loss": 0.9},
			{"_step": 1.0, "train/loss": "NaN"},
			{"_step": 2.0, "train/loss": 0.5, "eval/loss": 0.7},
		},
	}
	s := newTestServer(f)

	result, err := s.handleRunMetrics(context.Background(), callTool("kansoku_run_metrics", map[string]any{
		"run_id": "r2",
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Equal(t, []string{"r2"}, f.requested)

	var got runMetricsResult
	require.NoError(t, json.Unmarshal([]byte(resultText(t, result)), &got))
	assert.Equal(t, "r2", got.RunID)
	assert.Equal(t, "beta", got.Name)
	require.Len(t, got.Metrics, len(model.TrackedMetrics))

	train := got.Metrics[0]
	assert.Equal(t, "train/loss", train.Key)
	assert.Equal(t, 2, train.Count, "non-numeric samples are dropped")
	require.NotNil(t, train.Min)
	assert.InDelta(t, 0.5, *train.Min, 1e-9)
	assert.InDelta(t, 0.9, *train.Max, 1e-9)
	assert.InDelta(t, 0.5, *train.Last, 1e-9)
	assert.True(t, train.Sufficient)
	assert.NotEmpty(t, train.Path)

	eval := got.Metrics[1]
	assert.Equal(t, "eval/loss", eval.Key)
	assert.Equal(t, 1, eval.Count)
	assert.False(t, eval.Sufficient)

	acc := got.Metrics[2]
	assert.Equal(t, 0, acc.Count)
	assert.Nil(t, acc.Last)
	assert.Empty(t, acc.Path)
}

func TestRunMetricsErrors(t *testing.T) {
	tests := []struct {
		name string
		args map[string]any
		err  error
		want string
	}{
		{"missing run id", map[string]any{}, nil, "run_id is required"},
		{"blank run id", map[string]any{"run_id": "  "}, nil, "run_id is required"},
		{"not configured", map[string]any{"run_id": "x"}, monitor.ErrNotConfigured, "not connected"},
		{"not found", map[string]any{"run_id": "x"}, &tracker.Error{StatusCode: 404}, `run "x" was not found`},
		{"unauthorized", map[string]any{"run_id": "x"}, &tracker.Error{StatusCode: 401}, "rejected the configured api key"},
		{"server error", map[string]any{"run_id": "x"}, &tracker.Error{StatusCode: 500, Message: "boom"}, "HTTP 500: boom"},
		{"transport", map[string]any{"run_id": "x"}, errors.New("dial tcp: refused"), "dial tcp: refused"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(&fakeMonitor{err: tt.err})
			result, err := s.handleRunMetrics(context.Background(), callTool("kansoku_run_metrics", tt.args))
			require.NoError(t, err)
			assert.True(t, result.IsError)
			assert.Contains(t, resultText(t, result), tt.want)
		})
	}
}

func TestRunsResource(t *testing.T) {
	f := &fakeMonitor{snap: runs.Snapshot{Runs: sampleRuns(), Configured: true}}
	s := newTestServer(f)

	contents, err := s.handleRunsCurrent(context.Background(), mcplib.ReadResourceRequest{
		Params: mcplib.ReadResourceParams{URI: runsURI},
	})
	require.NoError(t, err)
	require.Len(t, contents, 1)

	trc, ok := contents[0].(mcplib.TextResourceContents)
	require.True(t, ok, "expected TextResourceContents")
	assert.Equal(t, "application/json", trc.MIMEType)

	var snap runs.Snapshot
	require.NoError(t, json.Unmarshal([]byte(trc.Text), &snap))
	assert.Len(t, snap.Runs, 3)
	assert.True(t, snap.Configured)
}

func TestSelectionResource(t *testing.T) {
	run := sampleRuns()[0]
	f := &fakeMonitor{selection: monitor.Selection{Run: &run, Stale: true}}
	s := newTestServer(f)

	contents, err := s.handleSelectionCurrent(context.Background(), mcplib.ReadResourceRequest{
		Params: mcplib.ReadResourceParams{URI: selectionURI},
	})
	require.NoError(t, err)
	require.Len(t, contents, 1)

	trc, ok := contents[0].(mcplib.TextResourceContents)
	require.True(t, ok)
	assert.Contains(t, trc.Text, `"id": "r3"`)
	assert.Contains(t, trc.Text, `"stale": true`)
}

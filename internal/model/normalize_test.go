package model_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kansoku/internal/model"
)

// decode parses a JSON literal the same way the tracker client does.
func decode(t *testing.T, s string) any {
	t.Helper()
	var v any
	require.NoError(t, json.Unmarshal([]byte(s), &v))
	return v
}

func TestNormalizeRun_FullRecord(t *testing.T) {
	raw := decode(t, `{
		"id": "abc123",
		"display_name": "bright-sun-7",
		"name": "abc123-name",
		"state": "Running",
		"createdAt": "2024-05-01T10:00:00Z",
		"updatedAt": "2024-05-01T10:05:00Z",
		"user": "alice",
		"summary_metrics": {"train/loss": 0.25, "note": "ok", "_wandb": {"runtime": 12}},
		"tags": ["baseline", 7, "lr-sweep"],
		"notes": "first try",
		"config": {"lr": 0.001}
	}`)

	run, ok := model.NormalizeRun(raw)
	require.True(t, ok)
	assert.Equal(t, "abc123", run.ID)
	assert.Equal(t, "bright-sun-7", run.Name)
	assert.Equal(t, "Running", run.State)
	assert.Equal(t, model.RunStateRunning, run.StateClass())
	assert.Equal(t, "2024-05-01T10:00:00Z", run.CreatedAt)
	assert.Equal(t, "2024-05-01T10:05:00Z", run.UpdatedAt)
	assert.Equal(t, "alice", run.User)
	assert.Equal(t, map[string]any{"train/loss": 0.25, "note": "ok"}, run.Summary)
	assert.Equal(t, []string{"baseline", "lr-sweep"}, run.Tags)
	assert.Equal(t, "first try", run.Notes)
	assert.Equal(t, map[string]any{"lr": 0.001}, run.Config)
}

func TestNormalizeRun_EmptyObjectDegradesToDefaults(t *testing.T) {
	run, ok := model.NormalizeRun(map[string]any{})
	require.True(t, ok)
	assert.Empty(t, run.ID)
	assert.Empty(t, run.Name)
	assert.Empty(t, run.State)
	assert.Empty(t, run.CreatedAt)
	assert.Empty(t, run.UpdatedAt)
	assert.NotNil(t, run.Summary)
	assert.Empty(t, run.Summary)
	assert.NotNil(t, run.Tags)
	assert.Empty(t, run.Tags)
	assert.Equal(t, "", run.Notes)
	assert.NotNil(t, run.Config)
	assert.Equal(t, model.RunStateUnknown, run.StateClass())
}

func TestNormalizeRun_IDOnlyKeepsIDAndUsesItAsName(t *testing.T) {
	run, ok := model.NormalizeRun(decode(t, `{"id": "r-1"}`))
	require.True(t, ok)
	assert.Equal(t, "r-1", run.ID)
	assert.Equal(t, "r-1", run.Name)
}

func TestNormalizeRun_NonObjectIsSkipped(t *testing.T) {
	for _, raw := range []any{nil, "run", 42.0, []any{}, true} {
		_, ok := model.NormalizeRun(raw)
		assert.False(t, ok, "input %#v", raw)
	}
}

func TestNormalizeRun_FieldResolutionOrder(t *testing.T) {
	tests := []struct {
		name  string
		input string
		check func(t *testing.T, run model.Run)
	}{
		{
			name:  "name falls back to name when display_name empty",
			input: `{"id": "x", "display_name": "", "name": "plain"}`,
			check: func(t *testing.T, run model.Run) { assert.Equal(t, "plain", run.Name) },
		},
		{
			name:  "updatedAt beats updated_at",
			input: `{"updatedAt": "2024-01-02T00:00:00Z", "updated_at": "2023-01-01T00:00:00Z"}`,
			check: func(t *testing.T, run model.Run) { assert.Equal(t, "2024-01-02T00:00:00Z", run.UpdatedAt) },
		},
		{
			name:  "updated_at beats heartbeatAt",
			input: `{"updated_at": "2024-01-03T00:00:00Z", "heartbeatAt": "2024-01-04T00:00:00Z"}`,
			check: func(t *testing.T, run model.Run) { assert.Equal(t, "2024-01-03T00:00:00Z", run.UpdatedAt) },
		},
		{
			name:  "heartbeat_at is the last updatedAt source",
			input: `{"heartbeat_at": "2024-01-05T00:00:00Z"}`,
			check: func(t *testing.T, run model.Run) { assert.Equal(t, "2024-01-05T00:00:00Z", run.UpdatedAt) },
		},
		{
			name:  "created_at used when createdAt missing",
			input: `{"created_at": "2024-01-06T00:00:00Z"}`,
			check: func(t *testing.T, run model.Run) { assert.Equal(t, "2024-01-06T00:00:00Z", run.CreatedAt) },
		},
		{
			name:  "username used when user missing",
			input: `{"username": "bob"}`,
			check: func(t *testing.T, run model.Run) { assert.Equal(t, "bob", run.User) },
		},
		{
			name:  "user object is flattened",
			input: `{"user": {"username": "carol", "name": "Carol"}}`,
			check: func(t *testing.T, run model.Run) { assert.Equal(t, "carol", run.User) },
		},
		{
			name:  "summary used when summary_metrics missing",
			input: `{"summary": {"acc": 0.9}}`,
			check: func(t *testing.T, run model.Run) { assert.Equal(t, map[string]any{"acc": 0.9}, run.Summary) },
		},
		{
			name:  "summary_metrics as encoded string",
			input: `{"summary_metrics": "{\"loss\": 1.5}"}`,
			check: func(t *testing.T, run model.Run) { assert.Equal(t, map[string]any{"loss": 1.5}, run.Summary) },
		},
		{
			name:  "numeric id formatted without exponent",
			input: `{"id": 12345678901}`,
			check: func(t *testing.T, run model.Run) { assert.Equal(t, "12345678901", run.ID) },
		},
		{
			name:  "malformed tags and config degrade",
			input: `{"tags": "not-a-list", "config": 3, "notes": 5}`,
			check: func(t *testing.T, run model.Run) {
				assert.Empty(t, run.Tags)
				assert.Empty(t, run.Config)
				assert.Equal(t, "", run.Notes)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			run, ok := model.NormalizeRun(decode(t, tt.input))
			require.True(t, ok)
			tt.check(t, run)
		})
	}
}

func TestNormalizeRuns_NonArrayPayloadIsEmpty(t *testing.T) {
	assert.Empty(t, model.NormalizeRuns(decode(t, `{"runs": []}`)))
	assert.Empty(t, model.NormalizeRuns(nil))
	assert.NotNil(t, model.NormalizeRuns("oops"))
}

func TestNormalizeRuns_SkipsNonObjects(t *testing.T) {
	runs := model.NormalizeRuns(decode(t, `[{"id": "a"}, null, 3, "x", {"id": "b"}]`))
	require.Len(t, runs, 2)
	assert.Equal(t, "a", runs[0].ID)
	assert.Equal(t, "b", runs[1].ID)
}

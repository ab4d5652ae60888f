package model

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Field resolution order for NormalizeRun. The first key with a non-empty
// value wins.
var (
	nameKeys      = []string{"display_name", "name", "id"}
	updatedAtKeys = []string{"updatedAt", "updated_at", "heartbeatAt", "heartbeat_at"}
	createdAtKeys = []string{"createdAt", "created_at"}
	userKeys      = []string{"user", "username"}
	summaryKeys   = []string{"summary_metrics", "summary"}
)

// NormalizeRun converts one decoded JSON value into a Run. It never fails on
// a JSON object; the second return value is false only when raw is not an
// object at all (nil, array, number, string) and the caller should skip it.
func NormalizeRun(raw any) (Run, bool) {
	obj, ok := raw.(map[string]any)
	if !ok || obj == nil {
		return Run{}, false
	}

	id := scalarString(obj["id"])
	return Run{
		ID:        id,
		Name:      firstString(obj, nameKeys),
		State:     scalarString(obj["state"]),
		CreatedAt: firstString(obj, createdAtKeys),
		UpdatedAt: firstString(obj, updatedAtKeys),
		User:      firstUser(obj),
		Summary:   firstSummary(obj),
		Tags:      stringSlice(obj["tags"]),
		Notes:     scalarString(obj["notes"]),
		Config:    objectValue(obj["config"]),
	}, true
}

// NormalizeRuns normalizes a decoded runs payload. Anything other than a JSON
// array yields an empty list, and non-object elements are skipped, so API
// shape drift never surfaces as an error.
func NormalizeRuns(payload any) []Run {
	items, ok := payload.([]any)
	if !ok {
		return []Run{}
	}
	runs := make([]Run, 0, len(items))
	for _, item := range items {
		if run, ok := NormalizeRun(item); ok {
			runs = append(runs, run)
		}
	}
	return runs
}

func firstString(obj map[string]any, keys []string) string {
	for _, k := range keys {
		if s := scalarString(obj[k]); s != "" {
			return s
		}
	}
	return ""
}

// firstUser accepts either a plain string or a user object carrying a
// username or name.
func firstUser(obj map[string]any) string {
	for _, k := range userKeys {
		switch v := obj[k].(type) {
		case string:
			if v != "" {
				return v
			}
		case map[string]any:
			if s := firstString(v, []string{"username", "name"}); s != "" {
				return s
			}
		}
	}
	return ""
}

func firstSummary(obj map[string]any) map[string]any {
	for _, k := range summaryKeys {
		m := objectValue(obj[k])
		if len(m) == 0 {
			continue
		}
		return scalarsOnly(m)
	}
	return map[string]any{}
}

// scalarString renders strings as-is and numbers without exponent. Other
// kinds (bool, null, objects) are treated as absent.
func scalarString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case json.Number:
		return x.String()
	default:
		return ""
	}
}

// objectValue returns v as a JSON object. Some API versions ship nested
// objects (summaryMetrics, config) as JSON-encoded strings; those are decoded.
func objectValue(v any) map[string]any {
	switch x := v.(type) {
	case map[string]any:
		if x == nil {
			return map[string]any{}
		}
		return x
	case string:
		s := strings.TrimSpace(x)
		if !strings.HasPrefix(s, "{") {
			return map[string]any{}
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(s), &m); err != nil || m == nil {
			return map[string]any{}
		}
		return m
	default:
		return map[string]any{}
	}
}

// scalarsOnly keeps number and string values. Summaries routinely carry
// nested bookkeeping objects (e.g. "_wandb") that are not displayable metrics.
func scalarsOnly(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		switch x := v.(type) {
		case float64, string:
			out[k] = x
		case json.Number:
			if f, err := x.Float64(); err == nil {
				out[k] = f
			}
		}
	}
	return out
}

func stringSlice(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return []string{}
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// Package model defines the domain types for kansoku.
//
// Run records arrive from the tracking service in loosely-typed JSON whose
// field names drift between API versions. Everything in this package turns
// that input into fixed Go shapes without ever failing: missing or malformed
// fields degrade to empty values.
package model

import (
	"sort"
	"strings"
	"time"
)

// RunState is the lower-cased classification of a run's state string.
type RunState string

const (
	RunStateFinished RunState = "finished"
	RunStateRunning  RunState = "running"
	RunStateCrashed  RunState = "crashed"
	RunStateUnknown  RunState = "unknown"
)

// Run is one experiment run, rebuilt from scratch on every refresh.
// Only ID carries identity across refreshes.
type Run struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	State     string         `json:"state,omitempty"`
	CreatedAt string         `json:"created_at,omitempty"`
	UpdatedAt string         `json:"updated_at,omitempty"`
	User      string         `json:"user,omitempty"`
	Summary   map[string]any `json:"summary"`
	Tags      []string       `json:"tags"`
	Notes     string         `json:"notes"`
	Config    map[string]any `json:"config"`
}

// StateClass lower-cases State and maps it onto the known run states.
// Anything unrecognized, including an empty state, is RunStateUnknown.
func (r Run) StateClass() RunState {
	switch s := RunState(strings.ToLower(strings.TrimSpace(r.State))); s {
	case RunStateFinished, RunStateRunning, RunStateCrashed:
		return s
	default:
		return RunStateUnknown
	}
}

// EffectiveTime is the instant used for ordering: UpdatedAt, then CreatedAt.
// Runs with neither (or with unparseable values) get the zero time and
// therefore sort as the oldest.
func (r Run) EffectiveTime() time.Time {
	if t, ok := ParseTimestamp(r.UpdatedAt); ok {
		return t
	}
	if t, ok := ParseTimestamp(r.CreatedAt); ok {
		return t
	}
	return time.Time{}
}

// SummaryKeys returns the summary metric names in lexical order.
func (r Run) SummaryKeys() []string {
	keys := make([]string, 0, len(r.Summary))
	for k := range r.Summary {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// timestampLayouts are tried in order. The tracking API emits RFC 3339 with
// and without fractional seconds, and sometimes omits the zone entirely, in
// which case UTC is assumed.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
}

// ParseTimestamp parses an ISO-8601 timestamp as emitted by the tracking API.
func ParseTimestamp(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// SortRuns orders runs newest first by EffectiveTime. The sort is stable so
// runs with equal timestamps keep the order the API returned them in.
func SortRuns(runs []Run) {
	sort.SliceStable(runs, func(i, j int) bool {
		return runs[i].EffectiveTime().After(runs[j].EffectiveTime())
	})
}

// FindRun returns a pointer into runs for the entry with the given id.
func FindRun(runs []Run, id string) (*Run, bool) {
	if id == "" {
		return nil, false
	}
	for i := range runs {
		if runs[i].ID == id {
			return &runs[i], true
		}
	}
	return nil, false
}

// Reselect carries a selection across a refresh. When a run with the
// selected id exists in the fresh list, the returned pointer refers to that
// new entry and refreshed is true. When the id is gone, the old pointer is
// returned unchanged: the selection keeps showing its last known data
// instead of being cleared.
func Reselect(selected *Run, runs []Run) (next *Run, refreshed bool) {
	if selected == nil {
		return nil, false
	}
	fresh, ok := FindRun(runs, selected.ID)
	if !ok {
		return selected, false
	}
	return fresh, true
}

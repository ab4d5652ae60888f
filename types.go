package kansoku

import "time"

// Connection identifies a project on the tracking service and the API key
// used to read it.
type Connection struct {
	APIKey  string
	Entity  string
	Project string
}

// Run is the public representation of a run in the monitored project.
// It is a curated view of the normalized run record for use in extension
// interfaces. No internal package imports, so it is safe to use from
// outside the module.
type Run struct {
	ID        string
	Name      string
	State     string
	CreatedAt string
	UpdatedAt string
	User      string
	Summary   map[string]any
	Tags      []string
}

// RefreshResult describes one completed run-list refresh. On failure Err is
// set and Runs holds the list that is still being served.
type RefreshResult struct {
	Entity     string
	Project    string
	Runs       []Run
	Err        error
	StartedAt  time.Time
	FinishedAt time.Time
}

package model

import "strings"

// Connection identifies a project on the tracking service and the key used
// to read it. It is injected into the synchronizer and fetcher by the
// monitor; nothing in the core reads credentials from the environment.
type Connection struct {
	APIKey  string `json:"api_key"`
	Entity  string `json:"entity"`
	Project string `json:"project"`
}

// Trimmed returns a copy with surrounding whitespace removed from every field.
func (c Connection) Trimmed() Connection {
	return Connection{
		APIKey:  strings.TrimSpace(c.APIKey),
		Entity:  strings.TrimSpace(c.Entity),
		Project: strings.TrimSpace(c.Project),
	}
}

// Complete reports whether all three fields are set.
func (c Connection) Complete() bool {
	t := c.Trimmed()
	return t.APIKey != "" && t.Entity != "" && t.Project != ""
}

// Redacted is safe to log or return over the API.
func (c Connection) Redacted() ConnectionInfo {
	return ConnectionInfo{
		Entity:     c.Entity,
		Project:    c.Project,
		HasAPIKey:  c.APIKey != "",
		Configured: c.Complete(),
	}
}

// ConnectionInfo is the public view of a Connection; the key never leaves
// the process.
type ConnectionInfo struct {
	Entity     string `json:"entity"`
	Project    string `json:"project"`
	HasAPIKey  bool   `json:"has_api_key"`
	Configured bool   `json:"configured"`
}

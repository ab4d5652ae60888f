// Package migrations embeds the settings schema for use at runtime.
// The SQL is portable between SQLite and PostgreSQL.
package migrations

import "embed"

// FS is the embedded migrations filesystem, applied in file-name order.
//
//go:embed *.sql
var FS embed.FS

package settings

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" driver
	_ "modernc.org/sqlite"             // registers the "sqlite" driver

	"github.com/ashita-ai/kansoku/internal/model"
	"github.com/ashita-ai/kansoku/migrations"
)

// Dialect selects the database/sql driver and placeholder style.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "pgx"
)

// placeholder returns the n-th (1-based) bind parameter.
func (d Dialect) placeholder(n int) string {
	if d == DialectPostgres {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

// SQLStore keeps settings in a SQL table. The schema is portable between
// SQLite and PostgreSQL.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	sealer  *Sealer
	logger  *slog.Logger
}

// OpenSQL opens and pings a database. Call Migrate before first use.
func OpenSQL(ctx context.Context, dialect Dialect, dsn string, sealer *Sealer, logger *slog.Logger) (*SQLStore, error) {
	db, err := sql.Open(string(dialect), dsn)
	if err != nil {
		return nil, fmt.Errorf("settings: open %s: %w", dialect, err)
	}
	if dialect == DialectSQLite {
		// SQLite allows a single writer; one connection avoids SQLITE_BUSY.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("settings: ping %s: %w", dialect, err)
	}
	return NewSQLStore(db, dialect, sealer, logger), nil
}

// NewSQLStore wraps an open database. sealer may be nil.
func NewSQLStore(db *sql.DB, dialect Dialect, sealer *Sealer, logger *slog.Logger) *SQLStore {
	return &SQLStore{db: db, dialect: dialect, sealer: sealer, logger: logger}
}

// Migrate applies the embedded migrations.
func (s *SQLStore) Migrate(ctx context.Context) error {
	return s.RunMigrations(ctx, migrations.FS)
}

// RunMigrations executes unapplied SQL files from migrationsFS in name
// order, recording each in schema_migrations so it runs at most once.
func (s *SQLStore) RunMigrations(ctx context.Context, migrationsFS fs.FS) error {
	if _, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    TEXT PRIMARY KEY,
			applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return fmt.Errorf("settings: create schema_migrations: %w", err)
	}

	applied, err := s.loadAppliedMigrations(ctx)
	if err != nil {
		return fmt.Errorf("settings: load applied migrations: %w", err)
	}

	entries, err := fs.ReadDir(migrationsFS, ".")
	if err != nil {
		return fmt.Errorf("settings: read migrations dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".sql") || applied[name] {
			continue
		}

		content, err := fs.ReadFile(migrationsFS, name)
		if err != nil {
			return fmt.Errorf("settings: read migration %s: %w", name, err)
		}

		s.logger.Info("settings: running migration", "file", name)
		if _, err := s.db.ExecContext(ctx, string(content)); err != nil {
			return fmt.Errorf("settings: execute migration %s: %w", name, err)
		}
		if _, err := s.db.ExecContext(ctx,
			`INSERT INTO schema_migrations (version) VALUES (`+s.dialect.placeholder(1)+`)`, name,
		); err != nil {
			return fmt.Errorf("settings: record migration %s: %w", name, err)
		}
	}
	return nil
}

func (s *SQLStore) loadAppliedMigrations(ctx context.Context) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	applied := make(map[string]bool)
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		applied[v] = true
	}
	return applied, rows.Err()
}

// Load reads the connection. Missing keys are empty strings.
func (s *SQLStore) Load(ctx context.Context) (model.Connection, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM settings`)
	if err != nil {
		return model.Connection{}, fmt.Errorf("settings: load: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var conn model.Connection
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return model.Connection{}, fmt.Errorf("settings: scan: %w", err)
		}
		switch key {
		case KeyAPIKey:
			conn.APIKey = value
		case KeyEntity:
			conn.Entity = value
		case KeyProject:
			conn.Project = value
		}
	}
	if err := rows.Err(); err != nil {
		return model.Connection{}, fmt.Errorf("settings: load: %w", err)
	}

	if IsSealed(conn.APIKey) {
		if s.sealer == nil {
			return model.Connection{}, ErrSealed
		}
		plain, err := s.sealer.Open(conn.APIKey)
		if err != nil {
			return model.Connection{}, err
		}
		conn.APIKey = plain
	}
	return conn, nil
}

// Save writes all three settings in one transaction, retrying transient
// write conflicts.
func (s *SQLStore) Save(ctx context.Context, conn model.Connection) error {
	apiKey := conn.APIKey
	if s.sealer != nil && apiKey != "" {
		sealed, err := s.sealer.Seal(apiKey)
		if err != nil {
			return err
		}
		apiKey = sealed
	}
	return withRetry(ctx, saveRetries, saveRetryDelay, func() error {
		return s.save(ctx, apiKey, conn)
	})
}

func (s *SQLStore) save(ctx context.Context, apiKey string, conn model.Connection) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("settings: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	upsert := `INSERT INTO settings (key, value, updated_at) VALUES (` +
		s.dialect.placeholder(1) + `, ` + s.dialect.placeholder(2) + `, CURRENT_TIMESTAMP)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`
	for _, kv := range [][2]string{
		{KeyAPIKey, apiKey},
		{KeyEntity, conn.Entity},
		{KeyProject, conn.Project},
	} {
		if _, err := tx.ExecContext(ctx, upsert, kv[0], kv[1]); err != nil {
			return fmt.Errorf("settings: save %s: %w", kv[0], err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("settings: commit: %w", err)
	}
	return nil
}

// Ping checks connectivity to the database.
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

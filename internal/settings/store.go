// Package settings persists the dashboard's connection: three string
// settings (API key, entity, project) in a key/value table.
package settings

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ashita-ai/kansoku/internal/model"
)

// Setting keys.
const (
	KeyAPIKey  = "api_key"
	KeyEntity  = "entity"
	KeyProject = "project"
)

// Store loads and saves the connection. A store with nothing saved returns
// the zero Connection and no error.
type Store interface {
	Load(ctx context.Context) (model.Connection, error)
	Save(ctx context.Context, conn model.Connection) error
	Close() error
}

// Open returns the store for dsn: a MemoryStore when dsn is empty, a
// PostgreSQL store for postgres:// URLs, and SQLite for anything else
// (file: URIs or plain paths). SQL stores are migrated before returning.
// A non-empty secret seals the API key at rest.
func Open(ctx context.Context, dsn, secret string, logger *slog.Logger) (Store, error) {
	if dsn == "" {
		logger.Info("settings: using in-memory store")
		return NewMemoryStore(), nil
	}

	var sealer *Sealer
	if secret != "" {
		sealer = NewSealer(secret)
	}

	dialect := DialectSQLite
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		dialect = DialectPostgres
	}

	store, err := OpenSQL(ctx, dialect, dsn, sealer, logger)
	if err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("settings: migrate: %w", err)
	}
	logger.Info("settings: using sql store", "dialect", string(dialect), "sealed", sealer != nil)
	return store, nil
}

package settings

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"regexp"
	"testing"
	"testing/fstest"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kansoku/internal/model"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func TestSQLStore_SavePostgresPlaceholders(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewSQLStore(db, DialectPostgres, nil, testLogger)

	mock.ExpectBegin()
	for _, kv := range [][2]string{{"api_key", "k"}, {"entity", "acme"}, {"project", "ft"}} {
		mock.ExpectExec(regexp.QuoteMeta("INSERT INTO settings (key, value, updated_at) VALUES ($1, $2, CURRENT_TIMESTAMP)")).
			WithArgs(kv[0], kv[1]).
			WillReturnResult(sqlmock.NewResult(0, 1))
	}
	mock.ExpectCommit()

	require.NoError(t, store.Save(context.Background(), model.Connection{APIKey: "k", Entity: "acme", Project: "ft"}))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_SaveSQLitePlaceholders(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewSQLStore(db, DialectSQLite, nil, testLogger)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("VALUES (?, ?, CURRENT_TIMESTAMP)")).
		WithArgs("api_key", "k").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO settings")).
		WithArgs("entity", "acme").
		WillReturnError(errors.New("disk I/O error"))
	mock.ExpectRollback()

	err = store.Save(context.Background(), model.Connection{APIKey: "k", Entity: "acme", Project: "ft"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "save entity")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_SaveSealsAPIKey(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewSQLStore(db, DialectPostgres, NewSealer("secret"), testLogger)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO settings")).
		WithArgs("api_key", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO settings")).
		WithArgs("entity", "acme").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO settings")).
		WithArgs("project", "ft").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, store.Save(context.Background(), model.Connection{APIKey: "k", Entity: "acme", Project: "ft"}))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_Load(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewSQLStore(db, DialectPostgres, nil, testLogger)

	rows := sqlmock.NewRows([]string{"key", "value"}).
		AddRow("entity", "acme").
		AddRow("project", "ft").
		AddRow("api_key", "k").
		AddRow("unrelated", "ignored")
	mock.ExpectQuery(regexp.QuoteMeta("SELECT key, value FROM settings")).WillReturnRows(rows)

	conn, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, model.Connection{APIKey: "k", Entity: "acme", Project: "ft"}, conn)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_LoadEmpty(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT key, value FROM settings")).
		WillReturnRows(sqlmock.NewRows([]string{"key", "value"}))

	conn, err := NewSQLStore(db, DialectSQLite, nil, testLogger).Load(context.Background())
	require.NoError(t, err)
	assert.False(t, conn.Complete())
}

func TestSQLStore_LoadSealedWithoutSecret(t *testing.T) {
	sealed, err := NewSealer("secret").Seal("k")
	require.NoError(t, err)

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT key, value FROM settings")).
		WillReturnRows(sqlmock.NewRows([]string{"key", "value"}).AddRow("api_key", sealed))

	_, err = NewSQLStore(db, DialectPostgres, nil, testLogger).Load(context.Background())
	assert.ErrorIs(t, err, ErrSealed)
}

func TestSQLStore_RunMigrationsSkipsApplied(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewSQLStore(db, DialectPostgres, nil, testLogger)
	migrationsFS := fstest.MapFS{
		"001_settings.sql": {Data: []byte("CREATE TABLE settings (key TEXT)")},
		"002_extra.sql":    {Data: []byte("CREATE TABLE extra (id INT)")},
		"README.md":        {Data: []byte("not sql")},
	}

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS schema_migrations")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT version FROM schema_migrations")).
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow("001_settings.sql"))
	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE extra (id INT)")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO schema_migrations (version) VALUES ($1)")).
		WithArgs("002_extra.sql").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.RunMigrations(context.Background(), migrationsFS))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestOpen_SQLiteRoundTrip(t *testing.T) {
	ctx := context.Background()
	dsn := "file:" + filepath.Join(t.TempDir(), "kansoku.db")
	want := model.Connection{APIKey: "k-123", Entity: "acme", Project: "ft"}

	store, err := Open(ctx, dsn, "passphrase", testLogger)
	require.NoError(t, err)
	require.NoError(t, store.Save(ctx, want))
	require.NoError(t, store.Save(ctx, want), "saving twice upserts")
	require.NoError(t, store.Close())

	// Reopening re-runs the migrator, which must be a no-op.
	store, err = Open(ctx, dsn, "passphrase", testLogger)
	require.NoError(t, err)
	defer func() { _ = store.Close() }()
	got, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	// The key is sealed at rest.
	raw, ok := store.(*SQLStore)
	require.True(t, ok)
	var stored string
	require.NoError(t, raw.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, KeyAPIKey).Scan(&stored))
	assert.True(t, IsSealed(stored))
}

func TestOpen_EmptyDSNIsMemory(t *testing.T) {
	store, err := Open(context.Background(), "", "", testLogger)
	require.NoError(t, err)
	_, ok := store.(*MemoryStore)
	assert.True(t, ok)
}

func TestMemoryStore(t *testing.T) {
	s := NewMemoryStore()
	conn, err := s.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, model.Connection{}, conn)

	want := model.Connection{APIKey: "k", Entity: "e", Project: "p"}
	require.NoError(t, s.Save(context.Background(), want))
	conn, err = s.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, want, conn)
	assert.NoError(t, s.Close())
}

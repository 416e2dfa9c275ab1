package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrForbidden = errors.New("forbidden")
	ErrConflict  = errors.New("conflict")
)

// Dialects understood by Open.
const (
	SQLite   = "sqlite"
	Postgres = "postgres"
)

// DB stores users and direct messages. Queries use $N placeholders, which
// both sqlite and postgres accept.
type DB struct {
	*sql.DB
	dialect string
	now     func() time.Time
	logger  zerolog.Logger
}

// Open connects to the database and creates the schema if needed. For
// sqlite, dsn is a file path whose directory is created on demand.
func Open(ctx context.Context, dialect, dsn string, logger zerolog.Logger) (*DB, error) {
	var driver string
	switch dialect {
	case SQLite:
		driver = "sqlite3"
		if dsn != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
				return nil, fmt.Errorf("error creating database directory: %w", err)
			}
			dsn = "file:" + dsn + "?_foreign_keys=on&_busy_timeout=5000&_journal_mode=WAL"
		}
	case Postgres:
		driver = "pgx"
	default:
		return nil, fmt.Errorf("unsupported dialect %q", dialect)
	}

	conn, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("error opening database: %w", err)
	}
	if dialect == SQLite {
		// One writer avoids SQLITE_BUSY between concurrent handlers.
		conn.SetMaxOpenConns(1)
	}

	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("error connecting to the database: %w", err)
	}

	db := &DB{DB: conn, dialect: dialect, now: time.Now, logger: logger}
	if err := db.initSchema(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("error initializing schema: %w", err)
	}
	return db, nil
}

// SetClock replaces the time source used for created_at and read_at.
func (db *DB) SetClock(now func() time.Time) { db.now = now }

func (db *DB) Dialect() string { return db.dialect }

func (db *DB) initSchema(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			username TEXT UNIQUE NOT NULL,
			password TEXT NOT NULL,
			display_name TEXT NOT NULL DEFAULT '',
			role TEXT NOT NULL DEFAULT '',
			position TEXT NOT NULL DEFAULT '',
			created_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			sender_id TEXT NOT NULL REFERENCES users(id),
			recipient_id TEXT NOT NULL REFERENCES users(id),
			content TEXT NOT NULL DEFAULT '',
			attachment_url TEXT,
			attachment_type TEXT,
			attachment_name TEXT,
			attachment_size BIGINT,
			created_at BIGINT NOT NULL,
			deleted INTEGER NOT NULL DEFAULT 0,
			read_at BIGINT
		)`,
		`CREATE INDEX IF NOT EXISTS messages_pair_idx ON messages (sender_id, recipient_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS messages_unread_idx ON messages (recipient_id, read_at)`,
	}

	for _, query := range queries {
		if _, err := db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("failed to execute schema query: %w", err)
		}
	}
	return nil
}

// timestamps are stored as unix nanoseconds
func toDB(t time.Time) int64 { return t.UnixNano() }

func fromDB(n int64) time.Time { return time.Unix(0, n).UTC() }

var placeholder = regexp.MustCompile(`\$(\d+)`)

// rebind rewrites $N placeholders to sqlite's ?N form. sqlite numbers $N
// parameters by first appearance, not by N.
func (db *DB) rebind(query string) string {
	if db.dialect != SQLite {
		return query
	}
	return placeholder.ReplaceAllString(query, "?$1")
}

func (db *DB) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return db.ExecContext(ctx, db.rebind(query), args...)
}

func (db *DB) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return db.QueryContext(ctx, db.rebind(query), args...)
}

func (db *DB) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return db.QueryRowContext(ctx, db.rebind(query), args...)
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "duplicate key value")
}

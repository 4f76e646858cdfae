package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/hyperengineering/cartsync/internal/cartstate"
)

// timeLayout is fixed width so stored timestamps compare correctly as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// neverExpires is stored as expires_at when carts have no TTL.
var neverExpires = time.Date(9999, 12, 31, 0, 0, 0, 0, time.UTC)

// Options configures a SQLStore.
type Options struct {
	Dialect Dialect
	// Path is the SQLite database file.
	Path string
	// DSN is the PostgreSQL connection string.
	DSN string
	// Rules are the cart arithmetic rules applied to accepted mutations.
	Rules cartstate.Rules
	// CartTTL is how long an idle cart lives. Zero disables expiry.
	CartTTL time.Duration
}

// SQLStore is the SQL-backed cart store. One implementation serves both
// SQLite and PostgreSQL; queries are written with ? placeholders and
// rebound for PostgreSQL.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	rules   cartstate.Rules
	ttl     time.Duration
	now     func() time.Time
}

var _ Store = (*SQLStore)(nil)

// Open connects to the configured database, applies pragmas for SQLite and
// runs migrations.
func Open(ctx context.Context, opts Options) (*SQLStore, error) {
	if opts.Rules.MaxQuantityPerLine <= 0 {
		opts.Rules = cartstate.DefaultRules()
	}

	var (
		db  *sql.DB
		err error
	)
	switch opts.Dialect {
	case DialectSQLite, "":
		opts.Dialect = DialectSQLite
		db, err = openSQLite(ctx, opts.Path)
	case DialectPostgres:
		db, err = openPostgres(ctx, opts.DSN)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDialect, opts.Dialect)
	}
	if err != nil {
		return nil, err
	}

	if err := RunMigrations(ctx, db, opts.Dialect); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLStore{
		db:      db,
		dialect: opts.Dialect,
		rules:   opts.Rules,
		ttl:     opts.CartTTL,
		now:     time.Now,
	}, nil
}

// NewSQLiteStore opens a SQLite-backed store at dbPath.
func NewSQLiteStore(ctx context.Context, dbPath string, rules cartstate.Rules, ttl time.Duration) (*SQLStore, error) {
	return Open(ctx, Options{Dialect: DialectSQLite, Path: dbPath, Rules: rules, CartTTL: ttl})
}

// NewPostgresStore opens a PostgreSQL-backed store.
func NewPostgresStore(ctx context.Context, dsn string, rules cartstate.Rules, ttl time.Duration) (*SQLStore, error) {
	return Open(ctx, Options{Dialect: DialectPostgres, DSN: dsn, Rules: rules, CartTTL: ttl})
}

func openSQLite(ctx context.Context, dbPath string) (*sql.DB, error) {
	if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// SQLite has a single writer; one connection serializes cart transactions.
	db.SetMaxOpenConns(1)

	if err := enablePragmas(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable pragmas: %w", err)
	}
	return db, nil
}

// enablePragmas sets SQLite pragmas for performance and safety.
func enablePragmas(ctx context.Context, db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA synchronous=NORMAL",
	}

	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("execute %s: %w", pragma, err)
		}
	}

	return nil
}

func openPostgres(ctx context.Context, dsn string) (*sql.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("open database: postgres DSN is empty")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

// Close closes the database connection.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Dialect returns the database driver in use.
func (s *SQLStore) Dialect() Dialect {
	return s.dialect
}

// q rebinds ? placeholders to $n for PostgreSQL.
func (s *SQLStore) q(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s, field string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		slog.Warn("failed to parse timestamp",
			"component", "store",
			"field", field,
			"value", s,
			"error", err,
		)
		return time.Time{}
	}
	return t
}

func (s *SQLStore) expiresAt(now time.Time) time.Time {
	if s.ttl <= 0 {
		return neverExpires
	}
	return now.Add(s.ttl)
}

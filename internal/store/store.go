package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"strconv"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrExists           = errors.New("already exists")
	ErrPermissionDenied = errors.New("permission denied")
	ErrSessionExpired   = errors.New("session expired")
)

// Dialect is the database/sql driver name of a store.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "pgx"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrationFS embed.FS

// DB is the relational store behind file metadata, sessions, worker status
// and task history. The same queries run against SQLite and Postgres.
type DB struct {
	db      *sql.DB
	dialect Dialect
}

// Open connects to driver ("sqlite" or "pgx") and applies migrations.
func Open(ctx context.Context, driver, dsn string) (*DB, error) {
	d := Dialect(driver)
	if d != DialectSQLite && d != DialectPostgres {
		return nil, fmt.Errorf("unsupported driver %q", driver)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if d == DialectSQLite {
		db.SetMaxOpenConns(1)
	}
	s := New(db, d)
	if err := s.Ping(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing connection without migrating it.
func New(db *sql.DB, d Dialect) *DB {
	return &DB{db: db, dialect: d}
}

func (s *DB) Dialect() Dialect { return s.dialect }

// Migrate applies the embedded migrations for the store's dialect.
func (s *DB) Migrate(ctx context.Context) error {
	dir, gd := "migrations/sqlite", goose.DialectSQLite3
	if s.dialect == DialectPostgres {
		dir, gd = "migrations/postgres", goose.DialectPostgres
	}
	fsys, err := fs.Sub(migrationFS, dir)
	if err != nil {
		return err
	}
	p, err := goose.NewProvider(gd, s.db, fsys)
	if err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	if _, err := p.Up(ctx); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

func (s *DB) Ping(ctx context.Context) error {
	if s.db == nil {
		return errors.New("db not initialized")
	}
	return s.db.PingContext(ctx)
}

func (s *DB) Close() error { return s.db.Close() }

// q rewrites ? placeholders into $n for Postgres.
func (s *DB) q(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

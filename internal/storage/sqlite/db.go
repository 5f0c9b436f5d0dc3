// Package sqlite persists tollgate's durable state (tenants, API keys,
// request rows, usage events, audit log, pricing overrides) behind the
// storage interfaces, using the pure-Go modernc.org/sqlite driver.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"runtime"
	"strings"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrations embed.FS

// connPragmas are applied to every connection. WAL lets the reader pool
// run while accounting writes are in flight; busy_timeout absorbs writer
// contention instead of surfacing SQLITE_BUSY to the request path.
var connPragmas = strings.Join([]string{
	"_pragma=journal_mode(WAL)",
	"_pragma=busy_timeout(5000)",
	"_pragma=synchronous(NORMAL)",
	"_pragma=foreign_keys(1)",
}, "&")

// Store implements storage.Store over two pools: a single-connection
// writer that keeps the request row -> usage event insertion order, and a
// reader pool that serves quota aggregation, auth lookups, and admin
// listings concurrently.
type Store struct {
	write *sql.DB
	read  *sql.DB
}

// New opens the database at dsn, applies pending migrations, and returns
// a ready Store. The dsn ":memory:" opens a shared-cache in-memory
// database so both pools observe the same data.
func New(dsn string) (*Store, error) {
	conn := connString(dsn)

	write, err := sql.Open("sqlite", conn)
	if err != nil {
		return nil, fmt.Errorf("open write db: %w", err)
	}
	write.SetMaxOpenConns(1)

	read, err := sql.Open("sqlite", conn)
	if err != nil {
		write.Close()
		return nil, fmt.Errorf("open read db: %w", err)
	}
	read.SetMaxOpenConns(max(4, runtime.NumCPU()))

	if err := migrate(write); err != nil {
		write.Close()
		read.Close()
		return nil, fmt.Errorf("migrations: %w", err)
	}

	return &Store{write: write, read: read}, nil
}

func connString(dsn string) string {
	if dsn == ":memory:" {
		return "file::memory:?mode=memory&cache=shared&" + connPragmas
	}
	return "file:" + dsn + "?" + connPragmas
}

// migrate applies the embedded goose migrations on the writer connection.
func migrate(db *sql.DB) error {
	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("sub fs: %w", err)
	}
	p, err := goose.NewProvider(goose.DialectSQLite3, db, fsys)
	if err != nil {
		return fmt.Errorf("create migration provider: %w", err)
	}
	_, err = p.Up(context.Background())
	return err
}

// Ping probes both pools; /ready reports unready when either fails.
func (s *Store) Ping(ctx context.Context) error {
	return errors.Join(s.write.PingContext(ctx), s.read.PingContext(ctx))
}

// Close closes both pools.
func (s *Store) Close() error {
	return errors.Join(s.write.Close(), s.read.Close())
}

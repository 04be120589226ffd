// Package sqlstore is the concrete store.Store backed by database/sql,
// grounded on the teacher's raw-SQL style (internal/dashboard/database.go)
// rather than an ORM: every operation is a plain query or a transaction
// of a few plain queries. It supports SQLite (modernc.org/sqlite, pure
// Go, the teacher's own driver) for single-node/dev deployments and
// Postgres (jackc/pgx/v5 stdlib adapter) for clustered production
// deployments, following the dual-driver + golang-migrate wiring pattern
// of the retrieved arkeep-io/arkeep server (internal/db/db.go) — adapted
// here to plain database/sql instead of gorm, since this spec's Store is
// a narrow hand-written API, not an ORM-backed model layer.
package sqlstore

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/fleetcontrol/control-plane/internal/external"
	"github.com/fleetcontrol/control-plane/internal/notify"
	"github.com/fleetcontrol/control-plane/internal/randcode"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrationsFS embed.FS

// Dialect distinguishes the two supported backends so call sites can
// rebind "?" placeholders to "$N" for Postgres.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// Store is the sqlstore.Store: a *sql.DB plus the injected Notifier
// collaborator invoked strictly after each transaction commits, and the
// Clock/UUIDSource/DigitSource collaborators that keep registration and
// timestamp logic deterministic under test.
type Store struct {
	db      *sql.DB
	dialect Dialect
	notify  notify.Notifier
	clock   external.Clock
	uuids   external.UUIDSource
	digits  external.DigitSource
	log     zerolog.Logger
}

// Options carries the optional collaborators Open wires in. A nil Clock,
// UUIDs or Digits falls back to its production implementation; a nil
// Notifier falls back to notify.Nop, so no change is broadcast.
type Options struct {
	Notifier notify.Notifier
	Clock    external.Clock
	UUIDs    external.UUIDSource
	Digits   external.DigitSource
}

// Open connects to dsn, choosing the dialect from its scheme
// ("postgres://..." vs a filesystem path / ":memory:" for SQLite),
// applies embedded migrations, and returns a ready Store.
func Open(dsn string, opts Options, log zerolog.Logger) (*Store, error) {
	dialect := DialectSQLite
	driverName := "sqlite"
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		dialect = DialectPostgres
		driverName = "pgx"
		_ = stdlib.GetDefaultDriver() // ensure pgx stdlib driver is registered
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open %s: %w", driverName, err)
	}
	if dialect == DialectSQLite {
		db.SetMaxOpenConns(1) // sqlite allows a single writer
	} else {
		db.SetMaxOpenConns(25)
	}

	if err := runMigrations(db, dialect); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlstore: migrations: %w", err)
	}

	notifier := opts.Notifier
	if notifier == nil {
		notifier = notify.Nop{}
	}
	clock := opts.Clock
	if clock == nil {
		clock = external.SystemClock
	}
	uuids := opts.UUIDs
	if uuids == nil {
		uuids = external.SystemUUID
	}
	digits := opts.Digits
	if digits == nil {
		digits = randcode.System
	}

	return &Store{
		db:      db,
		dialect: dialect,
		notify:  notifier,
		clock:   clock,
		uuids:   uuids,
		digits:  digits,
		log:     log.With().Str("component", "sqlstore").Logger(),
	}, nil
}

func runMigrations(db *sql.DB, dialect Dialect) error {
	var m *migrate.Migrate
	switch dialect {
	case DialectSQLite:
		src, err := iofs.New(migrationsFS, "migrations/sqlite")
		if err != nil {
			return fmt.Errorf("migration source: %w", err)
		}
		drv, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
		if err != nil {
			return fmt.Errorf("sqlite migrate driver: %w", err)
		}
		m, err = migrate.NewWithInstance("iofs", src, "sqlite", drv)
		if err != nil {
			return fmt.Errorf("migrator: %w", err)
		}
	case DialectPostgres:
		src, err := iofs.New(migrationsFS, "migrations/postgres")
		if err != nil {
			return fmt.Errorf("migration source: %w", err)
		}
		drv, err := migratepg.WithInstance(db, &migratepg.Config{})
		if err != nil {
			return fmt.Errorf("postgres migrate driver: %w", err)
		}
		m, err = migrate.NewWithInstance("iofs", src, "postgres", drv)
		if err != nil {
			return fmt.Errorf("migrator: %w", err)
		}
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return err
	}
	return nil
}

// rebind rewrites "?" placeholders to "$1", "$2", ... when the dialect is
// Postgres; it is a no-op for SQLite, which uses "?" natively. Queries in
// this package are always written with "?" and passed through rebind.
func (s *Store) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *Store) exec(ctx context.Context, tx *sql.Tx, query string, args ...any) (sql.Result, error) {
	q := s.rebind(query)
	if tx != nil {
		return tx.ExecContext(ctx, q, args...)
	}
	return s.db.ExecContext(ctx, q, args...)
}

func (s *Store) queryRow(ctx context.Context, tx *sql.Tx, query string, args ...any) *sql.Row {
	q := s.rebind(query)
	if tx != nil {
		return tx.QueryRowContext(ctx, q, args...)
	}
	return s.db.QueryRowContext(ctx, q, args...)
}

func (s *Store) query(ctx context.Context, tx *sql.Tx, query string, args ...any) (*sql.Rows, error) {
	q := s.rebind(query)
	if tx != nil {
		return tx.QueryContext(ctx, q, args...)
	}
	return s.db.QueryContext(ctx, q, args...)
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

package sqlstore

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"scriptgate.org/internal/migrate"
	"scriptgate.org/internal/model"
	"scriptgate.org/internal/store"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Migrations exposes the embedded schema files rooted at the migrations directory.
func Migrations() fs.FS {
	sub, err := fs.Sub(migrationFiles, "migrations")
	if err != nil {
		panic(err)
	}
	return sub
}

// Store implements store.Store on top of database/sql via sqlx. It speaks
// both PostgreSQL (driver "pgx") and SQLite (driver "sqlite").
type Store struct {
	db *sqlx.DB
}

var _ store.Store = (*Store)(nil)

// Open connects to the database. An empty sqlite dsn opens a private in-memory database.
func Open(driver, dsn string) (*Store, error) {
	switch driver {
	case "pgx", "postgres":
		driver = "pgx"
	case "sqlite", "sqlite3":
		driver = "sqlite"
		if dsn == "" {
			dsn = ":memory:"
		}
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, err
	}
	if driver == "sqlite" {
		// A single connection keeps :memory: databases alive and serialises writers.
		db.SetMaxOpenConns(1)
		db.SetConnMaxLifetime(0)
	} else {
		db.SetMaxOpenConns(50)
		db.SetMaxIdleConns(25)
		db.SetConnMaxLifetime(15 * time.Minute)
		db.SetConnMaxIdleTime(5 * time.Minute)
	}
	return &Store{db: db}, nil
}

// OpenMigrated opens the database and applies the embedded schema.
func OpenMigrated(ctx context.Context, driver, dsn string) (*Store, error) {
	s, err := Open(driver, dsn)
	if err != nil {
		return nil, err
	}
	if _, err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// New wraps an existing handle.
func New(db *sqlx.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sqlx.DB { return s.db }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Migrate applies the embedded schema.
func (s *Store) Migrate(ctx context.Context) ([]string, error) {
	return migrate.NewManager(s.db, Migrations()).Up(ctx)
}

func (s *Store) Repos() store.Repos { return repos{q: s.db} }

// RunInTx commits when fn returns nil and rolls back on error or panic.
func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context, tx store.Repos) error) (err error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if err = fn(ctx, repos{q: tx}); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// repos binds every repository to one executor, either the pool or a tx.
type repos struct {
	q sqlx.ExtContext
}

func (r repos) Keys() store.KeyRepo           { return keyRepo{r} }
func (r repos) Accounts() store.AccountRepo   { return accountRepo{r} }
func (r repos) Resources() store.ResourceRepo { return resourceRepo{r} }
func (r repos) Entries() store.EntryRepo      { return entryRepo{r} }
func (r repos) Audit() store.AuditRepo        { return auditRepo{r} }

func (r repos) get(ctx context.Context, dest any, query string, args ...any) error {
	err := sqlx.GetContext(ctx, r.q, dest, r.q.Rebind(query), args...)
	if errors.Is(err, sql.ErrNoRows) {
		return model.ErrNotFound
	}
	return err
}

func (r repos) selectAll(ctx context.Context, dest any, query string, args ...any) error {
	return sqlx.SelectContext(ctx, r.q, dest, r.q.Rebind(query), args...)
}

func (r repos) exec(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := r.q.ExecContext(ctx, r.q.Rebind(query), args...)
	if err != nil {
		return 0, mapErr(err)
	}
	return res.RowsAffected()
}

func (r repos) count(ctx context.Context, query string, args ...any) (int, error) {
	var n int
	if err := sqlx.GetContext(ctx, r.q, &n, r.q.Rebind(query), args...); err != nil {
		return 0, err
	}
	return n, nil
}

// mapErr turns unique-constraint violations into model.ErrAlreadyExists.
func mapErr(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%w: %s", model.ErrAlreadyExists, pgErr.ConstraintName)
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		switch liteErr.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return fmt.Errorf("%w: %s", model.ErrAlreadyExists, liteErr.Error())
		}
	}
	return err
}

func utc(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}

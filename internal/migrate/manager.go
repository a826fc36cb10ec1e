package migrate

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
)

const defaultMigrationsTable = "schema_migrations"

// Manager applies *.up.sql / *.down.sql pairs from a filesystem, usually an embed.FS.
type Manager struct {
	db              *sqlx.DB
	source          fs.FS
	migrationsTable string
}

// Option configures Manager.
type Option func(*Manager)

// WithMigrationsTable overrides the default bookkeeping table.
func WithMigrationsTable(name string) Option {
	return func(m *Manager) {
		if name != "" {
			m.migrationsTable = name
		}
	}
}

// NewManager constructs a Manager reading migration files from the root of source.
func NewManager(db *sqlx.DB, source fs.FS, opts ...Option) *Manager {
	m := &Manager{
		db:              db,
		source:          source,
		migrationsTable: defaultMigrationsTable,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Up applies all pending migrations and returns the names it applied.
func (m *Manager) Up(ctx context.Context) ([]string, error) {
	if err := m.ensureTable(ctx); err != nil {
		return nil, err
	}
	executed, err := m.listExecuted(ctx)
	if err != nil {
		return nil, err
	}
	files, err := collectSQL(m.source, ".up.sql")
	if err != nil {
		return nil, err
	}
	var applied []string
	for _, name := range files {
		if executed[name] {
			continue
		}
		if err := m.exec(ctx, name, true); err != nil {
			return applied, fmt.Errorf("apply migration %s: %w", name, err)
		}
		applied = append(applied, name)
	}
	return applied, nil
}

// Down rolls back the most recent applied migration.
func (m *Manager) Down(ctx context.Context) error {
	if err := m.ensureTable(ctx); err != nil {
		return err
	}
	executed, err := m.history(ctx)
	if err != nil {
		return err
	}
	if len(executed) == 0 {
		return errors.New("no migrations applied")
	}
	last := executed[len(executed)-1]
	down := strings.TrimSuffix(last, ".up.sql") + ".down.sql"
	if _, err := fs.Stat(m.source, down); err != nil {
		return fmt.Errorf("missing down migration for %s", last)
	}
	if err := m.exec(ctx, down, false); err != nil {
		return fmt.Errorf("rollback migration %s: %w", last, err)
	}
	return nil
}

// Status returns applied migrations in order.
func (m *Manager) Status(ctx context.Context) ([]string, error) {
	if err := m.ensureTable(ctx); err != nil {
		return nil, err
	}
	return m.history(ctx)
}

func (m *Manager) ensureTable(ctx context.Context) error {
	ddl := fmt.Sprintf(`
		create table if not exists %s (
			name text primary key,
			applied_at timestamp not null
		)`, m.migrationsTable)
	_, err := m.db.ExecContext(ctx, ddl)
	return err
}

// exec runs one file and its bookkeeping row change in the same transaction.
func (m *Manager) exec(ctx context.Context, name string, up bool) error {
	raw, err := fs.ReadFile(m.source, name)
	if err != nil {
		return err
	}
	tx, err := m.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for _, stmt := range splitStatements(string(raw)) {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	if up {
		q := tx.Rebind(fmt.Sprintf(`insert into %s(name, applied_at) values (?, ?)`, m.migrationsTable))
		if _, err := tx.ExecContext(ctx, q, name, time.Now().UTC()); err != nil {
			return err
		}
	} else {
		applied := strings.TrimSuffix(name, ".down.sql") + ".up.sql"
		q := tx.Rebind(fmt.Sprintf(`delete from %s where name = ?`, m.migrationsTable))
		if _, err := tx.ExecContext(ctx, q, applied); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (m *Manager) listExecuted(ctx context.Context) (map[string]bool, error) {
	names, err := m.history(ctx)
	if err != nil {
		return nil, err
	}
	result := make(map[string]bool, len(names))
	for _, n := range names {
		result[n] = true
	}
	return result, nil
}

func (m *Manager) history(ctx context.Context) ([]string, error) {
	var res []string
	q := fmt.Sprintf(`select name from %s order by applied_at asc, name asc`, m.migrationsTable)
	if err := m.db.SelectContext(ctx, &res, q); err != nil {
		return nil, err
	}
	return res, nil
}

func collectSQL(source fs.FS, suffix string) ([]string, error) {
	if source == nil {
		return nil, nil
	}
	entries, err := fs.ReadDir(source, ".")
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), suffix) {
			continue
		}
		files = append(files, e.Name())
	}
	sort.Strings(files)
	return files, nil
}

// splitStatements naively splits SQL by semicolon, ignoring semicolons inside quotes.
func splitStatements(sql string) []string {
	var stmts []string
	var current strings.Builder
	var inString bool
	for _, r := range sql {
		switch r {
		case '\'':
			current.WriteRune(r)
			inString = !inString
		case ';':
			current.WriteRune(r)
			if !inString {
				stmts = append(stmts, current.String())
				current.Reset()
			}
		default:
			current.WriteRune(r)
		}
	}
	if strings.TrimSpace(current.String()) != "" {
		stmts = append(stmts, current.String())
	}
	return stmts
}

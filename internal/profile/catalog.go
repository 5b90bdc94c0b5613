package profile

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite" // Pure Go SQLite driver (no CGO)
)

//go:embed migrations/*.sql
var migrations embed.FS

// goose keeps its base FS and dialect in package state.
var gooseMu sync.Mutex

// Entry is a catalog row.
type Entry struct {
	Name      string    `json:"name"`
	Dir       string    `json:"dir"`
	CreatedAt time.Time `json:"createdAt"`
	LastUsed  time.Time `json:"lastUsed,omitzero"`
	Port      int       `json:"port,omitzero"`
	Seed      int       `json:"seed,omitzero"`
	OpenCount int       `json:"openCount"`
}

// Catalog indexes profiles in SQLite so listing does not walk the disk.
type Catalog struct {
	db *sql.DB
}

// OpenCatalog opens (creating if needed) the catalog database at path and
// applies pending migrations.
func OpenCatalog(path string) (*Catalog, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create catalog directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}
	// SQLite serializes writers; one connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping catalog: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate catalog: %w", err)
	}
	return &Catalog{db: db}, nil
}

func migrate(db *sql.DB) error {
	gooseMu.Lock()
	defer gooseMu.Unlock()
	goose.SetBaseFS(migrations)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("sqlite3"); err != nil {
		return err
	}
	return goose.Up(db, "migrations")
}

// Close closes the database.
func (c *Catalog) Close() error {
	return c.db.Close()
}

// Ensure inserts name if it is not catalogued yet.
func (c *Catalog) Ensure(ctx context.Context, name, dir string, at time.Time) error {
	_, err := c.db.ExecContext(ctx,
		`INSERT INTO profiles (name, dir, created_at) VALUES (?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET dir = excluded.dir`,
		name, dir, at.UnixMilli())
	if err != nil {
		return fmt.Errorf("catalog ensure %s: %w", name, err)
	}
	return nil
}

// Touch records an open.
func (c *Catalog) Touch(ctx context.Context, name string, port, seed int, at time.Time) error {
	res, err := c.db.ExecContext(ctx,
		`UPDATE profiles SET last_used = ?, port = ?, seed = ?, open_count = open_count + 1 WHERE name = ?`,
		at.UnixMilli(), port, seed, name)
	if err != nil {
		return fmt.Errorf("catalog touch %s: %w", name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("catalog touch %s: %w", name, ErrNotFound)
	}
	return nil
}

// Saved records a close.
func (c *Catalog) Saved(ctx context.Context, name string, at time.Time) error {
	_, err := c.db.ExecContext(ctx, `UPDATE profiles SET last_used = ? WHERE name = ?`, at.UnixMilli(), name)
	if err != nil {
		return fmt.Errorf("catalog save %s: %w", name, err)
	}
	return nil
}

// Delete removes name from the catalog.
func (c *Catalog) Delete(ctx context.Context, name string) error {
	if _, err := c.db.ExecContext(ctx, `DELETE FROM profiles WHERE name = ?`, name); err != nil {
		return fmt.Errorf("catalog delete %s: %w", name, err)
	}
	return nil
}

// Get returns the row for name.
func (c *Catalog) Get(ctx context.Context, name string) (Entry, error) {
	row := c.db.QueryRowContext(ctx,
		`SELECT name, dir, created_at, last_used, port, seed, open_count FROM profiles WHERE name = ?`, name)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, fmt.Errorf("catalog %s: %w", name, ErrNotFound)
	}
	return e, err
}

// List returns every row ordered by name.
func (c *Catalog) List(ctx context.Context) ([]Entry, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT name, dir, created_at, last_used, port, seed, open_count FROM profiles ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("catalog list: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(s scanner) (Entry, error) {
	var e Entry
	var created, lastUsed int64
	if err := s.Scan(&e.Name, &e.Dir, &created, &lastUsed, &e.Port, &e.Seed, &e.OpenCount); err != nil {
		return Entry{}, err
	}
	e.CreatedAt = time.UnixMilli(created)
	if lastUsed > 0 {
		e.LastUsed = time.UnixMilli(lastUsed)
	}
	return e, nil
}

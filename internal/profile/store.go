package profile

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/go-json-experiment/json"
	"github.com/go-json-experiment/json/jsontext"
)

const (
	recordFile   = "profile.json"
	lockFileName = ".lock"
	userDataDir  = "user-data"
	catalogFile  = "catalog.db"
)

// Store manages profiles under one root directory:
//
//	<root>/<name>/user-data/     browser profile
//	<root>/<name>/profile.json   sidecar record
//	<root>/<name>/.lock          process lock
//	<root>/catalog.db            SQLite catalog
type Store struct {
	root    string
	catalog *Catalog
	logger  *slog.Logger
	now     func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the store's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// NewStore opens the store rooted at root, creating it if needed.
func NewStore(root string, opts ...Option) (*Store, error) {
	s := &Store{root: root, logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "profile")

	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create profile root: %w", err)
	}
	cat, err := OpenCatalog(filepath.Join(root, catalogFile))
	if err != nil {
		return nil, err
	}
	s.catalog = cat
	return s, nil
}

// Root is the directory holding every profile.
func (s *Store) Root() string { return s.root }

// Catalog exposes the profile index.
func (s *Store) Catalog() *Catalog { return s.catalog }

// Close closes the catalog.
func (s *Store) Close() error {
	return s.catalog.Close()
}

// Dir is the directory of profile name.
func (s *Store) Dir(name string) string {
	return filepath.Join(s.root, name)
}

// Open ensures the profile's directories exist and returns it with its
// record, creating an empty record on first use.
func (s *Store) Open(ctx context.Context, name string) (*Profile, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	dir := s.Dir(name)
	_, statErr := os.Stat(dir)
	created := errors.Is(statErr, fs.ErrNotExist)

	udd := filepath.Join(dir, userDataDir)
	if err := os.MkdirAll(udd, 0o700); err != nil {
		return nil, fmt.Errorf("create profile %s: %w", name, err)
	}

	rec, err := s.Load(name)
	if errors.Is(err, ErrNotFound) {
		rec = &Record{Name: name}
		err = nil
	}
	if err != nil {
		return nil, err
	}
	if err := s.catalog.Ensure(ctx, name, dir, s.now()); err != nil {
		return nil, err
	}
	if created {
		s.logger.Info("profile created", "name", name, "dir", dir)
	}
	return &Profile{Name: name, Dir: dir, UserDataDir: udd, Record: rec, Created: created}, nil
}

// Load reads the sidecar record of name.
func (s *Store) Load(name string) (*Record, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	f, err := os.Open(filepath.Join(s.Dir(name), recordFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load %s: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", name, err)
	}
	defer f.Close()

	var rec Record
	if err := json.UnmarshalRead(f, &rec); err != nil {
		return nil, fmt.Errorf("decode %s record: %w", name, err)
	}
	if rec.Name == "" {
		rec.Name = name
	}
	return &rec, nil
}

// Save writes rec atomically: a temp file in the profile directory is
// synced and renamed over the previous record.
func (s *Store) Save(ctx context.Context, rec *Record) error {
	if err := ValidateName(rec.Name); err != nil {
		return err
	}
	dir := s.Dir(rec.Name)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("save %s: %w", rec.Name, err)
	}

	tmp, err := os.CreateTemp(dir, recordFile+".*.tmp")
	if err != nil {
		return fmt.Errorf("save %s: %w", rec.Name, err)
	}
	defer os.Remove(tmp.Name())

	if err := json.MarshalWrite(tmp, rec, jsontext.WithIndent("  ")); err != nil {
		tmp.Close()
		return fmt.Errorf("encode %s record: %w", rec.Name, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("save %s: %w", rec.Name, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("save %s: %w", rec.Name, err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(dir, recordFile)); err != nil {
		return fmt.Errorf("save %s: %w", rec.Name, err)
	}

	if err := s.catalog.Ensure(ctx, rec.Name, dir, s.now()); err != nil {
		return err
	}
	at := rec.LastUsed
	if at.IsZero() {
		at = s.now()
	}
	return s.catalog.Saved(ctx, rec.Name, at)
}

// Lock takes the profile's process lock. A held lock yields ErrLocked.
func (s *Store) Lock(name string) (*Lock, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	dir := s.Dir(name)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("lock %s: %w", name, err)
	}
	return acquire(name, filepath.Join(dir, lockFileName))
}

// Touch records an open of name in the catalog.
func (s *Store) Touch(ctx context.Context, name string, port, seed int) error {
	return s.catalog.Touch(ctx, name, port, seed, s.now())
}

// Delete removes the profile's directory and catalog row. It is refused
// with ErrLocked while a session holds the profile.
func (s *Store) Delete(ctx context.Context, name string) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	dir := s.Dir(name)
	if _, err := os.Stat(dir); errors.Is(err, fs.ErrNotExist) {
		if _, cerr := s.catalog.Get(ctx, name); cerr != nil {
			return fmt.Errorf("delete %s: %w", name, ErrNotFound)
		}
		return s.catalog.Delete(ctx, name)
	}

	lock, err := s.Lock(name)
	if err != nil {
		return fmt.Errorf("delete %s: %w", name, err)
	}
	// Windows cannot remove a locked file.
	if err := lock.Release(); err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("delete %s: %w", name, err)
	}
	if err := s.catalog.Delete(ctx, name); err != nil {
		return err
	}
	s.logger.Info("profile deleted", "name", name)
	return nil
}

// List returns every catalogued profile. Profile directories missing from
// the catalog are added first.
func (s *Store) List(ctx context.Context) ([]Entry, error) {
	dirs, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("list profiles: %w", err)
	}
	for _, d := range dirs {
		if !d.IsDir() || ValidateName(d.Name()) != nil {
			continue
		}
		if _, err := os.Stat(filepath.Join(s.root, d.Name(), userDataDir)); err != nil {
			continue
		}
		if _, err := s.catalog.Get(ctx, d.Name()); errors.Is(err, ErrNotFound) {
			if err := s.catalog.Ensure(ctx, d.Name(), s.Dir(d.Name()), s.now()); err != nil {
				return nil, err
			}
		}
	}
	return s.catalog.List(ctx)
}

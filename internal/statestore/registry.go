package statestore

import (
	"context"
	"database/sql"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/daimoniac/vulnhash/internal/errors"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

// Backend identifiers known to DefaultRegistry
const (
	BackendSQLite3  = "sqlite3"  // github.com/mattn/go-sqlite3 (cgo)
	BackendSQLite   = "sqlite"   // modernc.org/sqlite (pure Go)
	BackendPgx      = "pgx"      // github.com/jackc/pgx/v5/stdlib
	BackendPostgres = "postgres" // github.com/lib/pq
)

// DefaultDBFile is the database file name placed in the home directory
const DefaultDBFile = "vulnhash.db"

// Credentials authenticate against server backends
type Credentials struct {
	User     string
	Password string
}

// Settings are the resolved configuration values the registry consumes
type Settings struct {
	Backend     string
	Target      string
	Home        string
	Credentials Credentials
}

// Backend describes how to open one kind of store
type Backend struct {
	// DriverName is the database/sql driver to open
	DriverName string
	Dialect    *Dialect

	// File reports whether the target is a local file path
	File bool

	// DefaultTarget derives the connection target from the home directory.
	// Nil for backends that have no sensible default.
	DefaultTarget func(home string) string

	// DSN turns a connection target into a driver data source name
	DSN func(target string, creds Credentials) (string, error)
}

// Resolved is a backend selection validated against the registry
type Resolved struct {
	ID      string
	Target  string
	DSN     string
	Backend Backend
}

// Registry maps backend identifiers to backends. Exactly one backend is the
// default; every other backend must be given its own connection target.
type Registry struct {
	defaultID string
	backends  map[string]Backend
}

// NewRegistry creates an empty registry whose default backend is defaultID
func NewRegistry(defaultID string) *Registry {
	return &Registry{
		defaultID: defaultID,
		backends:  make(map[string]Backend),
	}
}

// DefaultRegistry returns a registry with the built-in backends, defaulting to
// a sqlite file in the home directory
func DefaultRegistry() *Registry {
	r := NewRegistry(BackendSQLite3)
	r.Register(BackendSQLite3, Backend{
		DriverName:    "sqlite3",
		Dialect:       SQLite,
		File:          true,
		DefaultTarget: homeDBFile,
		DSN:           mattnDSN,
	})
	r.Register(BackendSQLite, Backend{
		DriverName:    "sqlite",
		Dialect:       SQLite,
		File:          true,
		DefaultTarget: homeDBFile,
		DSN:           moderncDSN,
	})
	r.Register(BackendPgx, Backend{
		DriverName: "pgx",
		Dialect:    PostgresPgx,
		DSN:        postgresDSN,
	})
	r.Register(BackendPostgres, Backend{
		DriverName: "postgres",
		Dialect:    PostgresPQ,
		DSN:        postgresDSN,
	})
	return r
}

// Register adds or replaces the backend for id
func (r *Registry) Register(id string, b Backend) {
	r.backends[strings.ToLower(id)] = b
}

// DefaultID returns the identifier of the default backend
func (r *Registry) DefaultID() string {
	return r.defaultID
}

// DefaultTarget returns the default backend's connection target for home
func (r *Registry) DefaultTarget(home string) string {
	b, ok := r.backends[r.defaultID]
	if !ok || b.DefaultTarget == nil {
		return ""
	}
	return b.DefaultTarget(home)
}

// IDs returns the registered backend identifiers in sorted order
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.backends))
	for id := range r.backends {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Resolve validates settings against the registry. An empty backend selects
// the default and an empty target selects the default target. A non-default
// backend pointed at the default target is rejected so a custom driver never
// silently opens the default embedded store.
func (r *Registry) Resolve(s Settings) (Resolved, error) {
	id := strings.ToLower(strings.TrimSpace(s.Backend))
	if id == "" {
		id = r.defaultID
	}

	b, ok := r.backends[id]
	if !ok {
		return Resolved{}, errors.NewConfigurationf("db.driver",
			"unknown backend %q (registered: %s)", id, strings.Join(r.IDs(), ", "))
	}

	defaultTarget := r.DefaultTarget(s.Home)
	target := strings.TrimSpace(s.Target)
	if target == "" {
		target = defaultTarget
	}
	if target == "" {
		return Resolved{}, errors.NewConfigurationf("db.url", "backend %q requires a connection target", id)
	}
	if id != r.defaultID && target == defaultTarget {
		return Resolved{}, errors.NewConfigurationf("db.url",
			"backend %q requires a connection target distinct from the default %q", id, defaultTarget)
	}

	dsn, err := b.DSN(target, s.Credentials)
	if err != nil {
		return Resolved{}, errors.NewConfigurationf("db.url", "invalid connection target for %q: %w", id, err)
	}

	return Resolved{ID: id, Target: target, DSN: dsn, Backend: b}, nil
}

// Open resolves settings, connects to the store and ensures its schema
func (r *Registry) Open(ctx context.Context, s Settings, logger *slog.Logger) (*SQLStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	res, err := r.Resolve(s)
	if err != nil {
		return nil, err
	}

	if res.Backend.File {
		if err := os.MkdirAll(filepath.Dir(res.Target), 0o755); err != nil {
			return nil, errors.NewStorage("create database directory", err)
		}
	}

	db, err := sql.Open(res.Backend.DriverName, res.DSN)
	if err != nil {
		return nil, errors.NewStorage("open database", err)
	}

	// sqlite in WAL mode allows one writer and several readers; server
	// backends get a larger pool.
	if res.Backend.File {
		db.SetMaxOpenConns(5)
		db.SetMaxIdleConns(2)
	} else {
		db.SetMaxOpenConns(20)
		db.SetMaxIdleConns(5)
	}
	db.SetConnMaxLifetime(time.Hour)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.NewStorage("connect to database", err)
	}

	if res.Backend.Dialect == SQLite {
		// Cascading deletes depend on foreign keys being enforced
		var fkEnabled int
		if err := db.QueryRowContext(ctx, "PRAGMA foreign_keys").Scan(&fkEnabled); err != nil {
			db.Close()
			return nil, errors.NewStorage("check foreign keys status", err)
		}
		if fkEnabled != 1 {
			db.Close()
			return nil, errors.NewStoragef("check foreign keys status", "foreign keys are not enabled (got %d, expected 1)", fkEnabled)
		}
	}

	if err := EnsureSchema(ctx, db, res.Backend.Dialect, logger); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("vulnerability store opened",
		"backend", res.ID,
		"dialect", res.Backend.Dialect.Name,
		"target", redactTarget(res.Target))

	return NewSQLStore(db, res.Backend.Dialect, logger), nil
}

func homeDBFile(home string) string {
	return filepath.Join(home, DefaultDBFile)
}

// mattnDSN enables foreign keys, WAL and a busy timeout so metric scrapes can
// wait out a sync
func mattnDSN(target string, _ Credentials) (string, error) {
	return withQuery(target, "_foreign_keys=1&mode=rwc&_journal_mode=WAL&_busy_timeout=3000"), nil
}

func moderncDSN(target string, _ Credentials) (string, error) {
	if !strings.HasPrefix(target, "file:") {
		target = "file:" + target
	}
	return withQuery(target, "_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(3000)"), nil
}

func withQuery(target, query string) string {
	if strings.Contains(target, "?") {
		return target + "&" + query
	}
	return target + "?" + query
}

// postgresDSN adds credentials to URL targets that carry none. Keyword/value
// connection strings are passed through untouched.
func postgresDSN(target string, creds Credentials) (string, error) {
	if !strings.HasPrefix(target, "postgres://") && !strings.HasPrefix(target, "postgresql://") {
		return target, nil
	}

	u, err := url.Parse(target)
	if err != nil {
		return "", err
	}
	if u.User == nil && creds.User != "" {
		if creds.Password != "" {
			u.User = url.UserPassword(creds.User, creds.Password)
		} else {
			u.User = url.User(creds.User)
		}
	}
	return u.String(), nil
}

// redactTarget strips passwords from URL targets before logging
func redactTarget(target string) string {
	u, err := url.Parse(target)
	if err != nil || u.User == nil {
		return target
	}
	return u.Redacted()
}

package connections

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// Registry is the connection provider for the shim. It opens one SQLite
// database per application (lazily, under dataDir) and hands out
// reference-counted connection handles keyed by
// (appName, generation, transactionGeneration).
//
// The registry is an explicit instance passed to its consumers rather than
// process-wide state, and all methods are safe to call concurrently: the
// worker goroutine acquires and releases handles while caller-death
// detection evicts session groups from transport goroutines.
type Registry struct {
	dataDir string
	logger  *slog.Logger

	mu      sync.Mutex
	dbs     map[string]*sqlx.DB
	handles map[Key]*Handle
}

// NewRegistry creates a registry that stores application databases as
// <dataDir>/<appName>.db.
func NewRegistry(dataDir string, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		dataDir: dataDir,
		logger:  logger.With("component", "ConnectionRegistry"),
		dbs:     make(map[string]*sqlx.DB),
		handles: make(map[Key]*Handle),
	}
}

// appDB returns the database for appName, opening it on first use.
// Callers must hold r.mu.
func (r *Registry) appDB(appName string) (*sqlx.DB, error) {
	if db, ok := r.dbs[appName]; ok {
		return db, nil
	}
	if appName == "" || strings.ContainsAny(appName, "/\\") || appName == "." || appName == ".." {
		return nil, fmt.Errorf("invalid application name %q", appName)
	}
	path := filepath.Join(r.dataDir, appName+".db")
	db, err := sqlx.Connect("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database for %s: %w", appName, err)
	}
	r.logger.Info("Opened application database", "appName", appName, "path", path)
	r.dbs[appName] = db
	return db, nil
}

// Acquire returns the handle for the given transaction key, checking out a
// new connection if none is registered. The returned handle carries an extra
// reference that the caller must Release.
func (r *Registry) Acquire(ctx context.Context, key Key) (*Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if h, ok := r.handles[key]; ok {
		h.retain()
		return h, nil
	}

	db, err := r.appDB(key.AppName)
	if err != nil {
		return nil, err
	}
	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to check out connection for %s: %w", key, err)
	}
	h := newHandle(key, conn)
	h.retain()
	r.handles[key] = h
	return h, nil
}

// Get returns the registered handle for the key, or nil when there is none.
// A non-nil result carries an extra reference that the caller must Release.
func (r *Registry) Get(key Key) *Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handles[key]
	if !ok {
		return nil
	}
	h.retain()
	return h
}

// ReleaseTransaction removes the handle for the key from the registry and
// drops the registry's reference. The connection closes once any in-flight
// holders release theirs.
func (r *Registry) ReleaseTransaction(key Key) {
	r.mu.Lock()
	h, ok := r.handles[key]
	if ok {
		delete(r.handles, key)
	}
	r.mu.Unlock()
	if ok {
		h.Release()
	}
}

// EvictSessionGroup drops every handle for appName whose generation does not
// match keepGeneration. An empty keepGeneration matches no handle, so all of
// the application's handles are evicted. Reports whether anything was
// evicted.
func (r *Registry) EvictSessionGroup(appName string, keepGeneration string) bool {
	r.mu.Lock()
	var evicted []*Handle
	for key, h := range r.handles {
		if key.AppName == appName && key.Generation != keepGeneration {
			evicted = append(evicted, h)
			delete(r.handles, key)
		}
	}
	r.mu.Unlock()

	for _, h := range evicted {
		r.logger.Info("Evicting stale connection handle", "key", h.Key().String())
		h.Release()
	}
	return len(evicted) > 0
}

// EvictAll releases every registered handle and closes all application
// databases. Used on shutdown.
func (r *Registry) EvictAll() {
	r.mu.Lock()
	handles := make([]*Handle, 0, len(r.handles))
	for _, h := range r.handles {
		handles = append(handles, h)
	}
	r.handles = make(map[Key]*Handle)
	dbs := r.dbs
	r.dbs = make(map[string]*sqlx.DB)
	r.mu.Unlock()

	for _, h := range handles {
		h.Release()
	}
	for appName, db := range dbs {
		if err := db.Close(); err != nil {
			r.logger.Error("Error closing application database", "appName", appName, "error", err)
		}
	}
}

// HandleCount reports the number of registered handles. Exposed for tests
// and debug endpoints.
func (r *Registry) HandleCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handles)
}

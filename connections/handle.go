package connections

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
)

// Key identifies one transaction's connection handle.
type Key struct {
	AppName      string
	Generation   string
	TxGeneration int
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s/%d", k.AppName, k.Generation, k.TxGeneration)
}

// Handle is a reference-counted checkout of a single SQLite connection. The
// registry holds one reference for as long as the handle is registered;
// every Acquire/Get adds another that the caller must Release. When the
// count reaches zero any open transaction is rolled back and the connection
// is returned to the pool.
type Handle struct {
	key  Key
	conn *sql.Conn

	mu   sync.Mutex
	tx   *sql.Tx
	refs int
}

func newHandle(key Key, conn *sql.Conn) *Handle {
	return &Handle{key: key, conn: conn, refs: 1}
}

func (h *Handle) Key() Key {
	return h.key
}

func (h *Handle) retain() {
	h.mu.Lock()
	h.refs++
	h.mu.Unlock()
}

// Release drops one reference. The final release ends any outstanding
// transaction without committing it and closes the checked-out connection.
func (h *Handle) Release() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.refs <= 0 {
		return
	}
	h.refs--
	if h.refs > 0 {
		return
	}
	if h.tx != nil {
		h.tx.Rollback()
		h.tx = nil
	}
	h.conn.Close()
}

// InTransaction reports whether the handle has an open transaction.
func (h *Handle) InTransaction() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.tx != nil
}

// Begin opens a non-exclusive transaction on the handle's connection.
func (h *Handle) Begin(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.tx != nil {
		return nil
	}
	tx, err := h.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction for %s: %w", h.key, err)
	}
	h.tx = tx
	return nil
}

// Commit commits the open transaction. The transaction is finished either
// way; a failed commit leaves the handle with no transaction.
func (h *Handle) Commit() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.tx == nil {
		return fmt.Errorf("no open transaction for %s", h.key)
	}
	err := h.tx.Commit()
	h.tx = nil
	return err
}

// Rollback ends the open transaction without committing.
func (h *Handle) Rollback() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.tx == nil {
		return fmt.Errorf("no open transaction for %s", h.key)
	}
	err := h.tx.Rollback()
	h.tx = nil
	return err
}

// Query runs a read statement inside the open transaction if there is one,
// otherwise directly on the connection.
func (h *Handle) Query(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	h.mu.Lock()
	tx := h.tx
	h.mu.Unlock()
	if tx != nil {
		return tx.QueryContext(ctx, query, args...)
	}
	return h.conn.QueryContext(ctx, query, args...)
}

// Exec runs a mutation statement inside the open transaction if there is
// one, otherwise directly on the connection.
func (h *Handle) Exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	h.mu.Lock()
	tx := h.tx
	h.mu.Unlock()
	if tx != nil {
		return tx.ExecContext(ctx, query, args...)
	}
	return h.conn.ExecContext(ctx, query, args...)
}

// refCount is exposed for tests only.
func (h *Handle) refCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.refs
}

package connections

import (
	"context"
	"io"
	"log/slog"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func setupRegistry(t *testing.T) *Registry {
	r := NewRegistry(t.TempDir(), testLogger())
	t.Cleanup(r.EvictAll)
	return r
}

func TestAcquireCreatesAndReusesHandle(t *testing.T) {
	r := setupRegistry(t)
	key := Key{AppName: "tables", Generation: "gen1", TxGeneration: 1}

	h1, err := r.Acquire(context.Background(), key)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if got := h1.refCount(); got != 2 {
		t.Errorf("Expected 2 references after first acquire (registry + caller), got %d", got)
	}

	h2, err := r.Acquire(context.Background(), key)
	if err != nil {
		t.Fatalf("Second acquire failed: %v", err)
	}
	if h1 != h2 {
		t.Error("Acquire with the same key should return the same handle")
	}
	if got := h1.refCount(); got != 3 {
		t.Errorf("Expected 3 references after second acquire, got %d", got)
	}

	h1.Release()
	h2.Release()
	if got := h1.refCount(); got != 1 {
		t.Errorf("Expected registry reference to remain, got %d", got)
	}
	if got := r.HandleCount(); got != 1 {
		t.Errorf("Expected handle to stay registered, got count %d", got)
	}
}

func TestAcquireRejectsInvalidAppName(t *testing.T) {
	r := setupRegistry(t)
	for _, appName := range []string{"", "..", "a/b", "a\\b"} {
		_, err := r.Acquire(context.Background(), Key{AppName: appName, Generation: "gen1", TxGeneration: 1})
		if err == nil {
			t.Errorf("Expected error for app name %q", appName)
		}
	}
}

func TestGetReturnsNilWhenAbsent(t *testing.T) {
	r := setupRegistry(t)
	if h := r.Get(Key{AppName: "tables", Generation: "gen1", TxGeneration: 7}); h != nil {
		t.Error("Get should return nil for an unregistered key")
	}
}

func TestReleaseTransactionClosesHandle(t *testing.T) {
	r := setupRegistry(t)
	key := Key{AppName: "tables", Generation: "gen1", TxGeneration: 1}

	h, err := r.Acquire(context.Background(), key)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	h.Release()
	r.ReleaseTransaction(key)

	if got := h.refCount(); got != 0 {
		t.Errorf("Expected reference count 0 after release, got %d", got)
	}
	if got := r.HandleCount(); got != 0 {
		t.Errorf("Expected no registered handles, got %d", got)
	}
}

func TestFinalReleaseRollsBackOpenTransaction(t *testing.T) {
	r := setupRegistry(t)
	ctx := context.Background()
	key := Key{AppName: "tables", Generation: "gen1", TxGeneration: 1}

	h, err := r.Acquire(ctx, key)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if _, err := h.Exec(ctx, "CREATE TABLE notes (id INTEGER PRIMARY KEY, body TEXT)"); err != nil {
		t.Fatalf("Create table failed: %v", err)
	}
	if err := h.Begin(ctx); err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	if !h.InTransaction() {
		t.Fatal("Expected open transaction after Begin")
	}
	if _, err := h.Exec(ctx, "INSERT INTO notes (body) VALUES (?)", "draft"); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	// Drop both references without committing
	h.Release()
	r.ReleaseTransaction(key)

	h2, err := r.Acquire(ctx, Key{AppName: "tables", Generation: "gen1", TxGeneration: 2})
	if err != nil {
		t.Fatalf("Acquire after release failed: %v", err)
	}
	defer h2.Release()
	rows, err := h2.Query(ctx, "SELECT COUNT(*) FROM notes")
	if err != nil {
		t.Fatalf("Count query failed: %v", err)
	}
	defer rows.Close()
	var count int
	if !rows.Next() {
		t.Fatal("Expected a count row")
	}
	if err := rows.Scan(&count); err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	if count != 0 {
		t.Errorf("Expected uncommitted insert to be rolled back, found %d rows", count)
	}
}

func TestCommitPersistsAcrossHandles(t *testing.T) {
	r := setupRegistry(t)
	ctx := context.Background()
	key := Key{AppName: "tables", Generation: "gen1", TxGeneration: 1}

	h, err := r.Acquire(ctx, key)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if err := h.Begin(ctx); err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	if _, err := h.Exec(ctx, "CREATE TABLE notes (id INTEGER PRIMARY KEY, body TEXT)"); err != nil {
		t.Fatalf("Create table failed: %v", err)
	}
	if _, err := h.Exec(ctx, "INSERT INTO notes (body) VALUES (?)", "kept"); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	if err := h.Commit(); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if h.InTransaction() {
		t.Error("Expected no open transaction after commit")
	}
	h.Release()
	r.ReleaseTransaction(key)

	h2, err := r.Acquire(ctx, Key{AppName: "tables", Generation: "gen1", TxGeneration: 2})
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	defer h2.Release()
	rows, err := h2.Query(ctx, "SELECT body FROM notes")
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	defer rows.Close()
	if !rows.Next() {
		t.Fatal("Expected committed row to be visible")
	}
	var body string
	if err := rows.Scan(&body); err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	if body != "kept" {
		t.Errorf("Expected body 'kept', got %q", body)
	}
}

func TestEvictSessionGroup(t *testing.T) {
	r := setupRegistry(t)
	ctx := context.Background()

	oldKey := Key{AppName: "tables", Generation: "gen1", TxGeneration: 1}
	otherApp := Key{AppName: "forms", Generation: "gen1", TxGeneration: 1}
	for _, key := range []Key{oldKey, otherApp} {
		h, err := r.Acquire(ctx, key)
		if err != nil {
			t.Fatalf("Acquire %s failed: %v", key, err)
		}
		h.Release()
	}

	if evicted := r.EvictSessionGroup("tables", "gen2"); !evicted {
		t.Error("Expected eviction of gen1 handles")
	}
	if got := r.HandleCount(); got != 1 {
		t.Errorf("Expected only the other app's handle to remain, got %d", got)
	}

	// Nothing stale left for this app: the check is idempotent.
	if evicted := r.EvictSessionGroup("tables", "gen2"); evicted {
		t.Error("Expected no further eviction")
	}

	// An empty generation matches nothing, so everything for the app goes.
	if evicted := r.EvictSessionGroup("forms", ""); !evicted {
		t.Error("Expected eviction of all handles for the app")
	}
	if got := r.HandleCount(); got != 0 {
		t.Errorf("Expected no handles, got %d", got)
	}
}

func TestEvictAll(t *testing.T) {
	r := setupRegistry(t)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		h, err := r.Acquire(ctx, Key{AppName: "tables", Generation: "gen1", TxGeneration: i})
		if err != nil {
			t.Fatalf("Acquire failed: %v", err)
		}
		h.Release()
	}

	r.EvictAll()
	if got := r.HandleCount(); got != 0 {
		t.Errorf("Expected no handles after EvictAll, got %d", got)
	}
}

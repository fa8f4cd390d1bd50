package session

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

func newTestStore(t *testing.T) (*Store, *sql.DB) {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	// One connection, or each pool conn would get its own empty
	// in-memory database.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	store, err := NewStore(db, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return store, db
}

func TestUpsertAndGet(t *testing.T) {
	store, _ := newTestStore(t)

	err := store.Upsert(&Session{
		WorkspaceID:    "default",
		ThreadID:       "thr_1",
		ConversationID: "conv_1",
		UserID:         "dan",
		PersonaID:      "default",
	})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	sess, err := store.Get("default", "thr_1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if sess == nil {
		t.Fatal("session not found")
	}
	if sess.ConversationID != "conv_1" || sess.UserID != "dan" {
		t.Errorf("unexpected session: %+v", sess)
	}
	if sess.HealthState != "ok" {
		t.Errorf("health_state = %q, want default ok", sess.HealthState)
	}
	if sess.CreatedTS == 0 || sess.UpdatedTS == 0 {
		t.Error("timestamps not set")
	}
}

func TestGet_Missing(t *testing.T) {
	store, _ := newTestStore(t)

	sess, err := store.Get("default", "nope")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if sess != nil {
		t.Errorf("expected nil for missing session, got %+v", sess)
	}
}

func TestUpsert_MergePreservesExistingFields(t *testing.T) {
	store, _ := newTestStore(t)

	full := &Session{
		WorkspaceID:    "default",
		ThreadID:       "thr_1",
		ConversationID: "conv_1",
		UserID:         "dan",
		PersonaID:      "sage",
		HostURL:        "http://lm:1234",
		ModelID:        "qwen3-4b",
		CollectionName: "cathedral",
		CollectionID:   "col-1",
	}
	if err := store.Upsert(full); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	// Second write supplies only one new field; everything else empty.
	if err := store.Upsert(&Session{
		WorkspaceID: "default",
		ThreadID:    "thr_1",
		UserID:      "root",
	}); err != nil {
		t.Fatalf("Upsert merge: %v", err)
	}

	sess, err := store.Get("default", "thr_1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if sess.UserID != "root" {
		t.Errorf("user_id = %q, want overwritten root", sess.UserID)
	}
	if sess.HostURL != "http://lm:1234" || sess.ModelID != "qwen3-4b" {
		t.Errorf("host assignment lost: %+v", sess)
	}
	if sess.CollectionID != "col-1" || sess.CollectionName != "cathedral" {
		t.Errorf("collection binding lost: %+v", sess)
	}
	if sess.ConversationID != "conv_1" || sess.PersonaID != "sage" {
		t.Errorf("merge dropped populated fields: %+v", sess)
	}
}

func TestUpsert_MergeKeepsHealthState(t *testing.T) {
	store, _ := newTestStore(t)

	if err := store.Upsert(&Session{WorkspaceID: "default", ThreadID: "thr_1"}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	sess, err := store.Get("default", "thr_1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if sess.HealthState != "ok" {
		t.Fatalf("fresh row health_state = %q, want default ok", sess.HealthState)
	}

	if err := store.SetHealth("default", "thr_1", "degraded"); err != nil {
		t.Fatalf("SetHealth: %v", err)
	}

	// Re-creating the same thread with no health must not reset it.
	if err := store.Upsert(&Session{WorkspaceID: "default", ThreadID: "thr_1"}); err != nil {
		t.Fatalf("Upsert merge: %v", err)
	}

	sess, err = store.Get("default", "thr_1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if sess.HealthState != "degraded" {
		t.Errorf("health_state = %q, want degraded preserved across merge", sess.HealthState)
	}

	// An explicit incoming health still wins.
	if err := store.Upsert(&Session{WorkspaceID: "default", ThreadID: "thr_1", HealthState: "ok"}); err != nil {
		t.Fatalf("Upsert explicit health: %v", err)
	}
	sess, err = store.Get("default", "thr_1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if sess.HealthState != "ok" {
		t.Errorf("health_state = %q, want explicit ok applied", sess.HealthState)
	}
}

func TestNarrowSetters(t *testing.T) {
	store, _ := newTestStore(t)

	if err := store.Upsert(&Session{WorkspaceID: "ws", ThreadID: "t"}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := store.SetHost("ws", "t", "http://lm:1234", "m1"); err != nil {
		t.Fatalf("SetHost: %v", err)
	}
	if err := store.SetCollection("ws", "t", "cathedral", "col-9"); err != nil {
		t.Fatalf("SetCollection: %v", err)
	}
	if err := store.SetHealth("ws", "t", "degraded"); err != nil {
		t.Fatalf("SetHealth: %v", err)
	}

	sess, _ := store.Get("ws", "t")
	if sess.HostURL != "http://lm:1234" || sess.ModelID != "m1" {
		t.Errorf("SetHost not applied: %+v", sess)
	}
	if sess.CollectionID != "col-9" {
		t.Errorf("SetCollection not applied: %+v", sess)
	}
	if sess.HealthState != "degraded" {
		t.Errorf("SetHealth not applied: %+v", sess)
	}
}

func TestTouchAdvancesUpdated(t *testing.T) {
	store, _ := newTestStore(t)

	store.Upsert(&Session{WorkspaceID: "ws", ThreadID: "t"})
	before, _ := store.Get("ws", "t")

	time.Sleep(10 * time.Millisecond)
	if err := store.Touch("ws", "t"); err != nil {
		t.Fatalf("Touch: %v", err)
	}

	after, _ := store.Get("ws", "t")
	if after.UpdatedTS <= before.UpdatedTS {
		t.Errorf("updated_ts did not advance: %v -> %v", before.UpdatedTS, after.UpdatedTS)
	}
}

func TestFindByConversation(t *testing.T) {
	store, db := newTestStore(t)

	store.Upsert(&Session{WorkspaceID: "ws", ThreadID: "old", ConversationID: "conv"})
	store.Upsert(&Session{WorkspaceID: "ws", ThreadID: "new", ConversationID: "conv"})

	// Backdate the first row so ordering is deterministic.
	if _, err := db.Exec(`UPDATE sessions SET updated_ts = updated_ts - 60 WHERE thread_id = 'old'`); err != nil {
		t.Fatalf("backdate: %v", err)
	}

	sess, err := store.FindByConversation("conv")
	if err != nil {
		t.Fatalf("FindByConversation: %v", err)
	}
	if sess == nil || sess.ThreadID != "new" {
		t.Errorf("expected most recent session, got %+v", sess)
	}

	if sess, _ := store.FindByConversation(""); sess != nil {
		t.Error("empty conversation id should return nil")
	}
}

func TestPruneIdle(t *testing.T) {
	store, db := newTestStore(t)

	store.Upsert(&Session{WorkspaceID: "ws", ThreadID: "stale"})
	store.Upsert(&Session{WorkspaceID: "ws", ThreadID: "fresh"})
	if _, err := db.Exec(`UPDATE sessions SET updated_ts = updated_ts - 7200 WHERE thread_id = 'stale'`); err != nil {
		t.Fatalf("backdate: %v", err)
	}

	n, err := store.PruneIdle(time.Hour)
	if err != nil {
		t.Fatalf("PruneIdle: %v", err)
	}
	if n != 1 {
		t.Errorf("pruned %d rows, want 1", n)
	}

	if sess, _ := store.Get("ws", "stale"); sess != nil {
		t.Error("stale session should be gone")
	}
	if sess, _ := store.Get("ws", "fresh"); sess == nil {
		t.Error("fresh session should survive")
	}
}

func TestPruneConcurrentWithWrites(t *testing.T) {
	store, _ := newTestStore(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 20; i++ {
			select {
			case <-ctx.Done():
				return
			default:
			}
			store.Upsert(&Session{WorkspaceID: "ws", ThreadID: "busy"})
		}
	}()

	for i := 0; i < 20; i++ {
		if _, err := store.PruneIdle(time.Hour); err != nil {
			t.Errorf("PruneIdle: %v", err)
		}
	}
	wg.Wait()

	if sess, _ := store.Get("ws", "busy"); sess == nil {
		t.Error("concurrent write lost to pruner")
	}
}

func TestCount(t *testing.T) {
	store, _ := newTestStore(t)

	store.Upsert(&Session{WorkspaceID: "ws", ThreadID: "a"})
	store.Upsert(&Session{WorkspaceID: "ws", ThreadID: "b"})
	store.Upsert(&Session{WorkspaceID: "ws", ThreadID: "a"})

	n, err := store.Count()
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 2 {
		t.Errorf("count = %d, want 2", n)
	}
}

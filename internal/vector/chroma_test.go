package vector

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// recordingStore is a fake Chroma that answers per-path and records
// every request path it sees.
type recordingStore struct {
	mu       sync.Mutex
	requests []string
	handler  func(w http.ResponseWriter, r *http.Request)
}

func (s *recordingStore) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.requests = append(s.requests, r.Method+" "+r.URL.Path)
	s.mu.Unlock()
	s.handler(w, r)
}

func (s *recordingStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

func TestHealth_VersionProbeOrder(t *testing.T) {
	t.Parallel()

	store := &recordingStore{handler: func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v2/heartbeat":
			w.WriteHeader(http.StatusNotFound)
		case "/api/v1/heartbeat":
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}}
	srv := httptest.NewServer(store)
	t.Cleanup(srv.Close)

	c := New(testLogger(), srv.URL)
	if !c.Health(context.Background()) {
		t.Fatal("health should succeed via v1 heartbeat")
	}

	store.mu.Lock()
	got := append([]string(nil), store.requests...)
	store.mu.Unlock()
	want := []string{"GET /api/v2/heartbeat", "GET /api/v1/heartbeat"}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("probe order = %v, want %v", got, want)
	}
}

func TestHealth_Unconfigured(t *testing.T) {
	t.Parallel()

	c := New(testLogger(), "")
	if c.Health(context.Background()) {
		t.Error("health should be false with no base URL")
	}
}

func TestEnsureCollection_V2AndCache(t *testing.T) {
	t.Parallel()

	store := &recordingStore{handler: func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/v2/collections/by_name" {
			w.Header().Set("Content-Type", "application/json")
			io.WriteString(w, `{"id":"col-123","name":"cathedral"}`)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}}
	srv := httptest.NewServer(store)
	t.Cleanup(srv.Close)

	c := New(testLogger(), srv.URL)

	id, ok := c.EnsureCollection(context.Background(), "cathedral")
	if !ok || id != "col-123" {
		t.Fatalf("EnsureCollection = %q ok=%v", id, ok)
	}

	before := store.count()
	id, ok = c.EnsureCollection(context.Background(), "cathedral")
	if !ok || id != "col-123" {
		t.Fatalf("cached EnsureCollection = %q ok=%v", id, ok)
	}
	if store.count() != before {
		t.Error("second call should be served from cache without HTTP")
	}
}

func TestEnsureCollection_EscapesName(t *testing.T) {
	t.Parallel()

	var gotName string
	store := &recordingStore{handler: func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/v2/collections/by_name" {
			gotName = r.URL.Query().Get("name")
			w.Header().Set("Content-Type", "application/json")
			io.WriteString(w, `{"id":"col-odd","name":"my docs & notes"}`)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}}
	srv := httptest.NewServer(store)
	t.Cleanup(srv.Close)

	c := New(testLogger(), srv.URL)

	id, ok := c.EnsureCollection(context.Background(), "my docs & notes")
	if !ok || id != "col-odd" {
		t.Fatalf("EnsureCollection = %q ok=%v", id, ok)
	}
	if gotName != "my docs & notes" {
		t.Errorf("name arrived as %q, want it intact through query escaping", gotName)
	}
}

func TestEnsureCollection_FallsBackToV1(t *testing.T) {
	t.Parallel()

	store := &recordingStore{handler: func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/api/v2/collections/by_name":
			w.WriteHeader(http.StatusNotFound)
		case r.URL.Path == "/api/v2/collections" && r.Method == http.MethodPost:
			w.WriteHeader(http.StatusUnprocessableEntity)
		case r.URL.Path == "/api/v1/collections/cathedral":
			io.WriteString(w, `{"collection":{"id":"v1-col"}}`)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}}
	srv := httptest.NewServer(store)
	t.Cleanup(srv.Close)

	c := New(testLogger(), srv.URL)
	id, ok := c.EnsureCollection(context.Background(), "cathedral")
	if !ok || id != "v1-col" {
		t.Fatalf("EnsureCollection = %q ok=%v, want v1 fallback", id, ok)
	}
}

func TestEnsureCollection_CreatesWhenMissing(t *testing.T) {
	t.Parallel()

	store := &recordingStore{handler: func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/api/v2/collections/by_name":
			w.WriteHeader(http.StatusNotFound)
		case r.URL.Path == "/api/v2/collections" && r.Method == http.MethodPost:
			w.WriteHeader(http.StatusCreated)
			io.WriteString(w, `{"id":"fresh"}`)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}}
	srv := httptest.NewServer(store)
	t.Cleanup(srv.Close)

	c := New(testLogger(), srv.URL)
	id, ok := c.EnsureCollection(context.Background(), "cathedral")
	if !ok || id != "fresh" {
		t.Fatalf("EnsureCollection = %q ok=%v, want created id", id, ok)
	}
}

func TestSetBaseURL_InvalidatesCache(t *testing.T) {
	t.Parallel()

	handler := func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/v2/collections/by_name" {
			io.WriteString(w, `{"id":"col-a"}`)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}
	a := &recordingStore{handler: handler}
	srvA := httptest.NewServer(a)
	t.Cleanup(srvA.Close)
	b := &recordingStore{handler: handler}
	srvB := httptest.NewServer(b)
	t.Cleanup(srvB.Close)

	c := New(testLogger(), srvA.URL)
	if _, ok := c.EnsureCollection(context.Background(), "cathedral"); !ok {
		t.Fatal("first ensure failed")
	}

	c.SetBaseURL(srvB.URL)
	if _, ok := c.EnsureCollection(context.Background(), "cathedral"); !ok {
		t.Fatal("ensure after rebase failed")
	}
	if b.count() == 0 {
		t.Error("rebased client should re-resolve against the new store")
	}
}

func TestUpsert_MismatchFallsBackWithinAttempt(t *testing.T) {
	t.Parallel()

	store := &recordingStore{handler: func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v2/collections/col-1/add":
			w.WriteHeader(http.StatusGone)
		case "/api/v1/collections/col-1/add":
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}}
	srv := httptest.NewServer(store)
	t.Cleanup(srv.Close)

	c := New(testLogger(), srv.URL)
	start := time.Now()
	ok := c.Upsert(context.Background(), "col-1",
		[]string{"id1"}, []string{"doc"}, []map[string]any{{}}, nil)
	if !ok {
		t.Fatal("upsert should succeed via v1 within the first attempt")
	}
	if time.Since(start) > time.Second {
		t.Error("in-attempt fallback should not sleep")
	}
}

func TestUpsert_CanceledDuringBackoff(t *testing.T) {
	t.Parallel()

	store := &recordingStore{handler: func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}}
	srv := httptest.NewServer(store)
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	c := New(testLogger(), srv.URL)
	if c.Upsert(ctx, "col-1", []string{"id1"}, []string{"doc"}, []map[string]any{{}}, nil) {
		t.Fatal("upsert against a broken store should fail")
	}
}

func TestUpsert_RequiresCollection(t *testing.T) {
	t.Parallel()

	c := New(testLogger(), "http://unused.invalid")
	if c.Upsert(context.Background(), "", []string{"a"}, []string{"d"}, nil, nil) {
		t.Error("upsert without a collection id should fail fast")
	}
}

func TestBackoffCap(t *testing.T) {
	t.Parallel()

	if backoff(1) != 2*time.Second {
		t.Errorf("backoff(1) = %v", backoff(1))
	}
	if backoff(2) != 4*time.Second {
		t.Errorf("backoff(2) = %v", backoff(2))
	}
	if backoff(3) != 5*time.Second {
		t.Errorf("backoff(3) should cap at 5s, got %v", backoff(3))
	}
}

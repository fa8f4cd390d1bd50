package main

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/cathedralhq/cathedral/internal/catalog"
	"github.com/cathedralhq/cathedral/internal/readiness"
	"github.com/cathedralhq/cathedral/internal/vector"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func modelBackend(t *testing.T) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/models" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"data":[{"id":"qwen2.5-7b"}]}`))
	}))
	t.Cleanup(ts.Close)
	return ts
}

func TestObserveReadiness_NoVectorStore(t *testing.T) {
	t.Parallel()
	logger := quietLogger()
	backend := modelBackend(t)

	pool := catalog.New(logger, []string{backend.URL})
	pool.Refresh(context.Background())

	ready := readiness.New(logger, true, true)
	chroma := vector.New(logger, "")

	observeReadiness(context.Background(), ready, pool, chroma)

	if !ready.Ready() {
		t.Error("gateway with no vector store configured should be ready once a backend has models")
	}
	if !ready.AutoConfigActive() {
		t.Error("auto_config should engage without a vector store")
	}
	if !ready.UpsertsActive() {
		t.Error("upserts_active should follow readiness without a vector store")
	}
}

func TestObserveReadiness_ConfiguredStoreDown(t *testing.T) {
	t.Parallel()
	logger := quietLogger()
	backend := modelBackend(t)

	pool := catalog.New(logger, []string{backend.URL})
	pool.Refresh(context.Background())

	ready := readiness.New(logger, true, true)

	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unavailable", http.StatusInternalServerError)
	}))
	t.Cleanup(down.Close)
	chroma := vector.New(logger, down.URL)

	observeReadiness(context.Background(), ready, pool, chroma)

	if ready.Ready() {
		t.Error("gateway should stay pending while the configured vector store is unreachable")
	}
}

// Package vector talks to a Chroma vector store over HTTP, hiding the
// split between its v2 and v1 wire APIs. The client prefers whichever
// generation last answered and falls back on the status codes a
// mismatched generation produces, so the store can be upgraded or
// swapped without restarting the gateway.
package vector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cathedralhq/cathedral/internal/httpkit"
)

const (
	healthTimeout = 5 * time.Second
	lookupTimeout = 20 * time.Second
	createTimeout = 30 * time.Second
	upsertTimeout = 60 * time.Second

	upsertAttempts = 3
)

// Client is a Chroma client safe for concurrent use. baseURL, the
// preferred-generation flag, and the collection name→id cache share one
// mutex so a base URL swap and its cache invalidation are observed
// together.
type Client struct {
	http   *http.Client
	logger *slog.Logger

	mu       sync.Mutex
	baseURL  string
	preferV2 bool
	cache    map[string]string

	// ensureMu serializes cache-miss collection lookups so concurrent
	// writers do not race to create the same collection.
	ensureMu sync.Mutex
}

// New creates a Client for the store at baseURL. An empty baseURL is
// valid and means no vector store is configured; Health reports false
// and EnsureCollection/Upsert fail fast until SetBaseURL provides one.
func New(logger *slog.Logger, baseURL string) *Client {
	return &Client{
		http: httpkit.NewClient(
			httpkit.WithTimeout(0),
			httpkit.WithLogger(logger),
		),
		logger:   logger,
		baseURL:  strings.TrimRight(baseURL, "/"),
		preferV2: true,
		cache:    map[string]string{},
	}
}

// SetBaseURL points the client at a different store instance. The
// collection cache is cleared in the same critical section because
// collection ids are not portable across instances.
func (c *Client) SetBaseURL(baseURL string) {
	baseURL = strings.TrimRight(baseURL, "/")
	c.mu.Lock()
	defer c.mu.Unlock()
	if baseURL == c.baseURL {
		return
	}
	c.baseURL = baseURL
	c.cache = map[string]string{}
}

// BaseURL returns the configured store URL.
func (c *Client) BaseURL() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.baseURL
}

// Configured reports whether a store URL is set.
func (c *Client) Configured() bool { return c.BaseURL() != "" }

func (c *Client) snapshot() (base string, preferV2 bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.baseURL, c.preferV2
}

func (c *Client) setPreferV2(v bool) {
	c.mu.Lock()
	c.preferV2 = v
	c.mu.Unlock()
}

func v2URL(base, path string) string { return base + "/api/v2" + path }
func v1URL(base, path string) string { return base + "/api/v1" + path }

// isMismatch reports whether a status looks like "wrong API generation"
// rather than a genuine failure.
func isMismatch(status int) bool {
	switch status {
	case http.StatusBadRequest, http.StatusNotFound, http.StatusMethodNotAllowed,
		http.StatusConflict, http.StatusGone, http.StatusUnprocessableEntity:
		return true
	}
	return false
}

// Health probes the store's heartbeat endpoints in order (v2, v1, then
// the bare legacy path) and returns true on the first 2xx/3xx answer.
// The answering generation becomes the preferred one for later calls.
func (c *Client) Health(ctx context.Context) bool {
	base, _ := c.snapshot()
	if base == "" {
		return false
	}

	probes := []struct {
		url      string
		preferV2 *bool
	}{
		{v2URL(base, "/heartbeat"), boolPtr(true)},
		{v1URL(base, "/heartbeat"), boolPtr(false)},
		{base + "/heartbeat", nil},
	}

	for _, probe := range probes {
		status, _, err := c.get(ctx, probe.url, healthTimeout)
		if err != nil {
			c.logger.Debug("chroma heartbeat probe failed", "url", probe.url, "error", err)
			continue
		}
		if status >= 200 && status < 400 {
			if probe.preferV2 != nil {
				c.setPreferV2(*probe.preferV2)
			}
			return true
		}
	}

	c.logger.Warn("chroma unreachable", "url", base)
	return false
}

// EnsureCollection returns the id for the named collection, creating it
// if needed. Lookup-then-create runs on the preferred generation first;
// a version-mismatch status retries the pair on the other generation.
// Returns ("", false) only when both generations fail.
func (c *Client) EnsureCollection(ctx context.Context, name string) (string, bool) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", false
	}
	base, preferV2 := c.snapshot()
	if base == "" {
		return "", false
	}

	c.mu.Lock()
	if id, ok := c.cache[name]; ok {
		c.mu.Unlock()
		return id, true
	}
	c.mu.Unlock()

	c.ensureMu.Lock()
	defer c.ensureMu.Unlock()

	// Another goroutine may have resolved it while we waited.
	c.mu.Lock()
	if id, ok := c.cache[name]; ok {
		c.mu.Unlock()
		return id, true
	}
	c.mu.Unlock()

	order := []bool{preferV2, !preferV2}
	for _, useV2 := range order {
		id, ok := c.ensureOn(ctx, base, name, useV2)
		if !ok {
			continue
		}
		c.mu.Lock()
		// A SetBaseURL during the lookup invalidates the id we found.
		if c.baseURL == base {
			c.cache[name] = id
			c.preferV2 = useV2
		}
		c.mu.Unlock()
		return id, true
	}

	c.logger.Error("chroma collection unavailable", "name", name, "url", base)
	return "", false
}

// ensureOn runs the lookup-then-create pair against one generation.
func (c *Client) ensureOn(ctx context.Context, base, name string, useV2 bool) (string, bool) {
	var lookupURL string
	if useV2 {
		lookupURL = v2URL(base, "/collections/by_name?name="+url.QueryEscape(name))
	} else {
		lookupURL = v1URL(base, "/collections/"+url.PathEscape(name))
	}

	status, body, err := c.get(ctx, lookupURL, lookupTimeout)
	if err == nil && status == http.StatusOK {
		if id := collectionID(body); id != "" {
			return id, true
		}
	} else if err != nil {
		c.logger.Debug("chroma collection lookup failed", "url", lookupURL, "error", err)
	}

	var createURL string
	payload := map[string]any{"name": name}
	if useV2 {
		createURL = v2URL(base, "/collections")
		payload["metadata"] = map[string]any{}
	} else {
		createURL = v1URL(base, "/collections")
	}

	status, body, err = c.post(ctx, createURL, payload, createTimeout)
	if err != nil {
		c.logger.Debug("chroma collection create failed", "url", createURL, "error", err)
		return "", false
	}
	if status == http.StatusOK || status == http.StatusCreated {
		if id := collectionID(body); id != "" {
			return id, true
		}
	}
	if isMismatch(status) {
		c.logger.Debug("chroma generation mismatch", "url", createURL, "status", status)
	}
	return "", false
}

// Upsert adds records to an existing collection. Each attempt tries the
// "add" path on both generations, preferred first; a mismatch status
// moves to the other candidate within the attempt, any other failure
// ends the attempt. Up to three attempts with capped exponential
// backoff between them.
func (c *Client) Upsert(ctx context.Context, collectionID string, ids, documents []string, metadatas []map[string]any, embeddings [][]float64) bool {
	base, _ := c.snapshot()
	if base == "" || collectionID == "" {
		return false
	}

	payload := map[string]any{
		"ids":       ids,
		"documents": documents,
		"metadatas": metadatas,
	}
	if embeddings != nil {
		payload["embeddings"] = embeddings
	}

	for attempt := 1; attempt <= upsertAttempts; attempt++ {
		_, preferV2 := c.snapshot()
		order := []bool{preferV2, !preferV2}

	candidates:
		for _, useV2 := range order {
			var url string
			if useV2 {
				url = v2URL(base, "/collections/"+collectionID+"/add")
			} else {
				url = v1URL(base, "/collections/"+collectionID+"/add")
			}

			status, _, err := c.post(ctx, url, payload, upsertTimeout)
			switch {
			case err != nil:
				c.logger.Warn("chroma upsert transport error", "url", url, "error", err)
				break candidates
			case status >= 200 && status < 300:
				c.setPreferV2(useV2)
				c.logger.Debug("chroma upsert ok", "collection_id", collectionID, "count", len(ids))
				return true
			case isMismatch(status):
				continue
			default:
				c.logger.Warn("chroma upsert rejected", "url", url, "status", status)
				break candidates
			}
		}

		if attempt < upsertAttempts {
			if !sleepCtx(ctx, backoff(attempt)) {
				return false
			}
		}
	}

	c.logger.Error("chroma upsert exhausted", "collection_id", collectionID)
	return false
}

// backoff returns min(2^attempt, 5) seconds.
func backoff(attempt int) time.Duration {
	d := time.Duration(1<<attempt) * time.Second
	if d > 5*time.Second {
		d = 5 * time.Second
	}
	return d
}

// sleepCtx waits for d or until ctx is done; false means canceled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func boolPtr(b bool) *bool { return &b }

// collectionID extracts an id from either response shape: a top-level
// "id" or one nested under "collection".
func collectionID(body []byte) string {
	var doc struct {
		ID         string `json:"id"`
		Collection struct {
			ID string `json:"id"`
		} `json:"collection"`
	}
	if err := json.Unmarshal(body, &doc); err != nil {
		return ""
	}
	if doc.ID != "" {
		return doc.ID
	}
	return doc.Collection.ID
}

func (c *Client) get(ctx context.Context, url string, timeout time.Duration) (int, []byte, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, nil, err
	}
	return c.do(req)
}

func (c *Client) post(ctx context.Context, url string, payload any, timeout time.Duration) (int, []byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, fmt.Errorf("marshal payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req)
}

func (c *Client) do(req *http.Request) (int, []byte, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	body, readErr := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	httpkit.DrainAndClose(resp.Body, 4096)
	if readErr != nil {
		return resp.StatusCode, nil, nil
	}
	return resp.StatusCode, body, nil
}

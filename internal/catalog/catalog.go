// Package catalog tracks the configured backend hosts and the models
// each one serves. A background refresh polls every host's OpenAI-style
// model listing; routing and readiness decisions read the last good
// snapshot without blocking on refresh.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/cathedralhq/cathedral/internal/httpkit"
)

// Health marks for a host, as reported by the last refresh.
const (
	HealthOK   = "ok"
	HealthDown = "down"
)

// DefaultProbeTimeout bounds a single host's model-listing call.
const DefaultProbeTimeout = 10 * time.Second

// Model is one backend model object. Vendor fields beyond id vary by
// backend and are preserved verbatim for passthrough.
type Model map[string]any

// ID returns the model identifier, accepting either the OpenAI "id"
// field or the "name" field some backends use instead.
func (m Model) ID() string {
	if id, ok := m["id"].(string); ok && id != "" {
		return id
	}
	if name, ok := m["name"].(string); ok {
		return name
	}
	return ""
}

// Pool is the backend host catalog. All snapshot fields are guarded by
// mu; Refresh builds replacement maps outside the lock and swaps them
// in, so readers never observe a partially updated catalog.
type Pool struct {
	client  *http.Client
	timeout time.Duration
	logger  *slog.Logger

	mu     sync.RWMutex
	hosts  []string
	byHost map[string][]Model
	health map[string]string
	index  map[string]string
}

// New creates a Pool over the given normalized base URLs.
func New(logger *slog.Logger, hosts []string) *Pool {
	p := &Pool{
		client: httpkit.NewClient(
			httpkit.WithTimeout(DefaultProbeTimeout),
			httpkit.WithLogger(logger),
		),
		timeout: DefaultProbeTimeout,
		logger:  logger,
		byHost:  map[string][]Model{},
		health:  map[string]string{},
		index:   map[string]string{},
	}
	p.SetHosts(hosts)
	return p
}

// SetHosts replaces the configured host set. Snapshot entries for
// removed hosts are dropped; new hosts start down until the next
// refresh observes them.
func (p *Pool) SetHosts(hosts []string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.hosts = append([]string(nil), hosts...)

	keep := make(map[string]bool, len(hosts))
	for _, h := range hosts {
		keep[h] = true
		if _, ok := p.health[h]; !ok {
			p.health[h] = HealthDown
		}
	}
	for h := range p.byHost {
		if !keep[h] {
			delete(p.byHost, h)
		}
	}
	for h := range p.health {
		if !keep[h] {
			delete(p.health, h)
		}
	}
	p.rebuildIndexLocked()
}

// HasHosts reports whether at least one backend is configured,
// regardless of liveness.
func (p *Pool) HasHosts() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.hosts) > 0
}

// Hosts returns the configured host list in order.
func (p *Pool) Hosts() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]string(nil), p.hosts...)
}

// Refresh polls every configured host concurrently. A host that fails
// or times out gets an empty model list and a down mark; other hosts
// are unaffected.
func (p *Pool) Refresh(ctx context.Context) {
	hosts := p.Hosts()
	if len(hosts) == 0 {
		return
	}

	type result struct {
		host   string
		models []Model
		err    error
	}

	results := make([]result, len(hosts))
	var wg sync.WaitGroup
	for i, host := range hosts {
		wg.Add(1)
		go func(i int, host string) {
			defer wg.Done()
			models, err := p.listModels(ctx, host)
			results[i] = result{host: host, models: models, err: err}
		}(i, host)
	}
	wg.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, r := range results {
		if r.err != nil {
			p.logger.Warn("model listing failed", "host", r.host, "error", r.err)
			p.byHost[r.host] = nil
			p.health[r.host] = HealthDown
			continue
		}
		p.byHost[r.host] = r.models
		p.health[r.host] = HealthOK
	}
	p.rebuildIndexLocked()
}

func (p *Pool) listModels(ctx context.Context, host string) ([]Model, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, host+"/v1/models", nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 512))
	}

	var payload struct {
		Data []Model `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode model list: %w", err)
	}
	return payload.Data, nil
}

// rebuildIndexLocked recomputes the model id → host routing map. Hosts
// are walked in configured order and the first host serving a model id
// keeps it, so routing stays deterministic across refreshes.
func (p *Pool) rebuildIndexLocked() {
	idx := make(map[string]string)
	for _, host := range p.hosts {
		for _, m := range p.byHost[host] {
			id := m.ID()
			if id == "" {
				continue
			}
			if _, ok := idx[id]; !ok {
				idx[id] = host
			}
		}
	}
	p.index = idx
}

// Catalog returns a copy of the host → model-id mapping from the last
// refresh.
func (p *Pool) Catalog() map[string][]string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make(map[string][]string, len(p.hosts))
	for _, host := range p.hosts {
		ids := make([]string, 0, len(p.byHost[host]))
		for _, m := range p.byHost[host] {
			if id := m.ID(); id != "" {
				ids = append(ids, id)
			}
		}
		out[host] = ids
	}
	return out
}

// Models returns the union of all hosts' model objects, de-duplicated
// by id with the first-configured host winning. Objects that carry only
// a "name" gain an "id" so callers always see the OpenAI shape.
func (p *Pool) Models() []Model {
	p.mu.RLock()
	defer p.mu.RUnlock()

	seen := make(map[string]bool)
	var out []Model
	for _, host := range p.hosts {
		for _, m := range p.byHost[host] {
			id := m.ID()
			if id == "" || seen[id] {
				continue
			}
			seen[id] = true
			if _, ok := m["id"]; !ok {
				copied := make(Model, len(m)+1)
				copied["id"] = id
				for k, v := range m {
					if k != "name" {
						copied[k] = v
					}
				}
				m = copied
			}
			out = append(out, m)
		}
	}
	return out
}

// Health returns a copy of the per-host health marks.
func (p *Pool) Health() map[string]string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make(map[string]string, len(p.health))
	for h, s := range p.health {
		out[h] = s
	}
	return out
}

// ModelCounts returns host → number of models, for status surfaces.
func (p *Pool) ModelCounts() map[string]int {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make(map[string]int, len(p.hosts))
	for _, host := range p.hosts {
		out[host] = len(p.byHost[host])
	}
	return out
}

// Ready reports whether any host served at least one model on the last
// refresh.
func (p *Pool) Ready() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, models := range p.byHost {
		if len(models) > 0 {
			return true
		}
	}
	return false
}

// RouteForModel resolves the host serving the given model id. Unknown
// or empty ids fall back to the first configured host. The second
// return is false only when no hosts are configured at all.
func (p *Pool) RouteForModel(id string) (string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if len(p.hosts) == 0 {
		return "", false
	}
	if id != "" {
		if host, ok := p.index[id]; ok {
			return host, true
		}
	}
	return p.hosts[0], true
}

// FirstHealthyHost returns the first configured host marked ok, else
// the first configured host. False when none are configured.
func (p *Pool) FirstHealthyHost() (string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if len(p.hosts) == 0 {
		return "", false
	}
	for _, host := range p.hosts {
		if p.health[host] == HealthOK {
			return host, true
		}
	}
	return p.hosts[0], true
}

// ModelIDs returns the sorted union of model ids across all hosts.
func (p *Pool) ModelIDs() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	seen := make(map[string]bool)
	var out []string
	for _, models := range p.byHost {
		for _, m := range models {
			if id := m.ID(); id != "" && !seen[id] {
				seen[id] = true
				out = append(out, id)
			}
		}
	}
	sort.Strings(out)
	return out
}

// Run refreshes the catalog on a fixed interval until ctx is canceled.
// Each cycle invokes onRefresh (if set) after the snapshot swap, which
// is how the readiness coordinator observes catalog changes.
func (p *Pool) Run(ctx context.Context, interval time.Duration, onRefresh func()) {
	p.Refresh(ctx)
	if onRefresh != nil {
		onRefresh()
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Refresh(ctx)
			if onRefresh != nil {
				onRefresh()
			}
		}
	}
}

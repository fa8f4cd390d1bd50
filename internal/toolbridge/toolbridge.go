// Package toolbridge forwards allow-listed service calls to the
// smart-home core through the supervisor REST API. Tool names are
// "domain.service"; only domains on the configured allow-list may be
// invoked.
package toolbridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cathedralhq/cathedral/internal/httpkit"
)

// CallResult is the envelope returned for every tool invocation. OK
// false always comes with a machine-readable Error.
type CallResult struct {
	OK     bool   `json:"ok"`
	Status int    `json:"status,omitempty"`
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Service describes one callable smart-home service.
type Service struct {
	Domain      string         `json:"domain"`
	Service     string         `json:"service"`
	Name        string         `json:"name,omitempty"`
	Description string         `json:"description,omitempty"`
	Fields      map[string]any `json:"fields,omitempty"`
}

// Bridge is the supervisor REST forwarder.
type Bridge struct {
	baseURL string
	token   string
	client  *http.Client
	logger  *slog.Logger

	mu      sync.RWMutex
	allowed map[string]bool
}

// New creates a Bridge against the supervisor at baseURL using the
// given bearer token (the SUPERVISOR_TOKEN the add-on runtime injects).
func New(logger *slog.Logger, baseURL, token string, allowedDomains []string) *Bridge {
	b := &Bridge{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client: httpkit.NewClient(
			httpkit.WithTimeout(10 * time.Second),
			httpkit.WithLogger(logger),
		),
		logger: logger,
	}
	b.SetAllowedDomains(allowedDomains)
	return b
}

// SetAllowedDomains replaces the domain allow-list, typically after an
// options swap.
func (b *Bridge) SetAllowedDomains(domains []string) {
	allowed := make(map[string]bool, len(domains))
	for _, d := range domains {
		if d = strings.TrimSpace(d); d != "" {
			allowed[d] = true
		}
	}
	b.mu.Lock()
	b.allowed = allowed
	b.mu.Unlock()

	names := make([]string, 0, len(allowed))
	for d := range allowed {
		names = append(names, d)
	}
	sort.Strings(names)
	b.logger.Debug("toolbridge allow-list set", "domains", names)
}

func (b *Bridge) domainAllowed(domain string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.allowed[domain]
}

// Call invokes "domain.service" with the given payload. Protocol
// failures come back as structured results, never as errors, so the
// socket layer can pass them through verbatim.
func (b *Bridge) Call(ctx context.Context, toolName string, payload map[string]any) CallResult {
	domain, service, ok := strings.Cut(toolName, ".")
	if !ok || domain == "" || service == "" {
		b.logger.Error("invalid tool name", "tool", toolName)
		return CallResult{OK: false, Error: "invalid_tool_name"}
	}
	if !b.domainAllowed(domain) {
		b.logger.Warn("tool domain blocked", "domain", domain, "service", service)
		return CallResult{OK: false, Error: "domain_not_allowed:" + domain}
	}

	if payload == nil {
		payload = map[string]any{}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return CallResult{OK: false, Error: "http_error:" + err.Error()}
	}

	url := fmt.Sprintf("%s/core/api/services/%s/%s", b.baseURL, domain, service)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return CallResult{OK: false, Error: "http_error:" + err.Error()}
	}
	req.Header.Set("Authorization", "Bearer "+b.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		b.logger.Error("tool call transport failed", "url", url, "error", err)
		return CallResult{OK: false, Error: "http_error:" + err.Error()}
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	var result any
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		result = nil
	}

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusAccepted:
		b.logger.Info("tool call ok", "domain", domain, "service", service, "status", resp.StatusCode)
		return CallResult{OK: true, Result: result}
	case http.StatusUnauthorized:
		b.logger.Warn("tool call unauthorized", "domain", domain, "service", service)
		return CallResult{OK: false, Status: resp.StatusCode, Error: "unauthorized"}
	default:
		b.logger.Error("tool call failed", "domain", domain, "service", service, "status", resp.StatusCode)
		return CallResult{OK: false, Status: resp.StatusCode, Error: fmt.Sprintf("status_%d", resp.StatusCode)}
	}
}

// ListServices fetches the smart-home service catalog and flattens it
// to the allow-listed domains.
func (b *Bridge) ListServices(ctx context.Context) ([]Service, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+"/core/api/services", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+b.token)

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list services: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("list services: status %d: %s",
			resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 512))
	}

	var domains []struct {
		Domain   string `json:"domain"`
		Services map[string]struct {
			Name        string         `json:"name"`
			Description string         `json:"description"`
			Fields      map[string]any `json:"fields"`
		} `json:"services"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&domains); err != nil {
		return nil, fmt.Errorf("decode services: %w", err)
	}

	var out []Service
	for _, d := range domains {
		if !b.domainAllowed(d.Domain) {
			continue
		}
		names := make([]string, 0, len(d.Services))
		for svc := range d.Services {
			names = append(names, svc)
		}
		sort.Strings(names)
		for _, svc := range names {
			meta := d.Services[svc]
			out = append(out, Service{
				Domain:      d.Domain,
				Service:     svc,
				Name:        meta.Name,
				Description: meta.Description,
				Fields:      meta.Fields,
			})
		}
	}
	return out, nil
}

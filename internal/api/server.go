// Package api implements the OpenAI-compatible relay surface plus the
// options/status endpoints. Chat and embedding requests are routed to
// a backend host by model id and proxied; the control socket is served
// from the same listener.
package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/cathedralhq/cathedral/internal/buildinfo"
	"github.com/cathedralhq/cathedral/internal/catalog"
	"github.com/cathedralhq/cathedral/internal/config"
	"github.com/cathedralhq/cathedral/internal/httpkit"
	"github.com/cathedralhq/cathedral/internal/readiness"
	"github.com/cathedralhq/cathedral/internal/session"
	"github.com/cathedralhq/cathedral/internal/vector"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// OptionsApplier applies a raw JSON options patch: snapshot swap,
// persistence, and component rewiring.
type OptionsApplier func(ctx context.Context, patch []byte) error

// Config wires the relay server's collaborators.
type Config struct {
	Address string
	Port    int

	Logger   *slog.Logger
	Pool     *catalog.Pool
	Ready    *readiness.Coordinator
	Sessions *session.Store
	Vector   *vector.Client
	Options  *config.Store

	// ApplyOptions handles POST /api/options bodies.
	ApplyOptions OptionsApplier

	// Control serves websocket upgrades on the root path.
	Control http.Handler
}

// Server is the HTTP relay server.
type Server struct {
	cfg    Config
	logger *slog.Logger

	// relay carries proxied chat/embedding requests. No client-level
	// timeout: streamed completions stay open as long as the backend
	// keeps generating.
	relay  *http.Client
	server *http.Server
}

// NewServer creates the relay server.
func NewServer(cfg Config) *Server {
	return &Server{
		cfg:    cfg,
		logger: cfg.Logger,
		relay:  httpkit.NewClient(httpkit.WithTimeout(0), httpkit.WithLogger(cfg.Logger)),
	}
}

// Handler returns the route table. Split from Start so tests can serve
// it from httptest.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// OpenAI-compatible endpoints
	mux.HandleFunc("POST /v1/chat/completions", s.handleChatCompletions)
	mux.HandleFunc("POST /v1/embeddings", s.handleEmbeddings)
	mux.HandleFunc("GET /v1/models", s.handleModels)
	mux.HandleFunc("HEAD /v1/models", s.handleModelsHead)

	// Native backend catalog shape
	mux.HandleFunc("GET /api/v0/models", s.handleModelsV0)

	// Gateway management
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/options", s.handleOptionsGet)
	mux.HandleFunc("POST /api/options", s.handleOptionsSet)

	mux.HandleFunc("/", s.handleRoot)

	return s.withLogging(mux)
}

// Start begins serving HTTP requests and blocks until the listener
// fails or Shutdown is called.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", s.cfg.Address, s.cfg.Port),
		Handler:     s.Handler(),
		ReadTimeout: 30 * time.Second,
		// No WriteTimeout: streaming completions run arbitrarily long.
	}

	addr := s.cfg.Address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting relay server", "address", addr, "port", s.cfg.Port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	// The control socket shares the root path with the info endpoint,
	// matching what existing clients dial.
	if s.cfg.Control != nil && websocket.IsWebSocketUpgrade(r) {
		s.cfg.Control.ServeHTTP(w, r)
		return
	}
	if r.URL.Path != "/" {
		s.errorResponse(w, http.StatusNotFound, "not found")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"name":    "Cathedral",
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	counts := s.cfg.Pool.ModelCounts()
	chromaOK := s.cfg.Vector.Health(r.Context())

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"ok":       true,
		"lm_hosts": counts,
		"chroma":   map[string]any{"ok": chromaOK},
	}, s.logger)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	sessionCount, err := s.cfg.Sessions.Count()
	if err != nil {
		s.logger.Error("session count failed", "error", err)
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"ts":        float64(time.Now().UnixNano()) / 1e9,
		"readiness": s.cfg.Ready.Snapshot(),
		"sessions":  sessionCount,
		"catalog":   s.cfg.Pool.Catalog(),
		"health":    s.cfg.Pool.Health(),
		"build":     buildinfo.Info(),
	}, s.logger)
}

func (s *Server) handleOptionsGet(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, s.cfg.Options.Current(), s.logger)
}

func (s *Server) handleOptionsSet(w http.ResponseWriter, r *http.Request) {
	patch, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, "unreadable request body")
		return
	}
	if !json.Valid(patch) {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := s.cfg.ApplyOptions(r.Context(), patch); err != nil {
		s.logger.Error("options apply failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "options apply failed")
		return
	}

	var applied map[string]any
	_ = json.Unmarshal(patch, &applied)
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"ok": true, "applied": applied}, s.logger)
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"object": "list",
		"data":   s.cfg.Pool.Models(),
	}, s.logger)
}

func (s *Server) handleModelsHead(w http.ResponseWriter, r *http.Request) {
	if !s.cfg.Pool.HasHosts() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// handleModelsV0 serves the native backend catalog shape with
// loaded/downloaded state. A single backend is passed through
// untouched; multiple backends are unioned, first seen wins.
func (s *Server) handleModelsV0(w http.ResponseWriter, r *http.Request) {
	hosts := s.cfg.Pool.Hosts()
	if len(hosts) == 0 {
		s.errorResponse(w, http.StatusServiceUnavailable, "no backends configured")
		return
	}

	if len(hosts) == 1 {
		status, body, err := s.fetchJSON(r.Context(), hosts[0]+"/api/v0/models")
		if err != nil {
			s.errorResponse(w, http.StatusBadGateway, "backend unreachable")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		w.Write(body)
		return
	}

	seen := make(map[string]bool)
	union := make([]json.RawMessage, 0)
	for _, host := range hosts {
		status, body, err := s.fetchJSON(r.Context(), host+"/api/v0/models")
		if err != nil || status != http.StatusOK {
			continue
		}
		var payload struct {
			Data []json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(body, &payload); err != nil {
			continue
		}
		for _, entry := range payload.Data {
			var m struct {
				ID string `json:"id"`
			}
			if err := json.Unmarshal(entry, &m); err != nil || m.ID == "" {
				continue
			}
			if seen[m.ID] {
				continue
			}
			seen[m.ID] = true
			union = append(union, entry)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"object": "list", "data": union}, s.logger)
}

func (s *Server) fetchJSON(ctx context.Context, url string) (int, []byte, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, nil, err
	}
	resp, err := s.relay.Do(req)
	if err != nil {
		return 0, nil, err
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<22))
	httpkit.DrainAndClose(resp.Body, 4096)
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, body, nil
}

// routeRequest picks the backend for a parsed request body, falling
// back to the first configured host for unknown models.
func (s *Server) routeRequest(body map[string]any) (string, bool) {
	model, _ := body["model"].(string)
	return s.cfg.Pool.RouteForModel(model)
}

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, 1<<24))
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, "unreadable request body")
		return
	}
	var body map[string]any
	if err := json.Unmarshal(raw, &body); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}

	target, ok := s.routeRequest(body)
	if !ok {
		s.errorResponse(w, http.StatusServiceUnavailable, "no backends configured")
		return
	}

	// Clients that omit the flag expect a stream.
	stream := true
	if v, present := body["stream"].(bool); present {
		stream = v
	}

	url := target + "/v1/chat/completions"
	if stream {
		s.streamCompletion(w, r, url, raw)
		return
	}

	req, err := http.NewRequestWithContext(r.Context(), http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "request build failed")
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.relay.Do(req)
	if err != nil {
		s.logger.Warn("chat relay failed", "host", target, "error", err)
		s.errorResponse(w, http.StatusBadGateway, "backend unreachable")
		return
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		s.logger.Debug("chat relay copy failed", "error", err)
	}
}

// streamCompletion proxies an SSE completion. Upstream bytes pass
// through unmodified; a terminal [DONE] is synthesized on clean
// upstream EOF. A client disconnect stops the upstream read without
// writing to the closed connection.
func (s *Server) streamCompletion(w http.ResponseWriter, r *http.Request, url string, payload []byte) {
	req, err := http.NewRequestWithContext(r.Context(), http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "request build failed")
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := s.relay.Do(req)
	if err != nil {
		s.logger.Warn("chat stream failed", "url", url, "error", err)
		s.errorResponse(w, http.StatusBadGateway, "backend unreachable")
		return
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(resp.StatusCode)
		w.Write(body)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.errorResponse(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	reader := bufio.NewReader(resp.Body)
	buf := make([]byte, 4096)
	for {
		n, err := reader.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				s.logger.Info("chat stream client disconnected", "url", url)
				return
			}
			flusher.Flush()
		}
		if err != nil {
			if err != io.EOF {
				if r.Context().Err() != nil {
					s.logger.Info("chat stream canceled by client", "url", url)
					return
				}
				s.logger.Warn("chat stream upstream error", "url", url, "error", err)
			}
			break
		}
	}

	fmt.Fprintf(w, "data: [DONE]\n\n")
	flusher.Flush()
}

func (s *Server) handleEmbeddings(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, 1<<24))
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, "unreadable request body")
		return
	}
	var body map[string]any
	if err := json.Unmarshal(raw, &body); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}

	target, ok := s.routeRequest(body)
	if !ok {
		s.errorResponse(w, http.StatusServiceUnavailable, "no backends configured")
		return
	}

	req, err := http.NewRequestWithContext(r.Context(), http.MethodPost, target+"/v1/embeddings", bytes.NewReader(raw))
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "request build failed")
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.relay.Do(req)
	if err != nil {
		s.logger.Warn("embeddings relay failed", "host", target, "error", err)
		s.errorResponse(w, http.StatusBadGateway, "backend unreachable")
		return
	}
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<26))
	httpkit.DrainAndClose(resp.Body, 4096)
	if err != nil {
		s.errorResponse(w, http.StatusBadGateway, "backend response truncated")
		return
	}

	if resp.StatusCode == http.StatusOK {
		s.upsertEmbeddings(r.Context(), body, respBody)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.StatusCode)
	w.Write(respBody)
}

// upsertEmbeddings indexes returned vectors into the configured
// collection. Failures are logged; the relay response is unaffected.
func (s *Server) upsertEmbeddings(ctx context.Context, reqBody map[string]any, respBody []byte) {
	if !s.cfg.Ready.UpsertsActive() || !s.cfg.Vector.Configured() {
		return
	}

	var parsed struct {
		Data []struct {
			Embedding []float64 `json:"embedding"`
		} `json:"data"`
	}
	if err := json.Unmarshal(respBody, &parsed); err != nil || len(parsed.Data) == 0 {
		return
	}

	texts := embeddingInputs(reqBody["input"])
	for len(texts) < len(parsed.Data) {
		texts = append(texts, "")
	}
	texts = texts[:len(parsed.Data)]

	meta, _ := reqBody["metadata"].(map[string]any)
	if meta == nil {
		meta = map[string]any{}
	}

	ids := make([]string, len(parsed.Data))
	vectors := make([][]float64, len(parsed.Data))
	metadatas := make([]map[string]any, len(parsed.Data))
	for i, item := range parsed.Data {
		ids[i] = uuid.NewString()
		vectors[i] = item.Embedding
		metadatas[i] = meta
	}

	name := s.cfg.Options.Current().CollectionName
	collectionID, ok := s.cfg.Vector.EnsureCollection(ctx, name)
	if !ok {
		s.logger.Warn("embedding upsert skipped, collection unavailable", "collection", name)
		return
	}
	if !s.cfg.Vector.Upsert(ctx, collectionID, ids, texts, metadatas, vectors) {
		s.logger.Error("embedding upsert failed", "collection_id", collectionID, "count", len(ids))
		return
	}
	s.logger.Debug("embedding upsert ok", "collection_id", collectionID, "count", len(ids))
}

// embeddingInputs coerces the OpenAI input field (string or list) to
// one document per vector, stringifying non-string entries.
func embeddingInputs(v any) []string {
	switch input := v.(type) {
	case string:
		return []string{input}
	case []any:
		out := make([]string, len(input))
		for i, item := range input {
			if s, ok := item.(string); ok {
				out[i] = s
			} else if item != nil {
				out[i] = fmt.Sprint(item)
			}
		}
		return out
	default:
		return nil
	}
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"type":    "invalid_request_error",
			"code":    code,
		},
	}, s.logger)
}

// Package mpc implements the control protocol: a websocket endpoint
// carrying JSON frames, each with a correlation id and a dotted scope.
// Session lifecycle, memory writes, tool delegation, agent discovery,
// auto-configuration, and voice synthesis all ride this socket.
package mpc

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/cathedralhq/cathedral/internal/buildinfo"
	"github.com/cathedralhq/cathedral/internal/catalog"
	"github.com/cathedralhq/cathedral/internal/persona"
	"github.com/cathedralhq/cathedral/internal/readiness"
	"github.com/cathedralhq/cathedral/internal/session"
	"github.com/cathedralhq/cathedral/internal/toolbridge"
	"github.com/cathedralhq/cathedral/internal/vector"
)

const (
	serverName  = "cathedral-mpc/1.2"
	heartbeatMS = 30000

	toolsCacheTTL = 5 * time.Minute
)

// HandledScopes are the scope families this server answers itself.
var HandledScopes = []string{
	"session.*", "memory.*", "prompts.*", "config.*", "sampling.*",
	"resources.*", "agents.*", "voice.*", "cathedral.*",
}

// DelegatedScopes are forwarded to the smart-home tool bridge.
var DelegatedScopes = []string{"tools.*"}

// Synthesizer is the voice collaborator.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

// OptionsApplier applies an auto-configuration patch to the running
// options (hot apply + persist + component rewire).
type OptionsApplier func(ctx context.Context, patch map[string]any) error

// Config wires the server's collaborators. All fields are required
// except Voice.
type Config struct {
	Logger   *slog.Logger
	Pool     *catalog.Pool
	Ready    *readiness.Coordinator
	Sessions *session.Store
	Vector   *vector.Client
	Bridge   *toolbridge.Bridge
	Personas *persona.Manager
	Voice    Synthesizer

	// CollectionName returns the currently configured default vector
	// collection name.
	CollectionName func() string

	// ApplyOptions applies an auto-configuration patch.
	ApplyOptions OptionsApplier

	// Locked reports whether a named option key is pinned against
	// auto-configuration.
	Locked func(key string) bool
}

// Server handles control-protocol connections. One reader goroutine
// serves each connection; frames are answered strictly in receipt
// order. Connections are independent of each other.
type Server struct {
	cfg      Config
	logger   *slog.Logger
	upgrader websocket.Upgrader

	toolsMu      sync.Mutex
	toolsCache   []toolbridge.Service
	toolsCacheTS time.Time
}

// NewServer creates a Server from its collaborators.
func NewServer(cfg Config) *Server {
	return &Server{
		cfg:    cfg,
		logger: cfg.Logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The socket is only reachable on the trusted add-on
			// network.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

type frameError struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

type response struct {
	ID    string         `json:"id"`
	Type  string         `json:"type"`
	OK    bool           `json:"ok"`
	Body  map[string]any `json:"body,omitempty"`
	Error *frameError    `json:"error,omitempty"`
}

func okResponse(id string, body map[string]any) response {
	return response{ID: id, Type: "mcp.response", OK: true, Body: body}
}

func errResponse(id, code, message string) response {
	return response{ID: id, Type: "mcp.response", OK: false,
		Error: &frameError{Code: code, Message: message}}
}

// resultResponse wraps a handler result map whose own "ok" key decides
// the frame-level flag, matching what legacy clients expect.
func resultResponse(id string, body map[string]any) response {
	ok := true
	if v, present := body["ok"]; present {
		ok, _ = v.(bool)
	}
	return response{ID: id, Type: "mcp.response", OK: ok, Body: body}
}

// HandleWS upgrades the request and serves frames until the client
// disconnects. A bad frame produces an error reply, never a close.
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	defer conn.Close()

	s.logger.Info("control connection opened", "remote", r.RemoteAddr)
	defer s.logger.Info("control connection closed", "remote", r.RemoteAddr)

	ctx := r.Context()
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}

		call, err := parseFrame(raw)
		if err != nil {
			if werr := conn.WriteJSON(errResponse(uuid.NewString(), "MALFORMED_FRAME", err.Error())); werr != nil {
				return
			}
			continue
		}

		resp := s.dispatch(ctx, call)
		if err := conn.WriteJSON(resp); err != nil {
			return
		}
	}
}

// dispatch routes one normalized call. Handler panics are converted to
// error replies so a single bad frame cannot take the connection down.
func (s *Server) dispatch(ctx context.Context, call *Call) (resp response) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("handler panic", "scope", call.Scope, "panic", r)
			resp = errResponse(call.ID, "INTERNAL", fmt.Sprint(r))
		}
	}()

	switch call.Namespace {
	case NamespaceHandshake:
		return okResponse(call.ID, map[string]any{
			"server": serverName,
			"scopes": map[string]any{
				"handled":   HandledScopes,
				"delegated": DelegatedScopes,
			},
			"heartbeat_ms": heartbeatMS,
		})
	case NamespaceTools:
		return s.handleTools(ctx, call)
	case NamespaceSession:
		return s.handleSession(ctx, call)
	case NamespaceMemory:
		return s.handleMemory(ctx, call)
	case NamespaceResources:
		return s.handleResources(call)
	case NamespaceAgents:
		return s.handleAgents(ctx, call)
	case NamespaceConfig:
		return s.handleConfig(ctx, call)
	case NamespaceVoice:
		return s.handleVoice(ctx, call)
	case NamespaceEcho:
		payload := call.Map("payload")
		if payload == nil {
			payload = map[string]any{}
		}
		return okResponse(call.ID, map[string]any{"ok": true, "echo": payload})
	default:
		s.logger.Warn("unknown scope", "scope", call.Scope)
		return errResponse(call.ID, "UNKNOWN_SCOPE", "")
	}
}

// --- tools ---

func (s *Server) cachedTools(ctx context.Context) []toolbridge.Service {
	s.toolsMu.Lock()
	defer s.toolsMu.Unlock()

	if s.toolsCache != nil && time.Since(s.toolsCacheTS) < toolsCacheTTL {
		return s.toolsCache
	}
	tools, err := s.cfg.Bridge.ListServices(ctx)
	if err != nil {
		s.logger.Warn("tool listing failed", "error", err)
		if s.toolsCache != nil {
			return s.toolsCache
		}
		return nil
	}
	s.toolsCache = tools
	s.toolsCacheTS = time.Now()
	return tools
}

func (s *Server) handleTools(ctx context.Context, call *Call) response {
	if call.Action == "list" {
		tools := s.cachedTools(ctx)
		if tools == nil {
			tools = []toolbridge.Service{}
		}
		return okResponse(call.ID, map[string]any{"ok": true, "tools": tools})
	}

	// The versioned body names the service "intent"; legacy frames use
	// "tool".
	tool := call.String("intent")
	if tool == "" {
		tool = call.String("tool")
	}
	if tool == "" {
		return resultResponse(call.ID, map[string]any{"ok": false, "error": "invalid_tool_name"})
	}
	args := call.Map("args")
	if args == nil {
		args = call.Map("payload")
	}

	result := s.cfg.Bridge.Call(ctx, tool, args)
	body := map[string]any{"ok": result.OK}
	if result.Result != nil {
		body["result"] = result.Result
	}
	if result.Error != "" {
		body["error"] = result.Error
	}
	if result.Status != 0 {
		body["status"] = result.Status
	}
	return resultResponse(call.ID, body)
}

// --- sessions ---

func (s *Server) assignSessionHost(workspaceID, threadID string) {
	host, ok := s.cfg.Pool.FirstHealthyHost()
	if !ok {
		s.logger.Warn("no hosts for session assignment",
			"workspace_id", workspaceID, "thread_id", threadID)
		return
	}
	var modelID string
	if models := s.cfg.Pool.Catalog()[host]; len(models) > 0 {
		modelID = models[0]
	}
	if err := s.cfg.Sessions.SetHost(workspaceID, threadID, host, modelID); err != nil {
		s.logger.Error("session host assignment failed", "error", err)
		return
	}
	s.logger.Info("session host assigned",
		"workspace_id", workspaceID, "thread_id", threadID,
		"host", host, "model", modelID)
}

func (s *Server) ensureSessionCollection(ctx context.Context, workspaceID, threadID string) {
	if !s.cfg.Vector.Configured() {
		return
	}
	name := s.cfg.CollectionName()
	if name == "" {
		return
	}
	id, ok := s.cfg.Vector.EnsureCollection(ctx, name)
	if !ok {
		return
	}
	if err := s.cfg.Sessions.SetCollection(workspaceID, threadID, name, id); err != nil {
		s.logger.Error("session collection binding failed", "error", err)
		return
	}
	s.logger.Info("session collection ready",
		"workspace_id", workspaceID, "thread_id", threadID,
		"collection", name, "collection_id", id)
}

func (s *Server) handleSession(ctx context.Context, call *Call) response {
	action := call.String("action")
	if action == "" {
		action = call.Action
	}
	workspaceID := call.WorkspaceID()

	switch action {
	case "create":
		personaID := call.String("persona_id")
		if personaID == "" || !s.cfg.Personas.Has(personaID) {
			if personaID != "" {
				s.logger.Warn("requested persona missing", "persona_id", personaID)
			}
			personaID = persona.DefaultID
		}
		threadID := call.String("thread_id")
		if threadID == "" {
			threadID = "thr_" + uuid.NewString()
		}

		err := s.cfg.Sessions.Upsert(&session.Session{
			WorkspaceID:    workspaceID,
			ThreadID:       threadID,
			ConversationID: call.String("conversation_id"),
			UserID:         call.String("user_id"),
			PersonaID:      personaID,
		})
		if err != nil {
			s.logger.Error("session create failed", "error", err)
			return resultResponse(call.ID, map[string]any{"ok": false, "error": "persistence_failed"})
		}
		s.assignSessionHost(workspaceID, threadID)
		s.ensureSessionCollection(ctx, workspaceID, threadID)

		sess, err := s.cfg.Sessions.Get(workspaceID, threadID)
		if err != nil {
			s.logger.Error("session readback failed", "error", err)
		}
		s.logger.Info("session created",
			"workspace_id", workspaceID, "thread_id", threadID, "persona_id", personaID)
		return resultResponse(call.ID, map[string]any{
			"ok":        true,
			"thread_id": threadID,
			"session":   sess,
			"persona":   s.cfg.Personas.Get(personaID),
		})

	case "resume":
		threadID := call.String("thread_id")
		if threadID == "" {
			return resultResponse(call.ID, map[string]any{"ok": false, "error": "thread_id_required"})
		}
		sess, err := s.cfg.Sessions.Get(workspaceID, threadID)
		if err != nil {
			s.logger.Error("session lookup failed", "error", err)
			return resultResponse(call.ID, map[string]any{"ok": false, "error": "persistence_failed"})
		}
		if sess != nil {
			if err := s.cfg.Sessions.Touch(workspaceID, threadID); err != nil {
				s.logger.Error("session touch failed", "error", err)
			}
			if sess.HostURL == "" {
				s.assignSessionHost(workspaceID, threadID)
			}
			if sess.CollectionID == "" {
				s.ensureSessionCollection(ctx, workspaceID, threadID)
			}
			sess, _ = s.cfg.Sessions.Get(workspaceID, threadID)
		}
		s.logger.Info("session resumed",
			"workspace_id", workspaceID, "thread_id", threadID, "found", sess != nil)
		body := map[string]any{"ok": sess != nil}
		if sess != nil {
			body["session"] = sess
		} else {
			body["session"] = nil
		}
		return resultResponse(call.ID, body)

	default:
		return resultResponse(call.ID, map[string]any{"ok": false, "error": "unknown_session_action"})
	}
}

// --- memory ---

func (s *Server) handleMemory(ctx context.Context, call *Call) response {
	if !s.cfg.Ready.UpsertsActive() {
		return resultResponse(call.ID, map[string]any{"ok": false, "error": "upserts_disabled"})
	}
	if !s.cfg.Vector.Configured() {
		return resultResponse(call.ID, map[string]any{"ok": false, "error": "chroma_unavailable"})
	}

	workspaceID := call.WorkspaceID()
	threadID := call.String("thread_id")
	if threadID == "" {
		return resultResponse(call.ID, map[string]any{"ok": false, "error": "thread_id_required"})
	}

	sess, err := s.cfg.Sessions.Get(workspaceID, threadID)
	if err != nil || sess == nil {
		if err != nil {
			s.logger.Error("session lookup failed", "error", err)
		}
		return resultResponse(call.ID, map[string]any{"ok": false, "error": "session_missing"})
	}

	collectionID := sess.CollectionID
	if collectionID == "" {
		name := sess.CollectionName
		if name == "" {
			name = s.cfg.CollectionName()
		}
		id, ok := s.cfg.Vector.EnsureCollection(ctx, name)
		if !ok {
			return resultResponse(call.ID, map[string]any{"ok": false, "error": "collection_unavailable"})
		}
		collectionID = id
		if err := s.cfg.Sessions.SetCollection(workspaceID, threadID, name, id); err != nil {
			s.logger.Error("session collection binding failed", "error", err)
		}
	}

	ids := call.StringSlice("ids")
	documents := call.StringSlice("documents")
	metadatas := mapSlice(call.Fields["metadatas"])
	if len(metadatas) == 0 {
		metadatas = make([]map[string]any, len(documents))
		for i := range metadatas {
			metadatas[i] = map[string]any{}
		}
	}
	embeddings := floatMatrix(call.Fields["embeddings"])

	if !s.cfg.Vector.Upsert(ctx, collectionID, ids, documents, metadatas, embeddings) {
		return resultResponse(call.ID, map[string]any{"ok": false, "error": "upsert_failed"})
	}

	s.logger.Info("memory upsert ok",
		"workspace_id", workspaceID, "thread_id", threadID, "count", len(ids))
	return resultResponse(call.ID, map[string]any{"ok": true, "collection_id": collectionID})
}

// --- resources ---

func (s *Server) handleResources(call *Call) response {
	switch call.Action {
	case "list":
		snapshot := s.cfg.Pool.Catalog()
		// Exposed under both keys for older clients.
		return okResponse(call.ID, map[string]any{
			"catalog": snapshot,
			"hosts":   snapshot,
		})
	case "health":
		return okResponse(call.ID, map[string]any{
			"ready":       s.cfg.Ready.Ready(),
			"host_health": s.cfg.Pool.Health(),
			"ts":          time.Now().UTC().Format(time.RFC3339),
		})
	default:
		return errResponse(call.ID, "UNKNOWN_SCOPE", "")
	}
}

// --- agents ---

func (s *Server) agentRecord(workspaceID string) map[string]any {
	return map[string]any{
		"id":   "cathedral",
		"name": "Cathedral",
		"kind": "orchestrator",
		"capabilities": map[string]any{
			"handled":   HandledScopes,
			"delegated": DelegatedScopes,
		},
		"params": map[string]any{
			"chat":      map[string]any{"model": "auto"},
			"embedding": map[string]any{"model": "auto"},
		},
		"metadata": map[string]any{
			"workspace_id": workspaceID,
			"version":      buildinfo.Version,
		},
	}
}

func (s *Server) handleAgents(ctx context.Context, call *Call) response {
	workspaceID := call.WorkspaceID()

	switch call.Action {
	case "resurrect":
		personaID := call.String("persona_id")
		if personaID == "" {
			if v, ok := call.Headers["persona_id"].(string); ok {
				personaID = v
			}
		}
		ok := personaID != "" && s.cfg.Personas.Reset(personaID)
		return response{ID: call.ID, Type: "mcp.response", OK: ok, Body: map[string]any{
			"persona_id": personaID,
			"reset":      ok,
		}}
	case "list":
		personas := make([]string, 0)
		for id := range s.cfg.Personas.List() {
			personas = append(personas, id)
		}
		sort.Strings(personas)
		tools := s.cachedTools(ctx)
		if tools == nil {
			tools = []toolbridge.Service{}
		}
		return okResponse(call.ID, map[string]any{
			"agents":   []any{s.agentRecord(workspaceID)},
			"personas": personas,
			"tools":    tools,
		})
	case "get", "describe":
		return okResponse(call.ID, map[string]any{"agent": s.agentRecord(workspaceID)})
	default:
		return okResponse(call.ID, map[string]any{})
	}
}

// --- config ---

func (s *Server) handleConfig(ctx context.Context, call *Call) response {
	if call.Scope != "config.read.result" {
		payload := call.Map("payload")
		if payload == nil {
			payload = map[string]any{}
		}
		return okResponse(call.ID, map[string]any{"ok": true, "echo": payload})
	}

	if !s.cfg.Ready.AutoConfigActive() {
		return errResponse(call.ID, "BOOTSTRAP_PENDING", "")
	}

	// The environment snapshot arrives in the body (versioned) or the
	// payload field (legacy).
	env := call.Fields
	if call.Legacy {
		if p := call.Map("payload"); p != nil {
			env = p
		}
	}

	patch := map[string]any{}
	if chromaURL, _ := env["CHROMA_URL"].(string); chromaURL != "" && !s.cfg.Locked("CHROMA_URL") {
		patch["chroma_url"] = chromaURL
	}
	if basePath, _ := env["LMSTUDIO_BASE_PATH"].(string); basePath != "" &&
		!s.cfg.Locked("hosts") && !s.cfg.Locked("LMSTUDIO_BASE_PATH") {
		patch["lm_hosts"] = []string{basePath}
	}

	if len(patch) == 0 {
		return okResponse(call.ID, map[string]any{"applied": map[string]any{}})
	}

	if err := s.cfg.ApplyOptions(ctx, patch); err != nil {
		s.logger.Error("auto-config apply failed", "error", err)
		return errResponse(call.ID, "APPLY_FAIL", err.Error())
	}

	keys := make([]string, 0, len(patch))
	for k := range patch {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	s.logger.Info("auto-config applied", "keys", keys)
	return okResponse(call.ID, map[string]any{"applied": patch})
}

// --- voice ---

func (s *Server) handleVoice(ctx context.Context, call *Call) response {
	if s.cfg.Voice == nil {
		return resultResponse(call.ID, map[string]any{"ok": false, "error": "voice_unavailable"})
	}

	text := call.String("text")
	if text == "" {
		text = call.String("content")
	}
	if text == "" {
		return resultResponse(call.ID, map[string]any{"ok": false, "error": "text_required"})
	}

	audio, err := s.cfg.Voice.Synthesize(ctx, text)
	if err != nil || len(audio) == 0 {
		if err != nil {
			s.logger.Error("voice synthesis failed", "error", err)
		}
		return resultResponse(call.ID, map[string]any{"ok": false, "error": "synthesis_failed"})
	}

	return resultResponse(call.ID, map[string]any{
		"ok": true,
		"audio": map[string]any{
			"format": "pcm",
			"data":   base64.StdEncoding.EncodeToString(audio),
		},
	})
}

// --- payload coercion ---

func mapSlice(v any) []map[string]any {
	raw, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]map[string]any, len(raw))
	for i, item := range raw {
		if m, ok := item.(map[string]any); ok {
			out[i] = m
		} else {
			out[i] = map[string]any{}
		}
	}
	return out
}

func floatMatrix(v any) [][]float64 {
	raw, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([][]float64, len(raw))
	for i, row := range raw {
		cells, ok := row.([]any)
		if !ok {
			continue
		}
		vec := make([]float64, 0, len(cells))
		for _, c := range cells {
			if f, ok := c.(float64); ok {
				vec = append(vec, f)
			}
		}
		out[i] = vec
	}
	return out
}

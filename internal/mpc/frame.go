package mpc

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Namespace is the closed set of scope families the server dispatches
// on. Every inbound scope parses to exactly one of these.
type Namespace int

const (
	NamespaceUnknown Namespace = iota
	NamespaceHandshake
	NamespaceSession
	NamespaceMemory
	NamespaceTools
	NamespaceResources
	NamespaceAgents
	NamespaceConfig
	NamespaceVoice
	// NamespaceEcho covers the reserved scope families (prompts,
	// sampling, cathedral) that are acknowledged but carry no behavior
	// yet.
	NamespaceEcho
)

func (n Namespace) String() string {
	switch n {
	case NamespaceHandshake:
		return "handshake"
	case NamespaceSession:
		return "session"
	case NamespaceMemory:
		return "memory"
	case NamespaceTools:
		return "tools"
	case NamespaceResources:
		return "resources"
	case NamespaceAgents:
		return "agents"
	case NamespaceConfig:
		return "config"
	case NamespaceVoice:
		return "voice"
	case NamespaceEcho:
		return "echo"
	default:
		return "unknown"
	}
}

// parseNamespace splits a dotted scope into its family and action.
func parseNamespace(scope string) (Namespace, string) {
	if scope == "handshake" {
		return NamespaceHandshake, ""
	}
	family, action, _ := strings.Cut(scope, ".")
	switch family {
	case "session":
		return NamespaceSession, action
	case "memory":
		return NamespaceMemory, action
	case "tools":
		return NamespaceTools, action
	case "resources":
		return NamespaceResources, action
	case "agents":
		return NamespaceAgents, action
	case "config":
		return NamespaceConfig, action
	case "voice":
		return NamespaceVoice, action
	case "prompts", "sampling", "cathedral":
		return NamespaceEcho, action
	default:
		return NamespaceUnknown, action
	}
}

// Call is one normalized inbound frame. Both wire shapes (legacy flat
// fields, versioned type/scope/headers/body) reduce to this before
// dispatch.
type Call struct {
	ID        string
	Scope     string
	Namespace Namespace
	Action    string
	Legacy    bool
	Headers   map[string]any
	Fields    map[string]any
}

// parseFrame decodes a raw frame and normalizes it. The versioned
// shape is detected by the presence of a "type" key; everything else
// is treated as legacy. A frame with no correlation id gets one so the
// reply can still be matched to something.
func parseFrame(raw []byte) (*Call, error) {
	var msg map[string]any
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("malformed frame: %w", err)
	}

	scope, _ := msg["scope"].(string)
	id, _ := msg["id"].(string)
	if id == "" {
		id = uuid.NewString()
	}

	_, versioned := msg["type"]

	call := &Call{
		ID:     id,
		Scope:  scope,
		Legacy: !versioned,
	}
	call.Namespace, call.Action = parseNamespace(scope)

	if versioned {
		headers, _ := msg["headers"].(map[string]any)
		body, _ := msg["body"].(map[string]any)
		fields := make(map[string]any, len(body)+1)
		for k, v := range body {
			fields[k] = v
		}
		if ws, ok := headers["workspace_id"].(string); ok && ws != "" {
			if _, present := fields["workspace_id"]; !present {
				fields["workspace_id"] = ws
			}
		}
		call.Headers = headers
		call.Fields = fields
	} else {
		call.Fields = msg
	}

	return call, nil
}

// String returns a string field from the normalized payload, empty
// when absent or not a string.
func (c *Call) String(key string) string {
	v, _ := c.Fields[key].(string)
	return v
}

// Map returns a map field, nil when absent.
func (c *Call) Map(key string) map[string]any {
	v, _ := c.Fields[key].(map[string]any)
	return v
}

// StringSlice returns a list field coerced to strings; non-string
// entries become empty strings so positional alignment is preserved.
func (c *Call) StringSlice(key string) []string {
	raw, ok := c.Fields[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, len(raw))
	for i, v := range raw {
		if s, ok := v.(string); ok {
			out[i] = s
		}
	}
	return out
}

// WorkspaceID returns the workspace the call targets, defaulting to
// "default".
func (c *Call) WorkspaceID() string {
	if ws := c.String("workspace_id"); ws != "" {
		return ws
	}
	return "default"
}

package mpc

import (
	"testing"
)

func TestParseFrame_Versioned(t *testing.T) {
	t.Parallel()

	raw := []byte(`{
		"id": "abc-1",
		"type": "mcp.request",
		"scope": "session.create",
		"headers": {"workspace_id": "ws1"},
		"body": {"persona_id": "jeeves"}
	}`)

	call, err := parseFrame(raw)
	if err != nil {
		t.Fatalf("parseFrame: %v", err)
	}
	if call.Legacy {
		t.Fatal("frame with type key should not be legacy")
	}
	if call.ID != "abc-1" {
		t.Fatalf("id = %q", call.ID)
	}
	if call.Namespace != NamespaceSession || call.Action != "create" {
		t.Fatalf("namespace/action = %v/%q", call.Namespace, call.Action)
	}
	if got := call.String("persona_id"); got != "jeeves" {
		t.Fatalf("persona_id = %q", got)
	}
	if got := call.WorkspaceID(); got != "ws1" {
		t.Fatalf("workspace = %q", got)
	}
}

func TestParseFrame_Legacy(t *testing.T) {
	t.Parallel()

	raw := []byte(`{"id":"x","scope":"memory.write","thread_id":"thr_1","workspace_id":"ws2"}`)

	call, err := parseFrame(raw)
	if err != nil {
		t.Fatalf("parseFrame: %v", err)
	}
	if !call.Legacy {
		t.Fatal("frame without type key should be legacy")
	}
	if call.Namespace != NamespaceMemory {
		t.Fatalf("namespace = %v", call.Namespace)
	}
	if got := call.String("thread_id"); got != "thr_1" {
		t.Fatalf("thread_id = %q", got)
	}
	if got := call.WorkspaceID(); got != "ws2" {
		t.Fatalf("workspace = %q", got)
	}
}

func TestParseFrame_BodyWorkspaceWins(t *testing.T) {
	t.Parallel()

	raw := []byte(`{
		"type": "mcp.request",
		"scope": "session.resume",
		"headers": {"workspace_id": "from-headers"},
		"body": {"workspace_id": "from-body", "thread_id": "t"}
	}`)

	call, err := parseFrame(raw)
	if err != nil {
		t.Fatalf("parseFrame: %v", err)
	}
	if got := call.WorkspaceID(); got != "from-body" {
		t.Fatalf("workspace = %q", got)
	}
}

func TestParseFrame_GeneratesID(t *testing.T) {
	t.Parallel()

	call, err := parseFrame([]byte(`{"scope":"handshake"}`))
	if err != nil {
		t.Fatalf("parseFrame: %v", err)
	}
	if call.ID == "" {
		t.Fatal("expected generated id")
	}
	if call.Namespace != NamespaceHandshake {
		t.Fatalf("namespace = %v", call.Namespace)
	}
}

func TestParseFrame_Malformed(t *testing.T) {
	t.Parallel()

	if _, err := parseFrame([]byte(`not json`)); err == nil {
		t.Fatal("expected error for bad JSON")
	}
}

func TestParseNamespace(t *testing.T) {
	t.Parallel()

	cases := []struct {
		scope  string
		ns     Namespace
		action string
	}{
		{"handshake", NamespaceHandshake, ""},
		{"session.create", NamespaceSession, "create"},
		{"memory.write", NamespaceMemory, "write"},
		{"tools.call", NamespaceTools, "call"},
		{"resources.health", NamespaceResources, "health"},
		{"agents.resurrect", NamespaceAgents, "resurrect"},
		{"config.read.result", NamespaceConfig, "read.result"},
		{"voice.say", NamespaceVoice, "say"},
		{"prompts.get", NamespaceEcho, "get"},
		{"sampling.createMessage", NamespaceEcho, "createMessage"},
		{"cathedral.status", NamespaceEcho, "status"},
		{"bogus.thing", NamespaceUnknown, "thing"},
	}
	for _, tc := range cases {
		ns, action := parseNamespace(tc.scope)
		if ns != tc.ns || action != tc.action {
			t.Errorf("parseNamespace(%q) = %v/%q, want %v/%q",
				tc.scope, ns, action, tc.ns, tc.action)
		}
	}
}

func TestStringSlice_PreservesPositions(t *testing.T) {
	t.Parallel()

	call := &Call{Fields: map[string]any{
		"ids": []any{"a", 7.0, "c"},
	}}
	got := call.StringSlice("ids")
	if len(got) != 3 || got[0] != "a" || got[1] != "" || got[2] != "c" {
		t.Fatalf("StringSlice = %#v", got)
	}
}

package persona

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeTemplate(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
}

func TestMissingDirSeedsDefault(t *testing.T) {
	t.Parallel()

	m := New(testLogger(), filepath.Join(t.TempDir(), "nope"))

	got := m.Get("default")
	if got == nil {
		t.Fatal("default persona missing")
	}
	if got["name"] != "default" {
		t.Errorf("seeded default name = %v", got["name"])
	}
}

func TestLoadsYamlAndJson(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeTemplate(t, dir, "sage.yaml", "name: sage\nsystem_prompt: be wise\n")
	writeTemplate(t, dir, "jester.json", `{"name":"jester","system_prompt":"be funny"}`)
	writeTemplate(t, dir, "notes.txt", "ignored")

	m := New(testLogger(), dir)
	list := m.List()

	if _, ok := list["sage"]; !ok {
		t.Error("sage.yaml not loaded")
	}
	if _, ok := list["jester"]; !ok {
		t.Error("jester.json not loaded")
	}
	if _, ok := list["notes"]; ok {
		t.Error("non-template file should be skipped")
	}
	if _, ok := list["default"]; !ok {
		t.Error("default should be seeded alongside templates")
	}
}

func TestGetFallsBackToDefault(t *testing.T) {
	t.Parallel()

	m := New(testLogger(), t.TempDir())
	got := m.Get("never-defined")
	if got == nil || got["name"] != "default" {
		t.Errorf("unknown persona should fall back to default, got %v", got)
	}
}

func TestResetRestoresTemplate(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeTemplate(t, dir, "sage.yaml", "name: sage\nsystem_prompt: be wise\n")
	m := New(testLogger(), dir)

	doc := m.Get("sage")
	doc["system_prompt"] = "drifted"
	if !m.SetActive("sage", doc) {
		t.Fatal("SetActive rejected known persona")
	}
	if m.Get("sage")["system_prompt"] != "drifted" {
		t.Fatal("active state did not take")
	}

	if !m.Reset("sage") {
		t.Fatal("Reset returned false for known persona")
	}
	if m.Get("sage")["system_prompt"] != "be wise" {
		t.Error("Reset did not restore the template")
	}

	if m.Reset("ghost") {
		t.Error("Reset should fail for unknown persona")
	}
}

func TestGetReturnsIsolatedCopies(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeTemplate(t, dir, "sage.yaml", "name: sage\nprofile:\n  mood: calm\n")
	m := New(testLogger(), dir)

	first := m.Get("sage")
	profile := first["profile"].(map[string]any)
	profile["mood"] = "mutated"

	second := m.Get("sage")
	if second["profile"].(map[string]any)["mood"] != "calm" {
		t.Error("mutating a returned persona leaked into manager state")
	}
}

func TestSetActiveRejectsUnknownID(t *testing.T) {
	t.Parallel()

	m := New(testLogger(), t.TempDir())
	if m.SetActive("invented", Persona{"name": "invented"}) {
		t.Error("SetActive should reject ids with no template")
	}
}

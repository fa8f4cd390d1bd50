package main

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
)

func TestRun_NoCommandPrintsUsage(t *testing.T) {
	var out, errOut bytes.Buffer
	if err := run(context.Background(), &out, &errOut, nil); err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.Contains(out.String(), "Usage: cathedral") {
		t.Errorf("usage output missing, got %q", out.String())
	}
	for _, cmd := range []string{"serve", "init", "version"} {
		if !strings.Contains(out.String(), cmd) {
			t.Errorf("usage missing command %q", cmd)
		}
	}
}

func TestRun_HelpFlag(t *testing.T) {
	var out, errOut bytes.Buffer
	if err := run(context.Background(), &out, &errOut, []string{"--help"}); err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.Contains(out.String(), "Usage: cathedral") {
		t.Error("--help did not print usage")
	}
}

func TestRun_UnknownCommand(t *testing.T) {
	var out, errOut bytes.Buffer
	err := run(context.Background(), &out, &errOut, []string{"bogus"})
	if err == nil {
		t.Fatal("expected error for unknown command")
	}
	if !strings.Contains(err.Error(), "bogus") {
		t.Errorf("error = %q, want it to name the command", err)
	}
}

func TestRun_UnknownFlag(t *testing.T) {
	var out, errOut bytes.Buffer
	err := run(context.Background(), &out, &errOut, []string{"-bogus"})
	if err == nil {
		t.Fatal("expected error for unknown flag")
	}
}

func TestRun_BadOutputFormat(t *testing.T) {
	var out, errOut bytes.Buffer
	err := run(context.Background(), &out, &errOut, []string{"-o", "xml", "version"})
	if err == nil {
		t.Fatal("expected error for bad output format")
	}
	if !strings.Contains(err.Error(), "xml") {
		t.Errorf("error = %q, want it to name the format", err)
	}
}

func TestRunVersion_Text(t *testing.T) {
	var out bytes.Buffer
	if err := runVersion(&out, "text"); err != nil {
		t.Fatalf("runVersion: %v", err)
	}
	s := out.String()
	for _, field := range []string{"version:", "go_version:", "os:", "arch:"} {
		if !strings.Contains(s, field) {
			t.Errorf("text output missing %q:\n%s", field, s)
		}
	}
}

func TestRunVersion_JSON(t *testing.T) {
	var out bytes.Buffer
	if err := runVersion(&out, "json"); err != nil {
		t.Fatalf("runVersion: %v", err)
	}
	var info map[string]string
	if err := json.Unmarshal(out.Bytes(), &info); err != nil {
		t.Fatalf("json output did not parse: %v\n%s", err, out.String())
	}
	for _, key := range []string{"version", "go_version", "os", "arch"} {
		if _, ok := info[key]; !ok {
			t.Errorf("json output missing key %q", key)
		}
	}
}

func TestRun_VersionViaDispatch(t *testing.T) {
	var out, errOut bytes.Buffer
	if err := run(context.Background(), &out, &errOut, []string{"-o=json", "version"}); err != nil {
		t.Fatalf("run: %v", err)
	}
	if !json.Valid(out.Bytes()) {
		t.Errorf("expected valid JSON, got %q", out.String())
	}
}

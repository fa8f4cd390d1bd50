// Package config handles Cathedral option loading and persistence.
//
// Options live in a single flat JSON document (the add-on supervisor
// writes it at /data/options.json). The document is loaded once at
// startup into an immutable [Options] snapshot; runtime reconfiguration
// goes through [Store.Apply], which produces a new snapshot and swaps it
// in, so no component ever reads a half-updated document.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// DefaultPath returns the options file location. The CATHEDRAL_OPTIONS_PATH
// environment variable overrides the add-on default.
func DefaultPath() string {
	if p := os.Getenv("CATHEDRAL_OPTIONS_PATH"); p != "" {
		return p
	}
	return "/data/options.json"
}

// HostList is the configured backend host set. The options document has
// historically carried it as a map of name→url, a plain list of urls, or
// a single url string; all three decode to an ordered list.
type HostList []string

// UnmarshalJSON accepts a map, list, or string. Map form is ordered by
// key so the first-configured host stays deterministic.
func (h *HostList) UnmarshalJSON(data []byte) error {
	var asList []string
	if err := json.Unmarshal(data, &asList); err == nil {
		*h = asList
		return nil
	}

	var asMap map[string]string
	if err := json.Unmarshal(data, &asMap); err == nil {
		keys := make([]string, 0, len(asMap))
		for k := range asMap {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make([]string, 0, len(keys))
		for _, k := range keys {
			out = append(out, asMap[k])
		}
		*h = out
		return nil
	}

	var asString string
	if err := json.Unmarshal(data, &asString); err == nil {
		if asString == "" {
			*h = nil
		} else {
			*h = []string{asString}
		}
		return nil
	}

	return fmt.Errorf("lm_hosts: expected map, list, or string")
}

// Options is one immutable snapshot of the flat options document.
type Options struct {
	LMHosts        HostList `json:"lm_hosts"`
	ChromaURL      string   `json:"chroma_url"`
	CollectionName string   `json:"collection_name"`
	AllowedDomains []string `json:"allowed_domains"`
	Temperature    float64  `json:"temperature"`
	TopP           float64  `json:"top_p"`
	UpsertsEnabled bool     `json:"upserts_enabled"`
	AutoConfig     bool     `json:"auto_config"`

	// Lock keys pin individual settings against auto-configuration
	// patches arriving over the control socket. Key casing follows the
	// environment variables the patches are derived from.
	LockHosts     bool `json:"lock_hosts"`
	LockChromaURL bool `json:"lock_CHROMA_URL"`
	LockBasePath  bool `json:"lock_LMSTUDIO_BASE_PATH"`

	ListenAddress   string `json:"listen_address"`
	ListenPort      int    `json:"listen_port"`
	DataDir         string `json:"data_dir"`
	PersonaDir      string `json:"persona_dir"`
	SessionTTLMin   int    `json:"session_ttl_minutes"`
	RefreshSec      int    `json:"refresh_seconds"`
	VoiceHost       string `json:"voice_host"`
	VoicePort       int    `json:"voice_port"`
	SupervisorURL   string `json:"supervisor_url"`
	LogLevel        string `json:"log_level"`
	MQTTBrokerURL   string `json:"mqtt_broker_url"`
	MQTTUsername    string `json:"mqtt_username"`
	MQTTPassword    string `json:"mqtt_password"`
	MQTTTopicPrefix string `json:"mqtt_topic_prefix"`
}

// Default returns the option values used when the document omits a key.
func Default() *Options {
	return &Options{
		ChromaURL:       "http://127.0.0.1:8000",
		CollectionName:  "cathedral",
		AllowedDomains:  []string{"light", "switch", "scene"},
		Temperature:     0.7,
		TopP:            0.9,
		UpsertsEnabled:  true,
		AutoConfig:      true,
		ListenPort:      8085,
		DataDir:         "/data",
		PersonaDir:      "/data/personas",
		SessionTTLMin:   120,
		RefreshSec:      15,
		VoiceHost:       "127.0.0.1",
		VoicePort:       8181,
		SupervisorURL:   "http://supervisor",
		MQTTTopicPrefix: "cathedral",
	}
}

// Load reads the options document at path, layering it over [Default].
// A missing file is not an error; defaults apply.
func Load(path string) (*Options, error) {
	opts := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return opts, nil
		}
		return nil, fmt.Errorf("read options: %w", err)
	}

	if err := json.Unmarshal(data, opts); err != nil {
		return nil, fmt.Errorf("parse options %s: %w", path, err)
	}
	return opts, nil
}

// SessionDBPath returns the sqlite database location under DataDir.
func (o *Options) SessionDBPath() string {
	return filepath.Join(o.DataDir, "sessions.db")
}

// NormalizedHosts returns LMHosts with trailing slashes and /v1 suffixes
// stripped, empties removed.
func (o *Options) NormalizedHosts() []string {
	out := make([]string, 0, len(o.LMHosts))
	for _, h := range o.LMHosts {
		h = strings.TrimSpace(h)
		h = strings.TrimRight(h, "/")
		h = strings.TrimSuffix(h, "/v1")
		h = strings.TrimRight(h, "/")
		if h != "" {
			out = append(out, h)
		}
	}
	return out
}

// Store holds the current options snapshot and its backing file.
// Readers take cheap copies via Current; writers build a full new
// snapshot and swap it in atomically.
type Store struct {
	mu   sync.RWMutex
	path string
	cur  *Options
}

// NewStore wraps an initial snapshot backed by the file at path.
func NewStore(path string, initial *Options) *Store {
	return &Store{path: path, cur: initial}
}

// Current returns the active snapshot. The returned value must be
// treated as read-only.
func (s *Store) Current() *Options {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cur
}

// Apply merges a JSON patch over the current snapshot and swaps the
// merged result in. Only keys present in the patch change. Returns the
// new snapshot.
func (s *Store) Apply(patch []byte) (*Options, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	merged, err := merge(s.cur, patch)
	if err != nil {
		return nil, err
	}
	s.cur = merged
	return merged, nil
}

// Persist writes the current snapshot to the backing file via a
// temp-file rename, so a crash mid-write never leaves a torn document.
func (s *Store) Persist() error {
	s.mu.RLock()
	cur, path := s.cur, s.path
	s.mu.RUnlock()

	data, err := json.MarshalIndent(cur, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal options: %w", err)
	}
	data = append(data, '\n')

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write options: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace options: %w", err)
	}
	return nil
}

func merge(base *Options, patch []byte) (*Options, error) {
	baseRaw, err := json.Marshal(base)
	if err != nil {
		return nil, fmt.Errorf("marshal options: %w", err)
	}

	var baseMap, patchMap map[string]json.RawMessage
	if err := json.Unmarshal(baseRaw, &baseMap); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(patch, &patchMap); err != nil {
		return nil, fmt.Errorf("parse options patch: %w", err)
	}
	for k, v := range patchMap {
		baseMap[k] = v
	}

	mergedRaw, err := json.Marshal(baseMap)
	if err != nil {
		return nil, err
	}
	merged := new(Options)
	if err := json.Unmarshal(mergedRaw, merged); err != nil {
		return nil, fmt.Errorf("apply options patch: %w", err)
	}
	return merged, nil
}

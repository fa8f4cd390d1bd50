// Package persona loads persona templates from a directory and tracks
// their mutable runtime state. Templates are YAML or JSON mappings; the
// file stem is the persona id. A default persona is always present,
// seeded in memory when no template provides one.
package persona

import (
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Persona is one persona document. The shape is free-form beyond the
// conventional name/system_prompt/profile keys.
type Persona map[string]any

// DefaultID is the persona every lookup falls back to.
const DefaultID = "default"

// Manager holds the loaded templates and their active (mutable) copies.
type Manager struct {
	dir    string
	logger *slog.Logger

	mu        sync.RWMutex
	templates map[string]Persona
	active    map[string]Persona
}

// New creates a Manager over dir and loads every template in it. A
// missing directory is not an error; only the seeded default exists
// then.
func New(logger *slog.Logger, dir string) *Manager {
	m := &Manager{dir: dir, logger: logger}
	m.Reload()
	return m
}

// Reload rescans the directory, replacing all templates and discarding
// any accumulated active state. Unparseable files are logged and
// skipped.
func (m *Manager) Reload() {
	templates := map[string]Persona{}

	entries, err := os.ReadDir(m.dir)
	if err != nil {
		if !os.IsNotExist(err) {
			m.logger.Warn("persona dir unreadable", "dir", m.dir, "error", err)
		}
	} else {
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			names = append(names, e.Name())
		}
		sort.Strings(names)

		for _, name := range names {
			ext := strings.ToLower(filepath.Ext(name))
			if ext != ".yaml" && ext != ".yml" && ext != ".json" {
				continue
			}
			path := filepath.Join(m.dir, name)
			doc, err := loadFile(path)
			if err != nil {
				m.logger.Warn("persona load failed", "path", path, "error", err)
				continue
			}
			id := strings.TrimSuffix(name, filepath.Ext(name))
			templates[id] = doc
			m.logger.Debug("persona loaded", "persona_id", id, "path", path)
		}
	}

	if _, ok := templates[DefaultID]; !ok {
		templates[DefaultID] = Persona{
			"name":          DefaultID,
			"system_prompt": "",
			"profile":       map[string]any{},
		}
		m.logger.Debug("default persona seeded")
	}

	active := make(map[string]Persona, len(templates))
	for id, doc := range templates {
		active[id] = deepCopy(doc)
	}

	m.mu.Lock()
	m.templates = templates
	m.active = active
	m.mu.Unlock()
}

// loadFile parses one template file. YAML handles both template
// flavors; the document must be a mapping.
func loadFile(path string) (Persona, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	if doc == nil {
		return Persona{}, nil
	}
	return Persona(doc), nil
}

// List returns a copy of all loaded templates by id.
func (m *Manager) List() map[string]Persona {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]Persona, len(m.templates))
	for id, doc := range m.templates {
		out[id] = deepCopy(doc)
	}
	return out
}

// Has reports whether a template exists for the id.
func (m *Manager) Has(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.templates[id]
	return ok
}

// Get returns the active state for a persona, falling back to the
// default persona when the id is unknown. The returned copy is the
// caller's to mutate.
func (m *Manager) Get(id string) Persona {
	m.mu.RLock()
	defer m.mu.RUnlock()

	doc, ok := m.active[id]
	if !ok {
		doc = m.active[DefaultID]
	}
	return deepCopy(doc)
}

// GetTemplate returns the pristine template rather than the active
// state, with the same default fallback as Get.
func (m *Manager) GetTemplate(id string) Persona {
	m.mu.RLock()
	defer m.mu.RUnlock()

	doc, ok := m.templates[id]
	if !ok {
		doc = m.templates[DefaultID]
	}
	return deepCopy(doc)
}

// SetActive replaces a persona's active state. Unknown ids are ignored
// so clients cannot invent personas over the wire.
func (m *Manager) SetActive(id string, doc Persona) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.templates[id]; !ok {
		return false
	}
	m.active[id] = deepCopy(doc)
	return true
}

// Reset restores a persona's active state from its template. False when
// no such template exists.
func (m *Manager) Reset(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	tpl, ok := m.templates[id]
	if !ok {
		m.logger.Warn("persona reset for unknown id", "persona_id", id)
		return false
	}
	m.active[id] = deepCopy(tpl)
	m.logger.Info("persona reset", "persona_id", id)
	return true
}

// deepCopy clones a persona document so callers never share nested
// maps or slices with the manager's state.
func deepCopy(doc Persona) Persona {
	if doc == nil {
		return nil
	}
	return Persona(copyValue(map[string]any(doc)).(map[string]any))
}

func copyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = copyValue(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = copyValue(val)
		}
		return out
	default:
		return v
	}
}

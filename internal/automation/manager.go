//go:build !no_automation

package automation

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

var (
	// ErrInvalidID is returned for script ids that are not safe file names.
	ErrInvalidID = errors.New("automation: invalid script id")
	// ErrNotFound is returned for ids with no script file.
	ErrNotFound = errors.New("automation: script not found")
)

// A script file opens with its metadata as YAML inside a Lua block comment:
//
//	--[[script
//	name: Greenhouse alarm
//	enabled: true
//	events: [measurement]
//	devices: ["00124B0012345678"]
//	]]
const (
	headerOpen  = "--[[script\n"
	headerClose = "]]\n"
)

// Manager keeps automation scripts as .lua files in one directory.
type Manager struct {
	dir    string
	logger *slog.Logger
	mu     sync.RWMutex
}

// NewManager creates a script manager rooted at dir, creating dir if needed.
func NewManager(dir string, logger *slog.Logger) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create scripts dir: %w", err)
	}
	return &Manager{dir: dir, logger: logger.With("component", "scripts")}, nil
}

func (m *Manager) path(id string) (string, error) {
	if id == "" || id == "." || strings.ContainsAny(id, `/\`) || strings.Contains(id, "..") {
		return "", fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return filepath.Join(m.dir, id+".lua"), nil
}

// List returns every script, ordered by id. Unreadable files are skipped.
func (m *Manager) List() ([]*Script, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, fmt.Errorf("read scripts dir: %w", err)
	}
	var scripts []*Script
	for _, e := range entries {
		id, ok := strings.CutSuffix(e.Name(), ".lua")
		if e.IsDir() || !ok {
			continue
		}
		s, err := m.load(id)
		if err != nil {
			m.logger.Warn("skip unreadable script", "file", e.Name(), "err", err)
			continue
		}
		scripts = append(scripts, s)
	}
	sort.Slice(scripts, func(i, j int) bool { return scripts[i].ID < scripts[j].ID })
	return scripts, nil
}

// Handling returns the enabled scripts that receive events of eventType.
func (m *Manager) Handling(eventType string) ([]*Script, error) {
	all, err := m.List()
	if err != nil {
		return nil, err
	}
	var out []*Script
	for _, s := range all {
		if s.Meta.Enabled && s.Meta.handles(eventType) {
			out = append(out, s)
		}
	}
	return out, nil
}

// Get returns the script stored under id.
func (m *Manager) Get(id string) (*Script, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.load(id)
}

// Save writes s to disk after checking its header. A script without an id
// gets one derived from its name.
func (m *Manager) Save(s *Script) (*Script, error) {
	if err := s.Meta.normalize(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if s.ID == "" {
		s.ID = m.freeID(slugify(s.Meta.Name))
	}
	path, err := m.path(s.ID)
	if err != nil {
		return nil, err
	}
	data, err := encodeScript(s)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return nil, fmt.Errorf("write script: %w", err)
	}
	s.FilePath = path
	return s, nil
}

// freeID returns base, or base_N for the first N without a file.
func (m *Manager) freeID(base string) string {
	if base == "" {
		base = "script"
	}
	id := base
	for i := 1; ; i++ {
		if _, err := os.Stat(filepath.Join(m.dir, id+".lua")); errors.Is(err, fs.ErrNotExist) {
			return id
		}
		id = fmt.Sprintf("%s_%d", base, i)
	}
}

// Delete removes the script stored under id.
func (m *Manager) Delete(id string) error {
	path, err := m.path(id)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := os.Remove(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return fmt.Errorf("delete script: %w", err)
	}
	return nil
}

func (m *Manager) load(id string) (*Script, error) {
	path, err := m.path(id)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	s, err := decodeScript(id, data)
	if err != nil {
		return nil, err
	}
	s.FilePath = path
	return s, nil
}

// decodeScript splits a file into header and code. A file without a header
// is a disabled script named after its id.
func decodeScript(id string, data []byte) (*Script, error) {
	s := &Script{ID: id}
	code := data
	if rest, ok := bytes.CutPrefix(data, []byte(headerOpen)); ok {
		head, body, found := bytes.Cut(rest, []byte(headerClose))
		if !found {
			return nil, fmt.Errorf("%w: unterminated header in %s", ErrBadMeta, id)
		}
		if err := yaml.Unmarshal(head, &s.Meta); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrBadMeta, id, err)
		}
		if err := s.Meta.normalize(); err != nil {
			return nil, err
		}
		code = body
	}
	if s.Meta.Name == "" {
		s.Meta.Name = id
	}
	s.LuaCode = strings.TrimLeft(string(code), "\n")
	return s, nil
}

func encodeScript(s *Script) ([]byte, error) {
	head, err := yaml.Marshal(&s.Meta)
	if err != nil {
		return nil, fmt.Errorf("encode script header: %w", err)
	}
	var b bytes.Buffer
	b.WriteString(headerOpen)
	b.Write(head)
	b.WriteString(headerClose)
	if s.LuaCode != "" {
		b.WriteString("\n")
		b.WriteString(s.LuaCode)
		if !strings.HasSuffix(s.LuaCode, "\n") {
			b.WriteString("\n")
		}
	}
	return b.Bytes(), nil
}

var slugRe = regexp.MustCompile(`[^a-z0-9]+`)

func slugify(name string) string {
	s := strings.Trim(slugRe.ReplaceAllString(strings.ToLower(name), "_"), "_")
	if len(s) > 40 {
		s = s[:40]
	}
	return s
}

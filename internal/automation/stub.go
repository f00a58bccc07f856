//go:build no_automation

package automation

import (
	"errors"
	"log/slog"

	"zstack-go-home/internal/coordinator"
)

var (
	// ErrDisabled is returned by script operations when automation is compiled out.
	ErrDisabled  = errors.New("automation: disabled")
	ErrInvalidID = errors.New("automation: invalid script id")
	ErrNotFound  = errors.New("automation: script not found")
	ErrBadMeta   = errors.New("automation: invalid script metadata")
)

// ScriptMeta is the header of a script file.
type ScriptMeta struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Enabled     bool     `json:"enabled"`
	Events      []string `json:"events,omitempty"`
	Devices     []string `json:"devices,omitempty"`
}

// Script represents a single automation script stored on disk.
type Script struct {
	ID       string     `json:"id"`
	Meta     ScriptMeta `json:"meta"`
	LuaCode  string     `json:"lua_code"`
	FilePath string     `json:"-"`
}

// RunResult is the result of a one-shot script execution.
type RunResult struct {
	OK       bool     `json:"ok"`
	Error    string   `json:"error,omitempty"`
	Logs     []string `json:"logs"`
	Duration string   `json:"duration"`
}

// Check accepts any code.
func Check(_ string) error { return nil }

// Manager is a no-op stub when automation is disabled.
type Manager struct{}

// NewManager returns a no-op manager.
func NewManager(_ string, _ *slog.Logger) (*Manager, error) { return &Manager{}, nil }

// List returns nil.
func (m *Manager) List() ([]*Script, error) { return nil, nil }

// Handling returns nil.
func (m *Manager) Handling(_ string) ([]*Script, error) { return nil, nil }

// Get returns ErrDisabled.
func (m *Manager) Get(_ string) (*Script, error) { return nil, ErrDisabled }

// Save returns ErrDisabled.
func (m *Manager) Save(_ *Script) (*Script, error) { return nil, ErrDisabled }

// Delete returns ErrDisabled.
func (m *Manager) Delete(_ string) error { return ErrDisabled }

// Engine is a no-op stub when automation is disabled.
type Engine struct{}

// NewEngine returns a no-op engine.
func NewEngine(_ *coordinator.Coordinator, _ *Manager, _ *slog.Logger) *Engine {
	return &Engine{}
}

// Start is a no-op.
func (e *Engine) Start() {}

// Stop is a no-op.
func (e *Engine) Stop() {}

// Running returns nil.
func (e *Engine) Running() []string { return nil }

// ReloadScript returns ErrDisabled.
func (e *Engine) ReloadScript(_ string) error { return ErrDisabled }

// StopScript is a no-op.
func (e *Engine) StopScript(_ string) {}

// RunScript returns a failed result.
func (e *Engine) RunScript(_ string) *RunResult {
	return &RunResult{OK: false, Error: ErrDisabled.Error()}
}

// RunLuaCode returns a failed result.
func (e *Engine) RunLuaCode(_ string) *RunResult {
	return &RunResult{OK: false, Error: ErrDisabled.Error()}
}

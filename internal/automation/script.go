//go:build !no_automation

package automation

import (
	"errors"
	"fmt"
	"strings"

	"zstack-go-home/internal/coordinator"
)

// ErrBadMeta is returned when a script header names an unknown event type or
// a malformed device address.
var ErrBadMeta = errors.New("automation: invalid script metadata")

// ScriptMeta is the header of a script file.
type ScriptMeta struct {
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Enabled     bool   `json:"enabled" yaml:"enabled"`
	// Events are the coordinator event types the script handles. Empty
	// means every type.
	Events []string `json:"events,omitempty" yaml:"events,omitempty"`
	// Devices limits delivery to events about these IEEE addresses.
	Devices []string `json:"devices,omitempty" yaml:"devices,omitempty"`
}

// Script represents a single automation script stored on disk.
type Script struct {
	ID       string     `json:"id"` // filename stem (no .lua)
	Meta     ScriptMeta `json:"meta"`
	LuaCode  string     `json:"lua_code"`
	FilePath string     `json:"-"`
}

// normalize checks the header and rewrites device addresses to the
// coordinator's canonical form.
func (m *ScriptMeta) normalize() error {
	for _, ev := range m.Events {
		if !coordinator.KnownEventType(ev) {
			return fmt.Errorf("%w: unknown event %q", ErrBadMeta, ev)
		}
	}
	for i, d := range m.Devices {
		addr, err := coordinator.ParseIEEE(d)
		if err != nil {
			return fmt.Errorf("%w: device %q: %v", ErrBadMeta, d, err)
		}
		m.Devices[i] = coordinator.FormatIEEE(addr)
	}
	return nil
}

// handles reports whether a zigbee.on registration for eventType fits the
// declared events. "*" is accepted only by scripts that declare none.
func (m ScriptMeta) handles(eventType string) bool {
	if len(m.Events) == 0 {
		return true
	}
	for _, ev := range m.Events {
		if ev == eventType {
			return true
		}
	}
	return false
}

// accepts reports whether event should reach the script at all.
func (m ScriptMeta) accepts(event coordinator.Event) bool {
	if !m.handles(event.Type) {
		return false
	}
	if len(m.Devices) == 0 {
		return true
	}
	data, _ := event.Data.(map[string]interface{})
	ieee, _ := data["ieee"].(string)
	for _, d := range m.Devices {
		if strings.EqualFold(d, ieee) {
			return true
		}
	}
	return false
}

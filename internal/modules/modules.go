// Package modules defines what a plugin module is and the registry that
// holds the loaded set. A module declares its commands, watchers, and
// options up front in a manifest struct; the registry validates the
// manifest at install time instead of discovering handlers by
// reflection.
package modules

import (
	"context"
	"fmt"
	"strings"

	"github.com/haasonsaas/relay/internal/security"
)

// Factory builds a fresh module instance for one session. Instances are
// never shared across sessions, so module state needs no locking of its
// own.
type Factory func() *Module

// Module is the manifest plus lifecycle hooks of one plugin unit.
type Module struct {
	Name        string
	Description string
	Version     string

	Commands []Command
	Watchers []Watcher
	Options  []Option

	// Configure runs at install time, before the session is ready.
	Configure func(ctx context.Context, sc *SetupContext) error

	// OnReady runs once the session is attached and all modules are
	// installed.
	OnReady func(ctx context.Context, rc *ReadyContext) error
}

// Command is one invocable entry point.
type Command struct {
	Name        string
	Aliases     []string
	Description string
	Level       security.Level
	Handler     Handler

	// IgnoreEdits opts this command out of re-dispatch when its
	// triggering message is edited.
	IgnoreEdits bool

	// Hidden keeps the command out of help listings.
	Hidden bool
}

// Watcher runs on every qualifying inbound event, command or not.
type Watcher struct {
	Name   string
	Handle Handler
}

func (m *Module) validate() error {
	if m == nil {
		return fmt.Errorf("module is nil")
	}
	if err := validateName(m.Name); err != nil {
		return fmt.Errorf("module name: %w", err)
	}
	if len(m.Commands) == 0 && len(m.Watchers) == 0 {
		return fmt.Errorf("module %s declares neither commands nor watchers", m.Name)
	}

	seen := map[string]bool{}
	for _, cmd := range m.Commands {
		if err := validateName(cmd.Name); err != nil {
			return fmt.Errorf("module %s command: %w", m.Name, err)
		}
		if cmd.Handler == nil {
			return fmt.Errorf("module %s command %s has no handler", m.Name, cmd.Name)
		}
		names := append([]string{cmd.Name}, cmd.Aliases...)
		for _, name := range names {
			if err := validateName(name); err != nil {
				return fmt.Errorf("module %s command %s: %w", m.Name, cmd.Name, err)
			}
			folded := strings.ToLower(name)
			if seen[folded] {
				return fmt.Errorf("module %s declares %s twice", m.Name, name)
			}
			seen[folded] = true
		}
	}

	for _, w := range m.Watchers {
		if err := validateName(w.Name); err != nil {
			return fmt.Errorf("module %s watcher: %w", m.Name, err)
		}
		if w.Handle == nil {
			return fmt.Errorf("module %s watcher %s has no handler", m.Name, w.Name)
		}
	}

	for _, opt := range m.Options {
		if strings.TrimSpace(opt.Key) == "" {
			return fmt.Errorf("module %s declares an option with no key", m.Name)
		}
	}

	return nil
}

func validateName(name string) error {
	if name == "" {
		return fmt.Errorf("name is required")
	}
	if strings.ContainsAny(name, " \t\n") {
		return fmt.Errorf("name %q contains whitespace", name)
	}
	return nil
}

package modules

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// ErrModuleNotFound is returned by Unload for modules that are not
// currently loaded.
var ErrModuleNotFound = errors.New("module not loaded")

// LoadFailure names a module that could not be installed and why.
// Failures never abort sibling modules.
type LoadFailure struct {
	Module string
	Err    error
}

// CommandBinding ties a command to its owning module.
type CommandBinding struct {
	Module  string
	Command Command
}

// WatcherBinding ties a watcher to its owning module.
type WatcherBinding struct {
	Module  string
	Watcher Watcher
}

// ModuleInfo is the read-only view used by help listings.
type ModuleInfo struct {
	Name        string
	Description string
	Version     string
	Commands    []Command
	Watchers    int
}

// InstallOptions parameterizes InstallAll.
type InstallOptions struct {
	// Setup seeds each module's SetupContext. The registry fills in
	// per-module Options and tags the logger.
	Setup SetupContext

	// Values holds configured option values keyed by module name.
	Values map[string]map[string]any

	// Filter limits which modules install. Nil installs all.
	Filter func(name string) bool
}

// Registry holds the loaded modules and their command/watcher bindings.
// Lookups are re-checked per dispatch, so unloading a module takes
// effect on the very next event.
type Registry struct {
	log *slog.Logger

	mu       sync.RWMutex
	modules  map[string]*Module
	order    []string
	commands map[string]CommandBinding // canonical name, exact case
	aliases  map[string]string         // alias -> canonical name, exact case
	folded   map[string]string         // lower(name or alias) -> canonical name
}

func NewRegistry(log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		log:      log.With("component", "registry"),
		modules:  map[string]*Module{},
		commands: map[string]CommandBinding{},
		aliases:  map[string]string{},
		folded:   map[string]string{},
	}
}

// InstallAll builds and installs every module the factories produce,
// running each module's Configure hook. Failures are collected per
// module; the siblings install regardless.
func (r *Registry) InstallAll(ctx context.Context, factories []Factory, opts InstallOptions) []LoadFailure {
	var failures []LoadFailure
	for i, factory := range factories {
		mod := factory()
		if mod == nil {
			failures = append(failures, LoadFailure{
				Module: fmt.Sprintf("factory[%d]", i),
				Err:    fmt.Errorf("factory returned nil"),
			})
			continue
		}
		if opts.Filter != nil && mod.Name != "" && !opts.Filter(mod.Name) {
			continue
		}
		if err := r.Install(ctx, mod, opts); err != nil {
			name := mod.Name
			if name == "" {
				name = fmt.Sprintf("factory[%d]", i)
			}
			failures = append(failures, LoadFailure{Module: name, Err: err})
		}
	}
	return failures
}

// Install validates and binds one module, then runs its Configure hook.
// A name collision with a different module rejects the whole install; a
// collision with the module's own previous registration is a replace
// and is logged as such. Configure failure rolls the bindings back out.
func (r *Registry) Install(ctx context.Context, mod *Module, opts InstallOptions) error {
	if err := mod.validate(); err != nil {
		return err
	}

	resolved, err := ResolveOptions(mod.Options, opts.Values[mod.Name])
	if err != nil {
		return fmt.Errorf("options: %w", err)
	}

	if err := r.bind(mod); err != nil {
		return err
	}

	if mod.Configure != nil {
		sc := &SetupContext{
			Store:   opts.Setup.Store,
			T:       opts.Setup.T,
			Log:     moduleLogger(opts.Setup.Log, mod.Name),
			Options: resolved,
		}
		if err := mod.Configure(ctx, sc); err != nil {
			r.mu.Lock()
			r.removeLocked(mod.Name)
			r.mu.Unlock()
			return fmt.Errorf("configure: %w", err)
		}
	}

	r.log.Info("module installed",
		"module", mod.Name,
		"commands", len(mod.Commands),
		"watchers", len(mod.Watchers))
	return nil
}

// bind claims the module's names atomically: every command and alias is
// checked against the whole registry before anything is written.
func (r *Registry) bind(mod *Module) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, cmd := range mod.Commands {
		for _, name := range append([]string{cmd.Name}, cmd.Aliases...) {
			owner, taken := r.folded[strings.ToLower(name)]
			if taken && owner != "" {
				if ownedBy, ok := r.commands[owner]; ok && ownedBy.Module != mod.Name {
					return fmt.Errorf("command %s already registered by module %s", name, ownedBy.Module)
				}
			}
		}
	}

	if _, replacing := r.modules[mod.Name]; replacing {
		// Same module installing again is a reload: audited, never a
		// silent shadow.
		r.log.Warn("module replaced", "module", mod.Name)
		r.removeLocked(mod.Name)
	}

	r.modules[mod.Name] = mod
	r.order = append(r.order, mod.Name)
	for _, cmd := range mod.Commands {
		r.commands[cmd.Name] = CommandBinding{Module: mod.Name, Command: cmd}
		r.folded[strings.ToLower(cmd.Name)] = cmd.Name
		for _, alias := range cmd.Aliases {
			r.aliases[alias] = cmd.Name
			r.folded[strings.ToLower(alias)] = cmd.Name
		}
	}
	return nil
}

// Unload removes the module and all its bindings.
func (r *Registry) Unload(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.modules[name]; !ok {
		return fmt.Errorf("%w: %s", ErrModuleNotFound, name)
	}
	r.removeLocked(name)
	r.log.Info("module unloaded", "module", name)
	return nil
}

func (r *Registry) removeLocked(name string) {
	mod, ok := r.modules[name]
	if !ok {
		return
	}
	for _, cmd := range mod.Commands {
		delete(r.commands, cmd.Name)
		delete(r.folded, strings.ToLower(cmd.Name))
		for _, alias := range cmd.Aliases {
			delete(r.aliases, alias)
			delete(r.folded, strings.ToLower(alias))
		}
	}
	delete(r.modules, name)
	for i, entry := range r.order {
		if entry == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// NotifyReady runs every loaded module's OnReady hook in registration
// order. Failures are collected; the module stays loaded, matching the
// original runtime's behavior of reporting ready-hook errors without
// unloading.
func (r *Registry) NotifyReady(ctx context.Context, rc ReadyContext) []LoadFailure {
	r.mu.RLock()
	mods := make([]*Module, 0, len(r.order))
	for _, name := range r.order {
		mods = append(mods, r.modules[name])
	}
	r.mu.RUnlock()

	var failures []LoadFailure
	for _, mod := range mods {
		if mod.OnReady == nil {
			continue
		}
		scoped := rc
		scoped.Log = moduleLogger(rc.Log, mod.Name)
		if err := mod.OnReady(ctx, &scoped); err != nil {
			r.log.Error("module ready hook failed", "module", mod.Name, "error", err)
			failures = append(failures, LoadFailure{Module: mod.Name, Err: err})
		}
	}
	return failures
}

// LookupCommand resolves a token case-sensitively: exact command name
// first, then alias. A miss is not an error, it just means "not a
// command".
func (r *Registry) LookupCommand(name string) (CommandBinding, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if binding, ok := r.commands[name]; ok {
		return binding, true
	}
	if canonical, ok := r.aliases[name]; ok {
		binding, ok := r.commands[canonical]
		return binding, ok
	}
	return CommandBinding{}, false
}

// LookupCommandFolded resolves a token case-insensitively. Only used
// when the dispatcher is configured for case-insensitive matching;
// uniqueness is enforced on the folded key at install time, so the
// result is never ambiguous.
func (r *Registry) LookupCommandFolded(name string) (CommandBinding, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	canonical, ok := r.folded[strings.ToLower(name)]
	if !ok {
		return CommandBinding{}, false
	}
	binding, ok := r.commands[canonical]
	return binding, ok
}

// Watchers returns all watcher bindings in registration order.
func (r *Registry) Watchers() []WatcherBinding {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []WatcherBinding
	for _, name := range r.order {
		for _, w := range r.modules[name].Watchers {
			out = append(out, WatcherBinding{Module: name, Watcher: w})
		}
	}
	return out
}

// Modules returns the loaded modules in registration order.
func (r *Registry) Modules() []ModuleInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ModuleInfo, 0, len(r.order))
	for _, name := range r.order {
		mod := r.modules[name]
		info := ModuleInfo{
			Name:        mod.Name,
			Description: mod.Description,
			Version:     mod.Version,
			Commands:    append([]Command(nil), mod.Commands...),
			Watchers:    len(mod.Watchers),
		}
		out = append(out, info)
	}
	return out
}

// Loaded reports whether the named module is currently installed.
func (r *Registry) Loaded(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.modules[name]
	return ok
}

func moduleLogger(log *slog.Logger, module string) *slog.Logger {
	if log == nil {
		log = slog.Default()
	}
	return log.With("module", module)
}

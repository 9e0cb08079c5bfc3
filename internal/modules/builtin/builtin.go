// Package builtin holds the modules every session starts with: core
// liveness and help commands, owner settings, cross-session
// announcements, and presence tracking. Each factory builds a fresh
// instance, so per-module state is never shared between sessions.
package builtin

import (
	"log/slog"
	"time"

	"github.com/haasonsaas/relay/internal/dispatch"
	"github.com/haasonsaas/relay/internal/modules"
	"github.com/haasonsaas/relay/internal/security"
	"github.com/haasonsaas/relay/internal/storage"
)

// StoreLookup resolves the config store of an attached session, for
// modules that fan work out across the pool.
type StoreLookup func(sessionID string) (*storage.Store, bool)

// Deps carries the runtime facts the builtin modules close over.
type Deps struct {
	// Version is the build version reported by info.
	Version string

	// Started is the process start time reported by info.
	Started time.Time

	// Registry is this session's module registry, read by help and info.
	Registry *modules.Registry

	// Security manages the stored rule set behind the policy commands.
	Security *security.Engine

	// LogLevel is the process log level adjusted by loglevel. Nil skips
	// the live adjustment; the stored value still applies at next start.
	LogLevel *slog.LevelVar

	// Defaults are the dispatcher's configured fallbacks, shown by set
	// when the store carries no override.
	Defaults dispatch.Defaults

	// Stores resolves peer session stores for announce targets.
	Stores StoreLookup
}

// All returns the factories for every builtin module.
func All(deps Deps) []modules.Factory {
	return []modules.Factory{
		func() *modules.Module { return coreModule(deps) },
		func() *modules.Module { return settingsModule(deps) },
		func() *modules.Module { return broadcastModule(deps) },
		func() *modules.Module { return presenceModule() },
	}
}

package security

import (
	"context"
	"fmt"
	"strings"
)

// Action is what a matching rule does to the request.
type Action string

const (
	ActionAllow Action = "allow"
	ActionDeny  Action = "deny"
)

// Rule is one named policy entry. Higher priority wins; on a priority
// tie a deny beats an allow.
type Rule struct {
	Name     string `json:"name"`
	Action   Action `json:"action"`
	Priority int    `json:"priority,omitempty"`
	Match    Match  `json:"match"`
}

// Match restricts which requests a rule applies to. Empty fields match
// everything, so the zero Match covers every request.
type Match struct {
	// Commands lists canonical command names.
	Commands []string `json:"commands,omitempty"`

	// Callers lists caller ids.
	Callers []string `json:"callers,omitempty"`

	// Chats lists chat ids.
	Chats []string `json:"chats,omitempty"`

	// Levels lists level names ("public", "chat_admin", ...).
	Levels []string `json:"levels,omitempty"`

	// Private restricts to private (true) or group (false) chats.
	Private *bool `json:"private,omitempty"`

	// ChatAdmin, when true, matches only callers holding admin rights
	// in the request's chat. The check is performed lazily.
	ChatAdmin bool `json:"chat_admin,omitempty"`

	// AllowListed, when true, matches only callers on the command's
	// allow list.
	AllowListed bool `json:"allow_listed,omitempty"`
}

// Validate rejects rules that could never be stored meaningfully.
func (r Rule) Validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return fmt.Errorf("rule name is required")
	}
	switch r.Action {
	case ActionAllow, ActionDeny:
	default:
		return fmt.Errorf("rule %s: action must be allow or deny, got %q", r.Name, r.Action)
	}
	for _, name := range r.Match.Levels {
		if _, err := ParseLevel(name); err != nil {
			return fmt.Errorf("rule %s: %w", r.Name, err)
		}
	}
	return nil
}

// covers reports whether the rule's match applies to the request. The
// env supplies the lazy lookups (admin rights, allow list membership).
func (m Match) covers(ctx context.Context, req Request, env *matchEnv) bool {
	if len(m.Commands) > 0 && !contains(m.Commands, req.Command) {
		return false
	}
	if len(m.Callers) > 0 && !contains(m.Callers, req.CallerID) {
		return false
	}
	if len(m.Chats) > 0 && !contains(m.Chats, req.ChatID) {
		return false
	}
	if len(m.Levels) > 0 && !contains(m.Levels, req.Level.String()) {
		return false
	}
	if m.Private != nil && *m.Private != req.Private {
		return false
	}
	if m.AllowListed && !env.allowListed(req.Command, req.CallerID) {
		return false
	}
	if m.ChatAdmin && !env.isChatAdmin(ctx, req.ChatID, req.CallerID) {
		return false
	}
	return true
}

func contains(list []string, value string) bool {
	for _, entry := range list {
		if entry == value {
			return true
		}
	}
	return false
}

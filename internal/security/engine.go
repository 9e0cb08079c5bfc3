package security

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"

	"github.com/haasonsaas/relay/internal/storage"
)

// Store keys under the "security" namespace.
const (
	storeNamespace  = "security"
	rulesKey        = "rules"
	disabledKey     = "disabled"
	disabledChatKey = "disabled:" // + chat id
	allowKey        = "allow:"    // + command name
)

// Builtin rule names, so operators can disable them like any other rule.
const (
	RulePublic    = "public"
	RuleChatAdmin = "chat-admin"
	RuleExplicit  = "explicit"
)

// Request is one (caller, chat, command) authorization question.
type Request struct {
	Command  string
	Level    Level
	CallerID string
	ChatID   string
	IsOwner  bool
	Private  bool
}

// Decision is the policy verdict with the decisive rule for audit logs.
type Decision struct {
	Allowed bool
	Rule    string
}

// AdminChecker reports whether a user holds admin rights in a chat.
// Sessions supply their platform's implementation.
type AdminChecker func(ctx context.Context, chatID, userID string) (bool, error)

// Engine evaluates requests against the stored rule set layered over
// the builtin floor rules.
type Engine struct {
	store *storage.Store
	admin AdminChecker
	log   *slog.Logger
}

func NewEngine(store *storage.Store, admin AdminChecker, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		store: store,
		admin: admin,
		log:   log.With("component", "security"),
	}
}

// builtinRules is the floor every session starts from: public commands
// run for anyone, chat-admin commands for chat admins, explicit-only
// commands for allow-listed callers. Owner-only has no floor rule, so
// only the owner short-circuit passes it.
func builtinRules() []Rule {
	return []Rule{
		{Name: RulePublic, Action: ActionAllow, Match: Match{Levels: []string{LevelPublic.String()}}},
		{Name: RuleChatAdmin, Action: ActionAllow, Match: Match{Levels: []string{LevelChatAdmin.String()}, ChatAdmin: true}},
		{Name: RuleExplicit, Action: ActionAllow, Match: Match{Levels: []string{LevelExplicitOnly.String()}, AllowListed: true}},
	}
}

// Authorize evaluates the request. The owner always passes. Otherwise
// rules are scanned highest priority first, deny before allow within a
// priority, and the first rule covering the request decides. No match
// means deny.
func (e *Engine) Authorize(ctx context.Context, req Request) Decision {
	if req.IsOwner {
		return Decision{Allowed: true, Rule: "owner"}
	}

	rules := append(e.Rules(), builtinRules()...)
	sort.SliceStable(rules, func(i, j int) bool {
		if rules[i].Priority != rules[j].Priority {
			return rules[i].Priority > rules[j].Priority
		}
		return rules[i].Action == ActionDeny && rules[j].Action == ActionAllow
	})

	env := &matchEnv{engine: e}
	disabled := e.disabledSet(req.ChatID)
	for _, rule := range rules {
		if disabled[rule.Name] {
			continue
		}
		if !rule.Match.covers(ctx, req, env) {
			continue
		}
		return Decision{Allowed: rule.Action == ActionAllow, Rule: rule.Name}
	}
	return Decision{Allowed: false, Rule: ""}
}

// matchEnv memoizes the lazy lookups within one Authorize call.
type matchEnv struct {
	engine     *Engine
	adminKnown bool
	adminOK    bool
}

func (env *matchEnv) isChatAdmin(ctx context.Context, chatID, userID string) bool {
	if env.adminKnown {
		return env.adminOK
	}
	env.adminKnown = true
	if env.engine.admin == nil {
		return false
	}
	ok, err := env.engine.admin(ctx, chatID, userID)
	if err != nil {
		// Fail closed. A chat we cannot inspect grants no admin rights.
		env.engine.log.Warn("admin check failed", "chat", chatID, "user", userID, "error", err)
		return false
	}
	env.adminOK = ok
	return ok
}

func (env *matchEnv) allowListed(command, caller string) bool {
	return contains(env.engine.AllowList(command), caller)
}

// Rules returns the stored custom rules. Undecodable entries are
// dropped with a warning rather than blocking evaluation.
func (e *Engine) Rules() []Rule {
	raw := e.store.Get(storeNamespace, rulesKey, nil)
	if raw == nil {
		return nil
	}
	payload, err := json.Marshal(raw)
	if err != nil {
		e.log.Warn("stored security rules unreadable", "error", err)
		return nil
	}
	var rules []Rule
	if err := json.Unmarshal(payload, &rules); err != nil {
		e.log.Warn("stored security rules unreadable", "error", err)
		return nil
	}
	kept := rules[:0]
	for _, rule := range rules {
		if err := rule.Validate(); err != nil {
			e.log.Warn("dropping invalid security rule", "error", err)
			continue
		}
		kept = append(kept, rule)
	}
	return kept
}

// AddRule stores a custom rule, replacing any rule with the same name.
func (e *Engine) AddRule(rule Rule) error {
	if err := rule.Validate(); err != nil {
		return err
	}
	rules := e.Rules()
	replaced := false
	for i := range rules {
		if rules[i].Name == rule.Name {
			rules[i] = rule
			replaced = true
			break
		}
	}
	if !replaced {
		rules = append(rules, rule)
	}
	e.log.Info("security rule stored", "rule", rule.Name, "action", rule.Action, "replaced", replaced)
	return e.store.Set(storeNamespace, rulesKey, rules)
}

// RemoveRule deletes a custom rule by name.
func (e *Engine) RemoveRule(name string) error {
	rules := e.Rules()
	kept := rules[:0]
	found := false
	for _, rule := range rules {
		if rule.Name == name {
			found = true
			continue
		}
		kept = append(kept, rule)
	}
	if !found {
		return fmt.Errorf("no rule named %q", name)
	}
	e.log.Info("security rule removed", "rule", name)
	return e.store.Set(storeNamespace, rulesKey, kept)
}

// SetRuleEnabled toggles a rule (builtin names included) globally when
// chatID is empty, or for one chat.
func (e *Engine) SetRuleEnabled(name, chatID string, enabled bool) error {
	key := disabledKey
	if chatID != "" {
		key = disabledChatKey + chatID
	}
	disabled := e.stringList(key)
	if enabled {
		kept := disabled[:0]
		for _, entry := range disabled {
			if entry != name {
				kept = append(kept, entry)
			}
		}
		disabled = kept
	} else if !contains(disabled, name) {
		disabled = append(disabled, name)
	}
	if len(disabled) == 0 {
		return e.store.Delete(storeNamespace, key)
	}
	return e.store.Set(storeNamespace, key, disabled)
}

func (e *Engine) disabledSet(chatID string) map[string]bool {
	out := map[string]bool{}
	for _, name := range e.stringList(disabledKey) {
		out[name] = true
	}
	if chatID != "" {
		for _, name := range e.stringList(disabledChatKey + chatID) {
			out[name] = true
		}
	}
	return out
}

// AllowList returns the callers permitted to run an explicit-only
// command.
func (e *Engine) AllowList(command string) []string {
	return e.stringList(allowKey + command)
}

// AddAllow puts a caller on a command's allow list.
func (e *Engine) AddAllow(command, caller string) error {
	list := e.AllowList(command)
	if contains(list, caller) {
		return nil
	}
	list = append(list, caller)
	e.log.Info("allow list extended", "command", command, "caller", caller)
	return e.store.Set(storeNamespace, allowKey+command, list)
}

// RemoveAllow removes a caller from a command's allow list.
func (e *Engine) RemoveAllow(command, caller string) error {
	list := e.AllowList(command)
	kept := list[:0]
	found := false
	for _, entry := range list {
		if entry == caller {
			found = true
			continue
		}
		kept = append(kept, entry)
	}
	if !found {
		return fmt.Errorf("%s is not on the allow list for %s", caller, command)
	}
	e.log.Info("allow list reduced", "command", command, "caller", caller)
	if len(kept) == 0 {
		return e.store.Delete(storeNamespace, allowKey+command)
	}
	return e.store.Set(storeNamespace, allowKey+command, kept)
}

func (e *Engine) stringList(key string) []string {
	raw := e.store.Get(storeNamespace, key, nil)
	if raw == nil {
		return nil
	}
	entries, ok := raw.([]any)
	if !ok {
		// Fresh sets keep the []string the caller stored.
		if direct, ok := raw.([]string); ok {
			return direct
		}
		return nil
	}
	out := make([]string, 0, len(entries))
	for _, entry := range entries {
		if s, ok := entry.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

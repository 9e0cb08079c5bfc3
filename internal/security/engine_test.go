package security

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/haasonsaas/relay/internal/backoff"
	"github.com/haasonsaas/relay/internal/storage"
)

func newTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.New(storage.NewMemoryBackend(), storage.StoreConfig{
		FlushDelay:  time.Hour,
		RetryPolicy: backoff.Policy{Initial: time.Millisecond, Max: time.Millisecond, Factor: 1},
	}, nil, nil)
	if err != nil {
		t.Fatalf("storage.New: %v", err)
	}
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return s
}

// adminFake records whether the checker ran and what it answers.
type adminFake struct {
	admin  bool
	err    error
	called int
}

func (a *adminFake) check(_ context.Context, _, _ string) (bool, error) {
	a.called++
	return a.admin, a.err
}

func request(level Level) Request {
	return Request{
		Command:  "ping",
		Level:    level,
		CallerID: "u100",
		ChatID:   "c200",
	}
}

func TestOwnerAlwaysPasses(t *testing.T) {
	e := NewEngine(newTestStore(t), nil, nil)
	for _, level := range []Level{LevelPublic, LevelChatAdmin, LevelOwnerOnly, LevelExplicitOnly} {
		req := request(level)
		req.IsOwner = true
		d := e.Authorize(context.Background(), req)
		if !d.Allowed {
			t.Errorf("owner denied at %s by %q", level, d.Rule)
		}
	}
}

func TestPublicCommandAllowedForAnyone(t *testing.T) {
	e := NewEngine(newTestStore(t), nil, nil)
	d := e.Authorize(context.Background(), request(LevelPublic))
	if !d.Allowed {
		t.Fatalf("public command denied by %q", d.Rule)
	}
	if d.Rule != RulePublic {
		t.Errorf("decisive rule = %q, want %q", d.Rule, RulePublic)
	}
}

func TestOwnerOnlyDeniesNonOwner(t *testing.T) {
	e := NewEngine(newTestStore(t), nil, nil)
	d := e.Authorize(context.Background(), request(LevelOwnerOnly))
	if d.Allowed {
		t.Errorf("non-owner allowed owner_only command via %q", d.Rule)
	}
}

func TestChatAdminLevel(t *testing.T) {
	t.Run("admin passes", func(t *testing.T) {
		checker := &adminFake{admin: true}
		e := NewEngine(newTestStore(t), checker.check, nil)
		d := e.Authorize(context.Background(), request(LevelChatAdmin))
		if !d.Allowed {
			t.Errorf("chat admin denied by %q", d.Rule)
		}
		if checker.called != 1 {
			t.Errorf("admin checker ran %d times, want 1", checker.called)
		}
	})

	t.Run("non-admin denied", func(t *testing.T) {
		checker := &adminFake{admin: false}
		e := NewEngine(newTestStore(t), checker.check, nil)
		if d := e.Authorize(context.Background(), request(LevelChatAdmin)); d.Allowed {
			t.Errorf("non-admin allowed via %q", d.Rule)
		}
	})

	t.Run("checker failure fails closed", func(t *testing.T) {
		checker := &adminFake{admin: true, err: errors.New("api timeout")}
		e := NewEngine(newTestStore(t), checker.check, nil)
		if d := e.Authorize(context.Background(), request(LevelChatAdmin)); d.Allowed {
			t.Errorf("unverifiable admin allowed via %q", d.Rule)
		}
	})

	t.Run("public command skips the checker", func(t *testing.T) {
		checker := &adminFake{admin: true}
		e := NewEngine(newTestStore(t), checker.check, nil)
		e.Authorize(context.Background(), request(LevelPublic))
		if checker.called != 0 {
			t.Errorf("admin checker ran %d times for a public command", checker.called)
		}
	})
}

func TestExplicitOnlyNeedsAllowList(t *testing.T) {
	e := NewEngine(newTestStore(t), nil, nil)
	req := request(LevelExplicitOnly)

	if d := e.Authorize(context.Background(), req); d.Allowed {
		t.Fatalf("caller off the allow list passed via %q", d.Rule)
	}

	if err := e.AddAllow("ping", "u100"); err != nil {
		t.Fatalf("AddAllow: %v", err)
	}
	if d := e.Authorize(context.Background(), req); !d.Allowed {
		t.Fatalf("allow-listed caller denied by %q", d.Rule)
	}

	// The list is per command.
	other := req
	other.Command = "restart"
	if d := e.Authorize(context.Background(), other); d.Allowed {
		t.Errorf("allow list leaked across commands via %q", d.Rule)
	}

	if err := e.RemoveAllow("ping", "u100"); err != nil {
		t.Fatalf("RemoveAllow: %v", err)
	}
	if d := e.Authorize(context.Background(), req); d.Allowed {
		t.Errorf("removed caller still allowed via %q", d.Rule)
	}
	if err := e.RemoveAllow("ping", "u100"); err == nil {
		t.Error("removing an absent caller should error")
	}
}

func TestCustomDenyOverridesBuiltinAllow(t *testing.T) {
	e := NewEngine(newTestStore(t), nil, nil)
	err := e.AddRule(Rule{
		Name:     "mute-u100",
		Action:   ActionDeny,
		Priority: 5,
		Match:    Match{Callers: []string{"u100"}},
	})
	if err != nil {
		t.Fatalf("AddRule: %v", err)
	}

	if d := e.Authorize(context.Background(), request(LevelPublic)); d.Allowed {
		t.Errorf("denied caller passed via %q", d.Rule)
	}

	// Other callers are unaffected.
	req := request(LevelPublic)
	req.CallerID = "u999"
	if d := e.Authorize(context.Background(), req); !d.Allowed {
		t.Errorf("unrelated caller denied by %q", d.Rule)
	}
}

func TestHigherPriorityAllowBeatsLowerDeny(t *testing.T) {
	e := NewEngine(newTestStore(t), nil, nil)
	must := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatalf("AddRule: %v", err)
		}
	}
	must(e.AddRule(Rule{Name: "lockdown", Action: ActionDeny, Priority: 1}))
	must(e.AddRule(Rule{Name: "trusted", Action: ActionAllow, Priority: 9, Match: Match{Callers: []string{"u100"}}}))

	if d := e.Authorize(context.Background(), request(LevelOwnerOnly)); !d.Allowed {
		t.Errorf("high-priority allow lost to %q", d.Rule)
	}

	req := request(LevelPublic)
	req.CallerID = "u777"
	if d := e.Authorize(context.Background(), req); d.Allowed {
		t.Errorf("lockdown bypassed via %q", d.Rule)
	}
}

func TestEqualPriorityDenyWins(t *testing.T) {
	e := NewEngine(newTestStore(t), nil, nil)
	if err := e.AddRule(Rule{Name: "open", Action: ActionAllow, Priority: 3}); err != nil {
		t.Fatalf("AddRule: %v", err)
	}
	if err := e.AddRule(Rule{Name: "shut", Action: ActionDeny, Priority: 3}); err != nil {
		t.Fatalf("AddRule: %v", err)
	}
	if d := e.Authorize(context.Background(), request(LevelPublic)); d.Allowed {
		t.Errorf("tie resolved to allow via %q", d.Rule)
	}
}

func TestDisableBuiltinRule(t *testing.T) {
	e := NewEngine(newTestStore(t), nil, nil)

	if err := e.SetRuleEnabled(RulePublic, "", false); err != nil {
		t.Fatalf("SetRuleEnabled: %v", err)
	}
	if d := e.Authorize(context.Background(), request(LevelPublic)); d.Allowed {
		t.Errorf("disabled rule still decisive via %q", d.Rule)
	}

	if err := e.SetRuleEnabled(RulePublic, "", true); err != nil {
		t.Fatalf("SetRuleEnabled: %v", err)
	}
	if d := e.Authorize(context.Background(), request(LevelPublic)); !d.Allowed {
		t.Errorf("re-enabled rule not applied, denied by %q", d.Rule)
	}
}

func TestDisableRulePerChat(t *testing.T) {
	e := NewEngine(newTestStore(t), nil, nil)
	if err := e.SetRuleEnabled(RulePublic, "c200", false); err != nil {
		t.Fatalf("SetRuleEnabled: %v", err)
	}

	if d := e.Authorize(context.Background(), request(LevelPublic)); d.Allowed {
		t.Errorf("rule disabled for c200 still decisive via %q", d.Rule)
	}

	elsewhere := request(LevelPublic)
	elsewhere.ChatID = "c999"
	if d := e.Authorize(context.Background(), elsewhere); !d.Allowed {
		t.Errorf("per-chat disable leaked to other chats, denied by %q", d.Rule)
	}
}

func TestRuleMatchFields(t *testing.T) {
	e := NewEngine(newTestStore(t), nil, nil)
	private := true
	err := e.AddRule(Rule{
		Name:     "dm-restart",
		Action:   ActionAllow,
		Priority: 2,
		Match: Match{
			Commands: []string{"restart"},
			Private:  &private,
		},
	})
	if err != nil {
		t.Fatalf("AddRule: %v", err)
	}

	req := Request{Command: "restart", Level: LevelOwnerOnly, CallerID: "u1", ChatID: "dm", Private: true}
	if d := e.Authorize(context.Background(), req); !d.Allowed {
		t.Errorf("private restart denied by %q", d.Rule)
	}

	req.Private = false
	if d := e.Authorize(context.Background(), req); d.Allowed {
		t.Errorf("group restart allowed via %q", d.Rule)
	}

	req.Private = true
	req.Command = "shutdown"
	if d := e.Authorize(context.Background(), req); d.Allowed {
		t.Errorf("unmatched command allowed via %q", d.Rule)
	}
}

func TestAddRuleReplacesByName(t *testing.T) {
	e := NewEngine(newTestStore(t), nil, nil)
	if err := e.AddRule(Rule{Name: "gate", Action: ActionDeny}); err != nil {
		t.Fatalf("AddRule: %v", err)
	}
	if err := e.AddRule(Rule{Name: "gate", Action: ActionAllow, Priority: 4}); err != nil {
		t.Fatalf("AddRule replace: %v", err)
	}

	rules := e.Rules()
	if len(rules) != 1 {
		t.Fatalf("got %d rules, want 1", len(rules))
	}
	if rules[0].Action != ActionAllow || rules[0].Priority != 4 {
		t.Errorf("replacement not applied: %+v", rules[0])
	}
}

func TestRemoveRule(t *testing.T) {
	e := NewEngine(newTestStore(t), nil, nil)
	if err := e.AddRule(Rule{Name: "gate", Action: ActionDeny}); err != nil {
		t.Fatalf("AddRule: %v", err)
	}
	if err := e.RemoveRule("gate"); err != nil {
		t.Fatalf("RemoveRule: %v", err)
	}
	if err := e.RemoveRule("gate"); err == nil {
		t.Error("removing an absent rule should error")
	}
	if len(e.Rules()) != 0 {
		t.Error("rule survived removal")
	}
}

func TestAddRuleValidates(t *testing.T) {
	e := NewEngine(newTestStore(t), nil, nil)
	if err := e.AddRule(Rule{Name: "", Action: ActionAllow}); err == nil {
		t.Error("nameless rule accepted")
	}
	if err := e.AddRule(Rule{Name: "x", Action: "maybe"}); err == nil {
		t.Error("bad action accepted")
	}
	if err := e.AddRule(Rule{Name: "x", Action: ActionAllow, Match: Match{Levels: []string{"root"}}}); err == nil {
		t.Error("unknown level accepted")
	}
}

func TestGarbageStoredRulesIgnored(t *testing.T) {
	store := newTestStore(t)
	if err := store.Set("security", "rules", "not a rule list"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	e := NewEngine(store, nil, nil)

	// The floor still works.
	if d := e.Authorize(context.Background(), request(LevelPublic)); !d.Allowed {
		t.Errorf("builtin floor lost to garbage rules, denied by %q", d.Rule)
	}
}

func TestRulesSurviveStoreRoundTrip(t *testing.T) {
	store := newTestStore(t)
	e := NewEngine(store, nil, nil)
	if err := e.AddRule(Rule{Name: "gate", Action: ActionDeny, Priority: 7, Match: Match{Chats: []string{"c1"}}}); err != nil {
		t.Fatalf("AddRule: %v", err)
	}

	// A second engine over the same store sees the same policy, the way
	// a restarted session would after the document reloads.
	e2 := NewEngine(store, nil, nil)
	rules := e2.Rules()
	if len(rules) != 1 || rules[0].Name != "gate" || rules[0].Priority != 7 {
		t.Fatalf("rules after reload = %+v", rules)
	}
}

func TestParseLevelRoundTrip(t *testing.T) {
	for _, level := range []Level{LevelPublic, LevelChatAdmin, LevelOwnerOnly, LevelExplicitOnly} {
		parsed, err := ParseLevel(level.String())
		if err != nil {
			t.Fatalf("ParseLevel(%s): %v", level, err)
		}
		if parsed != level {
			t.Errorf("ParseLevel(%s) = %v", level, parsed)
		}
	}
	if _, err := ParseLevel("root"); err == nil {
		t.Error("unknown level parsed")
	}
}

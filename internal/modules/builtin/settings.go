package builtin

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"unicode"

	"github.com/haasonsaas/relay/internal/dispatch"
	"github.com/haasonsaas/relay/internal/modules"
	"github.com/haasonsaas/relay/internal/security"
)

// Store locations for settings that live outside the dispatcher
// namespace. The runtime reads both back at startup.
const (
	RuntimeNamespace    = "runtime"
	LogLevelKey         = "log_level"
	TranslatorNamespace = "translator"
	LanguageKey         = "language"
	OverridesKey        = "overrides"
)

// toggles maps the dispatcher options settable from chat to their
// configured fallback.
var toggles = map[string]func(dispatch.Defaults) bool{
	dispatch.OptionNicknameMode:    func(d dispatch.Defaults) bool { return d.NicknameMode },
	dispatch.OptionCaseInsensitive: func(d dispatch.Defaults) bool { return d.CaseInsensitive },
	dispatch.OptionRedispatchEdits: func(d dispatch.Defaults) bool { return d.RedispatchEdits },
	dispatch.OptionNotifyDenied:    func(d dispatch.Defaults) bool { return d.NotifyDenied },
}

func settingsModule(deps Deps) *modules.Module {
	return &modules.Module{
		Name:        "settings",
		Description: "Owner controls for prefix, options, logging, language, and policy.",
		Commands: []modules.Command{
			{
				Name:        "set",
				Description: "Show or change a dispatcher option.",
				Level:       security.LevelOwnerOnly,
				Handler:     setHandler(deps),
			},
			{
				Name:        "setprefix",
				Aliases:     []string{"prefix"},
				Description: "Change the command prefix.",
				Level:       security.LevelOwnerOnly,
				Handler:     setPrefixHandler,
			},
			{
				Name:        "loglevel",
				Description: "Change the process log level.",
				Level:       security.LevelOwnerOnly,
				Handler:     logLevelHandler(deps),
			},
			{
				Name:        "setlang",
				Description: "Switch the reply language.",
				Level:       security.LevelOwnerOnly,
				Handler:     setLangHandler,
			},
			{
				Name:        "translation",
				Description: "Pin a reply string, or list and clear pinned ones.",
				Level:       security.LevelOwnerOnly,
				Handler:     translationHandler,
			},
			{
				Name:        "rules",
				Description: "List the stored security rules.",
				Level:       security.LevelOwnerOnly,
				Handler:     rulesHandler(deps),
			},
			{
				Name:        "rule",
				Description: "Add an allow or deny rule for a command.",
				Level:       security.LevelOwnerOnly,
				Handler:     addRuleHandler(deps),
			},
			{
				Name:        "delrule",
				Description: "Remove a security rule by name.",
				Level:       security.LevelOwnerOnly,
				Handler:     delRuleHandler(deps),
			},
			{
				Name:        "allow",
				Description: "Permit a caller to run an explicit-only command.",
				Level:       security.LevelOwnerOnly,
				Handler:     allowHandler(deps, true),
			},
			{
				Name:        "disallow",
				Description: "Withdraw an explicit-only permission.",
				Level:       security.LevelOwnerOnly,
				Handler:     allowHandler(deps, false),
			},
		},
	}
}

func setHandler(deps Deps) modules.Handler {
	return func(ctx context.Context, inv *modules.Invocation) error {
		fields := strings.Fields(inv.Args)
		switch len(fields) {
		case 1:
			name := fields[0]
			fallback, ok := toggles[name]
			if !ok {
				return inv.Reply(ctx, inv.T.Tf("settings.option.unknown", name))
			}
			value := inv.Store.GetBool(dispatch.StoreNamespace, name, fallback(deps.Defaults))
			return inv.Reply(ctx, inv.T.Tf("settings.option.show", name, strconv.FormatBool(value)))
		case 2:
			name := fields[0]
			if _, ok := toggles[name]; !ok {
				return inv.Reply(ctx, inv.T.Tf("settings.option.unknown", name))
			}
			value, err := strconv.ParseBool(fields[1])
			if err != nil {
				return inv.Reply(ctx, inv.T.Tf("settings.option.invalid", name, fields[1]))
			}
			if err := inv.Store.Set(dispatch.StoreNamespace, name, value); err != nil {
				return fmt.Errorf("store option %s: %w", name, err)
			}
			return inv.Reply(ctx, inv.T.Tf("settings.option.set", name, strconv.FormatBool(value)))
		default:
			return inv.Reply(ctx, inv.T.T("settings.usage"))
		}
	}
}

func setPrefixHandler(ctx context.Context, inv *modules.Invocation) error {
	prefix := strings.TrimSpace(inv.Args)
	bad := prefix == "" || len(prefix) > 8 || strings.IndexFunc(prefix, unicode.IsSpace) >= 0
	if bad {
		return inv.Reply(ctx, inv.T.T("settings.prefix.usage"))
	}
	if err := inv.Store.Set(dispatch.StoreNamespace, dispatch.OptionPrefix, prefix); err != nil {
		return fmt.Errorf("store prefix: %w", err)
	}
	return inv.Reply(ctx, inv.T.Tf("settings.prefix.set", prefix))
}

func logLevelHandler(deps Deps) modules.Handler {
	return func(ctx context.Context, inv *modules.Invocation) error {
		level, ok := ParseLogLevel(inv.Args)
		if !ok {
			return inv.Reply(ctx, inv.T.T("settings.loglevel.usage"))
		}
		if deps.LogLevel != nil {
			deps.LogLevel.Set(level)
		}
		name := strings.ToLower(level.String())
		if err := inv.Store.Set(RuntimeNamespace, LogLevelKey, name); err != nil {
			return fmt.Errorf("store log level: %w", err)
		}
		return inv.Reply(ctx, inv.T.Tf("settings.loglevel.set", name))
	}
}

// ParseLogLevel maps the level names accepted in chat and config onto
// slog levels.
func ParseLogLevel(s string) (slog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, true
	case "info":
		return slog.LevelInfo, true
	case "warn", "warning":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	default:
		return 0, false
	}
}

func setLangHandler(ctx context.Context, inv *modules.Invocation) error {
	tag := strings.TrimSpace(inv.Args)
	if tag == "" {
		return inv.Reply(ctx, inv.T.T("settings.language.usage"))
	}
	if err := inv.T.SetLanguage(tag); err != nil {
		return inv.Reply(ctx, inv.T.Tf("settings.language.invalid", tag))
	}
	if err := inv.Store.Set(TranslatorNamespace, LanguageKey, tag); err != nil {
		return fmt.Errorf("store language: %w", err)
	}
	return inv.Reply(ctx, inv.T.Tf("settings.language.set", inv.T.Language()))
}

func translationHandler(ctx context.Context, inv *modules.Invocation) error {
	key, text, _ := strings.Cut(strings.TrimSpace(inv.Args), " ")
	text = strings.TrimSpace(text)

	switch {
	case key == "":
		overrides := inv.T.Overrides()
		if len(overrides) == 0 {
			return inv.Reply(ctx, inv.T.T("settings.translation.usage"))
		}
		keys := make([]string, 0, len(overrides))
		for k := range overrides {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var sb strings.Builder
		sb.WriteString(inv.T.T("settings.translation.header"))
		for _, k := range keys {
			sb.WriteString("\n" + k + " = " + overrides[k])
		}
		return inv.Reply(ctx, sb.String())
	case text == "":
		if !inv.T.ClearOverride(key) {
			return inv.Reply(ctx, inv.T.Tf("settings.translation.missing", key))
		}
		if err := inv.Store.Set(TranslatorNamespace, OverridesKey, inv.T.Overrides()); err != nil {
			return fmt.Errorf("store overrides: %w", err)
		}
		return inv.Reply(ctx, inv.T.Tf("settings.translation.cleared", key))
	default:
		inv.T.SetOverride(key, text)
		if err := inv.Store.Set(TranslatorNamespace, OverridesKey, inv.T.Overrides()); err != nil {
			return fmt.Errorf("store overrides: %w", err)
		}
		return inv.Reply(ctx, inv.T.Tf("settings.translation.set", key))
	}
}

func rulesHandler(deps Deps) modules.Handler {
	return func(ctx context.Context, inv *modules.Invocation) error {
		rules := deps.Security.Rules()
		if len(rules) == 0 {
			return inv.Reply(ctx, inv.T.T("settings.rules.empty"))
		}
		var sb strings.Builder
		sb.WriteString(inv.T.T("settings.rules.header"))
		for _, rule := range rules {
			sb.WriteString("\n")
			sb.WriteString(describeRule(rule))
		}
		return inv.Reply(ctx, sb.String())
	}
}

func describeRule(rule security.Rule) string {
	parts := []string{rule.Name + ":", string(rule.Action)}
	if len(rule.Match.Commands) > 0 {
		parts = append(parts, strings.Join(rule.Match.Commands, ","))
	}
	if len(rule.Match.Callers) > 0 {
		parts = append(parts, "for "+strings.Join(rule.Match.Callers, ","))
	}
	if len(rule.Match.Chats) > 0 {
		parts = append(parts, "in "+strings.Join(rule.Match.Chats, ","))
	}
	if rule.Priority != 0 {
		parts = append(parts, fmt.Sprintf("prio %d", rule.Priority))
	}
	return strings.Join(parts, " ")
}

func addRuleHandler(deps Deps) modules.Handler {
	return func(ctx context.Context, inv *modules.Invocation) error {
		fields := strings.Fields(inv.Args)
		if len(fields) < 2 || len(fields) > 3 {
			return inv.Reply(ctx, inv.T.T("settings.rules.usage"))
		}
		action := security.Action(strings.ToLower(fields[0]))
		if action != security.ActionAllow && action != security.ActionDeny {
			return inv.Reply(ctx, inv.T.T("settings.rules.usage"))
		}

		rule := security.Rule{
			Name:   strings.Join(append([]string{string(action)}, fields[1:]...), "-"),
			Action: action,
			Match:  security.Match{Commands: []string{fields[1]}},
		}
		if len(fields) == 3 {
			rule.Match.Callers = []string{fields[2]}
		}
		if err := deps.Security.AddRule(rule); err != nil {
			return fmt.Errorf("add rule: %w", err)
		}
		return inv.Reply(ctx, inv.T.Tf("settings.rules.added", rule.Name))
	}
}

func delRuleHandler(deps Deps) modules.Handler {
	return func(ctx context.Context, inv *modules.Invocation) error {
		name := strings.TrimSpace(inv.Args)
		if name == "" {
			return inv.Reply(ctx, inv.T.T("settings.rules.delusage"))
		}
		if !hasRule(deps.Security.Rules(), name) {
			return inv.Reply(ctx, inv.T.Tf("settings.rules.missing", name))
		}
		if err := deps.Security.RemoveRule(name); err != nil {
			return fmt.Errorf("remove rule: %w", err)
		}
		return inv.Reply(ctx, inv.T.Tf("settings.rules.removed", name))
	}
}

func hasRule(rules []security.Rule, name string) bool {
	for _, rule := range rules {
		if rule.Name == name {
			return true
		}
	}
	return false
}

func allowHandler(deps Deps, add bool) modules.Handler {
	return func(ctx context.Context, inv *modules.Invocation) error {
		fields := strings.Fields(inv.Args)
		if len(fields) != 2 {
			return inv.Reply(ctx, inv.T.T("settings.allow.usage"))
		}
		command, caller := fields[0], fields[1]

		if add {
			if err := deps.Security.AddAllow(command, caller); err != nil {
				return fmt.Errorf("allow %s for %s: %w", command, caller, err)
			}
			return inv.Reply(ctx, inv.T.Tf("settings.allow.added", caller, command))
		}

		listed := false
		for _, entry := range deps.Security.AllowList(command) {
			if entry == caller {
				listed = true
				break
			}
		}
		if !listed {
			return inv.Reply(ctx, inv.T.Tf("settings.allow.missing", caller, command))
		}
		if err := deps.Security.RemoveAllow(command, caller); err != nil {
			return fmt.Errorf("disallow %s for %s: %w", command, caller, err)
		}
		return inv.Reply(ctx, inv.T.Tf("settings.allow.removed", caller, command))
	}
}

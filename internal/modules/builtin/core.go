package builtin

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/haasonsaas/relay/internal/modules"
	"github.com/haasonsaas/relay/internal/security"
)

func coreModule(deps Deps) *modules.Module {
	return &modules.Module{
		Name:        "core",
		Description: "Liveness checks, help, and runtime information.",
		Commands: []modules.Command{
			{
				Name:        "ping",
				Description: "Check that the session is alive.",
				Level:       security.LevelPublic,
				Handler: func(ctx context.Context, inv *modules.Invocation) error {
					return inv.Reply(ctx, inv.T.T("core.ping.reply"))
				},
			},
			{
				Name:        "echo",
				Description: "Repeat the given text.",
				Level:       security.LevelPublic,
				Handler:     echoHandler,
			},
			{
				Name:        "help",
				Aliases:     []string{"commands"},
				Description: "List commands, or describe one.",
				Level:       security.LevelPublic,
				Handler:     helpHandler(deps),
			},
			{
				Name:        "info",
				Aliases:     []string{"about"},
				Description: "Show version, session, and uptime.",
				Level:       security.LevelPublic,
				Handler:     infoHandler(deps),
			},
		},
	}
}

func echoHandler(ctx context.Context, inv *modules.Invocation) error {
	if strings.TrimSpace(inv.Args) == "" {
		return inv.Reply(ctx, inv.T.T("core.echo.usage"))
	}
	return inv.Reply(ctx, inv.Args)
}

func helpHandler(deps Deps) modules.Handler {
	return func(ctx context.Context, inv *modules.Invocation) error {
		if arg := strings.TrimSpace(inv.Args); arg != "" {
			return describeCommand(ctx, inv, deps, arg)
		}

		var sb strings.Builder
		sb.WriteString(inv.T.T("core.help.header"))
		for _, mod := range deps.Registry.Modules() {
			visible := make([]string, 0, len(mod.Commands))
			for _, cmd := range mod.Commands {
				if cmd.Hidden {
					continue
				}
				visible = append(visible, cmd.Name)
			}
			if len(visible) == 0 {
				continue
			}
			sort.Strings(visible)
			sb.WriteString(fmt.Sprintf("\n%s: %s", mod.Name, strings.Join(visible, ", ")))
		}
		return inv.Reply(ctx, sb.String())
	}
}

func describeCommand(ctx context.Context, inv *modules.Invocation, deps Deps, name string) error {
	binding, ok := deps.Registry.LookupCommand(name)
	if !ok {
		binding, ok = deps.Registry.LookupCommandFolded(name)
	}
	if !ok || binding.Command.Hidden {
		return inv.Reply(ctx, inv.T.Tf("core.help.unknown", name))
	}

	cmd := binding.Command
	var sb strings.Builder
	sb.WriteString(cmd.Name)
	if cmd.Description != "" {
		sb.WriteString(": ")
		sb.WriteString(cmd.Description)
	}
	if len(cmd.Aliases) > 0 {
		sb.WriteString("\n")
		sb.WriteString(inv.T.Tf("core.help.aliases", strings.Join(cmd.Aliases, ", ")))
	}
	return inv.Reply(ctx, sb.String())
}

func infoHandler(deps Deps) modules.Handler {
	return func(ctx context.Context, inv *modules.Invocation) error {
		return inv.Reply(ctx, inv.T.Tf("core.info.reply",
			deps.Version,
			inv.Session.ID(),
			inv.Session.Kind(),
			len(deps.Registry.Modules()),
			time.Since(deps.Started).Round(time.Second),
		))
	}
}

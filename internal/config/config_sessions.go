package config

import (
	"fmt"
	"strings"
)

// SessionsConfig lists the messaging sessions to attach at startup.
type SessionsConfig struct {
	Telegram []TelegramSessionConfig `yaml:"telegram"`
	Discord  []DiscordSessionConfig  `yaml:"discord"`
}

// TelegramSessionConfig configures one Telegram bot session.
type TelegramSessionConfig struct {
	// ID names the session in logs and store paths. Defaults to
	// "telegram" when only one session of the kind exists.
	ID string `yaml:"id"`

	BotToken string `yaml:"bot_token"`

	// OwnerID is the numeric Telegram user id whose messages count as
	// the owner's.
	OwnerID int64 `yaml:"owner_id"`
}

// DiscordSessionConfig configures one Discord bot session.
type DiscordSessionConfig struct {
	ID string `yaml:"id"`

	BotToken string `yaml:"bot_token"`

	// OwnerID is the Discord user id (snowflake) of the owner.
	OwnerID string `yaml:"owner_id"`

	// DataChannelID is the channel holding the configuration document
	// when the remote store backend is active. Created lazily when
	// GuildID is set and the id is empty.
	DataChannelID string `yaml:"data_channel_id"`

	// GuildID scopes data-channel creation.
	GuildID string `yaml:"guild_id"`
}

func (c *SessionsConfig) Validate() error {
	seen := map[string]string{}

	claim := func(id, kind string) error {
		if prev, ok := seen[id]; ok {
			return fmt.Errorf("session id %q used by both %s and %s", id, prev, kind)
		}
		seen[id] = kind
		return nil
	}

	for i := range c.Telegram {
		s := &c.Telegram[i]
		if s.ID == "" {
			if len(c.Telegram) > 1 {
				return fmt.Errorf("telegram[%d]: id is required when multiple telegram sessions are configured", i)
			}
			s.ID = "telegram"
		}
		if strings.TrimSpace(s.BotToken) == "" {
			return fmt.Errorf("telegram session %q: bot_token is required", s.ID)
		}
		if s.OwnerID == 0 {
			return fmt.Errorf("telegram session %q: owner_id is required", s.ID)
		}
		if err := claim(s.ID, "telegram"); err != nil {
			return err
		}
	}

	for i := range c.Discord {
		s := &c.Discord[i]
		if s.ID == "" {
			if len(c.Discord) > 1 {
				return fmt.Errorf("discord[%d]: id is required when multiple discord sessions are configured", i)
			}
			s.ID = "discord"
		}
		if strings.TrimSpace(s.BotToken) == "" {
			return fmt.Errorf("discord session %q: bot_token is required", s.ID)
		}
		if strings.TrimSpace(s.OwnerID) == "" {
			return fmt.Errorf("discord session %q: owner_id is required", s.ID)
		}
		if err := claim(s.ID, "discord"); err != nil {
			return err
		}
	}

	return nil
}

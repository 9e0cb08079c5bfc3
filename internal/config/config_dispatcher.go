package config

import "fmt"

// DispatcherConfig holds the dispatcher defaults. Most of these are only
// the initial values: once a session's store is up, the matching keys in
// its "dispatcher" namespace take precedence so they can be changed from
// chat without a restart.
type DispatcherConfig struct {
	// CommandPrefix marks outgoing messages as commands. Single
	// character by convention but longer prefixes work.
	CommandPrefix string `yaml:"command_prefix"`

	// NicknameMode additionally accepts "<handle> <command> ..." where
	// the handle is the session's own username or display name.
	NicknameMode bool `yaml:"nickname_mode"`

	// CaseInsensitive folds command names before lookup. Off by
	// default, so ".Ping" does not run ".ping".
	CaseInsensitive bool `yaml:"case_insensitive"`

	// RedispatchEdits reruns command processing when an already-seen
	// message is edited into (or stays) a command.
	RedispatchEdits *bool `yaml:"redispatch_edits"`

	// NotifyDenied sends a short notice instead of staying silent when
	// the security policy refuses a command.
	NotifyDenied bool `yaml:"notify_denied"`

	// QueueSize bounds the per-session event queue.
	QueueSize int `yaml:"queue_size"`
}

func (c *DispatcherConfig) Validate() error {
	if c.CommandPrefix == "" {
		c.CommandPrefix = "."
	}
	if len(c.CommandPrefix) > 8 {
		return fmt.Errorf("command_prefix longer than 8 bytes")
	}
	if c.RedispatchEdits == nil {
		on := true
		c.RedispatchEdits = &on
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	return nil
}

package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// Store backends. Remote keeps the configuration document inside a data
// chat on the session's own platform; sessions whose platform cannot
// read message history fall back to sqlite.
const (
	StoreBackendRemote = "remote"
	StoreBackendSQLite = "sqlite"
	StoreBackendMemory = "memory"
)

// StoreConfig tunes the per-session configuration store.
type StoreConfig struct {
	// Backend is the preferred backend: "remote", "sqlite", or "memory".
	Backend string `yaml:"backend"`

	// SQLitePath is the fallback database file. Defaults to
	// <data_dir>/relay.db; per-session files get a suffix.
	SQLitePath string `yaml:"sqlite_path"`

	FlushDelay    time.Duration `yaml:"flush_delay"`
	FlushTimeout  time.Duration `yaml:"flush_timeout"`
	FlushAttempts int           `yaml:"flush_attempts"`

	Remote RemoteStoreConfig `yaml:"remote"`
}

// RemoteStoreConfig tunes the chat-backed backend.
type RemoteStoreConfig struct {
	// PayloadLimit caps the payload bytes per stored message.
	PayloadLimit int `yaml:"payload_limit"`

	// HistoryLimit caps how many data-chat messages are scanned on load.
	HistoryLimit int `yaml:"history_limit"`
}

func (c *StoreConfig) Validate(dataDir string) error {
	if c.Backend == "" {
		c.Backend = StoreBackendRemote
	}
	switch c.Backend {
	case StoreBackendRemote, StoreBackendSQLite, StoreBackendMemory:
	default:
		return fmt.Errorf("backend must be one of remote, sqlite, memory; got %q", c.Backend)
	}
	if strings.TrimSpace(c.SQLitePath) == "" {
		c.SQLitePath = filepath.Join(dataDir, "relay.db")
	}
	if c.FlushDelay <= 0 {
		c.FlushDelay = time.Second
	}
	if c.FlushTimeout <= 0 {
		c.FlushTimeout = 2 * time.Minute
	}
	if c.FlushAttempts <= 0 {
		c.FlushAttempts = 5
	}
	if c.Remote.PayloadLimit < 0 {
		return fmt.Errorf("remote.payload_limit must not be negative")
	}
	if c.Remote.HistoryLimit < 0 {
		return fmt.Errorf("remote.history_limit must not be negative")
	}
	return nil
}

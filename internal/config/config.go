package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.chirp/config.toml.
type Config struct {
	DefaultSession string `toml:"default_session"`

	Server ServerConfig `toml:"server"`
	Chat   ChatConfig   `toml:"chat"`
	Upload UploadConfig `toml:"upload"`
}

// ServerConfig locates the chat backend.
type ServerConfig struct {
	BaseURL   string `toml:"base_url"`
	SocketURL string `toml:"socket_url"`
	UserID    string `toml:"user_id"`
	Token     string `toml:"token"`
}

// ChatConfig tunes the synchronization core.
type ChatConfig struct {
	PageSize        int   `toml:"page_size"`
	AckTimeoutMs    int64 `toml:"ack_timeout_ms"`
	NearBottomLines int   `toml:"near_bottom_lines"`
}

// UploadConfig bounds the attachment pipeline.
type UploadConfig struct {
	MaxBytes int64 `toml:"max_bytes"`
}

const (
	defaultPageSize        = 20
	defaultAckTimeoutMs    = 10_000
	defaultNearBottomLines = 5
	defaultMaxUploadBytes  = 10 << 20
)

// Load reads config from the given path and fills defaults. Returns an error
// if the file is missing or malformed.
func Load(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

// Validate checks the fields the core cannot run without.
func (c *Config) Validate() error {
	if c.Server.BaseURL == "" {
		return fmt.Errorf("server.base_url is required")
	}
	if c.Server.SocketURL == "" {
		return fmt.Errorf("server.socket_url is required")
	}
	if c.Server.UserID == "" {
		return fmt.Errorf("server.user_id is required")
	}
	return nil
}

// AckTimeout returns the send acknowledgment timeout as a duration.
func (c *Config) AckTimeout() time.Duration {
	return time.Duration(c.Chat.AckTimeoutMs) * time.Millisecond
}

func (c *Config) applyDefaults() {
	if c.Chat.PageSize <= 0 {
		c.Chat.PageSize = defaultPageSize
	}
	if c.Chat.AckTimeoutMs <= 0 {
		c.Chat.AckTimeoutMs = defaultAckTimeoutMs
	}
	if c.Chat.NearBottomLines <= 0 {
		c.Chat.NearBottomLines = defaultNearBottomLines
	}
	if c.Upload.MaxBytes <= 0 {
		c.Upload.MaxBytes = defaultMaxUploadBytes
	}
}

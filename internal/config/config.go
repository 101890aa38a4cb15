package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.parley/config.toml. The token and user id
// are written by whatever logged the user in; this client only consumes them.
type Config struct {
	DefaultSession string `toml:"default_session"`
	ServerURL      string `toml:"server_url"`
	PushURL        string `toml:"push_url"`
	Token          string `toml:"token"`
	UserID         string `toml:"user_id"`
}

// Load reads config from the given path. Returns an error if the file is
// missing or malformed.
func Load(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the fields the sync core cannot run without.
func (c *Config) Validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("config: server_url is required")
	}
	if c.PushURL == "" {
		return fmt.Errorf("config: push_url is required")
	}
	if c.UserID == "" {
		return fmt.Errorf("config: user_id is required (log in first)")
	}
	return nil
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

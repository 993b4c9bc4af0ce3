package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.inboxsync/config.toml.
type Config struct {
	DefaultAccount string             `toml:"default_account"`
	Accounts       map[string]Account `toml:"accounts"`
}

// Account holds the connection settings for one account profile.
// Token is the bearer token the surrounding session mechanism issued;
// it is sent on every WebSocket connect and REST call.
type Account struct {
	ID         int    `toml:"id"`
	WSBaseURL  string `toml:"ws_base_url"`
	APIBaseURL string `toml:"api_base_url"`
	Token      string `toml:"token"`

	// Optional overrides; zero means use the transport defaults.
	HeartbeatSeconds     int `toml:"heartbeat_seconds"`
	ReconnectBaseMillis  int `toml:"reconnect_base_millis"`
	ReconnectMaxSeconds  int `toml:"reconnect_max_seconds"`
	MaxReconnectAttempts int `toml:"max_reconnect_attempts"`
}

// Load reads config from the given path.
func Load(path string) (*Config, error) {
	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, err
	}
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

// AccountByName returns the named account profile.
func (c *Config) AccountByName(name string) (*Account, error) {
	acct, ok := c.Accounts[name]
	if !ok {
		return nil, fmt.Errorf("account %q not found in config", name)
	}
	if acct.WSBaseURL == "" || acct.APIBaseURL == "" {
		return nil, fmt.Errorf("account %q is missing ws_base_url or api_base_url", name)
	}
	return &acct, nil
}

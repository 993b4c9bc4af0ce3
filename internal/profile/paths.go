package profile

import (
	"os"
	"path/filepath"
)

// BaseDir returns ~/.inboxsync.
func BaseDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".inboxsync")
}

// ConfigPath returns the global config file path.
func ConfigPath() string {
	return filepath.Join(BaseDir(), "config.toml")
}

// Dir returns the account-specific data directory.
func Dir(name string) string {
	return filepath.Join(BaseDir(), "accounts", name)
}

// LockPath returns the lock file path for an account.
func LockPath(name string) string {
	return filepath.Join(Dir(name), "LOCK")
}

// CacheDBPath returns the snapshot cache database path for an account.
func CacheDBPath(name string) string {
	return filepath.Join(Dir(name), "cache.db")
}

// LogPath returns the daemon log file path for an account.
func LogPath(name string) string {
	return filepath.Join(Dir(name), "log", "inboxsyncd.log")
}

// EnsureDir creates the account data directory.
func EnsureDir(name string) error {
	return os.MkdirAll(Dir(name), 0700)
}

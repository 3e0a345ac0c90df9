// Package paths resolves the per-user state directory and the well-known
// files the daemon and its clients share.
package paths

import (
	"fmt"
	"os"
	"path/filepath"
)

const appDir = "tracecast"

// StateDir returns the per-user state directory, honoring XDG_DATA_HOME.
// TRACECAST_STATE_DIR overrides both (used heavily by tests).
func StateDir() (string, error) {
	if dir := os.Getenv("TRACECAST_STATE_DIR"); dir != "" {
		return dir, nil
	}
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, appDir), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, ".local", "share", appDir), nil
}

// EnsureStateDir creates the state directory with owner-only permissions.
func EnsureStateDir() (string, error) {
	dir, err := StateDir()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", fmt.Errorf("create state directory: %w", err)
	}
	return dir, nil
}

// SocketPath is the daemon's Unix socket inside the state directory.
func SocketPath() (string, error) { return stateFile("daemon.sock") }

// PIDPath is the daemon's process-identity marker file.
func PIDPath() (string, error) { return stateFile("daemon.pid") }

// LockPath is the flock file arbitrating single daemon ownership.
func LockPath() (string, error) { return stateFile("daemon.lock") }

// DBPath is the SQLite database file holding share records.
func DBPath() (string, error) { return stateFile("state.db") }

// ConfigPath is the user configuration file.
func ConfigPath() (string, error) { return stateFile("config.json") }

func stateFile(name string) (string, error) {
	dir, err := StateDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, name), nil
}

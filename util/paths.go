package util

import (
	"fmt"
	"os"
	"path/filepath"
)

// StateDir is where tusk keeps its config, database and keys when they are
// not found next to the binary.
const StateDir = ".config/" + Name

// UserStateDir returns ~/.config/tusk, creating it on first use.
func UserStateDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}

	dir := filepath.Join(home, StateDir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create state directory: %w", err)
	}
	return dir, nil
}

// ResolvePath maps a relative file or directory name to its on-disk location.
// An existing entry in the working directory wins; otherwise the name lives
// under UserStateDir, whether or not it exists yet. Absolute names are
// returned unchanged.
func ResolvePath(name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	if _, err := os.Stat(name); err == nil {
		return name
	}

	dir, err := UserStateDir()
	if err != nil {
		return name
	}
	return filepath.Join(dir, name)
}

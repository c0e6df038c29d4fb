package config

import (
	"os"
	"path/filepath"
)

// DefaultInstanceDir returns the default per-instance directory, ~/.macvm/default.
func DefaultInstanceDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".macvm", "default"), nil
}

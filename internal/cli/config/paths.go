package config

import (
	"os"
	"path/filepath"
)

const (
	// ConnectFileName holds the platform URL on its first line and optional CA PEM after it.
	ConnectFileName = ".pitconnect.txt"
	// UserFileName holds the username on its first line and the auth token on the second.
	UserFileName = ".pituser.txt"
)

func DefaultConfigDir() string {
	if v := os.Getenv("PIT_HOME"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".pit")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config")
}

// FindLegacyFile returns the project-local copy of name if present, then the one in the home
// directory. The bool is false when neither exists; the path is then the project-local one.
func FindLegacyFile(name string) (string, bool) {
	if _, err := os.Stat(name); err == nil {
		return name, true
	}
	if home, err := os.UserHomeDir(); err == nil {
		p := filepath.Join(home, name)
		if _, err := os.Stat(p); err == nil {
			return p, true
		}
	}
	return name, false
}

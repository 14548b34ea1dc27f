package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config models a kubeconfig-style file with contexts, one per platform endpoint.
type Config struct {
	CurrentContext string              `yaml:"currentContext" toml:"currentContext"`
	Contexts       map[string]*Context `yaml:"contexts" toml:"contexts"`
}

// Context encodes connection details for one platform.
type Context struct {
	Server         string `yaml:"server" toml:"server"`
	CAFile         string `yaml:"caFile,omitempty" toml:"caFile,omitempty"`
	UserFile       string `yaml:"userFile,omitempty" toml:"userFile,omitempty"`
	TimeoutSeconds int    `yaml:"timeoutSeconds,omitempty" toml:"timeoutSeconds,omitempty"`
}

// ErrContextNotFound indicates the requested context is missing.
var ErrContextNotFound = errors.New("context not found")

// Load decodes the config file. Files ending in .toml are decoded as TOML, everything else as
// YAML. Missing files return (nil, nil).
func Load(path string) (*Config, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, nil
	}
	expanded, err := ExpandPath(trimmed)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(expanded)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var cfg Config
	if isTOML(expanded) {
		if _, err := toml.Decode(string(data), &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
		return &cfg, nil
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &cfg, nil
}

// Save writes the config to disk, creating parent directories if needed.
func (c *Config) Save(path string) error {
	if strings.TrimSpace(path) == "" {
		return fmt.Errorf("config path is required")
	}
	expanded, err := ExpandPath(path)
	if err != nil {
		return err
	}
	if c == nil {
		return fmt.Errorf("config is nil")
	}
	var data []byte
	if isTOML(expanded) {
		var buf bytes.Buffer
		if err := toml.NewEncoder(&buf).Encode(c); err != nil {
			return fmt.Errorf("marshal config: %w", err)
		}
		data = buf.Bytes()
	} else {
		data, err = yaml.Marshal(c)
		if err != nil {
			return fmt.Errorf("marshal config: %w", err)
		}
	}
	if err := os.MkdirAll(filepath.Dir(expanded), 0o755); err != nil {
		return err
	}
	return os.WriteFile(expanded, data, 0o600)
}

// Resolve picks a context either by explicit name or the currentContext value.
func (c *Config) Resolve(name string) (*Context, string, error) {
	if c == nil {
		return nil, "", nil
	}
	ctxName := strings.TrimSpace(name)
	if ctxName == "" {
		ctxName = c.CurrentContext
	}
	if ctxName == "" {
		return nil, "", nil
	}
	ctx, ok := c.Contexts[ctxName]
	if !ok || ctx == nil {
		return nil, ctxName, fmt.Errorf("%w: %s", ErrContextNotFound, ctxName)
	}
	return ctx, ctxName, nil
}

func isTOML(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".toml")
}

// ExpandPath resolves ~ and relative paths against the home and working directory.
func ExpandPath(path string) (string, error) {
	switch {
	case strings.HasPrefix(path, "~/"):
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, path[2:]), nil
	case path == "~":
		return os.UserHomeDir()
	case filepath.IsAbs(path):
		return path, nil
	default:
		cwd, err := os.Getwd()
		if err != nil {
			return "", err
		}
		return filepath.Join(cwd, path), nil
	}
}

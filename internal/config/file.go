package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// FileConfig is the persisted client configuration. JSON files are read as
// well, since JSON is valid YAML.
type FileConfig struct {
	Server string `yaml:"server" json:"server"`
	Token  string `yaml:"token" json:"token"`
}

// DefaultFilePath returns ~/.tunnel/config.yaml, or the legacy
// ~/.tunnel/config.json when only that one exists.
func DefaultFilePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".tunnel", "config.yaml")
	}
	dir := filepath.Join(home, ".tunnel")
	primary := filepath.Join(dir, "config.yaml")
	legacy := filepath.Join(dir, "config.json")
	if _, err := os.Stat(primary); errors.Is(err, fs.ErrNotExist) {
		if _, err := os.Stat(legacy); err == nil {
			return legacy
		}
	}
	return primary
}

// LoadFile reads path. A missing file yields an empty config.
func LoadFile(path string) (FileConfig, error) {
	var cfg FileConfig
	b, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// SaveFile writes cfg to path with owner-only permissions.
func SaveFile(path string, cfg FileConfig) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	b, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o600)
}

package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// SaveAsYaml writes the configuration to ConfigPath, creating the config
// directory if needed.
func (c *Config) SaveAsYaml() error {
	bz, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	dir := filepath.Dir(c.ConfigPath())
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create config directory %q: %w", dir, err)
	}
	if err := os.WriteFile(c.ConfigPath(), bz, 0o600); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

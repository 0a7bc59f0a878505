package extension

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ManagerConfig is the extension manifest: where modules live and which of
// them to load at start-up.
type ManagerConfig struct {
	Dir   string                `yaml:"dir" mapstructure:"dir" json:"dir"`
	Items map[string]ItemConfig `yaml:"items" mapstructure:"items" json:"items"`
}

// ItemConfig is the manifest entry for one module.
type ItemConfig struct {
	Enabled  bool              `yaml:"enabled" mapstructure:"enabled" json:"enabled"`
	Path     string            `yaml:"path" mapstructure:"path" json:"path"`
	ABI      string            `yaml:"abi" mapstructure:"abi" json:"abi"`
	Settings map[string]string `yaml:"settings" mapstructure:"settings" json:"settings"`
}

func (c ItemConfig) abi() ABI {
	if c.ABI == "" {
		return ABIGo
	}
	return ABI(strings.ToLower(c.ABI))
}

// LoadManagerConfig reads a YAML manifest.
func LoadManagerConfig(path string) (ManagerConfig, error) {
	var cfg ManagerConfig
	if path == "" {
		return cfg, errors.New("config path cannot be empty")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read extension config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("unmarshal extension config: %w", err)
	}
	if cfg.Items == nil {
		cfg.Items = map[string]ItemConfig{}
	}
	return cfg, cfg.Validate()
}

// Validate ensures the manifest is internally consistent.
func (c ManagerConfig) Validate() error {
	for id, item := range c.Items {
		if strings.TrimSpace(id) == "" {
			return errors.New("extension id cannot be empty")
		}
		if !item.Enabled {
			continue
		}
		if item.Path == "" {
			return fmt.Errorf("extension %s path cannot be empty when enabled", id)
		}
		switch item.abi() {
		case ABIGo, ABIC:
		default:
			return fmt.Errorf("extension %s has unknown abi %q", id, item.ABI)
		}
	}
	return nil
}

package config

import (
	"fmt"
	"os"

	"github.com/goccy/go-yaml"
)

// Loader reads and parses the bootstrap YAML file.
type Loader struct{}

// NewLoader creates a new config Loader.
func NewLoader() *Loader {
	return &Loader{}
}

// Load reads the file at path, parses it as YAML, applies defaults and
// validates the result.
func (l *Loader) Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	cfg.Defaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}

	return &cfg, nil
}

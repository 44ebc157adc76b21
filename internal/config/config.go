// Package config loads CLI defaults from a YAML file so repeated runs
// against the same guest do not need the full flag set every time.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config holds the settings the CLI reads before flags are applied. Flags
// override file values.
type Config struct {
	// Target names the guest to attach to. "emu" selects the built-in
	// synthetic guest.
	Target string `yaml:"target"`

	// Profile is the path of the kernel profile JSON. Ignored for the
	// synthetic guest, which carries its own.
	Profile string `yaml:"profile"`

	// Database is the SQLite path monitoring writes events to. Empty
	// disables recording.
	Database string `yaml:"database"`

	Debug bool `yaml:"debug"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		Target: "emu",
	}
}

// Load reads a config file, layering it over the defaults. A missing file is
// not an error; the defaults apply.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

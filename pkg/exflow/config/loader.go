package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment variable.
const EnvPrefix = "EXFLOW"

// Load builds the configuration from defaults, the optional file at path
// and the environment, then validates it.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		var err error
		if cfg, err = mergeFile(cfg, path); err != nil {
			return Config{}, err
		}
	}
	if err := ApplyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// FromFile loads configuration from a file over Default(), auto-detecting
// format by extension.
// Supported extensions: .yaml, .yml, .json
func FromFile(path string) (Config, error) {
	return mergeFile(Default(), path)
}

func mergeFile(base Config, path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		return mergeYAML(base, data)
	case ".json":
		return mergeJSON(base, data)
	default:
		return Config{}, fmt.Errorf("unsupported config file extension: %s", ext)
	}
}

// FromYAML parses YAML data over Default().
func FromYAML(data []byte) (Config, error) {
	return mergeYAML(Default(), data)
}

// FromJSON parses JSON data over Default().
func FromJSON(data []byte) (Config, error) {
	return mergeJSON(Default(), data)
}

func mergeYAML(cfg Config, data []byte) (Config, error) {
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse yaml: %w", err)
	}
	return cfg, nil
}

func mergeJSON(cfg Config, data []byte) (Config, error) {
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse json: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overrides cfg with any EXFLOW_* variables that are set, named
// EXFLOW_<SECTION>_<FIELD> with words split by underscores. Unset
// variables leave the field unchanged; unprefixed names are never read.
func ApplyEnv(cfg *Config) error {
	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return fmt.Errorf("read environment: %w", err)
	}
	return nil
}

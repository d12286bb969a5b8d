package config

import (
	"fmt"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Load reads the process configuration from a YAML file on top of Default().
// An empty path returns the defaults. The result is not validated so that
// command-line overrides can be applied first.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	k := koanf.New(".")
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("failed to load config from %q: %w", path, err)
	}

	// Keys absent from the file keep their default values.
	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("failed to parse config from %q: %w", path, err)
	}
	return cfg, nil
}

// LoadTenantsFile loads and validates a tenants file using Koanf.
//
// Error cases:
//   - File not found or cannot be read
//   - Invalid YAML syntax
//   - Schema validation failure (unsupported version, missing id, duplicate ids)
func LoadTenantsFile(filepath string) (*TenantsFile, error) {
	k := koanf.New(".")

	if err := k.Load(file.Provider(filepath), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("failed to load tenants config from %q: %w", filepath, err)
	}

	var tenants TenantsFile
	if err := k.UnmarshalWithConf("", &tenants, koanf.UnmarshalConf{Tag: "yaml"}); err != nil {
		return nil, fmt.Errorf("failed to parse tenants config from %q: %w", filepath, err)
	}

	if err := tenants.Validate(); err != nil {
		return nil, fmt.Errorf("tenants config validation failed for %q: %w", filepath, err)
	}

	return &tenants, nil
}

package config

import (
	"fmt"
)

// TenantsSchemaVersion is the only supported tenants file schema.
const TenantsSchemaVersion = "v1"

// TenantsFile represents the top-level structure of the tenants file.
// Every multitenant microservice runs one tenant engine per enabled tenant.
//
// Example YAML structure:
//
//	schema_version: v1
//	tenants:
//	  - id: acme
//	    name: ACME Corp
//	    enabled: true
//	    config:
//	      cache_size: 500
//	  - id: globex
//	    enabled: false
type TenantsFile struct {
	// SchemaVersion is the explicit config schema version (e.g., "v1")
	SchemaVersion string `yaml:"schema_version"`

	// Tenants is the list of tenants to run engines for
	Tenants []TenantConfig `yaml:"tenants" validate:"dive"`
}

// TenantConfig represents a single tenant.
type TenantConfig struct {
	// ID is the unique tenant token. Must be unique across the file.
	ID string `yaml:"id" json:"id" validate:"required,hostname_rfc1123"`

	// Name is a display name. Defaults to ID.
	Name string `yaml:"name,omitempty" json:"name,omitempty"`

	// Enabled indicates whether an engine should run for this tenant
	Enabled bool `yaml:"enabled" json:"enabled"`

	// Config holds tenant-specific settings, checked against the
	// microservice configuration model before the engine is created.
	Config map[string]interface{} `yaml:"config,omitempty" json:"config,omitempty"`
}

// DisplayName returns Name, or ID when Name is empty.
func (t TenantConfig) DisplayName() string {
	if t.Name != "" {
		return t.Name
	}
	return t.ID
}

// Validate checks that the TenantsFile is valid.
func (f *TenantsFile) Validate() error {
	if f.SchemaVersion != TenantsSchemaVersion {
		return NewConfigError(fmt.Sprintf(
			"unsupported schema_version: %q (expected %q)",
			f.SchemaVersion, TenantsSchemaVersion,
		))
	}

	for i, tenant := range f.Tenants {
		if tenant.ID == "" {
			return NewConfigError(fmt.Sprintf("tenants[%d]: id is required", i))
		}
	}
	if err := validateStruct(f); err != nil {
		return err
	}

	seen := make(map[string]bool, len(f.Tenants))
	for i, tenant := range f.Tenants {
		if seen[tenant.ID] {
			return NewConfigError(fmt.Sprintf("tenants[%d]: duplicate tenant id %q", i, tenant.ID))
		}
		seen[tenant.ID] = true
	}

	return nil
}

// Enabled returns the enabled tenants in file order.
func (f *TenantsFile) Enabled() []TenantConfig {
	var enabled []TenantConfig
	for _, t := range f.Tenants {
		if t.Enabled {
			enabled = append(enabled, t)
		}
	}
	return enabled
}

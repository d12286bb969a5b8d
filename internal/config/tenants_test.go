package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTenantsFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tenants.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadTenantsFile(t *testing.T) {
	path := writeTenantsFile(t, `schema_version: v1
tenants:
  - id: acme
    name: ACME Corp
    enabled: true
    config:
      cache_size: 500
  - id: globex
    enabled: false
`)

	tenants, err := LoadTenantsFile(path)
	require.NoError(t, err)
	require.Len(t, tenants.Tenants, 2)

	acme := tenants.Tenants[0]
	assert.Equal(t, "acme", acme.ID)
	assert.Equal(t, "ACME Corp", acme.DisplayName())
	assert.True(t, acme.Enabled)
	assert.EqualValues(t, 500, acme.Config["cache_size"])

	globex := tenants.Tenants[1]
	assert.Equal(t, "globex", globex.DisplayName())
	assert.False(t, globex.Enabled)

	enabled := tenants.Enabled()
	require.Len(t, enabled, 1)
	assert.Equal(t, "acme", enabled[0].ID)
}

func TestLoadTenantsFileErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		errMsg  string
	}{
		{
			name: "unsupported schema version",
			content: `schema_version: v2
tenants:
  - id: acme
    enabled: true
`,
			errMsg: "schema_version",
		},
		{
			name: "missing id",
			content: `schema_version: v1
tenants:
  - name: nameless
    enabled: true
`,
			errMsg: "id is required",
		},
		{
			name: "duplicate id",
			content: `schema_version: v1
tenants:
  - id: acme
    enabled: true
  - id: acme
    enabled: false
`,
			errMsg: "duplicate tenant id",
		},
		{
			name: "id not a valid token",
			content: `schema_version: v1
tenants:
  - id: "Acme Corp!"
    enabled: true
`,
			errMsg: "tenants[0].id is invalid",
		},
		{
			name: "invalid yaml",
			content: `schema_version: v1
tenants:
  - id: "acme
`,
			errMsg: "failed to",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tenants, err := LoadTenantsFile(writeTenantsFile(t, tt.content))
			require.Error(t, err)
			assert.Nil(t, tenants)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestLoadTenantsFileNotFound(t *testing.T) {
	tenants, err := LoadTenantsFile("/nonexistent/tenants.yaml")
	assert.Error(t, err)
	assert.Nil(t, tenants)
	assert.Contains(t, err.Error(), "failed to load")
}

func TestWriteTenantsFileReadBack(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tenants.yaml")
	original := &TenantsFile{
		SchemaVersion: TenantsSchemaVersion,
		Tenants: []TenantConfig{
			{ID: "acme", Name: "ACME Corp", Enabled: true, Config: map[string]interface{}{"cache_size": 100}},
			{ID: "globex", Enabled: false},
		},
	}

	require.NoError(t, WriteTenantsFile(path, original))

	loaded, err := LoadTenantsFile(path)
	require.NoError(t, err)
	require.Len(t, loaded.Tenants, 2)
	assert.Equal(t, "acme", loaded.Tenants[0].ID)
	assert.Equal(t, "ACME Corp", loaded.Tenants[0].Name)
	assert.EqualValues(t, 100, loaded.Tenants[0].Config["cache_size"])
	assert.False(t, loaded.Tenants[1].Enabled)

	// No temp files are left behind.
	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestWriteTenantsFileRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tenants.yaml")
	err := WriteTenantsFile(path, &TenantsFile{SchemaVersion: "v9"})
	require.Error(t, err)
	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))
}

func TestWriteTenantsFileInvalidPath(t *testing.T) {
	err := WriteTenantsFile("/nonexistent/directory/tenants.yaml", &TenantsFile{SchemaVersion: TenantsSchemaVersion})
	assert.Error(t, err)
}

package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testModel() *Model {
	return NewModel("device-management", "Device management tenant settings",
		Attribute{Name: "cache_size", Type: AttributeInt, Default: 1000, Rules: "min=1,max=100000"},
		Attribute{Name: "cache_ttl", Type: AttributeDuration, Default: 5 * time.Minute},
		Attribute{Name: "region", Type: AttributeString, Required: true, Rules: "oneof=eu us apac"},
		Attribute{Name: "strict", Type: AttributeBool},
	)
}

func TestModelApply(t *testing.T) {
	resolved, err := testModel().Apply(map[string]interface{}{
		"region":    "eu",
		"cache_ttl": "30s",
	})
	require.NoError(t, err)
	assert.Equal(t, 1000, resolved["cache_size"])
	assert.Equal(t, 30*time.Second, resolved["cache_ttl"])
	assert.Equal(t, "eu", resolved["region"])
	assert.NotContains(t, resolved, "strict")
}

func TestModelApplyConvertsYAMLNumbers(t *testing.T) {
	resolved, err := testModel().Apply(map[string]interface{}{
		"region":     "us",
		"cache_size": float64(250),
	})
	require.NoError(t, err)
	assert.Equal(t, 250, resolved["cache_size"])
}

func TestModelApplyErrors(t *testing.T) {
	tests := []struct {
		name   string
		values map[string]interface{}
		errMsg string
	}{
		{"missing required", map[string]interface{}{}, "region: is required"},
		{"unknown key", map[string]interface{}{"region": "eu", "colour": "red"}, "colour: unknown attribute"},
		{"wrong type", map[string]interface{}{"region": "eu", "strict": "yes"}, "strict: expected bool"},
		{"fractional int", map[string]interface{}{"region": "eu", "cache_size": 1.5}, "cache_size: expected int"},
		{"rule violated", map[string]interface{}{"region": "mars"}, "region: fails oneof"},
		{"below minimum", map[string]interface{}{"region": "eu", "cache_size": 0}, "cache_size: fails min=1"},
		{"bad duration", map[string]interface{}{"region": "eu", "cache_ttl": "soon"}, "invalid duration"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := testModel().Apply(tt.values)
			require.Error(t, err)
			var cfgErr *ConfigError
			assert.ErrorAs(t, err, &cfgErr)
			assert.Contains(t, err.Error(), tt.errMsg)
			assert.Contains(t, err.Error(), "device-management")
		})
	}
}

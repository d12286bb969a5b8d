package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// WriteTenantsFile atomically writes a TenantsFile to disk using a
// temp-file-then-rename pattern so readers and the watcher never observe a
// partial file. The file is validated before anything is written.
func WriteTenantsFile(path string, tenants *TenantsFile) error {
	if err := tenants.Validate(); err != nil {
		return fmt.Errorf("refusing to write invalid tenants config: %w", err)
	}

	data, err := yaml.Marshal(tenants)
	if err != nil {
		return fmt.Errorf("failed to marshal tenants config: %w", err)
	}

	dir := filepath.Dir(path)

	// Pattern: .tenants.*.yaml.tmp
	tmpFile, err := os.CreateTemp(dir, ".tenants.*.yaml.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	// Remove the temp file if it still exists (error path)
	defer func() {
		if _, err := os.Stat(tmpPath); err == nil {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		return fmt.Errorf("failed to write to temp file: %w", err)
	}

	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to rename temp file to %q: %w", path, err)
	}

	return nil
}

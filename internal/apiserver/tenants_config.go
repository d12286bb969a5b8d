package apiserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"

	"github.com/aiyumi19960310/sitewhere/internal/config"
)

// tenantRequest is the body of PUT /v1/tenants/{tenant}.
type tenantRequest struct {
	Name    string                 `json:"name,omitempty"`
	Enabled bool                   `json:"enabled"`
	Config  map[string]interface{} `json:"config,omitempty"`
}

// tenantsFilePath returns the tenants file of a multitenant microservice or
// writes the error response.
func (s *Server) tenantsFilePath(w http.ResponseWriter) (string, bool) {
	if _, ok := s.tenantEngines(w); !ok {
		return "", false
	}
	path := s.ms.Settings().TenantsConfig
	if path == "" {
		WriteError(w, http.StatusConflict, "NO_TENANTS_FILE", "no tenants file is configured")
		return "", false
	}
	return path, true
}

// loadTenantsForEdit reads the tenants file. A missing file is an empty one.
func loadTenantsForEdit(path string) (*config.TenantsFile, error) {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return &config.TenantsFile{SchemaVersion: config.TenantsSchemaVersion}, nil
	}
	return config.LoadTenantsFile(path)
}

// handlePutTenant creates or replaces a tenant in the tenants file. The file
// watcher applies the change to the running tenant engines.
func (s *Server) handlePutTenant(w http.ResponseWriter, r *http.Request) {
	path, ok := s.tenantsFilePath(w)
	if !ok {
		return
	}

	var req tenantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "INVALID_JSON", fmt.Sprintf("Invalid JSON: %v", err))
		return
	}
	if _, err := s.ms.ConfigurationModel().Apply(req.Config); err != nil {
		WriteError(w, http.StatusBadRequest, "INVALID_CONFIG", fmt.Sprintf("Validation failed: %v", err))
		return
	}
	tc := config.TenantConfig{ID: r.PathValue("tenant"), Name: req.Name, Enabled: req.Enabled, Config: req.Config}

	s.tenantsMu.Lock()
	defer s.tenantsMu.Unlock()

	tenants, err := loadTenantsForEdit(path)
	if err != nil {
		s.logger.Error("Failed to load tenants config: %v", err)
		WriteError(w, http.StatusInternalServerError, "LOAD_ERROR", fmt.Sprintf("Failed to load config: %v", err))
		return
	}

	status := http.StatusCreated
	for i := range tenants.Tenants {
		if tenants.Tenants[i].ID == tc.ID {
			tenants.Tenants[i] = tc
			status = http.StatusOK
			break
		}
	}
	if status == http.StatusCreated {
		tenants.Tenants = append(tenants.Tenants, tc)
	}

	if err := tenants.Validate(); err != nil {
		WriteError(w, http.StatusBadRequest, "INVALID_CONFIG", fmt.Sprintf("Validation failed: %v", err))
		return
	}
	if err := config.WriteTenantsFile(path, tenants); err != nil {
		s.logger.Error("Failed to write tenants config: %v", err)
		WriteError(w, http.StatusInternalServerError, "WRITE_ERROR", fmt.Sprintf("Failed to save config: %v", err))
		return
	}

	s.logger.Info("Saved tenant %s (enabled: %v)", tc.ID, tc.Enabled)
	WriteResponse(w, status, tc)
}

// handleDeleteTenant removes a tenant from the tenants file.
func (s *Server) handleDeleteTenant(w http.ResponseWriter, r *http.Request) {
	path, ok := s.tenantsFilePath(w)
	if !ok {
		return
	}
	id := r.PathValue("tenant")

	s.tenantsMu.Lock()
	defer s.tenantsMu.Unlock()

	tenants, err := loadTenantsForEdit(path)
	if err != nil {
		s.logger.Error("Failed to load tenants config: %v", err)
		WriteError(w, http.StatusInternalServerError, "LOAD_ERROR", fmt.Sprintf("Failed to load config: %v", err))
		return
	}

	found := false
	kept := make([]config.TenantConfig, 0, len(tenants.Tenants))
	for _, t := range tenants.Tenants {
		if t.ID == id {
			found = true
			continue
		}
		kept = append(kept, t)
	}
	if !found {
		WriteError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("Tenant %q not found", id))
		return
	}
	tenants.Tenants = kept

	if err := config.WriteTenantsFile(path, tenants); err != nil {
		s.logger.Error("Failed to write tenants config: %v", err)
		WriteError(w, http.StatusInternalServerError, "WRITE_ERROR", fmt.Sprintf("Failed to save config: %v", err))
		return
	}

	s.logger.Info("Deleted tenant %s", id)
	w.WriteHeader(http.StatusNoContent)
}

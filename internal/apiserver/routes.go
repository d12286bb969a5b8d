package apiserver

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aiyumi19960310/sitewhere/internal/lifecycle"
	"github.com/aiyumi19960310/sitewhere/internal/tenant"
)

// registerHandlers registers all HTTP handlers
func (s *Server) registerHandlers() {
	// Register health and readiness endpoints
	s.registerHealthEndpoints()

	s.router.Handle("/metrics", promhttp.HandlerFor(s.ms.Gatherer(), promhttp.HandlerOpts{}))
	s.router.HandleFunc("/v1/status", s.withMethod(http.MethodGet, s.handleStatus))
	s.router.HandleFunc("/v1/tenants", s.withMethod(http.MethodGet, s.handleTenants))
	s.router.HandleFunc("GET /v1/tenants/{tenant}", s.handleTenant)
	s.router.HandleFunc("PUT /v1/tenants/{tenant}", s.handlePutTenant)
	s.router.HandleFunc("DELETE /v1/tenants/{tenant}", s.handleDeleteTenant)

	// Routes contributed by the service, e.g. event ingestion
	if registrar, ok := s.ms.Service().(RouteRegistrar); ok {
		registrar.RegisterRoutes(s.router)
	}
}

// registerHealthEndpoints registers health and readiness check endpoints
func (s *Server) registerHealthEndpoints() {
	s.router.HandleFunc("/health", s.handleHealth)
	s.router.HandleFunc("/ready", s.handleReady)
}

// handleHealth answers liveness probes while the server runs.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	WriteResponse(w, http.StatusOK, map[string]interface{}{
		"status": "healthy",
	})
}

// handleReady answers 200 only while the microservice is ready.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ready := s.ms.Ready()
	code := http.StatusOK
	if !ready {
		code = http.StatusServiceUnavailable
	}
	WriteResponse(w, code, map[string]interface{}{
		"ready": ready,
		"state": s.ms.State().String(),
	})
}

type componentStatus struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	State string `json:"state"`
	Error string `json:"error,omitempty"`
}

type progressEvent struct {
	Time      time.Time `json:"time"`
	Step      string    `json:"step,omitempty"`
	Component string    `json:"component"`
	Phase     string    `json:"phase"`
	Outcome   string    `json:"outcome"`
	Duration  string    `json:"duration,omitempty"`
	Error     string    `json:"error,omitempty"`
}

type statusResponse struct {
	Identifier string            `json:"identifier"`
	Name       string            `json:"name"`
	Version    string            `json:"version"`
	Global     bool              `json:"global"`
	State      string            `json:"state"`
	Ready      bool              `json:"ready"`
	Error      string            `json:"error,omitempty"`
	Components []componentStatus `json:"components"`
	Events     []progressEvent   `json:"events"`
}

func describe(c lifecycle.Component) componentStatus {
	st := componentStatus{ID: c.ID(), Name: c.Name(), State: c.State().String()}
	if err := c.Err(); err != nil {
		st.Error = err.Error()
	}
	return st
}

// handleStatus reports the microservice, its infrastructure components and
// the most recent lifecycle progress events.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := s.ms.Identity()
	resp := statusResponse{
		Identifier: id.Identifier,
		Name:       id.Name,
		Version:    id.Version,
		Global:     id.Global,
		State:      s.ms.State().String(),
		Ready:      s.ms.Ready(),
		Components: []componentStatus{},
		Events:     []progressEvent{},
	}
	if err := s.ms.Err(); err != nil {
		resp.Error = err.Error()
	}
	for _, c := range s.ms.Components() {
		resp.Components = append(resp.Components, describe(c))
	}
	for _, e := range s.ms.RecentEvents() {
		pe := progressEvent{
			Time:      e.Time,
			Step:      e.Step,
			Component: e.Component,
			Phase:     e.Phase.String(),
			Outcome:   e.Outcome.String(),
		}
		if e.Outcome != lifecycle.OutcomeBegin {
			pe.Duration = e.Duration.String()
		}
		if e.Err != nil {
			pe.Error = e.Err.Error()
		}
		resp.Events = append(resp.Events, pe)
	}
	WriteResponse(w, http.StatusOK, resp)
}

type tenantStatus struct {
	componentStatus
	Tenant string `json:"tenant"`
}

func describeEngine(e *tenant.Engine) tenantStatus {
	return tenantStatus{componentStatus: describe(e), Tenant: e.Tenant().Name}
}

func (s *Server) tenantEngines(w http.ResponseWriter) (*tenant.Manager, bool) {
	engines, err := s.ms.TenantEngines()
	if errors.Is(err, tenant.ErrGlobalMicroservice) {
		WriteError(w, http.StatusNotFound, "GLOBAL_MICROSERVICE", err.Error())
		return nil, false
	}
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		return nil, false
	}
	return engines, true
}

// handleTenants lists the tenant engines and their states.
func (s *Server) handleTenants(w http.ResponseWriter, r *http.Request) {
	engines, ok := s.tenantEngines(w)
	if !ok {
		return
	}
	list := engines.Registry().List()
	out := make([]tenantStatus, 0, len(list))
	for _, e := range list {
		out = append(out, describeEngine(e))
	}
	WriteResponse(w, http.StatusOK, map[string]interface{}{"tenants": out})
}

// handleTenant reports one tenant engine.
func (s *Server) handleTenant(w http.ResponseWriter, r *http.Request) {
	engines, ok := s.tenantEngines(w)
	if !ok {
		return
	}
	id := r.PathValue("tenant")
	e, found := engines.Engine(id)
	if !found {
		WriteError(w, http.StatusNotFound, "NOT_FOUND", "no tenant engine for "+id)
		return
	}
	WriteResponse(w, http.StatusOK, describeEngine(e))
}

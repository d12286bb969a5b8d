package batchoperations

import (
	"encoding/json"
	"errors"
	"net/http"
	"sort"

	"github.com/go-playground/validator/v10"

	"github.com/aiyumi19960310/sitewhere/internal/apiserver"
	"github.com/aiyumi19960310/sitewhere/internal/tenant"
)

// maxRequestSize bounds the body of one batch operation request.
const maxRequestSize = 4 << 20

// RegisterRoutes exposes batch operation submission and status.
func (s *Service) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/batch-operations/types", s.handleTypes)
	mux.HandleFunc("POST /v1/tenants/{tenant}/batch-operations", s.handleSubmit)
	mux.HandleFunc("GET /v1/tenants/{tenant}/batch-operations", s.handleList)
	mux.HandleFunc("GET /v1/tenants/{tenant}/batch-operations/{id}", s.handleGet)
}

func (s *Service) handleTypes(w http.ResponseWriter, r *http.Request) {
	types := s.OperationTypes()
	sort.Strings(types)
	apiserver.WriteResponse(w, http.StatusOK, map[string]interface{}{"types": types})
}

func (s *Service) worker(w http.ResponseWriter, r *http.Request) (*Worker, bool) {
	worker, err := s.Worker(r.PathValue("tenant"))
	switch {
	case errors.Is(err, tenant.ErrEngineNotFound):
		apiserver.WriteError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
		return nil, false
	case err != nil:
		apiserver.WriteError(w, http.StatusServiceUnavailable, "UNAVAILABLE", err.Error())
		return nil, false
	}
	return worker, true
}

func (s *Service) handleSubmit(w http.ResponseWriter, r *http.Request) {
	worker, ok := s.worker(w, r)
	if !ok {
		return
	}

	var req Request
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestSize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		apiserver.WriteError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}

	op, err := worker.Submit(req)
	var verr validator.ValidationErrors
	switch {
	case err == nil:
		apiserver.WriteResponse(w, http.StatusAccepted, op)
	case errors.As(err, &verr), errors.Is(err, ErrUnknownOperationType):
		apiserver.WriteError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
	case errors.Is(err, ErrQueueFull):
		apiserver.WriteError(w, http.StatusTooManyRequests, "QUEUE_FULL", err.Error())
	case errors.Is(err, ErrWorkerStopped):
		apiserver.WriteError(w, http.StatusServiceUnavailable, "WORKER_STOPPED", err.Error())
	default:
		apiserver.WriteError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
	}
}

func (s *Service) handleList(w http.ResponseWriter, r *http.Request) {
	worker, ok := s.worker(w, r)
	if !ok {
		return
	}
	apiserver.WriteResponse(w, http.StatusOK, map[string]interface{}{"operations": worker.Operations()})
}

func (s *Service) handleGet(w http.ResponseWriter, r *http.Request) {
	worker, ok := s.worker(w, r)
	if !ok {
		return
	}
	id := r.PathValue("id")
	op, found := worker.Operation(id)
	if !found {
		apiserver.WriteError(w, http.StatusNotFound, "NOT_FOUND", "no batch operation "+id)
		return
	}
	apiserver.WriteResponse(w, http.StatusOK, op)
}

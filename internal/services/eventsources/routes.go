package eventsources

import (
	"errors"
	"io"
	"net/http"

	"github.com/aiyumi19960310/sitewhere/internal/apiserver"
	"github.com/aiyumi19960310/sitewhere/internal/tenant"
)

// maxEventSize bounds the body of one ingested event.
const maxEventSize = 1 << 20

// RegisterRoutes exposes HTTP ingestion for every tenant source.
func (s *Service) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/tenants/{tenant}/sources/{source}/events", s.handleSubmit)
}

func (s *Service) handleSubmit(w http.ResponseWriter, r *http.Request) {
	tenantID, source := r.PathValue("tenant"), r.PathValue("source")

	receiver, err := s.Receiver(tenantID, source)
	switch {
	case errors.Is(err, tenant.ErrEngineNotFound), errors.Is(err, ErrUnknownSource):
		apiserver.WriteError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
		return
	case err != nil:
		apiserver.WriteError(w, http.StatusServiceUnavailable, "UNAVAILABLE", err.Error())
		return
	}

	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxEventSize))
	if err != nil {
		apiserver.WriteError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	ev, err := DecodeEvent(data)
	if err != nil {
		apiserver.WriteError(w, http.StatusBadRequest, "INVALID_EVENT", err.Error())
		return
	}

	switch err := receiver.Submit(ev); {
	case errors.Is(err, ErrReceiverFull):
		apiserver.WriteError(w, http.StatusTooManyRequests, "RECEIVER_FULL", err.Error())
	case errors.Is(err, ErrReceiverStopped):
		apiserver.WriteError(w, http.StatusServiceUnavailable, "RECEIVER_STOPPED", err.Error())
	case err != nil:
		apiserver.WriteError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
	default:
		apiserver.WriteResponse(w, http.StatusAccepted, map[string]interface{}{
			"tenant":  ev.Tenant,
			"source":  ev.Source,
			"pending": receiver.Pending(),
		})
	}
}

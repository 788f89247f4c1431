package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/nerrad567/pnp-hooks/internal/audit"
	"github.com/nerrad567/pnp-hooks/internal/lifecycle"
	"github.com/nerrad567/pnp-hooks/internal/provisioning"
)

// handleAllocate answers a custom allocation request from the
// provisioning service.
//
// An invalid request is answered with 400 and a plain-text message the
// provisioning service surfaces to the device. Everything else is 200.
func (s *Server) handleAllocate(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeBadRequest(w, "failed to read request body")
		return
	}

	req, err := provisioning.ParseAllocationRequest(body)
	if err != nil {
		s.logger.Warn("allocation request rejected",
			"error", err,
			"request_id", r.Context().Value(ctxKeyRequestID),
		)
		writePlain(w, http.StatusBadRequest, allocationErrorMessage(err))
		return
	}

	resp, err := s.allocator.Allocate(r.Context(), req)
	if err != nil {
		writePlain(w, http.StatusBadRequest, allocationErrorMessage(err))
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// allocationErrorMessage returns the message for a rejected request. The
// validation sentinels carry the exact wording devices have always seen.
func allocationErrorMessage(err error) string {
	switch {
	case errors.Is(err, provisioning.ErrMissingRegistrationID):
		return provisioning.ErrMissingRegistrationID.Error()
	case errors.Is(err, provisioning.ErrNoLinkedHubs):
		return provisioning.ErrNoLinkedHubs.Error()
	default:
		return err.Error()
	}
}

// handleLifecycleEvents handles a batch of Event Grid events.
//
// A subscription validation handshake is answered with the validation
// code. Per-event failures are reported in the outcome list, never as an
// error status.
func (s *Server) handleLifecycleEvents(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeBadRequest(w, "failed to read request body")
		return
	}

	events, err := lifecycle.ParseEvents(body)
	if err != nil {
		s.logger.Warn("event grid payload rejected",
			"error", err,
			"request_id", r.Context().Value(ctxKeyRequestID),
		)
		writeBadRequest(w, err.Error())
		return
	}

	validation, outcomes := s.lifecycle.HandleEvents(r.Context(), events, audit.SourceEventGrid)
	if validation != nil {
		writeJSON(w, http.StatusOK, validation)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"outcomes": outcomes,
	})
}

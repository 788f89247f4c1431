package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/pnp-hooks/internal/twin"
)

// handleListDevices returns the locally recorded twins.
//
// Query parameters (all optional, combined with AND):
//   - hub: filter by hub host name
//   - status: assigned or created
//   - connection_state: connected or disconnected
//   - model_id: exact model ID
func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	twins, err := s.registry.List(r.Context())
	if err != nil {
		s.logger.Error("failed to list twins", "error", err)
		writeInternalError(w, "failed to list devices")
		return
	}

	q := r.URL.Query()
	hub := q.Get("hub")
	status := twin.Status(q.Get("status"))
	state := twin.ConnectionState(q.Get("connection_state"))
	modelID := q.Get("model_id")

	devices := make([]twin.Twin, 0, len(twins))
	for _, t := range twins {
		if hub != "" && t.HubName != hub {
			continue
		}
		if status != "" && t.Status != status {
			continue
		}
		if state != "" && t.ConnectionState != state {
			continue
		}
		if modelID != "" && t.ModelID != modelID {
			continue
		}
		devices = append(devices, t)
	}

	writeJSON(w, http.StatusOK, map[string]any{"devices": devices, "count": len(devices)})
}

// handleGetDevice returns one twin.
func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	t, err := s.registry.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, twin.ErrTwinNotFound) {
			writeNotFound(w, "device not found")
			return
		}
		s.logger.Error("failed to get twin", "device_id", id, "error", err)
		writeInternalError(w, "failed to get device")
		return
	}

	writeJSON(w, http.StatusOK, t)
}

// handleDeleteDevice forgets a twin. The device itself is untouched; the
// record is recreated by the next allocation or lifecycle event.
func (s *Server) handleDeleteDevice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := s.registry.Delete(r.Context(), id); err != nil {
		if errors.Is(err, twin.ErrTwinNotFound) {
			writeNotFound(w, "device not found")
			return
		}
		s.logger.Error("failed to delete twin", "device_id", id, "error", err)
		writeInternalError(w, "failed to delete device")
		return
	}

	s.logger.Info("twin deleted via API",
		"device_id", id,
		"subject", r.Context().Value(ctxKeySubject),
	)
	w.WriteHeader(http.StatusNoContent)
}

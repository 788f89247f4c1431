package api

import (
	"errors"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/pnp-hooks/internal/devicemodel"
)

// handleGetModel resolves a DTMI and returns its entity graph.
//
// Query parameters:
//   - kind: only entities of this kind (Property, Command, Component, ...)
func (s *Server) handleGetModel(w http.ResponseWriter, r *http.Request) {
	if s.resolver == nil {
		writeUnavailable(w, "model resolution not configured")
		return
	}

	id, err := url.PathUnescape(chi.URLParam(r, "dtmi"))
	if err != nil || !devicemodel.IsValidDTMI(id) {
		writeBadRequest(w, "invalid model id")
		return
	}

	graph, err := s.resolver.Resolve(r.Context(), id)
	if err != nil {
		var pe *devicemodel.ParseError
		switch {
		case errors.Is(err, devicemodel.ErrModelNotFound):
			writeNotFound(w, "model not found")
		case errors.As(err, &pe):
			writeError(w, http.StatusBadGateway, ErrCodeBadGateway, err.Error())
		default:
			s.logger.Warn("model resolution failed", "model_id", id, "error", err)
			writeError(w, http.StatusBadGateway, ErrCodeBadGateway, "model repository unavailable")
		}
		return
	}

	entities := graph.Entities()
	if kind := r.URL.Query().Get("kind"); kind != "" {
		entities = graph.OfKind(devicemodel.EntityKind(kind))
	}
	if entities == nil {
		entities = []devicemodel.Entity{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"id":       graph.RootID(),
		"count":    len(entities),
		"entities": entities,
	})
}

// handleModelStats returns resolver cache counters.
func (s *Server) handleModelStats(w http.ResponseWriter, _ *http.Request) {
	if s.resolver == nil {
		writeUnavailable(w, "model resolution not configured")
		return
	}
	writeJSON(w, http.StatusOK, s.resolver.Stats())
}

// handlePurgeModels empties the resolver cache so updated model
// documents are fetched again.
func (s *Server) handlePurgeModels(w http.ResponseWriter, r *http.Request) {
	if s.resolver == nil {
		writeUnavailable(w, "model resolution not configured")
		return
	}
	s.resolver.Purge()
	s.logger.Info("model cache purged", "subject", r.Context().Value(ctxKeySubject))
	w.WriteHeader(http.StatusNoContent)
}

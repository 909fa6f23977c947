package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/MikeSquared-Agency/dealflow/internal/domain"
	"github.com/MikeSquared-Agency/dealflow/internal/processor"
)

// DocumentsResponse lists processed markers, optionally filtered by outcome.
type DocumentsResponse struct {
	Documents []domain.ProcessedMarker `json:"documents"`
	Count     int                      `json:"count"`
}

// listDocuments handles GET /api/v1/documents
func (s *Server) listDocuments(w http.ResponseWriter, r *http.Request) {
	markers, err := s.pipeline.Processed(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list failed: "+err.Error())
		return
	}

	outcome := domain.Outcome(r.URL.Query().Get("outcome"))
	resp := DocumentsResponse{Documents: []domain.ProcessedMarker{}}
	for _, m := range markers {
		if outcome != "" && m.Outcome != outcome {
			continue
		}
		resp.Documents = append(resp.Documents, m)
	}
	resp.Count = len(resp.Documents)
	writeJSON(w, http.StatusOK, resp)
}

// documentHistory handles GET /api/v1/documents/{id}/history
func (s *Server) documentHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	entries, err := s.pipeline.History(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "history failed: "+err.Error())
		return
	}
	if len(entries) == 0 {
		writeError(w, http.StatusNotFound, "no history for document "+id)
		return
	}
	writeJSON(w, http.StatusOK, DocumentsResponse{Documents: entries, Count: len(entries)})
}

// reprocessDocument handles POST /api/v1/documents/{id}/reprocess
func (s *Server) reprocessDocument(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	res, err := s.pipeline.Reprocess(r.Context(), id)
	if err != nil {
		slog.Warn("reprocess failed", "document_id", id, "error", err)
		writeError(w, statusFor(err), err.Error())
		return
	}

	status := http.StatusOK
	if res.Deferred {
		status = http.StatusAccepted
	}
	writeJSON(w, status, res)
}

// previewDocument handles GET /api/v1/documents/{id}/preview
func (s *Server) previewDocument(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	p, err := s.pipeline.Preview(r.Context(), id)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrExtractionFailed):
		return http.StatusUnprocessableEntity
	case domain.Deferrable(err):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

var _ Pipeline = (*processor.Processor)(nil)

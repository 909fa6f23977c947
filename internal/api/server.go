package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/MikeSquared-Agency/dealflow/internal/domain"
	"github.com/MikeSquared-Agency/dealflow/internal/processor"
)

// Pipeline is the part of the processor the API exposes.
type Pipeline interface {
	LastSummary() (domain.RunSummary, bool)
	Processed(ctx context.Context) ([]domain.ProcessedMarker, error)
	History(ctx context.Context, id string) ([]domain.ProcessedMarker, error)
	Reprocess(ctx context.Context, id string) (processor.Result, error)
	Preview(ctx context.Context, id string) (processor.Preview, error)
}

type Server struct {
	router   *chi.Mux
	port     int
	pipeline Pipeline
	http     *http.Server
}

// NewServer wires the routes. metrics may be nil to skip /metrics.
func NewServer(port int, apiToken string, pipeline Pipeline, metrics http.Handler) *Server {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)

	s := &Server{
		router:   router,
		port:     port,
		pipeline: pipeline,
	}

	router.Get("/health", s.health)
	if metrics != nil {
		router.Handle("/metrics", metrics)
	}

	router.Route("/api/v1", func(r chi.Router) {
		r.Get("/status", s.status)
		r.Get("/documents", s.listDocuments)
		r.Get("/documents/{id}/history", s.documentHistory)
		r.Group(func(r chi.Router) {
			r.Use(BearerAuthMiddleware(apiToken))
			r.Get("/documents/{id}/preview", s.previewDocument)
			r.Post("/documents/{id}/reprocess", s.reprocessDocument)
		})
	})

	return s
}

func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.port)
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	slog.Info("API server starting", "addr", addr)
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// BearerAuthMiddleware rejects requests without the configured token. An
// empty token disables the check.
func BearerAuthMiddleware(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				next.ServeHTTP(w, r)
				return
			}
			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"service": "dealflow", "last_run": nil}
	if summary, ok := s.pipeline.LastSummary(); ok {
		resp["last_run"] = summary
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

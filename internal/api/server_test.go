package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MikeSquared-Agency/dealflow/internal/domain"
	"github.com/MikeSquared-Agency/dealflow/internal/processor"
	"github.com/MikeSquared-Agency/dealflow/internal/reconcile"
)

type fakePipeline struct {
	summary    *domain.RunSummary
	markers    []domain.ProcessedMarker
	history    map[string][]domain.ProcessedMarker
	reprocess  map[string]processor.Result
	reprocErr  error
	reprocIDs  []string
	previewErr error
}

func (f *fakePipeline) LastSummary() (domain.RunSummary, bool) {
	if f.summary == nil {
		return domain.RunSummary{}, false
	}
	return *f.summary, true
}

func (f *fakePipeline) Processed(context.Context) ([]domain.ProcessedMarker, error) {
	return f.markers, nil
}

func (f *fakePipeline) History(_ context.Context, id string) ([]domain.ProcessedMarker, error) {
	return f.history[id], nil
}

func (f *fakePipeline) Reprocess(_ context.Context, id string) (processor.Result, error) {
	f.reprocIDs = append(f.reprocIDs, id)
	if f.reprocErr != nil {
		return processor.Result{}, f.reprocErr
	}
	return f.reprocess[id], nil
}

func (f *fakePipeline) Preview(_ context.Context, id string) (processor.Preview, error) {
	if f.previewErr != nil {
		return processor.Preview{}, f.previewErr
	}
	return processor.Preview{
		Document: domain.Document{ID: id},
		Draft:    domain.EmailDraft{Subject: "Great meeting you - Acme Corp"},
	}, nil
}

func serve(srv *Server, method, path, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	srv.router.ServeHTTP(w, req)
	return w
}

func TestHealthEndpoint(t *testing.T) {
	srv := NewServer(8760, "", &fakePipeline{}, nil)

	w := serve(srv, "GET", "/health", "")
	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}

	var body map[string]string
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("expected status ok, got %q", body["status"])
	}
}

func TestStatusEndpoint(t *testing.T) {
	p := &fakePipeline{}
	srv := NewServer(8760, "", p, nil)

	w := serve(srv, "GET", "/api/v1/status", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var body map[string]any
	json.NewDecoder(w.Body).Decode(&body)
	if body["last_run"] != nil {
		t.Errorf("expected no last run, got %v", body["last_run"])
	}

	p.summary = &domain.RunSummary{RunID: "run-1", Found: 2, Succeeded: 2, FinishedAt: time.Now()}
	w = serve(srv, "GET", "/api/v1/status", "")

	var withRun struct {
		Service string            `json:"service"`
		LastRun domain.RunSummary `json:"last_run"`
	}
	if err := json.NewDecoder(w.Body).Decode(&withRun); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if withRun.Service != "dealflow" {
		t.Errorf("expected service dealflow, got %q", withRun.Service)
	}
	if withRun.LastRun.RunID != "run-1" || withRun.LastRun.Succeeded != 2 {
		t.Errorf("unexpected last run %+v", withRun.LastRun)
	}
}

func TestListDocuments(t *testing.T) {
	p := &fakePipeline{markers: []domain.ProcessedMarker{
		{DocumentID: "d1", Outcome: domain.OutcomeSuccess},
		{DocumentID: "d2", Outcome: domain.OutcomeAmbiguous},
		{DocumentID: "d3", Outcome: domain.OutcomeFailed},
	}}
	srv := NewServer(8760, "", p, nil)

	tests := []struct {
		path  string
		count int
	}{
		{"/api/v1/documents", 3},
		{"/api/v1/documents?outcome=ambiguous", 1},
		{"/api/v1/documents?outcome=reset", 0},
	}
	for _, tt := range tests {
		w := serve(srv, "GET", tt.path, "")
		if w.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", tt.path, w.Code)
		}
		var resp DocumentsResponse
		if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
			t.Fatalf("%s: decode: %v", tt.path, err)
		}
		if resp.Count != tt.count || len(resp.Documents) != tt.count {
			t.Errorf("%s: expected %d documents, got %d", tt.path, tt.count, resp.Count)
		}
	}
}

func TestReprocessRequiresToken(t *testing.T) {
	p := &fakePipeline{reprocess: map[string]processor.Result{
		"d1": {Document: domain.Document{ID: "d1"}, Outcome: domain.OutcomeSuccess, Action: reconcile.ActionUpdated, DealID: "42"},
	}}
	srv := NewServer(8760, "secret", p, nil)

	if w := serve(srv, "POST", "/api/v1/documents/d1/reprocess", ""); w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without token, got %d", w.Code)
	}
	if w := serve(srv, "POST", "/api/v1/documents/d1/reprocess", "wrong"); w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 with wrong token, got %d", w.Code)
	}
	if len(p.reprocIDs) != 0 {
		t.Fatalf("expected no reprocess calls, got %v", p.reprocIDs)
	}

	w := serve(srv, "POST", "/api/v1/documents/d1/reprocess", "secret")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var res processor.Result
	if err := json.NewDecoder(w.Body).Decode(&res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.DealID != "42" || res.Action != reconcile.ActionUpdated {
		t.Errorf("unexpected result %+v", res)
	}
}

func TestReprocessErrors(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("get: %w", domain.ErrNotFound), http.StatusNotFound},
		{fmt.Errorf("forget: disk full"), http.StatusInternalServerError},
		{fmt.Errorf("get: %w", domain.ErrSourceUnavailable), http.StatusBadGateway},
	}
	for _, tt := range tests {
		srv := NewServer(8760, "", &fakePipeline{reprocErr: tt.err}, nil)
		w := serve(srv, "POST", "/api/v1/documents/d1/reprocess", "")
		if w.Code != tt.want {
			t.Errorf("%v: expected %d, got %d", tt.err, tt.want, w.Code)
		}
	}
}

func TestReprocessDeferred(t *testing.T) {
	p := &fakePipeline{reprocess: map[string]processor.Result{
		"d1": {Document: domain.Document{ID: "d1"}, Deferred: true, Detail: "crm unavailable"},
	}}
	srv := NewServer(8760, "", p, nil)

	w := serve(srv, "POST", "/api/v1/documents/d1/reprocess", "")
	if w.Code != http.StatusAccepted {
		t.Errorf("expected 202, got %d", w.Code)
	}
}

func TestPreviewEndpoint(t *testing.T) {
	srv := NewServer(8760, "", &fakePipeline{}, nil)

	w := serve(srv, "GET", "/api/v1/documents/d9/preview", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "Acme Corp") {
		t.Errorf("expected preview draft in body, got %s", w.Body.String())
	}

	srv = NewServer(8760, "", &fakePipeline{previewErr: fmt.Errorf("%w: bad json", domain.ErrExtractionFailed)}, nil)
	if w := serve(srv, "GET", "/api/v1/documents/d9/preview", ""); w.Code != http.StatusUnprocessableEntity {
		t.Errorf("expected 422, got %d", w.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("dealflow_documents_total 1\n"))
	})
	srv := NewServer(8760, "", &fakePipeline{}, metrics)

	w := serve(srv, "GET", "/metrics", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "dealflow_documents_total") {
		t.Errorf("unexpected metrics response %d %q", w.Code, w.Body.String())
	}

	srv = NewServer(8760, "", &fakePipeline{}, nil)
	if w := serve(srv, "GET", "/metrics", ""); w.Code != http.StatusNotFound {
		t.Errorf("expected 404 without metrics, got %d", w.Code)
	}
}

func TestNotFoundEndpoint(t *testing.T) {
	srv := NewServer(8760, "", &fakePipeline{}, nil)

	w := serve(srv, "GET", "/nonexistent", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestDocumentHistory(t *testing.T) {
	at := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)
	fake := &fakePipeline{history: map[string][]domain.ProcessedMarker{
		"d1": {
			{DocumentID: "d1", ProcessedAt: at, Outcome: domain.OutcomeFailed, Detail: "not found"},
			{DocumentID: "d1", ProcessedAt: at.Add(time.Hour), Outcome: domain.OutcomeReset},
		},
	}}
	srv := NewServer(8760, "", fake, nil)

	w := serve(srv, "GET", "/api/v1/documents/d1/history", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp DocumentsResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Count != 2 || resp.Documents[1].Outcome != domain.OutcomeReset {
		t.Errorf("unexpected history %+v", resp)
	}

	w = serve(srv, "GET", "/api/v1/documents/unknown/history", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

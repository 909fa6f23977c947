package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MikeSquared-Agency/dealflow/internal/crm/crmtest"
	"github.com/MikeSquared-Agency/dealflow/internal/domain"
	"github.com/MikeSquared-Agency/dealflow/internal/hermes"
	"github.com/MikeSquared-Agency/dealflow/internal/metrics"
	"github.com/MikeSquared-Agency/dealflow/internal/reconcile"
	"github.com/MikeSquared-Agency/dealflow/internal/retry"
	"github.com/MikeSquared-Agency/dealflow/internal/tracker"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeSource struct {
	tracker   tracker.Tracker
	docs      []domain.Document
	fetchErr  map[string]error
	listErr   error
	listCalls int
	pingErr   error
	onList    func()
}

func (f *fakeSource) ListNewDocuments(ctx context.Context, _ string) ([]domain.Document, error) {
	f.listCalls++
	if f.onList != nil {
		f.onList()
	}
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []domain.Document
	for _, d := range f.docs {
		done, err := f.tracker.IsProcessed(ctx, d.ID)
		if err != nil {
			return nil, err
		}
		if !done {
			out = append(out, d)
		}
	}
	return out, nil
}

func (f *fakeSource) Get(_ context.Context, id string) (domain.Document, error) {
	for _, d := range f.docs {
		if d.ID == id {
			return d, nil
		}
	}
	return domain.Document{}, fmt.Errorf("%w: %s", domain.ErrNotFound, id)
}

func (f *fakeSource) FetchText(_ context.Context, doc domain.Document) (domain.Content, error) {
	if err := f.fetchErr[doc.ID]; err != nil {
		return domain.Content{}, err
	}
	return domain.Content{Text: "notes for " + doc.Title}, nil
}

func (f *fakeSource) Ping(context.Context, string) error { return f.pingErr }

type fakeExtractor struct {
	records   map[string]domain.ExtractedRecord
	errs      map[string]error
	calls     int
	onExtract func(doc domain.Document)
}

func (f *fakeExtractor) Extract(_ context.Context, doc domain.Document, _ domain.Content) (domain.ExtractedRecord, error) {
	f.calls++
	if f.onExtract != nil {
		f.onExtract(doc)
	}
	if err := f.errs[doc.ID]; err != nil {
		return domain.ExtractedRecord{}, err
	}
	return f.records[doc.ID], nil
}

type fakeDrafter struct {
	err    error
	drafts int
	next   int
}

func (f *fakeDrafter) Render(rec domain.ExtractedRecord, _ domain.DealRecord) (domain.EmailDraft, error) {
	return domain.EmailDraft{Subject: "Great meeting you - " + rec.Company(), Body: "Hi"}, nil
}

func (f *fakeDrafter) Draft(_ context.Context, rec domain.ExtractedRecord, deal domain.DealRecord) (domain.EmailDraft, error) {
	d, _ := f.Render(rec, deal)
	if f.err != nil {
		return d, f.err
	}
	f.drafts++
	f.next++
	d.DraftID = fmt.Sprintf("draft-%d", f.next)
	return d, nil
}

type fakeEvents struct {
	mu       sync.Mutex
	subjects []string
}

func (f *fakeEvents) Publish(subject string, _ any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subjects = append(f.subjects, subject)
	return nil
}

type fakeReviewer struct {
	reviews   []domain.ProcessedMarker
	summaries int
	threads   []string
}

func (f *fakeReviewer) PostReview(_ context.Context, _ domain.Document, m domain.ProcessedMarker) (string, error) {
	f.reviews = append(f.reviews, m)
	return fmt.Sprintf("ts-%d", len(f.reviews)), nil
}

func (f *fakeReviewer) PostRunSummary(context.Context, domain.RunSummary) error {
	f.summaries++
	return nil
}

func (f *fakeReviewer) PostThread(_ context.Context, _ string, text string) error {
	f.threads = append(f.threads, text)
	return nil
}

type failingTracker struct {
	tracker.Tracker
}

func (failingTracker) MarkProcessed(context.Context, domain.ProcessedMarker) error {
	return errors.New("disk full")
}

type harness struct {
	proc      *Processor
	source    *fakeSource
	extractor *fakeExtractor
	drafter   *fakeDrafter
	crm       *crmtest.Memory
	tracker   tracker.Tracker
	events    *fakeEvents
	reviews   *fakeReviewer
}

func acme(founder string) domain.ExtractedRecord {
	return domain.ExtractedRecord{
		FounderName: domain.StringPtr(founder),
		CompanyName: domain.StringPtr("Acme Corp"),
		KeyPoints:   []string{"Robotic warehouses"},
	}
}

func newHarness(t *testing.T, docs ...domain.Document) *harness {
	t.Helper()
	tr, err := tracker.OpenFile(filepath.Join(t.TempDir(), "processed.jsonl"), discardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { tr.Close() })

	h := &harness{
		source:    &fakeSource{tracker: tr, docs: docs, fetchErr: map[string]error{}},
		extractor: &fakeExtractor{records: map[string]domain.ExtractedRecord{}, errs: map[string]error{}},
		drafter:   &fakeDrafter{},
		crm:       crmtest.New(),
		tracker:   tr,
		events:    &fakeEvents{},
		reviews:   &fakeReviewer{},
	}
	h.rebuild()
	return h
}

func (h *harness) rebuild() {
	h.proc = New(Deps{
		Source:     h.source,
		Extractor:  h.extractor,
		Reconciler: reconcile.New(h.crm, 0, discardLogger()),
		Drafter:    h.drafter,
		Tracker:    h.tracker,
		Events:     h.events,
		Reviews:    h.reviews,
		Metrics:    metrics.New(prometheus.NewRegistry()),
	}, Options{
		FolderID: "folder",
		Interval: 15 * time.Minute,
		CRMRetry: retry.Policy{
			MaxAttempts: 3,
			Sleep:       func(context.Context, time.Duration) error { return nil },
		},
	}, discardLogger())
}

func doc(id, title string) domain.Document {
	return domain.Document{ID: id, Title: title, Link: "https://docs.google.com/document/d/" + id}
}

func (h *harness) marker(t *testing.T, id string) (domain.ProcessedMarker, bool) {
	t.Helper()
	markers, err := h.tracker.List(context.Background())
	require.NoError(t, err)
	for _, m := range markers {
		if m.DocumentID == id {
			return m, true
		}
	}
	return domain.ProcessedMarker{}, false
}

func TestRunOnce_CreatesDealAndIsIdempotent(t *testing.T) {
	h := newHarness(t, doc("d1", "Jane Doe - Acme Corp"))
	h.extractor.records["d1"] = acme("Jane Doe")
	ctx := context.Background()

	s, err := h.proc.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, s.Found)
	assert.Equal(t, 1, s.Succeeded)
	assert.Equal(t, 1, s.DealsCreated)
	assert.Equal(t, 1, s.DraftsCreated)
	assert.NotEmpty(t, s.RunID)

	deals := h.crm.Deals()
	require.Len(t, deals, 1)
	assert.Equal(t, "Acme Corp", deals[0].CompanyName)
	assert.Equal(t, "Jane Doe", deals[0].FounderName)
	assert.Contains(t, deals[0].NotesBlob, "https://docs.google.com/document/d/d1")

	m, ok := h.marker(t, "d1")
	require.True(t, ok)
	assert.Equal(t, domain.OutcomeSuccess, m.Outcome)
	assert.Equal(t, deals[0].ExternalID, m.DealID)

	s, err = h.proc.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, s.Found)
	assert.Equal(t, 1, h.extractor.calls)
	assert.Equal(t, 1, h.crm.Creates)
	assert.Equal(t, 1, h.drafter.drafts)
	assert.Contains(t, h.events.subjects, hermes.SubjectDocumentProcessed)
}

func TestRunOnce_AppendsToExistingDeal(t *testing.T) {
	h := newHarness(t, doc("d1", "Acme call"), doc("d2", "Acme follow-up"))
	id := h.crm.Seed(domain.DealRecord{CompanyName: "ACME CORP", NotesBlob: "Intro call"})
	h.extractor.records["d1"] = acme("Jane Doe")
	h.extractor.records["d2"] = acme("Jane Doe")

	s, err := h.proc.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, s.Succeeded)
	assert.Equal(t, 2, s.DealsUpdated)
	assert.Equal(t, 0, h.crm.Creates)

	deals := h.crm.Deals()
	require.Len(t, deals, 1)
	assert.Equal(t, id, deals[0].ExternalID)
	assert.True(t, strings.HasPrefix(deals[0].NotesBlob, "Intro call"))
	assert.Contains(t, deals[0].NotesBlob, "/d/d1")
	assert.Contains(t, deals[0].NotesBlob, "/d/d2")
}

func TestRunOnce_FailedOutcomes(t *testing.T) {
	h := newHarness(t, doc("gone", "Gone"), doc("junk", "Junk"))
	h.source.fetchErr["gone"] = fmt.Errorf("%w: 404", domain.ErrNotFound)
	h.extractor.errs["junk"] = fmt.Errorf("%w: no json", domain.ErrExtractionFailed)

	s, err := h.proc.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, s.Failed)
	assert.Len(t, s.Errors, 2)

	for _, id := range []string{"gone", "junk"} {
		m, ok := h.marker(t, id)
		require.True(t, ok, id)
		assert.Equal(t, domain.OutcomeFailed, m.Outcome)
		assert.NotEmpty(t, m.Detail)
	}
	assert.Len(t, h.reviews.reviews, 2)

	s, err = h.proc.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, s.Found)
}

func TestRunOnce_DefersTransientFailures(t *testing.T) {
	h := newHarness(t, doc("d1", "Acme"), doc("d2", "Beta"))
	h.extractor.records["d1"] = acme("Jane Doe")
	h.extractor.errs["d1"] = fmt.Errorf("%w: 500", domain.ErrProviderError)
	h.source.fetchErr["d2"] = fmt.Errorf("%w: 503", domain.ErrSourceUnavailable)

	s, err := h.proc.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, s.Deferred)
	_, ok := h.marker(t, "d1")
	assert.False(t, ok)
	_, ok = h.marker(t, "d2")
	assert.False(t, ok)
	assert.Empty(t, h.reviews.reviews)

	delete(h.extractor.errs, "d1")
	s, err = h.proc.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, s.Found)
	assert.Equal(t, 1, s.Succeeded)
	assert.Equal(t, 1, s.Deferred)
}

func TestRunOnce_ListFailureDefersCycle(t *testing.T) {
	h := newHarness(t)
	h.source.listErr = fmt.Errorf("%w: 401", domain.ErrSourceUnavailable)

	s, err := h.proc.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, s.Found)
	assert.Len(t, s.Errors, 1)
}

func TestRunOnce_AmbiguousMatch(t *testing.T) {
	h := newHarness(t, doc("d1", "Acme"))
	h.crm.Seed(domain.DealRecord{CompanyName: "Acme Corp"})
	h.crm.Seed(domain.DealRecord{CompanyName: "ACME CORP", FounderName: "Jane Doe"})
	h.extractor.records["d1"] = acme("Jane Doe")

	s, err := h.proc.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, s.Ambiguous)
	assert.Equal(t, 0, h.drafter.drafts)
	assert.Equal(t, 0, h.crm.Creates+h.crm.Updates)

	m, ok := h.marker(t, "d1")
	require.True(t, ok)
	assert.Equal(t, domain.OutcomeAmbiguous, m.Outcome)
	assert.Contains(t, h.events.subjects, hermes.SubjectDealAmbiguous)
	require.Len(t, h.reviews.reviews, 1)
	assert.Equal(t, domain.OutcomeAmbiguous, h.reviews.reviews[0].Outcome)
}

func TestRunOnce_DraftFailureStillSucceeds(t *testing.T) {
	h := newHarness(t, doc("d1", "Acme"))
	h.extractor.records["d1"] = acme("Jane Doe")
	h.drafter.err = fmt.Errorf("%w: 403", domain.ErrDraftCreation)

	s, err := h.proc.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, s.Succeeded)
	assert.Equal(t, 0, s.DraftsCreated)
	assert.Equal(t, 1, s.DealsCreated)

	m, ok := h.marker(t, "d1")
	require.True(t, ok)
	assert.Equal(t, domain.OutcomeSuccess, m.Outcome)
	assert.Contains(t, m.Detail, "draft creation failed")
}

func TestRunOnce_RetriesCRMWrites(t *testing.T) {
	h := newHarness(t, doc("d1", "Acme"))
	h.extractor.records["d1"] = acme("Jane Doe")
	h.crm.FailCreates = 2

	s, err := h.proc.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, s.Succeeded)
	assert.Equal(t, 1, h.crm.Creates)
	assert.Len(t, h.crm.Deals(), 1)
}

func TestRunOnce_DefersAfterCRMRetriesExhausted(t *testing.T) {
	h := newHarness(t, doc("d1", "Acme"))
	h.extractor.records["d1"] = acme("Jane Doe")
	h.crm.FailCreates = 3

	s, err := h.proc.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, s.Deferred)
	_, ok := h.marker(t, "d1")
	assert.False(t, ok)

	s, err = h.proc.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, s.Succeeded)
	assert.Equal(t, 1, h.crm.Creates)
}

func TestRunOnce_TrackerFailureIsFatal(t *testing.T) {
	h := newHarness(t, doc("d1", "Acme"), doc("d2", "Beta"))
	h.extractor.records["d1"] = acme("Jane Doe")
	h.extractor.records["d2"] = acme("John Roe")
	h.tracker = failingTracker{Tracker: h.tracker}
	h.rebuild()

	_, err := h.proc.RunOnce(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.Equal(t, 1, h.extractor.calls)
}

func TestRunOnce_StopsBetweenDocumentsOnCancel(t *testing.T) {
	h := newHarness(t, doc("d1", "Acme"), doc("d2", "Beta"))
	h.extractor.records["d1"] = acme("Jane Doe")
	h.extractor.records["d2"] = acme("John Roe")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.extractor.onExtract = func(domain.Document) { cancel() }

	s, err := h.proc.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, s.Found)
	assert.Equal(t, 1, s.Succeeded)
	assert.Equal(t, 1, h.extractor.calls)

	m, ok := h.marker(t, "d1")
	require.True(t, ok)
	assert.Equal(t, domain.OutcomeSuccess, m.Outcome)
	_, ok = h.marker(t, "d2")
	assert.False(t, ok)
}

func TestReprocess(t *testing.T) {
	h := newHarness(t, doc("d1", "Acme"))
	h.extractor.records["d1"] = acme("Jane Doe")
	ctx := context.Background()

	_, err := h.proc.RunOnce(ctx)
	require.NoError(t, err)

	res, err := h.proc.Reprocess(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeSuccess, res.Outcome)
	assert.Equal(t, reconcile.ActionUnchanged, res.Action)
	assert.Equal(t, 2, h.extractor.calls)
	assert.Len(t, h.crm.Deals(), 1)

	_, err = h.proc.Reprocess(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestHistory_RecordsReprocess(t *testing.T) {
	h := newHarness(t, doc("d1", "Acme"))
	h.extractor.records["d1"] = acme("Jane Doe")
	ctx := context.Background()

	_, err := h.proc.RunOnce(ctx)
	require.NoError(t, err)
	_, err = h.proc.Reprocess(ctx, "d1")
	require.NoError(t, err)

	history, err := h.proc.History(ctx, "d1")
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, domain.OutcomeSuccess, history[0].Outcome)
	assert.Equal(t, domain.OutcomeReset, history[1].Outcome)
	assert.Equal(t, domain.OutcomeSuccess, history[2].Outcome)
}

func TestPreview_WritesNothing(t *testing.T) {
	h := newHarness(t, doc("d1", "Acme"))
	h.extractor.records["d1"] = acme("Jane Doe")

	p, err := h.proc.Preview(context.Background(), "d1")
	require.NoError(t, err)
	assert.Equal(t, "Acme Corp", p.Record.Company())
	assert.Contains(t, p.Draft.Subject, "Acme Corp")

	assert.Empty(t, h.crm.Deals())
	assert.Equal(t, 0, h.drafter.drafts)
	_, ok := h.marker(t, "d1")
	assert.False(t, ok)
}

func TestTestConnections(t *testing.T) {
	h := newHarness(t)
	h.proc.deps.Checks = []Check{
		{Name: "affinity", Ping: func(context.Context) error { return errors.New("401") }},
		{Name: "gmail", Ping: func(context.Context) error { return nil }},
	}

	results := h.proc.TestConnections(context.Background())
	assert.Len(t, results, 3)
	assert.NoError(t, results["drive"])
	assert.NoError(t, results["gmail"])
	assert.Error(t, results["affinity"])
}

func TestLastSummary(t *testing.T) {
	h := newHarness(t)
	_, ok := h.proc.LastSummary()
	assert.False(t, ok)

	s, err := h.proc.RunOnce(context.Background())
	require.NoError(t, err)

	last, ok := h.proc.LastSummary()
	require.True(t, ok)
	assert.Equal(t, s.RunID, last.RunID)
	assert.Equal(t, 0, h.reviews.summaries)
}

type fakeClock struct {
	now    time.Time
	waits  []time.Duration
	limit  int
	cancel context.CancelFunc
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.waits = append(c.waits, d)
	if len(c.waits) >= c.limit {
		c.cancel()
		return nil
	}
	ch := make(chan time.Time, 1)
	c.now = c.now.Add(d)
	ch <- c.now
	return ch
}

func TestRun_TicksUntilCancelled(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clock := &fakeClock{now: time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC), limit: 3, cancel: cancel}
	h.proc.clock = clock

	require.NoError(t, h.proc.Run(ctx))
	assert.Equal(t, 3, h.source.listCalls)
	assert.Equal(t, []time.Duration{15 * time.Minute, 15 * time.Minute, 15 * time.Minute}, clock.waits)
}

func TestRun_StopsOnFatalError(t *testing.T) {
	h := newHarness(t, doc("d1", "Acme"))
	h.extractor.records["d1"] = acme("Jane Doe")
	h.tracker = failingTracker{Tracker: h.tracker}
	h.rebuild()

	err := h.proc.Run(context.Background())
	assert.Error(t, err)
}

func TestRun_ReturnsFatalErrorDuringShutdown(t *testing.T) {
	h := newHarness(t, doc("d1", "Acme"))
	h.extractor.records["d1"] = acme("Jane Doe")
	h.tracker = failingTracker{Tracker: h.tracker}
	h.rebuild()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.extractor.onExtract = func(domain.Document) { cancel() }

	err := h.proc.Run(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
}

func TestRun_CancelledListingStopsCleanly(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.source.onList = cancel
	h.source.listErr = fmt.Errorf("list files: %w", context.Canceled)

	assert.NoError(t, h.proc.Run(ctx))
	assert.Equal(t, 1, h.source.listCalls)
}

func reaction(t *testing.T, emoji, ts string) []byte {
	t.Helper()
	data, err := json.Marshal(map[string]any{
		"metadata": map[string]string{"text": ":" + emoji + ":", "user_id": "U1", "message_ts": ts},
	})
	require.NoError(t, err)
	return data
}

func TestHandleReaction_Reprocesses(t *testing.T) {
	h := newHarness(t, doc("d1", "Acme"))
	h.source.fetchErr["d1"] = fmt.Errorf("%w: 404", domain.ErrNotFound)

	_, err := h.proc.RunOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, h.reviews.reviews, 1)

	delete(h.source.fetchErr, "d1")
	h.extractor.records["d1"] = acme("Jane Doe")
	h.proc.HandleReaction(hermes.SubjectSlackReaction, reaction(t, "repeat", "ts-1"))

	m, ok := h.marker(t, "d1")
	require.True(t, ok)
	assert.Equal(t, domain.OutcomeSuccess, m.Outcome)
	require.Len(t, h.reviews.threads, 1)
	assert.Contains(t, h.reviews.threads[0], "Reprocessed: success")

	// The review is consumed; a second reaction is ignored.
	h.proc.HandleReaction(hermes.SubjectSlackReaction, reaction(t, "repeat", "ts-1"))
	assert.Equal(t, 1, h.extractor.calls)
}

func TestHandleReaction_IgnoresUnknown(t *testing.T) {
	h := newHarness(t, doc("d1", "Acme"))
	h.extractor.errs["d1"] = fmt.Errorf("%w: bad", domain.ErrExtractionFailed)
	_, err := h.proc.RunOnce(context.Background())
	require.NoError(t, err)

	h.proc.HandleReaction(hermes.SubjectSlackReaction, reaction(t, "heart", "ts-1"))
	h.proc.HandleReaction(hermes.SubjectSlackReaction, reaction(t, "white_check_mark", "ts-1"))
	h.proc.HandleReaction(hermes.SubjectSlackReaction, []byte("not json"))

	assert.Equal(t, 1, h.extractor.calls)
	assert.Empty(t, h.reviews.threads)
}

func TestHandleReprocessRequest(t *testing.T) {
	h := newHarness(t, doc("d1", "Acme"))
	h.extractor.errs["d1"] = fmt.Errorf("%w: bad", domain.ErrExtractionFailed)
	_, err := h.proc.RunOnce(context.Background())
	require.NoError(t, err)

	delete(h.extractor.errs, "d1")
	h.extractor.records["d1"] = acme("Jane Doe")
	h.proc.HandleReprocessRequest(hermes.SubjectReprocess, []byte(`{"document_id":"d1"}`))

	m, ok := h.marker(t, "d1")
	require.True(t, ok)
	assert.Equal(t, domain.OutcomeSuccess, m.Outcome)
}

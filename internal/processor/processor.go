// Package processor drives meeting notes through extraction, CRM
// reconciliation and drafting, recording one outcome per document.
package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MikeSquared-Agency/dealflow/internal/domain"
	"github.com/MikeSquared-Agency/dealflow/internal/hermes"
	"github.com/MikeSquared-Agency/dealflow/internal/metrics"
	"github.com/MikeSquared-Agency/dealflow/internal/reconcile"
	"github.com/MikeSquared-Agency/dealflow/internal/retry"
	"github.com/MikeSquared-Agency/dealflow/internal/tracker"
)

type Source interface {
	ListNewDocuments(ctx context.Context, folderID string) ([]domain.Document, error)
	Get(ctx context.Context, id string) (domain.Document, error)
	FetchText(ctx context.Context, doc domain.Document) (domain.Content, error)
	Ping(ctx context.Context, folderID string) error
}

type Extractor interface {
	Extract(ctx context.Context, doc domain.Document, content domain.Content) (domain.ExtractedRecord, error)
}

type Reconciler interface {
	Reconcile(ctx context.Context, rec domain.ExtractedRecord, sourceLink string) (domain.DealRecord, reconcile.Action, error)
}

type Drafter interface {
	Render(rec domain.ExtractedRecord, deal domain.DealRecord) (domain.EmailDraft, error)
	Draft(ctx context.Context, rec domain.ExtractedRecord, deal domain.DealRecord) (domain.EmailDraft, error)
}

// Publisher emits pipeline events. Optional.
type Publisher interface {
	Publish(subject string, data any) error
}

// Reviewer asks humans to look at documents that need attention. Optional.
type Reviewer interface {
	PostReview(ctx context.Context, doc domain.Document, marker domain.ProcessedMarker) (string, error)
	PostRunSummary(ctx context.Context, s domain.RunSummary) error
	PostThread(ctx context.Context, threadTS, text string) error
}

// Check is a named connectivity probe run by TestConnections.
type Check struct {
	Name string
	Ping func(ctx context.Context) error
}

// Deps are the collaborators of a Processor. Events, Reviews, Metrics and
// Checks may be left empty.
type Deps struct {
	Source     Source
	Extractor  Extractor
	Reconciler Reconciler
	Drafter    Drafter
	Tracker    tracker.Tracker
	Events     Publisher
	Reviews    Reviewer
	Metrics    *metrics.Metrics
	Checks     []Check
}

type Options struct {
	FolderID string
	Interval time.Duration
	// CRMRetry governs in-place retries of transient CRM failures.
	CRMRetry retry.Policy
	// Clock defaults to the wall clock.
	Clock Clock
}

// Result is what happened to one document.
type Result struct {
	RunID    string           `json:"run_id"`
	Document domain.Document  `json:"document"`
	Outcome  domain.Outcome   `json:"outcome,omitempty"`
	Deferred bool             `json:"deferred"`
	Action   reconcile.Action `json:"action,omitempty"`
	DealID   string           `json:"deal_id,omitempty"`
	DraftID  string           `json:"draft_id,omitempty"`
	Detail   string           `json:"detail,omitempty"`
	Err      error            `json:"-"`
}

// Preview is a dry run of one document.
type Preview struct {
	Document domain.Document        `json:"document"`
	Record   domain.ExtractedRecord `json:"record"`
	Draft    domain.EmailDraft      `json:"draft"`
}

// Processor runs documents one at a time. RunOnce and Reprocess hold mu for
// their whole duration so tracker writes never interleave.
type Processor struct {
	deps   Deps
	opts   Options
	clock  Clock
	logger *slog.Logger

	mu sync.Mutex

	summaryMu   sync.RWMutex
	lastSummary *domain.RunSummary

	reviewMu       sync.Mutex
	pendingReviews map[string]domain.Document // keyed by Slack message ts
}

func New(deps Deps, opts Options, logger *slog.Logger) *Processor {
	if opts.Clock == nil {
		opts.Clock = realClock{}
	}
	opts.CRMRetry.IsRetryable = domain.CRMTransient
	return &Processor{
		deps:           deps,
		opts:           opts,
		clock:          opts.Clock,
		logger:         logger,
		pendingReviews: make(map[string]domain.Document),
	}
}

// RunOnce processes every new document in the folder. Per-document failures
// are recorded in the summary; only tracker failures are returned.
func (p *Processor) RunOnce(ctx context.Context) (domain.RunSummary, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := domain.RunSummary{RunID: uuid.NewString(), StartedAt: p.clock.Now()}
	logger := p.logger.With("run_id", s.RunID)

	if err := ctx.Err(); err != nil {
		return p.finish(ctx, s), nil
	}

	docs, err := p.deps.Source.ListNewDocuments(ctx, p.opts.FolderID)
	if err != nil {
		if !domain.Deferrable(err) {
			return p.finish(ctx, s), fmt.Errorf("list documents: %w", err)
		}
		logger.Warn("document source unavailable, cycle deferred", "error", err)
		s.Errors = append(s.Errors, err.Error())
		return p.finish(ctx, s), nil
	}
	s.Found = len(docs)
	logger.Info("run started", "documents", len(docs))

	for i, doc := range docs {
		if ctx.Err() != nil {
			logger.Info("run cancelled", "remaining", len(docs)-i)
			break
		}

		res, err := p.process(ctx, s.RunID, doc)
		if err != nil {
			s.Errors = append(s.Errors, err.Error())
			return p.finish(ctx, s), err
		}
		tally(&s, res)
	}

	return p.finish(ctx, s), nil
}

// Run calls RunOnce every interval until ctx is cancelled or a cycle fails fatally.
func (p *Processor) Run(ctx context.Context) error {
	p.logger.Info("scheduler started", "interval", p.opts.Interval.String(), "folder_id", p.opts.FolderID)
	for {
		if _, err := p.RunOnce(ctx); err != nil {
			if ctx.Err() != nil && errors.Is(err, context.Canceled) {
				p.logger.Info("scheduler stopped")
				return nil
			}
			p.logger.Error("run failed, scheduler stopping", "error", err)
			return err
		}

		select {
		case <-ctx.Done():
			p.logger.Info("scheduler stopped")
			return nil
		case <-p.clock.After(p.opts.Interval):
		}
	}
}

// Reprocess forgets id and processes it again right away.
func (p *Processor) Reprocess(ctx context.Context, id string) (Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	doc, err := p.deps.Source.Get(ctx, id)
	if err != nil {
		return Result{}, fmt.Errorf("get document %s: %w", id, err)
	}
	if err := p.deps.Tracker.Forget(ctx, id); err != nil {
		return Result{}, fmt.Errorf("forget %s: %w", id, err)
	}

	runID := "reprocess-" + uuid.NewString()
	p.logger.Info("reprocessing document", "run_id", runID, "document_id", id)
	return p.process(ctx, runID, doc)
}

// Preview extracts id and renders its follow-up without writing anywhere.
func (p *Processor) Preview(ctx context.Context, id string) (Preview, error) {
	doc, err := p.deps.Source.Get(ctx, id)
	if err != nil {
		return Preview{}, fmt.Errorf("get document %s: %w", id, err)
	}
	content, err := p.deps.Source.FetchText(ctx, doc)
	if err != nil {
		return Preview{}, fmt.Errorf("fetch %s: %w", id, err)
	}
	rec, err := p.deps.Extractor.Extract(ctx, doc, content)
	if err != nil {
		return Preview{}, fmt.Errorf("extract %s: %w", id, err)
	}
	draft, err := p.deps.Drafter.Render(rec, domain.DealRecord{})
	if err != nil {
		return Preview{}, fmt.Errorf("render %s: %w", id, err)
	}
	return Preview{Document: doc, Record: rec, Draft: draft}, nil
}

// TestConnections pings the document source and every configured check.
// The returned map has one entry per check; a nil value means reachable.
func (p *Processor) TestConnections(ctx context.Context) map[string]error {
	results := map[string]error{
		"drive": p.deps.Source.Ping(ctx, p.opts.FolderID),
	}
	for _, c := range p.deps.Checks {
		results[c.Name] = c.Ping(ctx)
	}
	for name, err := range results {
		if err != nil {
			p.logger.Error("connection test failed", "service", name, "error", err)
		} else {
			p.logger.Info("connection test passed", "service", name)
		}
	}
	return results
}

// LastSummary returns the most recent run summary, if any cycle has finished.
func (p *Processor) LastSummary() (domain.RunSummary, bool) {
	p.summaryMu.RLock()
	defer p.summaryMu.RUnlock()
	if p.lastSummary == nil {
		return domain.RunSummary{}, false
	}
	return *p.lastSummary, true
}

// Processed lists the tracker's markers.
func (p *Processor) Processed(ctx context.Context) ([]domain.ProcessedMarker, error) {
	return p.deps.Tracker.List(ctx)
}

// History returns every tracker entry for one document, oldest first.
func (p *Processor) History(ctx context.Context, id string) ([]domain.ProcessedMarker, error) {
	return p.deps.Tracker.History(ctx, id)
}

// process runs one document to a terminal state. Cancellation of ctx is not
// propagated into the document's calls so a document is never left half done.
// The returned error is fatal to the run.
func (p *Processor) process(ctx context.Context, runID string, doc domain.Document) (Result, error) {
	ctx = context.WithoutCancel(ctx)
	logger := p.logger.With("run_id", runID, "document_id", doc.ID)
	res := Result{RunID: runID, Document: doc}

	logger.Info("processing document", "title", doc.Title)

	content, err := p.deps.Source.FetchText(ctx, doc)
	if err != nil {
		return p.settle(ctx, logger, res, fmt.Errorf("fetch: %w", err))
	}

	rec, err := p.deps.Extractor.Extract(ctx, doc, content)
	if err != nil {
		return p.settle(ctx, logger, res, fmt.Errorf("extract: %w", err))
	}

	var deal domain.DealRecord
	err = retry.Do(ctx, p.opts.CRMRetry, func(ctx context.Context) error {
		var rerr error
		deal, res.Action, rerr = p.deps.Reconciler.Reconcile(ctx, rec, doc.Link)
		if rerr != nil && domain.CRMTransient(rerr) {
			logger.Warn("crm call failed", "error", rerr)
		}
		return rerr
	})
	if err != nil {
		return p.settle(ctx, logger, res, fmt.Errorf("reconcile: %w", err))
	}
	res.DealID = deal.ExternalID
	p.deps.Metrics.RecordDeal(string(res.Action))

	draft, err := p.deps.Drafter.Draft(ctx, rec, deal)
	if err != nil {
		logger.Warn("draft failed, deal kept", "deal_id", deal.ExternalID, "error", err)
		res.Detail = err.Error()
		res.Err = err
	} else {
		res.DraftID = draft.DraftID
	}
	p.deps.Metrics.RecordDraft(err == nil)

	res.Outcome = domain.OutcomeSuccess
	if err := p.mark(ctx, logger, &res); err != nil {
		return res, err
	}
	logger.Info("document processed",
		"deal_id", res.DealID,
		"action", string(res.Action),
		"draft_id", res.DraftID,
	)
	return res, nil
}

// settle applies the outcome policy to a failed document.
func (p *Processor) settle(ctx context.Context, logger *slog.Logger, res Result, cause error) (Result, error) {
	res.Err = cause
	res.Detail = cause.Error()

	switch {
	case errors.Is(cause, domain.ErrAmbiguousMatch):
		res.Outcome = domain.OutcomeAmbiguous
	case errors.Is(cause, domain.ErrNotFound), errors.Is(cause, domain.ErrExtractionFailed):
		res.Outcome = domain.OutcomeFailed
	default:
		// Deferrable and unclassified failures stay unmarked for the next cycle.
		res.Deferred = true
		p.deps.Metrics.RecordDocument("deferred")
		logger.Warn("document deferred", "error", cause)
		return res, nil
	}

	logger.Warn("document needs attention", "outcome", string(res.Outcome), "error", cause)
	if err := p.mark(ctx, logger, &res); err != nil {
		return res, err
	}
	return res, nil
}

// mark persists the outcome, then emits events and review requests.
func (p *Processor) mark(ctx context.Context, logger *slog.Logger, res *Result) error {
	marker := domain.ProcessedMarker{
		DocumentID:  res.Document.ID,
		ProcessedAt: p.clock.Now().UTC(),
		Outcome:     res.Outcome,
		Detail:      res.Detail,
		DealID:      res.DealID,
	}
	if err := p.deps.Tracker.MarkProcessed(ctx, marker); err != nil {
		return fmt.Errorf("mark %s processed: %w", res.Document.ID, err)
	}
	p.deps.Metrics.RecordDocument(string(res.Outcome))

	p.publish(logger, *res, marker)

	if p.deps.Reviews != nil && res.Outcome != domain.OutcomeSuccess {
		ts, err := p.deps.Reviews.PostReview(ctx, res.Document, marker)
		if err != nil {
			logger.Error("slack post failed", "error", err)
		} else {
			p.reviewMu.Lock()
			p.pendingReviews[ts] = res.Document
			p.reviewMu.Unlock()
		}
	}
	return nil
}

func (p *Processor) publish(logger *slog.Logger, res Result, marker domain.ProcessedMarker) {
	if p.deps.Events == nil {
		return
	}
	evt := hermes.DocumentProcessed{
		RunID:      res.RunID,
		DocumentID: res.Document.ID,
		Title:      res.Document.Title,
		Link:       res.Document.Link,
		Outcome:    string(marker.Outcome),
		Detail:     marker.Detail,
		DealID:     marker.DealID,
		Action:     string(res.Action),
		DraftID:    res.DraftID,
		At:         marker.ProcessedAt,
	}
	if err := p.deps.Events.Publish(hermes.SubjectDocumentProcessed, evt); err != nil {
		logger.Error("failed to publish document processed", "error", err)
	}
	if marker.Outcome == domain.OutcomeAmbiguous {
		if err := p.deps.Events.Publish(hermes.SubjectDealAmbiguous, evt); err != nil {
			logger.Error("failed to publish ambiguous deal", "error", err)
		}
	}
}

func (p *Processor) finish(ctx context.Context, s domain.RunSummary) domain.RunSummary {
	s.FinishedAt = p.clock.Now()

	p.summaryMu.Lock()
	p.lastSummary = &s
	p.summaryMu.Unlock()

	p.deps.Metrics.RecordRun(s)

	p.logger.Info("run complete",
		"run_id", s.RunID,
		"found", s.Found,
		"succeeded", s.Succeeded,
		"ambiguous", s.Ambiguous,
		"failed", s.Failed,
		"deferred", s.Deferred,
		"deals_created", s.DealsCreated,
		"deals_updated", s.DealsUpdated,
		"drafts_created", s.DraftsCreated,
	)

	if p.deps.Events != nil {
		if err := p.deps.Events.Publish(hermes.SubjectRunCompleted, s); err != nil {
			p.logger.Error("failed to publish run summary", "error", err)
		}
	}
	if p.deps.Reviews != nil && s.Found > 0 {
		if err := p.deps.Reviews.PostRunSummary(context.WithoutCancel(ctx), s); err != nil {
			p.logger.Error("slack summary failed", "error", err)
		}
	}
	return s
}

func tally(s *domain.RunSummary, res Result) {
	switch {
	case res.Deferred:
		s.Deferred++
	case res.Outcome == domain.OutcomeAmbiguous:
		s.Ambiguous++
	case res.Outcome == domain.OutcomeFailed:
		s.Failed++
	case res.Outcome == domain.OutcomeSuccess:
		s.Succeeded++
		switch res.Action {
		case reconcile.ActionCreated:
			s.DealsCreated++
		case reconcile.ActionUpdated:
			s.DealsUpdated++
		}
		if res.DraftID != "" {
			s.DraftsCreated++
		}
	}
	if res.Err != nil {
		s.Errors = append(s.Errors, res.Document.ID+": "+res.Err.Error())
	}
}

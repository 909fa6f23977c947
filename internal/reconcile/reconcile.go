// Package reconcile decides whether an extracted record creates a new deal,
// appends to an existing one, or is already recorded.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/MikeSquared-Agency/dealflow/internal/crm"
	"github.com/MikeSquared-Agency/dealflow/internal/domain"
)

type Action string

const (
	ActionCreated   Action = "created"
	ActionUpdated   Action = "updated"
	ActionUnchanged Action = "unchanged"
)

type Reconciler struct {
	crm crm.Client
	// threshold enables fuzzy company matching when > 0.
	threshold float64
	now       func() time.Time
	logger    *slog.Logger
}

func New(client crm.Client, similarityThreshold float64, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		crm:       client,
		threshold: similarityThreshold,
		now:       time.Now,
		logger:    logger,
	}
}

// Reconcile upserts rec as a deal. sourceLink identifies the document and
// makes a repeated call with the same link a no-op.
func (r *Reconciler) Reconcile(ctx context.Context, rec domain.ExtractedRecord, sourceLink string) (domain.DealRecord, Action, error) {
	company, founder := rec.Company(), rec.Founder()
	if company == "" && founder == "" {
		return domain.DealRecord{}, "", fmt.Errorf("%w: nothing to match on", domain.ErrExtractionFailed)
	}

	candidates, err := r.candidates(ctx, company, founder)
	if err != nil {
		return domain.DealRecord{}, "", err
	}

	var matches []domain.DealRecord
	for _, c := range candidates {
		if r.strongMatch(c, company, founder) {
			matches = append(matches, c)
		}
	}

	switch len(matches) {
	case 0:
		deal, err := r.crm.CreateDeal(ctx, crm.NewDeal{
			CompanyName:  company,
			FounderName:  founder,
			FounderEmail: rec.Email(),
			Notes:        NotesBlock(rec, sourceLink, r.now()),
		})
		if err != nil {
			return domain.DealRecord{}, "", fmt.Errorf("create deal: %w", err)
		}
		r.logger.Info("deal created", "deal_id", deal.ExternalID, "company", company, "founder", founder)
		return deal, ActionCreated, nil

	case 1:
		deal := matches[0]
		if deal.HasSource(sourceLink) {
			r.logger.Info("deal already has source", "deal_id", deal.ExternalID, "source", sourceLink)
			return deal, ActionUnchanged, nil
		}
		updated, err := r.crm.UpdateDeal(ctx, deal.ExternalID, crm.DealUpdate{
			AppendNotes:  NotesBlock(rec, sourceLink, r.now()),
			CompanyName:  company,
			FounderName:  founder,
			FounderEmail: rec.Email(),
		})
		if err != nil {
			return domain.DealRecord{}, "", fmt.Errorf("update deal %s: %w", deal.ExternalID, err)
		}
		r.logger.Info("deal updated", "deal_id", deal.ExternalID, "company", deal.CompanyName)
		return updated, ActionUpdated, nil

	default:
		ids := make([]string, 0, len(matches))
		for _, m := range matches {
			ids = append(ids, m.ExternalID)
		}
		return domain.DealRecord{}, "", fmt.Errorf("%w: %d deals match company %q founder %q (%s)",
			domain.ErrAmbiguousMatch, len(matches), company, founder, strings.Join(ids, ", "))
	}
}

// candidates unions search by company and by founder, keyed by external id.
func (r *Reconciler) candidates(ctx context.Context, company, founder string) ([]domain.DealRecord, error) {
	seen := make(map[string]bool)
	var out []domain.DealRecord
	for _, term := range []string{company, founder} {
		if term == "" {
			continue
		}
		found, err := r.crm.SearchDeals(ctx, term)
		if err != nil {
			return nil, fmt.Errorf("search deals %q: %w", term, err)
		}
		for _, d := range found {
			if seen[d.ExternalID] {
				continue
			}
			seen[d.ExternalID] = true
			out = append(out, d)
		}
	}
	return out, nil
}

// strongMatch: equal company, or equal founder where the companies do not
// conflict (either side empty or equal).
func (r *Reconciler) strongMatch(d domain.DealRecord, company, founder string) bool {
	nc, nf := Normalize(company), Normalize(founder)
	dc, df := Normalize(d.CompanyName), Normalize(d.FounderName)

	if nc != "" && r.sameCompany(nc, dc) {
		return true
	}
	if nf != "" && nf == df {
		return nc == "" || dc == "" || r.sameCompany(nc, dc)
	}
	return false
}

func (r *Reconciler) sameCompany(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	if a == b {
		return true
	}
	return r.threshold > 0 && Similarity(a, b) >= r.threshold
}

// NotesBlock renders the text appended to a deal for one document.
func NotesBlock(rec domain.ExtractedRecord, sourceLink string, at time.Time) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Meeting notes (%s)\n", at.UTC().Format("2006-01-02 15:04 MST"))
	if sourceLink != "" {
		fmt.Fprintf(&sb, "%s%s\n", domain.SourcePrefix, sourceLink)
	}
	if rec.CompanyDescription != nil {
		fmt.Fprintf(&sb, "Company: %s\n", *rec.CompanyDescription)
	}
	if rec.Stage != nil {
		fmt.Fprintf(&sb, "Stage: %s\n", *rec.Stage)
	}
	if rec.Sector != nil {
		fmt.Fprintf(&sb, "Sector: %s\n", *rec.Sector)
	}
	writeList(&sb, "Key points", rec.KeyPoints)
	writeList(&sb, "Action items", rec.ActionItems)
	writeList(&sb, "Ways to help", rec.WaysToHelp)
	return strings.TrimRight(sb.String(), "\n")
}

func writeList(sb *strings.Builder, title string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(sb, "%s:\n", title)
	for _, it := range items {
		fmt.Fprintf(sb, "- %s\n", it)
	}
}

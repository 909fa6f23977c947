// Package crm talks to the deal pipeline in Affinity.
package crm

import (
	"context"

	"github.com/MikeSquared-Agency/dealflow/internal/domain"
)

// NewDeal carries everything needed to open a deal.
type NewDeal struct {
	CompanyName  string
	FounderName  string
	FounderEmail string
	Notes        string
}

// DealUpdate is an additive change to an existing deal. Besides appending
// notes it fills in whatever the deal is still missing: the pipeline entry,
// a founder when none is linked, and a company name when the deal only has
// a placeholder. Parts already present are left alone.
type DealUpdate struct {
	AppendNotes  string
	CompanyName  string
	FounderName  string
	FounderEmail string
}

// Client is the CRM surface the reconciler needs. Search is by free-text
// term and may return loose matches; callers apply their own match rule.
type Client interface {
	SearchDeals(ctx context.Context, term string) ([]domain.DealRecord, error)
	CreateDeal(ctx context.Context, d NewDeal) (domain.DealRecord, error)
	UpdateDeal(ctx context.Context, externalID string, u DealUpdate) (domain.DealRecord, error)
	Ping(ctx context.Context) error
}

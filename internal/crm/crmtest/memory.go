// Package crmtest provides an in-memory crm.Client for tests.
package crmtest

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/MikeSquared-Agency/dealflow/internal/crm"
	"github.com/MikeSquared-Agency/dealflow/internal/domain"
)

// Memory stores deals in a slice. Search matches case-insensitive substrings
// of company or founder, like the real API.
type Memory struct {
	mu    sync.Mutex
	deals []domain.DealRecord
	next  int

	// FailCreates and FailUpdates make the next N writes fail with ErrCrmWrite.
	FailCreates int
	FailUpdates int
	// SearchErr is returned by SearchDeals when set.
	SearchErr error

	Creates int
	Updates int
}

func New() *Memory {
	return &Memory{next: 1}
}

// Seed inserts a deal directly and returns its id.
func (m *Memory) Seed(d domain.DealRecord) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d.ExternalID == "" {
		d.ExternalID = strconv.Itoa(m.next)
		m.next++
	}
	m.deals = append(m.deals, d)
	return d.ExternalID
}

// Deals returns a copy of every stored deal.
func (m *Memory) Deals() []domain.DealRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.DealRecord(nil), m.deals...)
}

func (m *Memory) SearchDeals(_ context.Context, term string) ([]domain.DealRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SearchErr != nil {
		return nil, m.SearchErr
	}
	t := strings.ToLower(strings.TrimSpace(term))
	if t == "" {
		return nil, nil
	}
	var out []domain.DealRecord
	for _, d := range m.deals {
		if strings.Contains(strings.ToLower(d.CompanyName), t) || strings.Contains(strings.ToLower(d.FounderName), t) {
			out = append(out, d)
		}
	}
	return out, nil
}

func (m *Memory) CreateDeal(_ context.Context, nd crm.NewDeal) (domain.DealRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailCreates > 0 {
		m.FailCreates--
		return domain.DealRecord{}, fmt.Errorf("%w: injected", domain.ErrCrmWrite)
	}
	d := domain.DealRecord{
		ExternalID:  strconv.Itoa(m.next),
		CompanyName: nd.CompanyName,
		FounderName: nd.FounderName,
		NotesBlob:   nd.Notes,
	}
	m.next++
	m.deals = append(m.deals, d)
	m.Creates++
	return d, nil
}

func (m *Memory) UpdateDeal(_ context.Context, id string, u crm.DealUpdate) (domain.DealRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailUpdates > 0 {
		m.FailUpdates--
		return domain.DealRecord{}, fmt.Errorf("%w: injected", domain.ErrCrmWrite)
	}
	for i := range m.deals {
		if m.deals[i].ExternalID != id {
			continue
		}
		if m.deals[i].CompanyName == "" {
			m.deals[i].CompanyName = u.CompanyName
		}
		if m.deals[i].FounderName == "" {
			m.deals[i].FounderName = u.FounderName
		}
		if u.AppendNotes != "" {
			if m.deals[i].NotesBlob != "" {
				m.deals[i].NotesBlob += "\n\n"
			}
			m.deals[i].NotesBlob += u.AppendNotes
		}
		m.Updates++
		return m.deals[i], nil
	}
	return domain.DealRecord{}, fmt.Errorf("%w: deal %s not found", domain.ErrCrmWrite, id)
}

func (m *Memory) Ping(context.Context) error { return nil }

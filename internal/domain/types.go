package domain

import (
	"strings"
	"time"
)

// Document is a meeting-note file discovered in the watched folder.
type Document struct {
	ID         string    `json:"id"`
	Title      string    `json:"title"`
	Link       string    `json:"link"`
	MimeType   string    `json:"mime_type"`
	CreatedAt  time.Time `json:"created_at"`
	ModifiedAt time.Time `json:"modified_at"`
}

// Content is the plain text of a document plus any email addresses linked in it.
type Content struct {
	Text   string
	Emails []string
}

// ExtractedRecord is the structured result of reading one document.
// Scalar fields are nil when the model did not find them.
type ExtractedRecord struct {
	FounderName        *string  `json:"founder_name,omitempty"`
	FounderEmail       *string  `json:"founder_email,omitempty"`
	CompanyName        *string  `json:"company_name,omitempty"`
	CompanyDescription *string  `json:"company_description,omitempty"`
	Stage              *string  `json:"stage,omitempty"`
	Sector             *string  `json:"sector,omitempty"`
	KeyPoints          []string `json:"key_points"`
	ActionItems        []string `json:"action_items"`
	WaysToHelp         []string `json:"ways_to_help"`
}

// Founder returns the founder name or "" when absent.
func (r ExtractedRecord) Founder() string { return deref(r.FounderName) }

// Company returns the company name or "" when absent.
func (r ExtractedRecord) Company() string { return deref(r.CompanyName) }

// Email returns the founder email or "" when absent.
func (r ExtractedRecord) Email() string { return deref(r.FounderEmail) }

// HasPoints reports whether the record carries anything concrete to mention in a follow-up.
func (r ExtractedRecord) HasPoints() bool {
	return len(nonBlank(r.KeyPoints)) > 0 || len(nonBlank(r.WaysToHelp)) > 0 || len(nonBlank(r.ActionItems)) > 0
}

// DealRecord is a deal as the CRM sees it.
type DealRecord struct {
	ExternalID  string   `json:"external_id,omitempty"`
	CompanyName string   `json:"company_name"`
	FounderName string   `json:"founder_name"`
	NotesBlob   string   `json:"notes_blob"`
	SourceLinks []string `json:"source_links,omitempty"`
}

// SourcePrefix starts the line of a notes block that names its document.
const SourcePrefix = "Source: "

// HasSource reports whether link is already recorded on the deal, either in
// SourceLinks or as a whole "Source: <link>" line of the notes blob.
func (d DealRecord) HasSource(link string) bool {
	if link == "" {
		return false
	}
	for _, l := range d.SourceLinks {
		if l == link {
			return true
		}
	}
	want := SourcePrefix + link
	for _, line := range strings.Split(d.NotesBlob, "\n") {
		if strings.TrimSpace(line) == want {
			return true
		}
	}
	return false
}

// Outcome is the terminal state recorded for a processed document.
type Outcome string

const (
	OutcomeSuccess   Outcome = "success"
	OutcomeAmbiguous Outcome = "ambiguous"
	OutcomeFailed    Outcome = "failed"
	// OutcomeReset is logged when a document is released for manual reprocessing.
	OutcomeReset Outcome = "reset"
)

// ProcessedMarker is the durable record that a document has been handled.
type ProcessedMarker struct {
	DocumentID  string    `json:"document_id"`
	ProcessedAt time.Time `json:"processed_at"`
	Outcome     Outcome   `json:"outcome"`
	Detail      string    `json:"detail,omitempty"`
	DealID      string    `json:"deal_id,omitempty"`
}

// EmailDraft is an unsent follow-up message.
type EmailDraft struct {
	Subject string `json:"subject"`
	Body    string `json:"body"`
	To      string `json:"to,omitempty"`
	From    string `json:"from"`
	DraftID string `json:"draft_id,omitempty"`
}

// RunSummary aggregates one poll cycle.
type RunSummary struct {
	RunID         string    `json:"run_id"`
	StartedAt     time.Time `json:"started_at"`
	FinishedAt    time.Time `json:"finished_at"`
	Found         int       `json:"found"`
	Succeeded     int       `json:"succeeded"`
	Ambiguous     int       `json:"ambiguous"`
	Failed        int       `json:"failed"`
	Deferred      int       `json:"deferred"`
	DealsCreated  int       `json:"deals_created"`
	DealsUpdated  int       `json:"deals_updated"`
	DraftsCreated int       `json:"drafts_created"`
	Errors        []string  `json:"errors,omitempty"`
}

// StringPtr returns a pointer to s, or nil when s is blank.
func StringPtr(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func nonBlank(items []string) []string {
	var out []string
	for _, it := range items {
		if strings.TrimSpace(it) != "" {
			out = append(out, it)
		}
	}
	return out
}

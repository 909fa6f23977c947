package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/MikeSquared-Agency/dealflow/internal/domain"
)

const DefaultBaseURL = "https://api.affinity.co"

// placeholderSuffix names an organization opened for a founder whose company
// was not known yet.
const placeholderSuffix = "'s Deal"

// Affinity maps deals onto Affinity's v1 API: a deal is an organization on
// the pipeline list, the founder is a person linked to it, and the notes blob
// is the organization's notes concatenated oldest first.
//
// Creation takes several calls and the note is always written last, so a deal
// whose notes carry a source is complete. UpdateDeal repairs anything an
// interrupted create left out.
type Affinity struct {
	apiKey     string
	pipelineID string
	baseURL    string
	client     *http.Client
	logger     *slog.Logger
}

func NewAffinity(apiKey, pipelineID, baseURL string, logger *slog.Logger) *Affinity {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Affinity{
		apiKey:     apiKey,
		pipelineID: pipelineID,
		baseURL:    strings.TrimRight(baseURL, "/"),
		client:     &http.Client{Timeout: 30 * time.Second},
		logger:     logger,
	}
}

type organization struct {
	ID          int64       `json:"id"`
	Name        string      `json:"name"`
	Domain      string      `json:"domain,omitempty"`
	PersonIDs   []int64     `json:"person_ids,omitempty"`
	ListEntries []listEntry `json:"list_entries,omitempty"`
}

type listEntry struct {
	ID       int64 `json:"id"`
	ListID   int64 `json:"list_id"`
	EntityID int64 `json:"entity_id"`
}

func (o organization) onList(listID int64) bool {
	for _, e := range o.ListEntries {
		if e.ListID == listID {
			return true
		}
	}
	return false
}

// companyName hides placeholder names so a founder-only deal carries no
// company to conflict with.
func (o organization) companyName() string {
	if isPlaceholder(o.Name) {
		return ""
	}
	return o.Name
}

func isPlaceholder(name string) bool {
	return strings.HasSuffix(name, placeholderSuffix)
}

type person struct {
	ID              int64   `json:"id"`
	FirstName       string  `json:"first_name"`
	LastName        string  `json:"last_name"`
	PrimaryEmail    string  `json:"primary_email,omitempty"`
	OrganizationIDs []int64 `json:"organization_ids,omitempty"`
}

func (p person) fullName() string {
	return strings.TrimSpace(p.FirstName + " " + p.LastName)
}

type note struct {
	ID        int64     `json:"id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// apiError is a non-2xx response.
type apiError struct {
	Status int
	Body   string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("affinity api error %d: %s", e.Status, e.Body)
}

func (a *Affinity) do(ctx context.Context, method, path string, query url.Values, in, out any) error {
	u := a.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.SetBasicAuth("", a.apiKey)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &apiError{Status: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
	}
	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("parse %s response: %w", path, err)
		}
	}
	return nil
}

func (a *Affinity) read(ctx context.Context, path string, query url.Values, out any) error {
	if err := a.do(ctx, http.MethodGet, path, query, nil, out); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrCrmUnavailable, err)
	}
	return nil
}

func (a *Affinity) write(ctx context.Context, method, path string, in, out any) error {
	if err := a.do(ctx, method, path, nil, in, out); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrCrmWrite, err)
	}
	return nil
}

// SearchDeals returns organizations matching term by name, plus the
// organizations of people matching term.
func (a *Affinity) SearchDeals(ctx context.Context, term string) ([]domain.DealRecord, error) {
	term = strings.TrimSpace(term)
	if term == "" {
		return nil, nil
	}

	var orgs struct {
		Organizations []organization `json:"organizations"`
	}
	if err := a.read(ctx, "/organizations", url.Values{"term": {term}}, &orgs); err != nil {
		return nil, fmt.Errorf("search organizations: %w", err)
	}

	var people struct {
		Persons []person `json:"persons"`
	}
	if err := a.read(ctx, "/persons", url.Values{"term": {term}}, &people); err != nil {
		return nil, fmt.Errorf("search persons: %w", err)
	}

	seen := make(map[int64]bool)
	var out []domain.DealRecord
	for _, org := range orgs.Organizations {
		if seen[org.ID] {
			continue
		}
		seen[org.ID] = true
		rec, err := a.dealFromOrg(ctx, org, nil)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	for i := range people.Persons {
		p := &people.Persons[i]
		for _, orgID := range p.OrganizationIDs {
			if seen[orgID] {
				continue
			}
			seen[orgID] = true
			var org organization
			if err := a.read(ctx, "/organizations/"+strconv.FormatInt(orgID, 10), nil, &org); err != nil {
				return nil, fmt.Errorf("get organization %d: %w", orgID, err)
			}
			rec, err := a.dealFromOrg(ctx, org, p)
			if err != nil {
				return nil, err
			}
			out = append(out, rec)
		}
	}

	a.logger.Debug("affinity search", "term", term, "results", len(out))
	return out, nil
}

func (a *Affinity) dealFromOrg(ctx context.Context, org organization, founder *person) (domain.DealRecord, error) {
	if founder == nil && len(org.PersonIDs) > 0 {
		var p person
		if err := a.read(ctx, "/persons/"+strconv.FormatInt(org.PersonIDs[0], 10), nil, &p); err != nil {
			return domain.DealRecord{}, fmt.Errorf("get person %d: %w", org.PersonIDs[0], err)
		}
		founder = &p
	}

	blob, err := a.notesBlob(ctx, org.ID)
	if err != nil {
		return domain.DealRecord{}, err
	}

	rec := domain.DealRecord{
		ExternalID:  strconv.FormatInt(org.ID, 10),
		CompanyName: org.companyName(),
		NotesBlob:   blob,
	}
	if founder != nil {
		rec.FounderName = founder.fullName()
	} else if isPlaceholder(org.Name) {
		rec.FounderName = strings.TrimSuffix(org.Name, placeholderSuffix)
	}
	return rec, nil
}

func (a *Affinity) notesBlob(ctx context.Context, orgID int64) (string, error) {
	var notes []note
	query := url.Values{"organization_id": {strconv.FormatInt(orgID, 10)}}
	for {
		var page struct {
			Notes         []note `json:"notes"`
			NextPageToken string `json:"next_page_token"`
		}
		if err := a.read(ctx, "/notes", query, &page); err != nil {
			return "", fmt.Errorf("list notes: %w", err)
		}
		notes = append(notes, page.Notes...)
		if page.NextPageToken == "" {
			break
		}
		query.Set("page_token", page.NextPageToken)
	}

	sort.SliceStable(notes, func(i, j int) bool { return notes[i].CreatedAt.Before(notes[j].CreatedAt) })
	parts := make([]string, 0, len(notes))
	for _, n := range notes {
		parts = append(parts, n.Content)
	}
	return strings.Join(parts, "\n\n"), nil
}

// CreateDeal creates the organization, enters it on the pipeline list, links
// the founder and attaches the first notes block.
func (a *Affinity) CreateDeal(ctx context.Context, d NewDeal) (domain.DealRecord, error) {
	listID, err := a.listID()
	if err != nil {
		return domain.DealRecord{}, err
	}

	name := d.CompanyName
	if name == "" {
		name = d.FounderName + placeholderSuffix
	}

	var org organization
	if err := a.write(ctx, http.MethodPost, "/organizations", map[string]any{"name": name}, &org); err != nil {
		return domain.DealRecord{}, fmt.Errorf("create organization: %w", err)
	}

	if err := a.addToPipeline(ctx, listID, org.ID); err != nil {
		return domain.DealRecord{}, err
	}

	if d.FounderName != "" {
		if _, err := a.createFounder(ctx, org.ID, d.FounderName, d.FounderEmail); err != nil {
			return domain.DealRecord{}, err
		}
	}

	if d.Notes != "" {
		if err := a.addNote(ctx, org.ID, d.Notes); err != nil {
			return domain.DealRecord{}, err
		}
	}

	a.logger.Info("affinity deal created", "organization_id", org.ID, "name", name)
	return domain.DealRecord{
		ExternalID:  strconv.FormatInt(org.ID, 10),
		CompanyName: d.CompanyName,
		FounderName: d.FounderName,
		NotesBlob:   d.Notes,
	}, nil
}

// UpdateDeal completes the deal where it is missing the pipeline entry, a
// founder or a real company name, then appends the note and returns the
// refreshed deal.
func (a *Affinity) UpdateDeal(ctx context.Context, externalID string, u DealUpdate) (domain.DealRecord, error) {
	orgID, err := strconv.ParseInt(externalID, 10, 64)
	if err != nil {
		return domain.DealRecord{}, fmt.Errorf("%w: invalid deal id %q", domain.ErrCrmWrite, externalID)
	}
	listID, err := a.listID()
	if err != nil {
		return domain.DealRecord{}, err
	}

	var org organization
	if err := a.read(ctx, "/organizations/"+externalID, nil, &org); err != nil {
		return domain.DealRecord{}, fmt.Errorf("get organization %s: %w", externalID, err)
	}

	if !org.onList(listID) {
		if err := a.addToPipeline(ctx, listID, orgID); err != nil {
			return domain.DealRecord{}, err
		}
		a.logger.Info("affinity deal added to pipeline", "organization_id", orgID)
	}

	if u.CompanyName != "" && isPlaceholder(org.Name) {
		body := map[string]any{"name": u.CompanyName}
		if err := a.write(ctx, http.MethodPut, "/organizations/"+externalID, body, nil); err != nil {
			return domain.DealRecord{}, fmt.Errorf("rename organization: %w", err)
		}
		a.logger.Info("affinity deal renamed", "organization_id", orgID, "from", org.Name, "to", u.CompanyName)
		org.Name = u.CompanyName
	}

	if u.FounderName != "" && len(org.PersonIDs) == 0 {
		id, err := a.createFounder(ctx, orgID, u.FounderName, u.FounderEmail)
		if err != nil {
			return domain.DealRecord{}, err
		}
		org.PersonIDs = append(org.PersonIDs, id)
	}

	if u.AppendNotes != "" {
		if err := a.addNote(ctx, orgID, u.AppendNotes); err != nil {
			return domain.DealRecord{}, err
		}
	}

	return a.dealFromOrg(ctx, org, nil)
}

func (a *Affinity) listID() (int64, error) {
	id, err := strconv.ParseInt(a.pipelineID, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid pipeline id %q", domain.ErrCrmWrite, a.pipelineID)
	}
	return id, nil
}

func (a *Affinity) addToPipeline(ctx context.Context, listID, orgID int64) error {
	entry := map[string]any{"entity_id": orgID}
	if err := a.write(ctx, http.MethodPost, "/lists/"+strconv.FormatInt(listID, 10)+"/list-entries", entry, nil); err != nil {
		return fmt.Errorf("add to pipeline: %w", err)
	}
	return nil
}

func (a *Affinity) createFounder(ctx context.Context, orgID int64, name, email string) (int64, error) {
	first, last := splitName(name)
	emails := []string{}
	if email != "" {
		emails = append(emails, email)
	}
	p := map[string]any{
		"first_name":       first,
		"last_name":        last,
		"emails":           emails,
		"organization_ids": []int64{orgID},
	}
	var created person
	if err := a.write(ctx, http.MethodPost, "/persons", p, &created); err != nil {
		return 0, fmt.Errorf("create founder: %w", err)
	}
	return created.ID, nil
}

func (a *Affinity) addNote(ctx context.Context, orgID int64, content string) error {
	n := map[string]any{
		"content":          content,
		"organization_ids": []int64{orgID},
	}
	if err := a.write(ctx, http.MethodPost, "/notes", n, nil); err != nil {
		return fmt.Errorf("create note: %w", err)
	}
	return nil
}

// Ping reads the pipeline list.
func (a *Affinity) Ping(ctx context.Context) error {
	if err := a.read(ctx, "/lists/"+url.PathEscape(a.pipelineID), nil, nil); err != nil {
		return fmt.Errorf("affinity ping: %w", err)
	}
	return nil
}

func splitName(full string) (first, last string) {
	parts := strings.Fields(full)
	switch len(parts) {
	case 0:
		return "", ""
	case 1:
		return parts[0], ""
	default:
		return parts[0], strings.Join(parts[1:], " ")
	}
}

package extractor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/MikeSquared-Agency/dealflow/internal/anthropic"
	"github.com/MikeSquared-Agency/dealflow/internal/domain"
	"github.com/MikeSquared-Agency/dealflow/internal/retry"
)

const maxResponseTokens = 2048

// LLM is the completion call the extractor depends on.
type LLM interface {
	Complete(ctx context.Context, system string, messages []anthropic.Message, maxTokens int) (string, error)
}

type Options struct {
	// MaxChars truncates document text before it is sent. Zero means no limit.
	MaxChars int
	// SenderEmail is never chosen as the founder's address.
	SenderEmail string
	// Retry governs backoff on rate limiting. MaxAttempts of zero means one try.
	Retry retry.Policy
	// Limiter paces requests. Nil means unpaced.
	Limiter *rate.Limiter
}

// DefaultOptions returns options pacing requests at rpm per minute.
func DefaultOptions(maxChars, maxRetries, rpm int, senderEmail string) Options {
	opts := Options{
		MaxChars:    maxChars,
		SenderEmail: senderEmail,
		Retry: retry.Policy{
			MaxAttempts:  maxRetries + 1,
			InitialDelay: 2 * time.Second,
			MaxDelay:     time.Minute,
			Multiplier:   2,
		},
	}
	if rpm > 0 {
		opts.Limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(rpm)), 1)
	}
	return opts
}

type Extractor struct {
	llm    LLM
	opts   Options
	logger *slog.Logger
}

func New(llm LLM, opts Options, logger *slog.Logger) *Extractor {
	opts.Retry.IsRetryable = func(err error) bool { return errors.Is(err, domain.ErrRateLimited) }
	return &Extractor{llm: llm, opts: opts, logger: logger}
}

// llmResponse is the exact reply shape. Extra keys are ignored; a key of the
// wrong type fails the decode.
type llmResponse struct {
	FounderName        *string  `json:"founder_name"`
	FounderEmail       *string  `json:"founder_email"`
	CompanyName        *string  `json:"company_name"`
	CompanyDescription *string  `json:"company_description"`
	Stage              *string  `json:"stage"`
	Sector             *string  `json:"sector"`
	KeyPoints          []string `json:"key_points"`
	ActionItems        []string `json:"action_items"`
	WaysToHelp         []string `json:"ways_to_help"`
}

// Extract reads one document and returns its structured record.
func (e *Extractor) Extract(ctx context.Context, doc domain.Document, content domain.Content) (domain.ExtractedRecord, error) {
	text := content.Text
	if e.opts.MaxChars > 0 && len(text) > e.opts.MaxChars {
		text = truncate(text, e.opts.MaxChars)
	}
	prompt := fmt.Sprintf(extractionUserPrompt, doc.Title, text)
	messages := []anthropic.Message{{Role: "user", Content: prompt}}

	e.logger.Info("extracting from document",
		"document_id", doc.ID,
		"title", doc.Title,
		"content_len", len(content.Text),
	)

	var raw string
	err := retry.Do(ctx, e.opts.Retry, func(ctx context.Context) error {
		if e.opts.Limiter != nil {
			if err := e.opts.Limiter.Wait(ctx); err != nil {
				return fmt.Errorf("%w: rate limiter: %v", domain.ErrProviderError, err)
			}
		}
		out, err := e.llm.Complete(ctx, systemPrompt, messages, maxResponseTokens)
		if err != nil {
			if errors.Is(err, domain.ErrRateLimited) {
				e.logger.Warn("llm rate limited", "document_id", doc.ID)
			}
			return err
		}
		raw = out
		return nil
	})
	if err != nil {
		if errors.Is(err, retry.ErrMaxAttemptsExceeded) && errors.Is(err, domain.ErrRateLimited) {
			return domain.ExtractedRecord{}, fmt.Errorf("%w: still rate limited after %d attempts", domain.ErrProviderError, e.opts.Retry.MaxAttempts)
		}
		return domain.ExtractedRecord{}, fmt.Errorf("llm extraction: %w", err)
	}

	rec, err := parseRecord(raw)
	if err != nil {
		e.logger.Error("failed to parse extraction response",
			"document_id", doc.ID,
			"error", err,
			"raw", raw,
		)
		return domain.ExtractedRecord{}, err
	}

	e.fill(&rec, doc, content)

	if rec.Company() == "" && rec.Founder() == "" {
		return domain.ExtractedRecord{}, fmt.Errorf("%w: neither company nor founder identified", domain.ErrExtractionFailed)
	}

	e.logger.Info("extraction complete",
		"document_id", doc.ID,
		"company", rec.Company(),
		"founder", rec.Founder(),
		"key_points", len(rec.KeyPoints),
	)
	return rec, nil
}

// fill supplies fields the model left absent from the title and the
// addresses linked in the document.
func (e *Extractor) fill(rec *domain.ExtractedRecord, doc domain.Document, content domain.Content) {
	founder, company := titleHints(doc.Title)
	if rec.FounderName == nil {
		rec.FounderName = domain.StringPtr(founder)
	}
	if rec.CompanyName == nil {
		rec.CompanyName = domain.StringPtr(company)
	}

	if rec.FounderEmail != nil && !validEmail(*rec.FounderEmail) {
		rec.FounderEmail = nil
	}
	if rec.FounderEmail == nil {
		for _, addr := range content.Emails {
			if validEmail(addr) && !strings.EqualFold(addr, e.opts.SenderEmail) {
				rec.FounderEmail = domain.StringPtr(addr)
				break
			}
		}
	}
}

func parseRecord(raw string) (domain.ExtractedRecord, error) {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return domain.ExtractedRecord{}, fmt.Errorf("%w: no JSON object in response", domain.ErrExtractionFailed)
	}

	var resp llmResponse
	if err := json.Unmarshal([]byte(raw[start:end+1]), &resp); err != nil {
		return domain.ExtractedRecord{}, fmt.Errorf("%w: %v", domain.ErrExtractionFailed, err)
	}

	return domain.ExtractedRecord{
		FounderName:        clean(resp.FounderName),
		FounderEmail:       clean(resp.FounderEmail),
		CompanyName:        clean(resp.CompanyName),
		CompanyDescription: clean(resp.CompanyDescription),
		Stage:              clean(resp.Stage),
		Sector:             clean(resp.Sector),
		KeyPoints:          cleanList(resp.KeyPoints),
		ActionItems:        cleanList(resp.ActionItems),
		WaysToHelp:         cleanList(resp.WaysToHelp),
	}, nil
}

// clean maps blanks and textual nulls to nil.
func clean(s *string) *string {
	if s == nil {
		return nil
	}
	switch strings.ToLower(strings.TrimSpace(*s)) {
	case "null", "none", "n/a", "unknown":
		return nil
	}
	return domain.StringPtr(*s)
}

func cleanList(items []string) []string {
	out := make([]string, 0, len(items))
	for _, it := range items {
		if it = strings.TrimSpace(it); it != "" {
			out = append(out, it)
		}
	}
	return out
}

func validEmail(s string) bool {
	addr, err := mail.ParseAddress(s)
	return err == nil && addr.Address == strings.TrimSpace(s)
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	for n > 0 && n < len(s) && !isRuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }

package domain

import "errors"

// Failure taxonomy shared by every pipeline stage. Adapters wrap these with %w.
var (
	ErrSourceUnavailable = errors.New("source unavailable")
	ErrNotFound          = errors.New("document not found")
	ErrExtractionFailed  = errors.New("extraction failed")
	ErrProviderError     = errors.New("llm provider error")
	ErrRateLimited       = errors.New("llm provider rate limited")
	ErrCrmUnavailable    = errors.New("crm unavailable")
	ErrCrmWrite          = errors.New("crm write failed")
	ErrAmbiguousMatch    = errors.New("ambiguous crm match")
	ErrDraftCreation     = errors.New("draft creation failed")
)

// Deferrable reports whether a per-document failure should leave the document
// unmarked so the next cycle picks it up again.
func Deferrable(err error) bool {
	return errors.Is(err, ErrSourceUnavailable) ||
		errors.Is(err, ErrProviderError) ||
		errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrCrmUnavailable) ||
		errors.Is(err, ErrCrmWrite)
}

// CRMTransient reports whether err is a CRM failure worth retrying in place.
func CRMTransient(err error) bool {
	return errors.Is(err, ErrCrmUnavailable) || errors.Is(err, ErrCrmWrite)
}

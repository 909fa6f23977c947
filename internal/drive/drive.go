// Package drive lists and reads meeting-note documents from a Google Drive folder.
package drive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	gdrive "google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"

	"github.com/MikeSquared-Agency/dealflow/internal/domain"
)

const (
	MimeGoogleDoc = "application/vnd.google-apps.document"
	MimeDocx      = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"

	fileFields   = "id,name,mimeType,createdTime,modifiedTime,webViewLink,trashed"
	maxFileBytes = 20 << 20
)

// ProcessedChecker filters out documents that were already handled.
type ProcessedChecker interface {
	IsProcessed(ctx context.Context, documentID string) (bool, error)
}

type Source struct {
	svc       *gdrive.Service
	processed ProcessedChecker
	logger    *slog.Logger
}

func NewSource(svc *gdrive.Service, processed ProcessedChecker, logger *slog.Logger) *Source {
	return &Source{svc: svc, processed: processed, logger: logger}
}

// ListNewDocuments returns the supported documents in folderID that are not
// yet processed, oldest modification first.
func (s *Source) ListNewDocuments(ctx context.Context, folderID string) ([]domain.Document, error) {
	q := fmt.Sprintf("'%s' in parents and trashed = false and (mimeType = '%s' or mimeType = '%s')",
		escapeQuery(folderID), MimeGoogleDoc, MimeDocx)

	var docs []domain.Document
	pageToken := ""
	for {
		call := s.svc.Files.List().
			Q(q).
			PageSize(100).
			Fields(googleapi.Field("nextPageToken,files(" + fileFields + ")")).
			OrderBy("modifiedTime").
			SupportsAllDrives(true).
			IncludeItemsFromAllDrives(true).
			Context(ctx)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}

		resp, err := call.Do()
		if err != nil {
			return nil, fmt.Errorf("list folder %s: %w", folderID, classify(err))
		}

		for _, f := range resp.Files {
			processed, err := s.processed.IsProcessed(ctx, f.Id)
			if err != nil {
				return nil, fmt.Errorf("check processed %s: %w", f.Id, err)
			}
			if processed {
				continue
			}
			docs = append(docs, toDocument(f))
		}

		if resp.NextPageToken == "" {
			break
		}
		pageToken = resp.NextPageToken
	}

	sort.SliceStable(docs, func(i, j int) bool {
		if docs[i].ModifiedAt.Equal(docs[j].ModifiedAt) {
			return docs[i].ID < docs[j].ID
		}
		return docs[i].ModifiedAt.Before(docs[j].ModifiedAt)
	})

	s.logger.Info("listed folder", "folder_id", folderID, "new_documents", len(docs))
	return docs, nil
}

// Get reads one document's metadata regardless of processed state.
func (s *Source) Get(ctx context.Context, id string) (domain.Document, error) {
	f, err := s.svc.Files.Get(id).
		Fields(googleapi.Field(fileFields)).
		SupportsAllDrives(true).
		Context(ctx).
		Do()
	if err != nil {
		return domain.Document{}, fmt.Errorf("get file %s: %w", id, classify(err))
	}
	if f.Trashed {
		return domain.Document{}, fmt.Errorf("get file %s: %w: trashed", id, domain.ErrNotFound)
	}
	return toDocument(f), nil
}

// FetchText downloads the document and converts it to plain text.
func (s *Source) FetchText(ctx context.Context, doc domain.Document) (domain.Content, error) {
	var (
		resp *http.Response
		err  error
	)
	switch doc.MimeType {
	case MimeGoogleDoc:
		resp, err = s.svc.Files.Export(doc.ID, "text/html").Context(ctx).Download()
	case MimeDocx:
		resp, err = s.svc.Files.Get(doc.ID).SupportsAllDrives(true).Context(ctx).Download()
	default:
		return domain.Content{}, fmt.Errorf("%w: unsupported mime type %s", domain.ErrExtractionFailed, doc.MimeType)
	}
	if err != nil {
		return domain.Content{}, fmt.Errorf("download %s: %w", doc.ID, classify(err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFileBytes))
	if err != nil {
		return domain.Content{}, fmt.Errorf("%w: read %s: %v", domain.ErrSourceUnavailable, doc.ID, err)
	}

	var content domain.Content
	if doc.MimeType == MimeGoogleDoc {
		content, err = htmlToContent(body)
	} else {
		content, err = docxToContent(body)
	}
	if err != nil {
		return domain.Content{}, fmt.Errorf("%w: convert %s: %v", domain.ErrExtractionFailed, doc.ID, err)
	}

	s.logger.Debug("fetched document", "document_id", doc.ID, "chars", len(content.Text), "emails", len(content.Emails))
	return content, nil
}

// Ping reads the folder's metadata.
func (s *Source) Ping(ctx context.Context, folderID string) error {
	if _, err := s.svc.Files.Get(folderID).Fields("id,name").SupportsAllDrives(true).Context(ctx).Do(); err != nil {
		return fmt.Errorf("drive ping: %w", classify(err))
	}
	return nil
}

func toDocument(f *gdrive.File) domain.Document {
	d := domain.Document{
		ID:       f.Id,
		Title:    f.Name,
		Link:     f.WebViewLink,
		MimeType: f.MimeType,
	}
	d.CreatedAt, _ = time.Parse(time.RFC3339, f.CreatedTime)
	d.ModifiedAt, _ = time.Parse(time.RFC3339, f.ModifiedTime)
	if d.ModifiedAt.IsZero() {
		d.ModifiedAt = d.CreatedAt
	}
	if d.Link == "" {
		d.Link = "https://docs.google.com/document/d/" + f.Id
	}
	return d
}

// classify maps API failures onto the domain taxonomy.
func classify(err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) && (gerr.Code == http.StatusNotFound || gerr.Code == http.StatusGone) {
		return fmt.Errorf("%w: %v", domain.ErrNotFound, err)
	}
	return fmt.Errorf("%w: %v", domain.ErrSourceUnavailable, err)
}

func escapeQuery(s string) string {
	return strings.NewReplacer(`\`, `\\`, `'`, `\'`).Replace(s)
}

package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/MikeSquared-Agency/dealflow/internal/domain"
)

const defaultPostMessageURL = "https://slack.com/api/chat.postMessage"

type Poster struct {
	token   string
	channel string
	client  *http.Client
	logger  *slog.Logger
	apiURL  string
}

func NewPoster(token, channel string, logger *slog.Logger) *Poster {
	return &Poster{
		token:   token,
		channel: channel,
		client:  &http.Client{Timeout: 10 * time.Second},
		apiURL:  defaultPostMessageURL,
		logger:  logger,
	}
}

// PostReview asks a human to look at a document that was marked ambiguous or
// failed. Returns the message timestamp (ts) used to match reactions.
func (p *Poster) PostReview(ctx context.Context, doc domain.Document, marker domain.ProcessedMarker) (string, error) {
	text := formatReviewMessage(doc, marker)

	ts, err := p.post(ctx, map[string]any{
		"channel": p.channel,
		"text":    text,
		"blocks": []map[string]any{
			{
				"type": "section",
				"text": map[string]any{
					"type": "mrkdwn",
					"text": text,
				},
			},
			{
				"type": "context",
				"elements": []map[string]any{
					{
						"type": "mrkdwn",
						"text": "React: :repeat: reprocess | :white_check_mark: handled",
					},
				},
			},
		},
	})
	if err != nil {
		return "", err
	}

	p.logger.Info("posted review to slack", "ts", ts, "document_id", doc.ID, "outcome", marker.Outcome)
	return ts, nil
}

// PostRunSummary posts the counters of a finished cycle.
func (p *Poster) PostRunSummary(ctx context.Context, s domain.RunSummary) error {
	_, err := p.post(ctx, map[string]any{
		"channel": p.channel,
		"text":    formatRunSummary(s),
	})
	return err
}

// PostThread posts a threaded reply to a message.
func (p *Poster) PostThread(ctx context.Context, threadTS, text string) error {
	_, err := p.post(ctx, map[string]any{
		"channel":   p.channel,
		"thread_ts": threadTS,
		"text":      text,
	})
	return err
}

func (p *Poster) post(ctx context.Context, payload map[string]any) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal slack payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.apiURL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("Authorization", "Bearer "+p.token)

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("slack post: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}

	var slackResp struct {
		OK    bool   `json:"ok"`
		TS    string `json:"ts"`
		Error string `json:"error,omitempty"`
	}
	if err := json.Unmarshal(respBody, &slackResp); err != nil {
		return "", fmt.Errorf("parse slack response: %w", err)
	}
	if !slackResp.OK {
		return "", fmt.Errorf("slack error: %s", slackResp.Error)
	}
	return slackResp.TS, nil
}

func formatReviewMessage(doc domain.Document, marker domain.ProcessedMarker) string {
	var sb strings.Builder

	switch marker.Outcome {
	case domain.OutcomeAmbiguous:
		sb.WriteString(":warning: *Several CRM deals match this meeting*\n")
	default:
		sb.WriteString(":x: *Meeting notes could not be processed*\n")
	}
	fmt.Fprintf(&sb, "*Document:* <%s|%s>\n", doc.Link, doc.Title)
	if marker.Detail != "" {
		fmt.Fprintf(&sb, "*Detail:* %s\n", marker.Detail)
	}
	if marker.Outcome == domain.OutcomeAmbiguous {
		sb.WriteString("_Merge or rename the duplicates in Affinity, then reprocess._")
	}
	return sb.String()
}

func formatRunSummary(s domain.RunSummary) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "*Run %s* finished in %s\n", s.RunID, s.FinishedAt.Sub(s.StartedAt).Round(time.Second))
	fmt.Fprintf(&sb, "Found: %d | Succeeded: %d | Ambiguous: %d | Failed: %d | Deferred: %d\n",
		s.Found, s.Succeeded, s.Ambiguous, s.Failed, s.Deferred)
	fmt.Fprintf(&sb, "Deals created: %d | Deals updated: %d | Drafts: %d",
		s.DealsCreated, s.DealsUpdated, s.DraftsCreated)

	if len(s.Errors) > 0 {
		fmt.Fprintf(&sb, "\n*Errors: %d*", len(s.Errors))
		for i, e := range s.Errors {
			if i == 5 {
				fmt.Fprintf(&sb, "\n... and %d more", len(s.Errors)-i)
				break
			}
			fmt.Fprintf(&sb, "\n%d. %s", i+1, e)
		}
	}
	return sb.String()
}

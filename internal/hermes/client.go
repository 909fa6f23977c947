package hermes

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

const (
	// SubjectDocumentProcessed carries a DocumentProcessed for every marked document.
	SubjectDocumentProcessed = "dealflow.document.processed"
	// SubjectDealAmbiguous carries a DocumentProcessed when several deals matched.
	SubjectDealAmbiguous = "dealflow.deal.ambiguous"
	// SubjectReprocess accepts ReprocessRequest messages from operators.
	SubjectReprocess = "dealflow.document.reprocess"
	// SubjectRunCompleted carries the RunSummary of each poll cycle.
	SubjectRunCompleted = "dealflow.run.completed"
	// SubjectSlackReaction carries Slack reactions relayed by slack-forwarder.
	SubjectSlackReaction = "swarm.slack.reaction"
)

// DocumentProcessed is emitted once a document reaches a terminal outcome.
type DocumentProcessed struct {
	RunID      string    `json:"run_id"`
	DocumentID string    `json:"document_id"`
	Title      string    `json:"title"`
	Link       string    `json:"link"`
	Outcome    string    `json:"outcome"`
	Detail     string    `json:"detail,omitempty"`
	DealID     string    `json:"deal_id,omitempty"`
	Action     string    `json:"action,omitempty"`
	DraftID    string    `json:"draft_id,omitempty"`
	At         time.Time `json:"at"`
}

// ReprocessRequest asks the running service to forget and reprocess a document.
type ReprocessRequest struct {
	DocumentID  string `json:"document_id"`
	RequestedBy string `json:"requested_by,omitempty"`
}

// ParseReprocessRequest decodes and validates a reprocess message.
func ParseReprocessRequest(data []byte) (ReprocessRequest, error) {
	var req ReprocessRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return ReprocessRequest{}, fmt.Errorf("parse reprocess request: %w", err)
	}
	if req.DocumentID == "" {
		return ReprocessRequest{}, fmt.Errorf("parse reprocess request: document_id is required")
	}
	return req, nil
}

type Client struct {
	conn   *nats.Conn
	subs   []*nats.Subscription
	logger *slog.Logger
}

func NewClient(ctx context.Context, url, token string, logger *slog.Logger) (*Client, error) {
	opts := []nats.Option{
		nats.Name("dealflow"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(60),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info("nats reconnected")
		}),
	}
	if token != "" {
		opts = append(opts, nats.Token(token))
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	return &Client{conn: nc, logger: logger}, nil
}

func (c *Client) Publish(subject string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	return c.conn.Publish(subject, payload)
}

func (c *Client) Subscribe(subject string, handler func(subject string, data []byte)) error {
	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Subject, msg.Data)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", subject, err)
	}
	c.subs = append(c.subs, sub)
	c.logger.Info("subscribed", "subject", subject)
	return nil
}

func (c *Client) Close() {
	for _, sub := range c.subs {
		_ = sub.Unsubscribe()
	}
	c.conn.Close()
}

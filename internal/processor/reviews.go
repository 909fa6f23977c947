package processor

import (
	"context"
	"fmt"

	"github.com/MikeSquared-Agency/dealflow/internal/hermes"
	"github.com/MikeSquared-Agency/dealflow/internal/slack"
)

// HandleReaction processes Slack reaction feedback from slack-forwarder via NATS.
// A reprocess reaction on a review post forgets and reruns that document.
func (p *Processor) HandleReaction(subject string, data []byte) {
	ctx := context.Background()

	evt, err := slack.ParseReactionEvent(data, p.logger)
	if err != nil {
		p.logger.Error("failed to parse reaction", "error", err)
		return
	}

	verdict := slack.ParseReaction(evt.Reaction)
	if verdict == slack.VerdictUnknown {
		return // not a review reaction
	}

	p.reviewMu.Lock()
	doc, ok := p.pendingReviews[evt.MessageTS]
	if ok {
		delete(p.pendingReviews, evt.MessageTS)
	}
	p.reviewMu.Unlock()
	if !ok {
		return // not a message we're tracking
	}

	p.logger.Info("processing review reaction",
		"reaction", evt.Reaction,
		"verdict", string(verdict),
		"user_id", evt.UserID,
		"document_id", doc.ID,
	)

	if verdict == slack.VerdictHandled {
		return
	}

	res, err := p.Reprocess(ctx, doc.ID)
	reply := replyText(res, err)
	if err != nil {
		p.logger.Error("reprocess from reaction failed", "document_id", doc.ID, "error", err)
	}
	if p.deps.Reviews != nil {
		if err := p.deps.Reviews.PostThread(ctx, evt.MessageTS, reply); err != nil {
			p.logger.Error("failed to post reprocess reply", "error", err)
		}
	}
}

// HandleReprocessRequest is the NATS handler for dealflow.document.reprocess.
func (p *Processor) HandleReprocessRequest(subject string, data []byte) {
	req, err := hermes.ParseReprocessRequest(data)
	if err != nil {
		p.logger.Error("invalid reprocess request", "error", err)
		return
	}

	p.logger.Info("reprocess requested", "document_id", req.DocumentID, "requested_by", req.RequestedBy)
	if _, err := p.Reprocess(context.Background(), req.DocumentID); err != nil {
		p.logger.Error("reprocess failed", "document_id", req.DocumentID, "error", err)
	}
}

func replyText(res Result, err error) string {
	switch {
	case err != nil:
		return fmt.Sprintf("Reprocess failed: %v", err)
	case res.Deferred:
		return fmt.Sprintf("Reprocess deferred, will retry next cycle: %s", res.Detail)
	default:
		msg := fmt.Sprintf("Reprocessed: %s", res.Outcome)
		if res.DealID != "" {
			msg += fmt.Sprintf(" (deal %s, %s)", res.DealID, res.Action)
		}
		return msg
	}
}

package anthropic

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/MikeSquared-Agency/dealflow/internal/domain"
)

// statusOverloaded is returned by the Messages API when capacity is exhausted.
const statusOverloaded = 529

// ErrTruncated marks a reply that stopped at the max_tokens limit. It also
// wraps domain.ErrProviderError so a cut-off extraction is retried later.
var ErrTruncated = errors.New("response truncated at max_tokens")

type Client struct {
	model  string
	client sdk.Client
}

type Option func(*[]option.RequestOption)

// WithBaseURL points the client at a different API host.
func WithBaseURL(url string) Option {
	return func(opts *[]option.RequestOption) {
		*opts = append(*opts, option.WithBaseURL(url))
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(opts *[]option.RequestOption) {
		*opts = append(*opts, option.WithHTTPClient(hc))
	}
}

// NewClient builds a client for the given model. The SDK's own retries are
// disabled; callers decide how to back off on ErrRateLimited.
func NewClient(apiKey, model string, opts ...Option) *Client {
	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
		option.WithRequestTimeout(120 * time.Second),
	}
	for _, o := range opts {
		o(&reqOpts)
	}
	return &Client{
		model:  model,
		client: sdk.NewClient(reqOpts...),
	}
}

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Complete sends a message to the Anthropic API and returns the text response.
// Throttling surfaces as domain.ErrRateLimited, every other failure as
// domain.ErrProviderError. A reply cut off by maxTokens is an error.
func (c *Client) Complete(ctx context.Context, system string, messages []Message, maxTokens int) (string, error) {
	params := sdk.MessageNewParams{
		Model:     sdk.Model(c.model),
		MaxTokens: int64(maxTokens),
		Messages:  make([]sdk.MessageParam, 0, len(messages)),
	}
	if system != "" {
		params.System = []sdk.TextBlockParam{{Text: system}}
	}
	for _, m := range messages {
		block := sdk.NewTextBlock(m.Content)
		if m.Role == "assistant" {
			params.Messages = append(params.Messages, sdk.NewAssistantMessage(block))
		} else {
			params.Messages = append(params.Messages, sdk.NewUserMessage(block))
		}
	}

	msg, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return "", classify(err)
	}

	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if msg.StopReason == sdk.StopReasonMaxTokens {
		return "", fmt.Errorf("%w: %w after %d tokens", domain.ErrProviderError, ErrTruncated, maxTokens)
	}
	if text.Len() == 0 {
		return "", fmt.Errorf("%w: empty response content", domain.ErrProviderError)
	}
	return text.String(), nil
}

// Ping issues a minimal request to confirm the key and model are usable.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.Complete(ctx, "", []Message{{Role: "user", Content: "Reply with OK."}}, 5)
	if errors.Is(err, ErrTruncated) {
		return nil
	}
	return err
}

func classify(err error) error {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case http.StatusTooManyRequests, statusOverloaded:
			return fmt.Errorf("%w: status %d", domain.ErrRateLimited, apiErr.StatusCode)
		default:
			return fmt.Errorf("%w: status %d: %v", domain.ErrProviderError, apiErr.StatusCode, err)
		}
	}
	return fmt.Errorf("%w: %v", domain.ErrProviderError, err)
}

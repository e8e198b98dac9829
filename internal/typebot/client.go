// Package typebot is the HTTP client for the conversational bot provider.
package typebot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"botbridge/internal/metrics"

	"go.uber.org/zap"
)

const (
	// MaxAttachedFiles caps the attachment URLs forwarded per message
	MaxAttachedFiles = 10

	textBubbleFormat = "richText"
	errorBodyLimit   = 4 << 10
)

// Broadcaster receives streamed reply chunks as they arrive
type Broadcaster interface {
	PublishStreamChunk(ticketID int64, chunk string) error
}

// Client talks to the provider's startChat and continueChat endpoints
type Client struct {
	http        *http.Client
	broadcaster Broadcaster
	log         *zap.Logger
}

// Option configures a Client
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.http = c }
}

// WithTimeout sets the per-request timeout
func WithTimeout(d time.Duration) Option {
	return func(cl *Client) { cl.http.Timeout = d }
}

// WithBroadcaster sets the side channel for streamed chunks
func WithBroadcaster(b Broadcaster) Option {
	return func(cl *Client) { cl.broadcaster = b }
}

// WithLogger sets the logger
func WithLogger(log *zap.Logger) Option {
	return func(cl *Client) { cl.log = log }
}

// NewClient creates a provider client
func NewClient(opts ...Option) *Client {
	c := &Client{
		http: &http.Client{Timeout: 30 * time.Second},
		log:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CreateSession starts a provider session seeded with the ticket context and
// the inbound text.
func (c *Client) CreateSession(ctx context.Context, baseURL, slug string, tc TicketContext, initialMessage, token string) (*StartResult, error) {
	endpoint := strings.TrimRight(baseURL, "/") + "/api/v1/typebots/" + url.PathEscape(slug) + "/startChat"

	body := startChatRequest{
		Message: initialMessage,
		PrefilledVariables: prefilledVariable{
			TicketID:      tc.TicketID,
			Contact:       strconv.FormatInt(tc.ContactID, 10),
			SessionID:     tc.SessionHandle,
			ContactName:   tc.ContactName,
			ContactNumber: tc.ContactNumber,
		},
		TextBubbleContentFormat: textBubbleFormat,
	}

	resp, err := c.post(ctx, endpoint, body, token)
	if err != nil {
		metrics.ProviderRequests.WithLabelValues("startChat", metrics.ResultUnavailable).Inc()
		return nil, &ProviderUnavailableError{err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		metrics.ProviderRequests.WithLabelValues("startChat", metrics.ResultUnavailable).Inc()
		return nil, &ProviderUnavailableError{StatusCode: resp.StatusCode, err: errorBody(resp.Body)}
	}

	var decoded chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		metrics.ProviderRequests.WithLabelValues("startChat", metrics.ResultUnavailable).Inc()
		return nil, &ProviderUnavailableError{err: fmt.Errorf("failed to decode startChat response: %w", err)}
	}
	if decoded.SessionID == "" {
		metrics.ProviderRequests.WithLabelValues("startChat", metrics.ResultUnavailable).Inc()
		return nil, &ProviderUnavailableError{err: fmt.Errorf("startChat response has no sessionId")}
	}

	metrics.ProviderRequests.WithLabelValues("startChat", metrics.ResultOK).Inc()
	return &StartResult{
		SessionID: decoded.SessionID,
		Messages:  decoded.Messages,
		Pending:   decoded.Input.pending(),
	}, nil
}

// ContinueOptions tunes a continueChat call
type ContinueOptions struct {
	Token            string
	AttachedFileURLs []string
	Stream           bool
	// TicketID scopes streamed chunks on the broadcaster
	TicketID int64
}

// ContinueSession forwards an inbound message to an existing session. A 404
// is reported as SessionExpired; every other failure is a *NoReplyError.
func (c *Client) ContinueSession(ctx context.Context, baseURL, sessionID, message string, opts ContinueOptions) (*ContinueResult, error) {
	endpoint := strings.TrimRight(baseURL, "/") + "/api/v1/sessions/" + url.PathEscape(sessionID) + "/continueChat"

	body := continueChatRequest{
		Message: continueMessage{
			Type:             "text",
			Text:             message,
			AttachedFileURLs: CapAttachments(opts.AttachedFileURLs),
		},
		TextBubbleContentFormat: textBubbleFormat,
	}

	resp, err := c.post(ctx, endpoint, body, opts.Token)
	if err != nil {
		metrics.ProviderRequests.WithLabelValues("continueChat", metrics.ResultError).Inc()
		return nil, &NoReplyError{err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		metrics.ProviderRequests.WithLabelValues("continueChat", metrics.ResultExpired).Inc()
		return &ContinueResult{SessionExpired: true}, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		metrics.ProviderRequests.WithLabelValues("continueChat", metrics.ResultError).Inc()
		return nil, &NoReplyError{StatusCode: resp.StatusCode, err: errorBody(resp.Body)}
	}

	if opts.Stream {
		result := c.decodeStream(resp.Body, opts.TicketID)
		if result.RawText != "" {
			metrics.ProviderRequests.WithLabelValues("continueChat", metrics.ResultRawText).Inc()
		} else {
			metrics.ProviderRequests.WithLabelValues("continueChat", metrics.ResultOK).Inc()
		}
		return result, nil
	}

	var decoded chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		metrics.ProviderRequests.WithLabelValues("continueChat", metrics.ResultError).Inc()
		return nil, &NoReplyError{err: fmt.Errorf("failed to decode continueChat response: %w", err)}
	}

	metrics.ProviderRequests.WithLabelValues("continueChat", metrics.ResultOK).Inc()
	return &ContinueResult{
		Messages: decoded.Messages,
		Pending:  decoded.Input.pending(),
	}, nil
}

func (c *Client) post(ctx context.Context, endpoint string, body interface{}, token string) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	return resp, nil
}

// CapAttachments returns at most MaxAttachedFiles non-empty URLs
func CapAttachments(urls []string) []string {
	out := make([]string, 0, MaxAttachedFiles)
	for _, u := range urls {
		if len(out) == MaxAttachedFiles {
			break
		}
		if strings.TrimSpace(u) == "" {
			continue
		}
		out = append(out, u)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func errorBody(r io.Reader) error {
	b, _ := io.ReadAll(io.LimitReader(r, errorBodyLimit))
	return fmt.Errorf("api error: %s", strings.TrimSpace(string(b)))
}

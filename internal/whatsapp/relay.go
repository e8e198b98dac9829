// Package whatsapp delivers bot replies through the WhatsApp gateway.
package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

var ErrNoSessionHandle = errors.New("whatsapp session handle required")

// HTTPRelay sends text messages through the gateway's send primitive
type HTTPRelay struct {
	baseURL string
	token   string
	http    *http.Client
	log     *zap.Logger
}

// NewHTTPRelay creates a relay for the gateway at baseURL. An empty token
// sends no Authorization header.
func NewHTTPRelay(baseURL, token string, timeout time.Duration, log *zap.Logger) *HTTPRelay {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &HTTPRelay{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: timeout},
		log:     log,
	}
}

type sendRequest struct {
	To   string `json:"to"`
	Text string `json:"text"`
}

type sendResponse struct {
	MessageID string `json:"messageId"`
}

// Deliver sends text to the recipient over the given gateway session and
// returns the gateway message id.
func (r *HTTPRelay) Deliver(ctx context.Context, sessionHandle, to, text string) (string, error) {
	if sessionHandle == "" {
		return "", ErrNoSessionHandle
	}

	body, err := json.Marshal(sendRequest{To: to, Text: text})
	if err != nil {
		return "", fmt.Errorf("failed to marshal message: %w", err)
	}

	endpoint := r.baseURL + "/sessions/" + url.PathEscape(sessionHandle) + "/messages"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}

	resp, err := r.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to send message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("gateway returned %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var out sendResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("failed to decode gateway response: %w", err)
	}

	r.log.Debug("Relayed bot message",
		zap.String("session", sessionHandle),
		zap.String("message_id", out.MessageID),
	)
	return out.MessageID, nil
}

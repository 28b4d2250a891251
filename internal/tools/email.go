package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// EmailDispatch posts a reply to an outbound webhook that turns it into an
// email. The webhook receives {"response": text}.
type EmailDispatch struct {
	url    string
	client *http.Client
}

// NewEmailDispatch returns an email tool for url. A nil client uses one
// with a 10 second timeout.
func NewEmailDispatch(url string, client *http.Client) *EmailDispatch {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &EmailDispatch{url: url, client: client}
}

// Execute sends text. Empty text fails with [ErrNothingToSend]; transport
// errors and non-2xx answers wrap [ErrWebhookFailed].
func (e *EmailDispatch) Execute(ctx context.Context, text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrNothingToSend
	}
	if e == nil || e.url == "" {
		return fmt.Errorf("%w: no webhook configured", ErrWebhookFailed)
	}

	body, err := json.Marshal(map[string]string{"response": text})
	if err != nil {
		return fmt.Errorf("%w: encode: %w", ErrWebhookFailed, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrWebhookFailed, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrWebhookFailed, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: status %d", ErrWebhookFailed, resp.StatusCode)
	}
	return nil
}

package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"
)

type webhookPayload struct {
	Channel string            `json:"channel"`
	Subject string            `json:"subject"`
	Body    string            `json:"body"`
	Details map[string]string `json:"details,omitempty"`
	SentAt  time.Time         `json:"sent_at"`
}

// WebhookSender posts notifications to per-channel webhook endpoints.
// Channels without a configured endpoint fall back to the default URL.
type WebhookSender struct {
	defaultURL string
	endpoints  map[string]string
	client     *http.Client
	logger     *log.Logger
}

// WebhookOption configures the webhook sender.
type WebhookOption func(*WebhookSender)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(client *http.Client) WebhookOption {
	return func(s *WebhookSender) {
		if client != nil {
			s.client = client
		}
	}
}

// WithEndpoint routes one channel to its own webhook URL.
func WithEndpoint(channel, url string) WebhookOption {
	return func(s *WebhookSender) {
		if channel != "" && url != "" {
			s.endpoints[channel] = url
		}
	}
}

// NewWebhookSender constructs a webhook sender.
func NewWebhookSender(defaultURL string, logger *log.Logger, opts ...WebhookOption) (*WebhookSender, error) {
	if defaultURL == "" {
		return nil, errors.New("notify: empty webhook url")
	}
	if logger == nil {
		return nil, errors.New("notify: nil logger")
	}
	sender := &WebhookSender{
		defaultURL: defaultURL,
		endpoints:  make(map[string]string),
		client:     &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
	}
	for _, opt := range opts {
		opt(sender)
	}
	return sender, nil
}

// Send posts one notification as a JSON payload.
func (s *WebhookSender) Send(ctx context.Context, channel, subject, body string, details map[string]string) error {
	url := s.defaultURL
	if endpoint, ok := s.endpoints[channel]; ok {
		url = endpoint
	}
	payload := webhookPayload{
		Channel: channel,
		Subject: subject,
		Body:    body,
		Details: details,
		SentAt:  time.Now().UTC(),
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("notify: deliver %q: %w", channel, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("notify: webhook for %q returned %d", channel, resp.StatusCode)
	}
	s.logger.Printf("notification delivered channel=%s subject=%s", channel, subject)
	return nil
}

package sinks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/tududes/websophon/internal/sophon"
)

// WebhookConfig configures outbound webhook delivery.
type WebhookConfig struct {
	URL         string
	Secret      string
	MaxAttempts int
	Backoff     time.Duration
	Timeout     time.Duration
}

// WebhookSink POSTs each notification to a configured endpoint, signing
// the body with HMAC-SHA256 when a secret is set. Delivery retries a
// bounded number of times and then gives up; notifications are
// best-effort by contract.
type WebhookSink struct {
	cfg    WebhookConfig
	client *http.Client
	logger *zap.Logger
}

// NewWebhookSink creates a webhook sink.
func NewWebhookSink(cfg WebhookConfig, logger *zap.Logger) (*WebhookSink, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("webhook url is required")
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 500 * time.Millisecond
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebhookSink{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}, nil
}

// Consume delivers each notification in the batch.
func (s *WebhookSink) Consume(ctx context.Context, batch []sophon.Notification) error {
	for _, n := range batch {
		if err := s.deliver(ctx, n); err != nil {
			s.logger.Warn("webhook delivery failed",
				zap.String("kind", string(n.Kind)),
				zap.Error(err))
		}
	}
	return nil
}

func (s *WebhookSink) deliver(ctx context.Context, n sophon.Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= s.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(s.cfg.Backoff * time.Duration(attempt-1)):
			}
		}
		lastErr = s.post(ctx, body)
		if lastErr == nil {
			return nil
		}
	}
	return fmt.Errorf("after %d attempts: %w", s.cfg.MaxAttempts, lastErr)
}

func (s *WebhookSink) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.cfg.Secret != "" {
		req.Header.Set("X-Sophon-Signature", "sha256="+sign(body, s.cfg.Secret))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("endpoint returned %d", resp.StatusCode)
	}
	return nil
}

func sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Close implements the Sink interface; it performs no action.
func (s *WebhookSink) Close(context.Context) error {
	return nil
}

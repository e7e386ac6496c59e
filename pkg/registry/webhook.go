package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// WebhookSender posts session lifecycle notifications to a session's
// callback URL, best effort with a small capped retry.
type WebhookSender struct {
	client *http.Client
	log    *slog.Logger
}

// NewWebhookSender wires the sender.
func NewWebhookSender() *WebhookSender {
	return &WebhookSender{
		client: &http.Client{Timeout: 5 * time.Second},
		log:    slog.With("component", "webhook"),
	}
}

// Notify posts the lifecycle payload. Failures are logged, never returned:
// a dead callback endpoint must not affect the lifecycle itself.
func (w *WebhookSender) Notify(ctx context.Context, url, event, sessionID string) {
	if url == "" {
		return
	}
	body, err := json.Marshal(map[string]any{
		"type":       "session_lifecycle",
		"event":      event,
		"session_id": sessionID,
		"when":       time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(&backoff.ExponentialBackOff{
		InitialInterval:     200 * time.Millisecond,
		RandomizationFactor: backoff.DefaultRandomizationFactor,
		Multiplier:          backoff.DefaultMultiplier,
		MaxInterval:         2 * time.Second,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}, 2), ctx)

	err = backoff.Retry(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := w.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 500 {
			return fmt.Errorf("callback returned %d", resp.StatusCode)
		}
		return nil
	}, policy)
	if err != nil {
		w.log.Warn("Session lifecycle callback failed",
			"url", url, "event", event, "session_id", sessionID, "error", err)
	}
}

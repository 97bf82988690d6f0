// SPDX-License-Identifier: Apache-2.0

package playbook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const (
	webhookRetryAttempts = 3
	webhookRetryBase     = 300 * time.Millisecond
	webhookHeaderSig     = "X-Signature"
)

type Notification struct {
	TenantID    string    `json:"tenant_id"`
	ExceptionID string    `json:"exception_id"`
	PlaybookID  string    `json:"playbook_id"`
	StepOrder   int       `json:"step_order"`
	Channel     string    `json:"channel,omitempty"`
	Message     string    `json:"message,omitempty"`
	SentAt      time.Time `json:"sent_at"`
	// URL overrides the notifier's default endpoint.
	URL string `json:"-"`
}

type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// LogNotifier only logs. It serves deployments without a notification
// endpoint.
type LogNotifier struct {
	Logger *slog.Logger
}

func (n LogNotifier) Notify(ctx context.Context, note Notification) error {
	logger := n.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "playbook notification",
		"exception_id", note.ExceptionID,
		"playbook_id", note.PlaybookID,
		"step_order", note.StepOrder,
		"channel", note.Channel,
		"message", note.Message,
	)
	return nil
}

// WebhookNotifier POSTs notifications as signed JSON, retrying non-2xx
// responses with exponential backoff.
type WebhookNotifier struct {
	URL      string
	Secret   string
	Client   *http.Client
	Logger   *slog.Logger
	Attempts int
	Base     time.Duration
	Fallback Notifier
}

func NewWebhookNotifier(url, secret string, client *http.Client, logger *slog.Logger) *WebhookNotifier {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookNotifier{
		URL:      strings.TrimSpace(url),
		Secret:   secret,
		Client:   client,
		Logger:   logger,
		Attempts: webhookRetryAttempts,
		Base:     webhookRetryBase,
		Fallback: LogNotifier{Logger: logger},
	}
}

func (w *WebhookNotifier) Notify(ctx context.Context, n Notification) error {
	url := strings.TrimSpace(n.URL)
	if url == "" {
		url = w.URL
	}
	if url == "" {
		if w.Fallback != nil {
			return w.Fallback.Notify(ctx, n)
		}
		return nil
	}
	if n.SentAt.IsZero() {
		n.SentAt = time.Now().UTC()
	}

	body, err := json.Marshal(n)
	if err != nil {
		return err
	}
	signature := signWebhookPayload(w.Secret, body)

	attempts := w.Attempts
	if attempts <= 0 {
		attempts = webhookRetryAttempts
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		if signature != "" {
			req.Header.Set(webhookHeaderSig, signature)
		}

		resp, err := w.Client.Do(req)
		if err != nil {
			lastErr = err
			w.Logger.WarnContext(ctx, "notification webhook failure",
				"exception_id", n.ExceptionID,
				"attempt", attempt,
				"error", err,
			)
		} else {
			_, _ = io.Copy(io.Discard, resp.Body)
			resp.Body.Close()

			if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
				w.Logger.InfoContext(ctx, "notification webhook delivered",
					"exception_id", n.ExceptionID,
					"attempt", attempt,
					"response_status", resp.StatusCode,
				)
				return nil
			}

			lastErr = fmt.Errorf("non-2xx response: %d", resp.StatusCode)
			w.Logger.WarnContext(ctx, "notification webhook failure",
				"exception_id", n.ExceptionID,
				"attempt", attempt,
				"response_status", resp.StatusCode,
			)
		}

		if attempt < attempts {
			wait := w.Base * time.Duration(1<<(attempt-1))
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
	}

	return fmt.Errorf("notification webhook retries exhausted: %w", lastErr)
}

func signWebhookPayload(secret string, payload []byte) string {
	if strings.TrimSpace(secret) == "" {
		return ""
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

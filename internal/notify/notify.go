// Package notify delivers risk alerts to operators. The webhook notifier
// posts signed JSON payloads to a configured endpoint; the log notifier is
// the fallback when no endpoint is configured.
package notify

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
	"time"

	"github.com/zouzh14/explicandum-core/internal/alert"
	"github.com/zouzh14/explicandum-core/internal/circuitbreaker"
	"github.com/zouzh14/explicandum-core/internal/detect"
	"github.com/zouzh14/explicandum-core/internal/retry"
)

const (
	kindCriticalAlert = "critical_alert"
	kindDailyReport   = "daily_report"

	breakerKey = "alert_webhook"
)

// ErrCircuitOpen is returned when the webhook endpoint has failed enough
// times in a row that deliveries are suspended while it recovers.
var ErrCircuitOpen = fmt.Errorf("notification suppressed: webhook circuit open")

// payload is the wire envelope for every outbound notification.
type payload struct {
	Kind        string             `json:"kind"`
	GeneratedAt time.Time          `json:"generatedAt"`
	Events      []*detect.Event    `json:"events,omitempty"`
	Report      *alert.DailyReport `json:"report,omitempty"`
}

// WebhookNotifier posts notifications to an HTTP endpoint, signing each
// payload with HMAC-SHA256 when a secret is configured.
type WebhookNotifier struct {
	url     string
	secret  string
	client  *http.Client
	policy  retry.Policy
	breaker *circuitbreaker.Breaker
	logger  *slog.Logger
}

// WebhookOption configures a WebhookNotifier.
type WebhookOption func(*WebhookNotifier)

// WithHTTPClient overrides the HTTP client, mainly for tests.
func WithHTTPClient(c *http.Client) WebhookOption {
	return func(n *WebhookNotifier) { n.client = c }
}

// WithLogger sets a structured logger.
func WithLogger(l *slog.Logger) WebhookOption {
	return func(n *WebhookNotifier) { n.logger = l }
}

// NewWebhookNotifier creates a notifier posting to url. If secret is
// non-empty every request carries an X-Monitor-Signature header.
func NewWebhookNotifier(url, secret string, opts ...WebhookOption) *WebhookNotifier {
	n := &WebhookNotifier{
		url:    url,
		secret: secret,
		client: &http.Client{Timeout: 10 * time.Second},
		policy: retry.Policy{
			MaxAttempts: 2,
			BaseDelay:   2 * time.Second,
			MaxDelay:    10 * time.Second,
		},
		breaker: circuitbreaker.New(3, time.Minute),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// SendCriticalAlert posts the batch of escalated events.
func (n *WebhookNotifier) SendCriticalAlert(ctx context.Context, events []*detect.Event) error {
	return n.post(ctx, &payload{
		Kind:        kindCriticalAlert,
		GeneratedAt: time.Now().UTC(),
		Events:      events,
	})
}

// SendDailyReport posts the trailing-24h summary report.
func (n *WebhookNotifier) SendDailyReport(ctx context.Context, report *alert.DailyReport) error {
	return n.post(ctx, &payload{
		Kind:        kindDailyReport,
		GeneratedAt: time.Now().UTC(),
		Report:      report,
	})
}

func (n *WebhookNotifier) post(ctx context.Context, p *payload) error {
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	if !n.breaker.Allow(breakerKey) {
		n.logger.Warn("webhook circuit open, dropping notification", "kind", p.Kind)
		return ErrCircuitOpen
	}

	err = retry.Do(ctx, n.policy, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
		if err != nil {
			return retry.Permanent(fmt.Errorf("failed to build notification request: %w", err))
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Monitor-Event", p.Kind)
		req.Header.Set("X-Monitor-Timestamp", fmt.Sprintf("%d", p.GeneratedAt.Unix()))
		if n.secret != "" {
			req.Header.Set("X-Monitor-Signature", sign(body, n.secret))
		}

		resp, err := n.client.Do(req)
		if err != nil {
			return fmt.Errorf("notification request failed: %w", err)
		}
		defer func() {
			_, _ = io.Copy(io.Discard, resp.Body)
			_ = resp.Body.Close()
		}()

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return nil
		case resp.StatusCode >= 400 && resp.StatusCode < 500:
			// The endpoint rejected the payload; retrying won't change that.
			return retry.Permanent(fmt.Errorf("notification rejected with status %d", resp.StatusCode))
		default:
			return fmt.Errorf("notification failed with status %d", resp.StatusCode)
		}
	})
	if err != nil {
		n.breaker.RecordFailure(breakerKey)
		return err
	}
	n.breaker.RecordSuccess(breakerKey)
	return nil
}

func sign(body []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// LogNotifier writes notifications to the structured log. Used when no
// webhook endpoint is configured so escalations are still visible.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a log-only notifier.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) SendCriticalAlert(_ context.Context, events []*detect.Event) error {
	for _, ev := range events {
		n.logger.Warn("critical alert",
			"id", ev.ID, "level", ev.Level, "title", ev.Title, "value", ev.Value)
	}
	return nil
}

func (n *LogNotifier) SendDailyReport(_ context.Context, report *alert.DailyReport) error {
	n.logger.Info("daily risk report",
		"window_hours", report.WindowHours,
		"total", report.Stats.Total,
		"unresolved", report.Stats.Unresolved)
	return nil
}

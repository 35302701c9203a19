// Package webhook talks to the externally hosted automation endpoint behind
// a chat bot: a single-probe health check and the message send.
package webhook

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/antoniostano/botconsole/internal/logging"
	"github.com/antoniostano/botconsole/internal/observability"
	"github.com/antoniostano/botconsole/internal/reliability"
)

const (
	minHealthTimeout     = 5 * time.Second
	maxHealthTimeout     = 10 * time.Second
	DefaultHealthTimeout = 8 * time.Second
	maxDrainBytes        = 64 << 10
)

// Prober answers whether a webhook endpoint is usable right now.
type Prober interface {
	CheckHealth(ctx context.Context, rawURL string) bool
}

// HealthChecker probes a webhook with a synthetic message envelope.
// A probe never retries; its answer is authoritative for the caller's
// current decision.
type HealthChecker struct {
	client  *http.Client
	timeout time.Duration
	metrics *observability.Metrics
	now     func() time.Time
}

// NewHealthChecker clamps timeout into the 5-10s probe window.
func NewHealthChecker(timeout time.Duration, metrics *observability.Metrics) *HealthChecker {
	if timeout <= 0 {
		timeout = DefaultHealthTimeout
	}
	if timeout < minHealthTimeout {
		timeout = minHealthTimeout
	}
	if timeout > maxHealthTimeout {
		timeout = maxHealthTimeout
	}
	return &HealthChecker{
		client:  &http.Client{},
		timeout: timeout,
		metrics: metrics,
		now:     time.Now,
	}
}

// healthPayload mirrors a real message so automations exercise their normal path.
type healthPayload struct {
	Message   string `json:"message"`
	SessionID string `json:"sessionId"`
	Timestamp string `json:"timestamp"`
	Test      bool   `json:"test"`
}

// CheckHealth returns true only when rawURL answers a POST with 2xx before
// the timeout. Malformed URLs, network errors and any other status are false.
func (h *HealthChecker) CheckHealth(ctx context.Context, rawURL string) bool {
	start := time.Now()
	ok := h.probe(ctx, rawURL)
	h.metrics.ObserveWebhookCheck(ok, time.Since(start))
	return ok
}

func (h *HealthChecker) probe(ctx context.Context, rawURL string) bool {
	target, ok := ParseURL(rawURL)
	if !ok {
		return false
	}

	payload, err := json.Marshal(healthPayload{
		Message:   "health check",
		SessionID: "health-check-" + uuid.NewString(),
		Timestamp: h.now().UTC().Format(time.RFC3339),
		Test:      true,
	})
	if err != nil {
		return false
	}

	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(payload))
	if err != nil {
		return false
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := h.client.Do(req)
	if err != nil {
		logging.Ctx(ctx).Debug().Err(err).Str("url", target).Msg("webhook probe failed")
		return false
	}
	defer res.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, maxDrainBytes))

	if !reliability.IsSuccessStatus(res.StatusCode) {
		logging.Ctx(ctx).Debug().Int("status", res.StatusCode).Str("url", target).Msg("webhook probe rejected")
		return false
	}
	return true
}

// ParseURL trims rawURL and accepts only absolute http(s) URLs with a host.
func ParseURL(rawURL string) (string, bool) {
	trimmed := strings.TrimSpace(rawURL)
	if trimmed == "" {
		return "", false
	}
	u, err := url.Parse(trimmed)
	if err != nil {
		return "", false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", false
	}
	if u.Host == "" {
		return "", false
	}
	return trimmed, true
}

package webhook

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/antoniostano/botconsole/internal/observability"
	"github.com/antoniostano/botconsole/internal/reliability"
)

const DefaultSendTimeout = 10 * time.Second

var ErrInvalidURL = errors.New("invalid webhook url")

// MessageRequest is the body posted to a bot's webhook for each user message.
type MessageRequest struct {
	Message   string `json:"message"`
	SessionID string `json:"sessionId"`
	Timestamp string `json:"timestamp"`
}

// MessageResponse carries the reply text when the automation returned one.
type MessageResponse struct {
	Reply      string
	StatusCode int
}

// Sender posts a user message and returns any reply.
type Sender interface {
	Send(ctx context.Context, rawURL string, req MessageRequest) (MessageResponse, error)
}

// Client posts chat messages to bot webhooks.
type Client struct {
	client  *http.Client
	timeout time.Duration
	metrics *observability.Metrics
}

func NewClient(timeout time.Duration, metrics *observability.Metrics) *Client {
	if timeout <= 0 {
		timeout = DefaultSendTimeout
	}
	return &Client{
		client:  &http.Client{},
		timeout: timeout,
		metrics: metrics,
	}
}

// Send posts req with a hard timeout. A 2xx with an unparseable or empty
// body is a success with no reply.
func (c *Client) Send(ctx context.Context, rawURL string, req MessageRequest) (MessageResponse, error) {
	start := time.Now()
	res, err := c.send(ctx, rawURL, req)
	c.metrics.ObserveWebhookSend(err == nil, time.Since(start))
	return res, err
}

func (c *Client) send(ctx context.Context, rawURL string, req MessageRequest) (MessageResponse, error) {
	target, ok := ParseURL(rawURL)
	if !ok {
		return MessageResponse{}, ErrInvalidURL
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return MessageResponse{}, fmt.Errorf("marshal request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(payload))
	if err != nil {
		return MessageResponse{}, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	res, err := c.client.Do(httpReq)
	if err != nil {
		return MessageResponse{}, fmt.Errorf("send request: %w", err)
	}
	defer res.Body.Close()

	if !reliability.IsSuccessStatus(res.StatusCode) {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return MessageResponse{StatusCode: res.StatusCode}, fmt.Errorf("webhook status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}

	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return MessageResponse{StatusCode: res.StatusCode}, fmt.Errorf("read response: %w", err)
	}
	return MessageResponse{Reply: ExtractReply(body), StatusCode: res.StatusCode}, nil
}

// ExtractReply pulls a reply string out of an arbitrary webhook body.
// "reply" wins; common automation keys and single-element arrays or
// nested data/json envelopes are also understood. Anything else yields "".
func ExtractReply(body []byte) string {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return ""
	}
	var data any
	if err := json.Unmarshal(trimmed, &data); err != nil {
		return ""
	}
	return strings.TrimSpace(extractText(data, 0))
}

var replyKeys = []string{"reply", "output", "text", "message", "response", "content"}

func extractText(data any, depth int) string {
	if depth > 4 {
		return ""
	}
	switch v := data.(type) {
	case []any:
		if len(v) > 0 {
			return extractText(v[0], depth+1)
		}
	case map[string]any:
		for _, key := range replyKeys {
			if s, ok := v[key].(string); ok && strings.TrimSpace(s) != "" {
				return s
			}
		}
		for _, key := range []string{"data", "json"} {
			if nested, ok := v[key]; ok {
				if s := extractText(nested, depth+1); s != "" {
					return s
				}
			}
		}
	case string:
		return v
	}
	return ""
}

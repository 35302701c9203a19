// Package consoleapi is a REST client for another console deployment's
// backend endpoints. It satisfies store.Store so the service can run with
// store.driver=remote.
package consoleapi

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/antoniostano/botconsole/internal/conversation"
	"github.com/antoniostano/botconsole/internal/logging"
	"github.com/antoniostano/botconsole/internal/observability"
	"github.com/antoniostano/botconsole/internal/reliability"
	"github.com/antoniostano/botconsole/internal/store"
	"github.com/antoniostano/botconsole/internal/timeseries"
)

var ErrUnauthorized = errors.New("console api: unauthorized")

const breakerName = "console-api"

// StatusError is a non-2xx answer from the backend.
type StatusError struct {
	Method string
	Path   string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.Status, e.Body)
}

type Config struct {
	BaseURL       string
	Token         string
	RetryAttempts int
	RetryDelay    time.Duration
	MaxRetryDelay time.Duration
	Timeout       time.Duration
	Metrics       *observability.Metrics
}

type Client struct {
	baseURL  string
	http     *http.Client
	attempts int
	backoff  reliability.Backoff
	metrics  *observability.Metrics
	cb       *gobreaker.CircuitBreaker[[]byte]

	mu    sync.RWMutex
	token string

	onUnauthorized func()
}

func New(cfg Config) *Client {
	if cfg.RetryAttempts < 1 {
		cfg.RetryAttempts = 3
	}
	if cfg.RetryDelay < 0 {
		cfg.RetryDelay = 0
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	c := &Client{
		baseURL:  strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		http:     &http.Client{Timeout: cfg.Timeout},
		attempts: cfg.RetryAttempts,
		backoff:  reliability.Backoff{Base: cfg.RetryDelay, Max: cfg.MaxRetryDelay},
		metrics:  cfg.Metrics,
		token:    strings.TrimSpace(cfg.Token),
	}
	c.metrics.SetBreakerState(breakerName, 0)
	c.cb = gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        breakerName,
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !transient(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Info().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state change")
			c.metrics.SetBreakerState(name, stateValue(to))
		},
	})
	return c
}

// OnUnauthorized registers fn to run whenever the stored token is cleared.
func (c *Client) OnUnauthorized(fn func()) {
	c.mu.Lock()
	c.onUnauthorized = fn
	c.mu.Unlock()
}

func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = strings.TrimSpace(token)
	c.mu.Unlock()
}

func (c *Client) clearToken() {
	c.mu.Lock()
	c.token = ""
	hook := c.onUnauthorized
	c.mu.Unlock()
	if hook != nil {
		hook()
	}
}

// do sends one logical request with retries. Auth failures clear the token
// and stop immediately; 404 maps to store.ErrNotFound.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal %s %s: %w", method, path, err)
		}
		payload = b
	}

	var respBody []byte
	err := reliability.Retry(ctx, c.attempts, c.backoff, func(ctx context.Context) error {
		b, err := c.cb.Execute(func() ([]byte, error) {
			return c.roundTrip(ctx, method, path, query, payload)
		})
		switch {
		case err == nil:
			c.metrics.BreakerRequest(breakerName, "success")
			respBody = b
			return nil
		case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
			c.metrics.BreakerRequest(breakerName, "rejected")
			return reliability.Permanent(fmt.Errorf("%s %s: %w", method, path, err))
		case !transient(err):
			c.metrics.BreakerRequest(breakerName, "failure")
			return reliability.Permanent(err)
		default:
			c.metrics.BreakerRequest(breakerName, "failure")
			logging.Ctx(ctx).Debug().Err(err).Str("method", method).Str("path", path).Msg("console api attempt failed")
			return err
		}
	})
	if err != nil {
		return err
	}
	if out == nil || len(bytes.TrimSpace(respBody)) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

func (c *Client) roundTrip(ctx context.Context, method, path string, query url.Values, payload []byte) ([]byte, error) {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := c.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	res, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer res.Body.Close()
	b, err := io.ReadAll(io.LimitReader(res.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("read %s %s: %w", method, path, err)
	}

	switch {
	case reliability.IsSuccessStatus(res.StatusCode):
		return b, nil
	case reliability.IsAuthFailureStatus(res.StatusCode):
		c.clearToken()
		return nil, fmt.Errorf("%s %s: %w", method, path, ErrUnauthorized)
	case res.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%s %s: %w", method, path, store.ErrNotFound)
	default:
		return nil, &StatusError{Method: method, Path: path, Status: res.StatusCode, Body: strings.TrimSpace(string(b))}
	}
}

// transient reports whether err is worth another attempt: network
// failures and retryable statuses.
func transient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrUnauthorized) || errors.Is(err, store.ErrNotFound) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return reliability.IsRetryableHTTPStatus(se.Status)
	}
	return true
}

func stateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}

func (c *Client) GetBot(ctx context.Context, id string) (conversation.Bot, error) {
	var bot conversation.Bot
	if err := c.do(ctx, http.MethodGet, "/bots/"+url.PathEscape(id), nil, nil, &bot); err != nil {
		return conversation.Bot{}, err
	}
	return bot, nil
}

func (c *Client) CreateBot(ctx context.Context, bot conversation.Bot) (conversation.Bot, error) {
	var out conversation.Bot
	if err := c.do(ctx, http.MethodPost, "/bots", nil, bot, &out); err != nil {
		return conversation.Bot{}, err
	}
	return out, nil
}

func (c *Client) UpdateBot(ctx context.Context, bot conversation.Bot) (conversation.Bot, error) {
	var out conversation.Bot
	if err := c.do(ctx, http.MethodPut, "/bots/"+url.PathEscape(bot.ID), nil, bot, &out); err != nil {
		return conversation.Bot{}, err
	}
	return out, nil
}

func (c *Client) GetClient(ctx context.Context, id string) (conversation.Client, error) {
	var out conversation.Client
	if err := c.do(ctx, http.MethodGet, "/clients/"+url.PathEscape(id), nil, nil, &out); err != nil {
		return conversation.Client{}, err
	}
	return out, nil
}

func (c *Client) CreateClient(ctx context.Context, client conversation.Client) (conversation.Client, error) {
	var out conversation.Client
	if err := c.do(ctx, http.MethodPost, "/clients", nil, client, &out); err != nil {
		return conversation.Client{}, err
	}
	return out, nil
}

func (c *Client) SaveSession(ctx context.Context, s conversation.Session) error {
	return c.do(ctx, http.MethodPost, "/conversations/save", nil, s, nil)
}

type conversationsResponse struct {
	Conversations []conversation.Session `json:"conversations"`
}

func (c *Client) ListByClientID(ctx context.Context, clientID string) ([]conversation.Session, error) {
	return c.listConversations(ctx, url.Values{"clientId": {clientID}})
}

func (c *Client) ListByApplicationSID(ctx context.Context, sid string) ([]conversation.Session, error) {
	return c.listConversations(ctx, url.Values{"application_sid": {sid}})
}

func (c *Client) listConversations(ctx context.Context, q url.Values) ([]conversation.Session, error) {
	var out conversationsResponse
	if err := c.do(ctx, http.MethodGet, "/conversations", q, nil, &out); err != nil {
		return nil, err
	}
	if out.Conversations == nil {
		out.Conversations = []conversation.Session{}
	}
	return out.Conversations, nil
}

func (c *Client) MetricOverTime(ctx context.Context, q store.MetricQuery) ([]store.MetricPoint, error) {
	metric := strings.ToLower(strings.TrimSpace(q.Metric))
	if metric == "" {
		return nil, fmt.Errorf("%w: empty", store.ErrUnknownMetric)
	}
	params := url.Values{}
	if q.Days > 0 {
		params.Set("days", strconv.Itoa(q.Days))
	}
	if q.Channel != "" {
		params.Set("channel", q.Channel)
	}
	var rows []map[string]any
	if err := c.do(ctx, http.MethodGet, "/analytics/"+url.PathEscape(metric)+"-over-time", params, nil, &rows); err != nil {
		return nil, err
	}
	series := timeseries.ParsePoints(rows, "_id", "value")
	out := make([]store.MetricPoint, 0, len(series))
	for day, v := range series {
		out = append(out, store.MetricPoint{Date: day, Value: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date < out[j].Date })
	return out, nil
}

// Ping checks reachability without retries or token handling.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return err
	}
	res, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	_, _ = io.Copy(io.Discard, res.Body)
	if !reliability.IsSuccessStatus(res.StatusCode) {
		return fmt.Errorf("console api health: status %d", res.StatusCode)
	}
	return nil
}

func (c *Client) Close() error {
	c.http.CloseIdleConnections()
	return nil
}

var _ store.Store = (*Client)(nil)

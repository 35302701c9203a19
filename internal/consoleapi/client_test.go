package consoleapi

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/antoniostano/botconsole/internal/conversation"
	"github.com/antoniostano/botconsole/internal/store"
)

func newTestClient(url string) *Client {
	return New(Config{BaseURL: url, Token: "secret", RetryAttempts: 3, RetryDelay: time.Millisecond, Timeout: time.Second})
}

func TestRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		require.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode(conversation.Bot{ID: "b1", Type: conversation.BotTypeChat})
	}))
	defer srv.Close()

	bot, err := newTestClient(srv.URL).GetBot(context.Background(), "b1")
	require.NoError(t, err)
	require.Equal(t, "b1", bot.ID)
	require.EqualValues(t, 3, calls.Load())
}

func TestGivesUpAfterConfiguredAttempts(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).GetClient(context.Background(), "c1")
	var se *StatusError
	require.ErrorAs(t, err, &se)
	require.Equal(t, http.StatusBadGateway, se.Status)
	require.EqualValues(t, 3, calls.Load())
}

func TestUnauthorizedClearsTokenWithoutRetry(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	var cleared atomic.Bool
	c.OnUnauthorized(func() { cleared.Store(true) })

	_, err := c.ListByClientID(context.Background(), "c1")
	require.ErrorIs(t, err, ErrUnauthorized)
	require.EqualValues(t, 1, calls.Load())
	require.Empty(t, c.Token())
	require.True(t, cleared.Load())
}

func TestNotFoundMapsToStoreError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.NotFound(w, r)
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).GetBot(context.Background(), "missing")
	require.True(t, errors.Is(err, store.ErrNotFound))
	require.EqualValues(t, 1, calls.Load())
}

func TestListConversationsQueries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/conversations", r.URL.Path)
		var out conversationsResponse
		switch {
		case r.URL.Query().Get("clientId") == "c1":
			out.Conversations = []conversation.Session{{SessionID: "direct"}}
		case r.URL.Query().Get("application_sid") == "AP1":
			out.Conversations = []conversation.Session{{CallSID: "CA1"}}
		}
		_ = json.NewEncoder(w).Encode(out)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	direct, err := c.ListByClientID(context.Background(), "c1")
	require.NoError(t, err)
	require.Equal(t, "direct", direct[0].SessionID)

	legacy, err := c.ListByApplicationSID(context.Background(), "AP1")
	require.NoError(t, err)
	require.Equal(t, "CA1", legacy[0].CallSID)

	none, err := c.ListByApplicationSID(context.Background(), "AP2")
	require.NoError(t, err)
	require.NotNil(t, none)
	require.Empty(t, none)
}

func TestMetricOverTimeCoercesValues(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/analytics/minutes-over-time", r.URL.Path)
		require.Equal(t, "7", r.URL.Query().Get("days"))
		require.Equal(t, "voice", r.URL.Query().Get("channel"))
		_, _ = w.Write([]byte(`[{"_id":"2024-01-02","value":"3"},{"_id":"2024-01-01","value":5}]`))
	}))
	defer srv.Close()

	points, err := newTestClient(srv.URL).MetricOverTime(context.Background(), store.MetricQuery{Metric: "minutes", Days: 7, Channel: "voice"})
	require.NoError(t, err)
	require.Equal(t, []store.MetricPoint{{Date: "2024-01-01", Value: 5}, {Date: "2024-01-02", Value: 3}}, points)
}

func TestSaveSessionPostsBody(t *testing.T) {
	var got conversation.Session
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/conversations/save", r.URL.Path)
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	err := newTestClient(srv.URL).SaveSession(context.Background(), conversation.Session{SessionID: "s1", DurationMinutes: 2})
	require.NoError(t, err)
	require.Equal(t, "s1", got.SessionID)
	require.Equal(t, 2, got.DurationMinutes)
}

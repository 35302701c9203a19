package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/antoniostano/botconsole/internal/conversation"
)

func newSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "console.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func backends(t *testing.T) map[string]Store {
	return map[string]Store{
		"memory": NewInMemoryStore(),
		"sqlite": newSQLite(t),
	}
}

func TestBotCRUD(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, err := s.GetBot(ctx, "b1")
			require.True(t, errors.Is(err, ErrNotFound))

			_, err = s.UpdateBot(ctx, conversation.Bot{ID: "b1", Type: conversation.BotTypeChat})
			require.True(t, errors.Is(err, ErrNotFound))

			_, err = s.CreateBot(ctx, conversation.Bot{ID: "b1", Type: "fax"})
			require.True(t, errors.Is(err, ErrInvalidRecord))

			created, err := s.CreateBot(ctx, conversation.Bot{
				ID:         "b1",
				Name:       "Support",
				Type:       conversation.BotTypeChat,
				WebhookURL: "https://hooks.example.com/b1",
				UserPromptFields: []conversation.PromptField{
					{Name: "email", Label: "Email", Type: "email", Required: true},
				},
				ClientID: "c1",
			})
			require.NoError(t, err)
			require.False(t, created.Active)

			created.Active = true
			_, err = s.UpdateBot(ctx, created)
			require.NoError(t, err)

			got, err := s.GetBot(ctx, "b1")
			require.NoError(t, err)
			require.True(t, got.Active)
			require.Equal(t, "Support", got.Name)
			require.Len(t, got.UserPromptFields, 1)
			require.Equal(t, "email", got.UserPromptFields[0].Type)
		})
	}
}

func TestClientRoundTripKeepsApplicationSIDOrder(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, err := s.CreateClient(ctx, conversation.Client{ID: "c1", Name: "Acme", ApplicationSIDs: []string{"s2", "s1"}})
			require.NoError(t, err)
			got, err := s.GetClient(ctx, "c1")
			require.NoError(t, err)
			require.Equal(t, []string{"s2", "s1"}, got.ApplicationSIDs)

			_, err = s.GetClient(ctx, "missing")
			require.True(t, errors.Is(err, ErrNotFound))
		})
	}
}

func TestSessionsListedNewestFirstAndUpsertedByKey(t *testing.T) {
	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.SaveSession(ctx, conversation.Session{SessionID: "a", ClientID: "c1", StartedAt: base}))
			require.NoError(t, s.SaveSession(ctx, conversation.Session{SessionID: "b", ClientID: "c1", StartedAt: base.Add(time.Hour)}))
			require.NoError(t, s.SaveSession(ctx, conversation.Session{CallSID: "CA1", ApplicationSID: "AP1", StartedAt: base.Add(2 * time.Hour)}))
			// same key, updated duration
			require.NoError(t, s.SaveSession(ctx, conversation.Session{SessionID: "a", ClientID: "c1", StartedAt: base, DurationMinutes: 4}))

			require.Error(t, s.SaveSession(ctx, conversation.Session{ClientID: "c1"}))

			byClient, err := s.ListByClientID(ctx, "c1")
			require.NoError(t, err)
			require.Len(t, byClient, 2)
			require.Equal(t, "b", byClient[0].SessionID)
			require.Equal(t, "a", byClient[1].SessionID)
			require.Equal(t, 4, byClient[1].DurationMinutes)
			require.NotNil(t, byClient[1].UserDetails)
			require.NotNil(t, byClient[1].MessageLog)
			require.Equal(t, conversation.StatusCompleted, byClient[1].Status)

			bySID, err := s.ListByApplicationSID(ctx, "AP1")
			require.NoError(t, err)
			require.Len(t, bySID, 1)
			require.Equal(t, "CA1", bySID[0].Key())

			none, err := s.ListByClientID(ctx, "nobody")
			require.NoError(t, err)
			require.Empty(t, none)
		})
	}
}

func TestSQLitePreservesMessageLog(t *testing.T) {
	s := newSQLite(t)
	ctx := context.Background()
	at := time.Date(2024, 3, 1, 10, 0, 5, 0, time.UTC)
	ended := at.Add(150 * time.Second)
	in := conversation.Session{
		SessionID:   "s1",
		ClientID:    "c1",
		ChannelType: conversation.BotTypeChat,
		UserDetails: map[string]string{"name": "Ana"},
		MessageLog: []conversation.Message{
			conversation.NewMessage(conversation.SenderAgent, "hi", at),
			conversation.NewMessage(conversation.SenderUser, "hello", at.Add(time.Minute)),
		},
		StartedAt:       at,
		EndedAt:         &ended,
		DurationMinutes: 2,
		Status:          conversation.StatusCompleted,
	}
	require.NoError(t, s.SaveSession(ctx, in))

	out, err := s.ListByClientID(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, "Ana", out[0].UserDetails["name"])
	require.Len(t, out[0].MessageLog, 2)
	require.Equal(t, conversation.SenderAgent, out[0].MessageLog[0].Sender)
	require.Equal(t, "hello", out[0].MessageLog[1].Message)
	require.Equal(t, conversation.DefaultSentiment, out[0].MessageLog[1].Sentiment)
	require.NotNil(t, out[0].EndedAt)
	require.True(t, ended.Equal(*out[0].EndedAt))
}

func TestMetricOverTime(t *testing.T) {
	now := time.Date(2024, 1, 7, 15, 0, 0, 0, time.UTC)
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			sessions := []conversation.Session{
				{SessionID: "old", ChannelType: conversation.BotTypeVoice, StartedAt: now.AddDate(0, 0, -10), DurationMinutes: 9},
				{SessionID: "v1", ChannelType: conversation.BotTypeVoice, StartedAt: time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC), DurationMinutes: 5},
				{SessionID: "v2", ChannelType: conversation.BotTypeVoice, StartedAt: time.Date(2024, 1, 1, 18, 0, 0, 0, time.UTC), DurationMinutes: 2},
				{SessionID: "c1", ChannelType: conversation.BotTypeChat, StartedAt: time.Date(2024, 1, 2, 9, 0, 0, 0, time.UTC), DurationMinutes: 3},
			}
			for _, sess := range sessions {
				require.NoError(t, s.SaveSession(ctx, sess))
			}

			minutes, err := s.MetricOverTime(ctx, MetricQuery{Metric: MetricMinutes, Days: 7, Channel: "voice", Now: now})
			require.NoError(t, err)
			require.Equal(t, []MetricPoint{{Date: "2024-01-01", Value: 7}}, minutes)

			calls, err := s.MetricOverTime(ctx, MetricQuery{Metric: MetricCalls, Days: 7, Now: now})
			require.NoError(t, err)
			require.Equal(t, []MetricPoint{{Date: "2024-01-01", Value: 2}, {Date: "2024-01-02", Value: 1}}, calls)

			_, err = s.MetricOverTime(ctx, MetricQuery{Metric: "revenue", Days: 7, Now: now})
			require.True(t, errors.Is(err, ErrUnknownMetric))
		})
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), "cassandra", "", "")
	require.Error(t, err)

	s, err := Open(context.Background(), "memory", "", "")
	require.NoError(t, err)
	require.NoError(t, s.Ping(context.Background()))
}

package reconcile

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/antoniostano/botconsole/internal/conversation"
)

type stubSource struct {
	byClient map[string][]conversation.Session
	bySID    map[string][]conversation.Session
	failSID  map[string]error
	failAll  error
}

func (s stubSource) ListByClientID(_ context.Context, id string) ([]conversation.Session, error) {
	if s.failAll != nil {
		return nil, s.failAll
	}
	return s.byClient[id], nil
}

func (s stubSource) ListByApplicationSID(_ context.Context, sid string) ([]conversation.Session, error) {
	if err := s.failSID[sid]; err != nil {
		return nil, err
	}
	return s.bySID[sid], nil
}

var t0 = time.Date(2024, 2, 1, 12, 0, 0, 0, time.UTC)

func at(minutes int) time.Time { return t0.Add(time.Duration(minutes) * time.Minute) }

func TestFetchForClientToleratesFailedSID(t *testing.T) {
	src := stubSource{
		byClient: map[string][]conversation.Session{
			"c1": {{SessionID: "direct-1", StartedAt: at(1)}},
		},
		bySID: map[string][]conversation.Session{
			"s2": {{CallSID: "CA-2", StartedAt: at(5)}},
		},
		failSID: map[string]error{"s1": errors.New("upstream 503")},
	}

	sessions, report := New(src, nil).FetchForClient(context.Background(), conversation.Client{
		ID:              "c1",
		ApplicationSIDs: []string{"s1", "s2"},
	})

	require.Len(t, sessions, 2)
	require.Equal(t, "CA-2", sessions[0].Key())
	require.Equal(t, "direct-1", sessions[1].Key())

	require.True(t, report.Partial())
	require.Equal(t, 3, report.Queries)
	require.Len(t, report.Failures, 1)
	require.Equal(t, SourceApplicationSID, report.Failures[0].Source)
	require.Equal(t, "s1", report.Failures[0].ID)
	require.Contains(t, report.Failures[0].Error, "503")
}

func TestFetchForClientDirectCopyWinsOnDuplicate(t *testing.T) {
	src := stubSource{
		byClient: map[string][]conversation.Session{
			"c1": {{CallSID: "CA-1", BotName: "direct", StartedAt: at(2)}},
		},
		bySID: map[string][]conversation.Session{
			"s1": {
				{CallSID: "CA-1", BotName: "legacy", StartedAt: at(2)},
				{ConversationID: "CV-9", StartedAt: at(9)},
			},
		},
	}

	sessions, report := New(src, nil).FetchForClient(context.Background(), conversation.Client{
		ID:              "c1",
		ApplicationSIDs: []string{"s1"},
	})

	require.False(t, report.Partial())
	require.Equal(t, 3, report.Fetched)
	require.Equal(t, 2, report.Merged)
	require.Len(t, sessions, 2)
	require.Equal(t, "CV-9", sessions[0].Key())
	require.Equal(t, "direct", sessions[1].BotName)
}

func TestFetchForClientAllFailing(t *testing.T) {
	src := stubSource{failAll: errors.New("boom"), failSID: map[string]error{"s1": errors.New("boom")}}
	sessions, report := New(src, nil).FetchForClient(context.Background(), conversation.Client{
		ID:              "c1",
		ApplicationSIDs: []string{"s1", " "},
	})
	require.Empty(t, sessions)
	require.Equal(t, 2, report.Queries)
	require.Len(t, report.Failures, 2)
	require.Equal(t, SourceClient, report.Failures[0].Source)
}

func TestFilterApply(t *testing.T) {
	sessions := []conversation.Session{
		{SessionID: "a", BotName: "Sales Bot", ChannelType: conversation.BotTypeChat},
		{CallSID: "CA-7", BotName: "IVR", ChannelType: conversation.BotTypeVoice, UserDetails: map[string]string{"name": "Ana Silva"}},
		{SessionID: "c", BotName: "Support", ChannelType: conversation.BotTypeChat},
	}

	require.Len(t, Filter{}.Apply(sessions), 3)
	require.Len(t, Filter{Channel: "CHAT"}.Apply(sessions), 2)

	got := Filter{Query: "silva"}.Apply(sessions)
	require.Len(t, got, 1)
	require.Equal(t, "CA-7", got[0].CallSID)

	got = Filter{Query: "bot", Channel: "chat"}.Apply(sessions)
	require.Len(t, got, 1)
	require.Equal(t, "a", got[0].SessionID)
}

func TestPager(t *testing.T) {
	items := make([]conversation.Session, 23)
	for i := range items {
		items[i] = conversation.Session{SessionID: string(rune('a' + i))}
	}

	p := NewPager(items, 10)
	require.Equal(t, 3, p.TotalPages())
	require.Len(t, p.Items(), 10)

	p.SetPage(3)
	require.Len(t, p.Items(), 3)
	require.Equal(t, "u", p.Items()[0].SessionID)

	p.SetPage(99)
	require.Equal(t, 3, p.Page())
	p.SetPage(-1)
	require.Equal(t, 1, p.Page())

	p.SetPage(2)
	p.SetPageSize(5)
	require.Equal(t, 1, p.Page())
	require.Equal(t, 5, p.TotalPages())

	empty := NewPager(nil, 0)
	require.Equal(t, DefaultPageSize, empty.PageSize())
	require.Equal(t, 1, empty.TotalPages())
	require.Empty(t, empty.Items())
	require.Equal(t, 0, empty.View().Total)
}

package conversation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func at(hhmm string) time.Time {
	t, err := time.Parse("2006-01-02 15:04", "2024-03-01 "+hhmm)
	if err != nil {
		panic(err)
	}
	return t
}

func keys(sessions []Session) []string {
	out := make([]string, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Key())
	}
	return out
}

func TestMergeKeepsFirstOccurrence(t *testing.T) {
	direct := []Session{
		{SessionID: "a", BotName: "direct", StartedAt: at("10:00")},
		{SessionID: "b", StartedAt: at("11:00")},
	}
	legacy := []Session{
		{SessionID: "a", BotName: "legacy", StartedAt: at("10:00")},
		{CallSID: "CA1", StartedAt: at("09:00")},
	}

	got := Merge(direct, legacy)
	require.Equal(t, []string{"b", "a", "CA1"}, keys(got))
	require.Equal(t, "direct", got[1].BotName)
}

func TestMergeSortsDescendingAndStableOnTies(t *testing.T) {
	in := []Session{
		{SessionID: "x", StartedAt: at("08:00")},
		{SessionID: "y", StartedAt: at("12:00")},
		{SessionID: "z", StartedAt: at("08:00")},
	}

	got := Merge(in)
	require.Equal(t, []string{"y", "x", "z"}, keys(got))
}

func TestMergeUsesCallSIDBeforeConversationID(t *testing.T) {
	a := Session{SessionID: "s1", CallSID: "CA9", StartedAt: at("10:00")}
	b := Session{SessionID: "s2", CallSID: "CA9", ConversationID: "conv", StartedAt: at("10:00")}
	c := Session{ConversationID: "conv", StartedAt: at("10:00")}

	got := Merge([]Session{a}, []Session{b, c})
	require.Len(t, got, 2)
	require.Equal(t, "s1", got[0].SessionID)
	require.Equal(t, "conv", got[1].Key())
}

func TestMergeEmpty(t *testing.T) {
	require.Empty(t, Merge())
	require.Empty(t, Merge(nil, []Session{}))
}

func TestCloneDetachesLog(t *testing.T) {
	s := Session{
		SessionID:   "s",
		UserDetails: map[string]string{"name": "Ada"},
		MessageLog:  []Message{NewMessage(SenderUser, "hi", at("10:00"))},
	}
	c := s.Clone()
	c.UserDetails["name"] = "Grace"
	c.MessageLog[0].Message = "changed"

	require.Equal(t, "Ada", s.UserDetails["name"])
	require.Equal(t, "hi", s.MessageLog[0].Message)
}

func TestNewMessageDefaults(t *testing.T) {
	m := NewMessage(SenderAgent, "hello", at("10:00"))
	require.Equal(t, DefaultSentiment, m.Sentiment)
	require.NotNil(t, m.Tags)
	require.Empty(t, m.Tags)
}

package reconcile

import (
	"strings"

	"github.com/antoniostano/botconsole/internal/conversation"
)

// Filter narrows a merged list. Query matches bot name, session identifiers,
// channel and user detail values, case-insensitively.
type Filter struct {
	Query   string
	Channel string
}

func (f Filter) empty() bool {
	return strings.TrimSpace(f.Query) == "" && strings.TrimSpace(f.Channel) == ""
}

// Apply returns the matching sessions in their original order.
func (f Filter) Apply(sessions []conversation.Session) []conversation.Session {
	if f.empty() {
		return sessions
	}
	q := strings.ToLower(strings.TrimSpace(f.Query))
	channel := strings.ToLower(strings.TrimSpace(f.Channel))

	out := make([]conversation.Session, 0, len(sessions))
	for _, s := range sessions {
		if channel != "" && strings.ToLower(string(s.ChannelType)) != channel {
			continue
		}
		if q != "" && !matches(s, q) {
			continue
		}
		out = append(out, s)
	}
	return out
}

func matches(s conversation.Session, q string) bool {
	fields := []string{s.BotName, s.SessionID, s.CallSID, s.ConversationID, string(s.ChannelType)}
	for _, v := range s.UserDetails {
		fields = append(fields, v)
	}
	for _, f := range fields {
		if f != "" && strings.Contains(strings.ToLower(f), q) {
			return true
		}
	}
	return false
}

package conversation

import (
	"strings"
	"time"
)

// BotType is the channel a bot serves.
type BotType string

const (
	BotTypeVoice    BotType = "voice"
	BotTypeChat     BotType = "chat"
	BotTypeWhatsApp BotType = "whatsapp"
	BotTypeSMS      BotType = "sms"
)

// Valid reports whether t is one of the known channel types.
func (t BotType) Valid() bool {
	switch t {
	case BotTypeVoice, BotTypeChat, BotTypeWhatsApp, BotTypeSMS:
		return true
	default:
		return false
	}
}

// PromptField describes one piece of user detail collected before messaging.
type PromptField struct {
	Name     string `json:"name"`
	Label    string `json:"label"`
	Type     string `json:"type"`
	Required bool   `json:"required"`
}

// Bot is a configured conversational endpoint owned by a client.
type Bot struct {
	ID               string        `json:"id"`
	Name             string        `json:"name"`
	Type             BotType       `json:"type"`
	WebhookURL       string        `json:"webhook_url"`
	Active           bool          `json:"active"`
	UserPromptFields []PromptField `json:"user_prompt_fields"`
	WelcomeMessage   string        `json:"welcome_message"`
	ClientID         string        `json:"client_id"`
}

// HasWebhook reports whether the bot carries a non-blank webhook URL.
func (b Bot) HasWebhook() bool {
	return strings.TrimSpace(b.WebhookURL) != ""
}

// Sender identifies who authored a message.
type Sender string

const (
	SenderUser  Sender = "user"
	SenderAgent Sender = "agent"
)

const DefaultSentiment = "neutral"

// Message is one entry of a session's message log.
type Message struct {
	Sender    Sender    `json:"sender"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	Sentiment string    `json:"sentiment"`
	Tags      []string  `json:"tags"`
}

// NewMessage builds a message with the default sentiment and no tags.
func NewMessage(sender Sender, text string, at time.Time) Message {
	return Message{
		Sender:    sender,
		Message:   text,
		Timestamp: at.UTC(),
		Sentiment: DefaultSentiment,
		Tags:      []string{},
	}
}

type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
)

// Session is a single chat, voice, whatsapp or sms interaction.
//
// Chat sessions carry a client-generated SessionID. Provider-originated
// sessions carry CallSID (voice) or ConversationID instead; Key picks the
// identifier used for deduplication.
type Session struct {
	SessionID       string            `json:"session_id"`
	CallSID         string            `json:"call_sid,omitempty"`
	ConversationID  string            `json:"conversation_id,omitempty"`
	BotID           string            `json:"bot_id"`
	BotName         string            `json:"bot_name,omitempty"`
	ClientID        string            `json:"client_id"`
	ApplicationSID  string            `json:"application_sid,omitempty"`
	ChannelType     BotType           `json:"channel_type"`
	UserDetails     map[string]string `json:"user_details"`
	MessageLog      []Message         `json:"message_log"`
	StartedAt       time.Time         `json:"started_at"`
	EndedAt         *time.Time        `json:"ended_at,omitempty"`
	DurationMinutes int               `json:"duration_minutes"`
	Status          Status            `json:"status"`
}

// Key returns the deduplication key: call_sid, then conversation_id, then session_id.
func (s Session) Key() string {
	if k := strings.TrimSpace(s.CallSID); k != "" {
		return k
	}
	if k := strings.TrimSpace(s.ConversationID); k != "" {
		return k
	}
	return strings.TrimSpace(s.SessionID)
}

// Clone returns a deep copy so callers can't mutate a shared log.
func (s Session) Clone() Session {
	c := s
	if s.UserDetails != nil {
		c.UserDetails = make(map[string]string, len(s.UserDetails))
		for k, v := range s.UserDetails {
			c.UserDetails[k] = v
		}
	}
	if s.MessageLog != nil {
		c.MessageLog = make([]Message, len(s.MessageLog))
		copy(c.MessageLog, s.MessageLog)
	}
	if s.EndedAt != nil {
		t := *s.EndedAt
		c.EndedAt = &t
	}
	return c
}

// Client is a tenant. ApplicationSIDs are legacy per-channel identifiers
// that attribute voice/SMS sessions to the tenant.
type Client struct {
	ID              string   `json:"id"`
	Name            string   `json:"name"`
	ApplicationSIDs []string `json:"application_sid"`
	ContactEmail    string   `json:"contact_email"`
}

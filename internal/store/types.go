// Package store persists bots, clients and finished sessions, and derives
// the per-day analytics series from stored sessions.
package store

import (
	"context"
	"errors"
	"strings"

	"github.com/antoniostano/botconsole/internal/conversation"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrInvalidRecord = errors.New("invalid record")
)

type BotStore interface {
	GetBot(ctx context.Context, id string) (conversation.Bot, error)
	CreateBot(ctx context.Context, bot conversation.Bot) (conversation.Bot, error)
	UpdateBot(ctx context.Context, bot conversation.Bot) (conversation.Bot, error)
}

type ClientStore interface {
	GetClient(ctx context.Context, id string) (conversation.Client, error)
	CreateClient(ctx context.Context, client conversation.Client) (conversation.Client, error)
}

// SessionStore holds finished sessions. SaveSession upserts by Session.Key.
type SessionStore interface {
	SaveSession(ctx context.Context, s conversation.Session) error
	ListByClientID(ctx context.Context, clientID string) ([]conversation.Session, error)
	ListByApplicationSID(ctx context.Context, applicationSID string) ([]conversation.Session, error)
}

// MetricStore serves the /analytics/<metric>-over-time series.
type MetricStore interface {
	MetricOverTime(ctx context.Context, q MetricQuery) ([]MetricPoint, error)
}

type Store interface {
	BotStore
	ClientStore
	SessionStore
	MetricStore
	Ping(ctx context.Context) error
	Close() error
}

func validateBot(bot conversation.Bot) error {
	if strings.TrimSpace(bot.ID) == "" {
		return errors.Join(ErrInvalidRecord, errors.New("bot id is required"))
	}
	if !bot.Type.Valid() {
		return errors.Join(ErrInvalidRecord, errors.New("bot type must be voice, chat, whatsapp or sms"))
	}
	return nil
}

func validateSession(s conversation.Session) error {
	if s.Key() == "" {
		return errors.Join(ErrInvalidRecord, errors.New("session needs a call_sid, conversation_id or session_id"))
	}
	return nil
}

// normalizeSession fills the defaults the console expects on read.
func normalizeSession(s conversation.Session) conversation.Session {
	if s.UserDetails == nil {
		s.UserDetails = map[string]string{}
	}
	if s.MessageLog == nil {
		s.MessageLog = []conversation.Message{}
	}
	for i := range s.MessageLog {
		if s.MessageLog[i].Sentiment == "" {
			s.MessageLog[i].Sentiment = conversation.DefaultSentiment
		}
		if s.MessageLog[i].Tags == nil {
			s.MessageLog[i].Tags = []string{}
		}
	}
	if s.Status == "" {
		s.Status = conversation.StatusCompleted
	}
	return s
}

func normalizeBot(b conversation.Bot) conversation.Bot {
	if b.UserPromptFields == nil {
		b.UserPromptFields = []conversation.PromptField{}
	}
	return b
}

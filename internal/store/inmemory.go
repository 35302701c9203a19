package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/antoniostano/botconsole/internal/conversation"
)

type InMemoryStore struct {
	mu       sync.RWMutex
	bots     map[string]conversation.Bot
	clients  map[string]conversation.Client
	sessions map[string]conversation.Session
	order    []string
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		bots:     make(map[string]conversation.Bot),
		clients:  make(map[string]conversation.Client),
		sessions: make(map[string]conversation.Session),
	}
}

func (s *InMemoryStore) GetBot(_ context.Context, id string) (conversation.Bot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	bot, ok := s.bots[strings.TrimSpace(id)]
	if !ok {
		return conversation.Bot{}, fmt.Errorf("bot %s: %w", id, ErrNotFound)
	}
	return normalizeBot(bot), nil
}

func (s *InMemoryStore) CreateBot(_ context.Context, bot conversation.Bot) (conversation.Bot, error) {
	if err := validateBot(bot); err != nil {
		return conversation.Bot{}, err
	}
	bot = normalizeBot(bot)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bots[bot.ID] = bot
	return bot, nil
}

func (s *InMemoryStore) UpdateBot(_ context.Context, bot conversation.Bot) (conversation.Bot, error) {
	if err := validateBot(bot); err != nil {
		return conversation.Bot{}, err
	}
	bot = normalizeBot(bot)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.bots[bot.ID]; !ok {
		return conversation.Bot{}, fmt.Errorf("bot %s: %w", bot.ID, ErrNotFound)
	}
	s.bots[bot.ID] = bot
	return bot, nil
}

func (s *InMemoryStore) GetClient(_ context.Context, id string) (conversation.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.clients[strings.TrimSpace(id)]
	if !ok {
		return conversation.Client{}, fmt.Errorf("client %s: %w", id, ErrNotFound)
	}
	c.ApplicationSIDs = append([]string{}, c.ApplicationSIDs...)
	return c, nil
}

func (s *InMemoryStore) CreateClient(_ context.Context, c conversation.Client) (conversation.Client, error) {
	if strings.TrimSpace(c.ID) == "" {
		return conversation.Client{}, fmt.Errorf("%w: client id is required", ErrInvalidRecord)
	}
	c.ApplicationSIDs = append([]string{}, c.ApplicationSIDs...)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[c.ID] = c
	return c, nil
}

func (s *InMemoryStore) SaveSession(_ context.Context, sess conversation.Session) error {
	if err := validateSession(sess); err != nil {
		return err
	}
	key := sess.Key()
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.sessions[key]; !exists {
		s.order = append(s.order, key)
	}
	s.sessions[key] = normalizeSession(sess.Clone())
	return nil
}

func (s *InMemoryStore) ListByClientID(_ context.Context, clientID string) ([]conversation.Session, error) {
	clientID = strings.TrimSpace(clientID)
	return s.list(func(sess conversation.Session) bool { return sess.ClientID == clientID }), nil
}

func (s *InMemoryStore) ListByApplicationSID(_ context.Context, sid string) ([]conversation.Session, error) {
	sid = strings.TrimSpace(sid)
	return s.list(func(sess conversation.Session) bool { return sess.ApplicationSID == sid }), nil
}

func (s *InMemoryStore) MetricOverTime(_ context.Context, q MetricQuery) ([]MetricPoint, error) {
	q, err := q.normalize()
	if err != nil {
		return nil, err
	}
	since := q.Since()
	return Aggregate(s.list(func(sess conversation.Session) bool { return !sess.StartedAt.Before(since) }), q), nil
}

func (s *InMemoryStore) Ping(context.Context) error { return nil }

func (s *InMemoryStore) Close() error { return nil }

func (s *InMemoryStore) list(match func(conversation.Session) bool) []conversation.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]conversation.Session, 0)
	for _, key := range s.order {
		sess := s.sessions[key]
		if match(sess) {
			out = append(out, sess.Clone())
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out
}

// Seed loads fixtures.
func (s *InMemoryStore) Seed(ctx context.Context, bots []conversation.Bot, clients []conversation.Client, sessions []conversation.Session) error {
	for _, b := range bots {
		if _, err := s.CreateBot(ctx, b); err != nil {
			return err
		}
	}
	for _, c := range clients {
		if _, err := s.CreateClient(ctx, c); err != nil {
			return err
		}
	}
	for _, sess := range sessions {
		if sess.StartedAt.IsZero() {
			sess.StartedAt = time.Now().UTC()
		}
		if err := s.SaveSession(ctx, sess); err != nil {
			return err
		}
	}
	return nil
}

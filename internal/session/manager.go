// Package session keeps the live chat controllers addressable by id and
// retires the ones nobody has touched for a while.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/antoniostano/botconsole/internal/chat"
	"github.com/antoniostano/botconsole/internal/logging"
	"github.com/antoniostano/botconsole/internal/observability"
)

var ErrNotFound = errors.New("session not found")

type entry struct {
	ctrl           *chat.Controller
	createdAt      time.Time
	lastActivityAt time.Time
}

// Manager is a registry of live chat controllers. The id it hands out is
// stable across controller restarts.
type Manager struct {
	mu                sync.RWMutex
	entries           map[string]*entry
	inactivityTimeout time.Duration
	deps              chat.Deps
	opts              []chat.Option
	onExpire          func(id string, ctrl *chat.Controller)
	metrics           *observability.Metrics
}

func NewManager(inactivityTimeout time.Duration, deps chat.Deps, opts ...chat.Option) *Manager {
	if inactivityTimeout <= 0 {
		inactivityTimeout = 30 * time.Minute
	}
	return &Manager{
		entries:           make(map[string]*entry),
		inactivityTimeout: inactivityTimeout,
		deps:              deps,
		opts:              opts,
		metrics:           deps.Metrics,
	}
}

func (m *Manager) SetExpireHook(hook func(id string, ctrl *chat.Controller)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExpire = hook
}

// Create registers a controller for botID. The caller starts it.
func (m *Manager) Create(botID string) (string, *chat.Controller) {
	id := uuid.NewString()
	opts := append([]chat.Option{chat.WithSessionID(id)}, m.opts...)
	ctrl := chat.New(botID, m.deps, opts...)
	now := time.Now().UTC()

	m.mu.Lock()
	m.entries[id] = &entry{ctrl: ctrl, createdAt: now, lastActivityAt: now}
	count := len(m.entries)
	m.mu.Unlock()

	m.metrics.SetActiveChatSessions(count)
	return id, ctrl
}

func (m *Manager) Get(id string) (*chat.Controller, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[id]
	if !ok {
		return nil, ErrNotFound
	}
	return e.ctrl, nil
}

// Touch marks id as used now and returns its controller.
func (m *Manager) Touch(id string) (*chat.Controller, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return nil, ErrNotFound
	}
	e.lastActivityAt = time.Now().UTC()
	return e.ctrl, nil
}

func (m *Manager) Remove(id string) error {
	m.mu.Lock()
	_, ok := m.entries[id]
	delete(m.entries, id)
	count := len(m.entries)
	m.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	m.metrics.SetActiveChatSessions(count)
	return nil
}

func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// LiveCount counts controllers that can still exchange messages.
func (m *Manager) LiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, e := range m.entries {
		switch e.ctrl.State() {
		case chat.StateAwaitingDetails, chat.StateActive:
			count++
		}
	}
	return count
}

func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.expireInactive(ctx)
			}
		}
	}()
}

type expired struct {
	id   string
	ctrl *chat.Controller
}

func (m *Manager) expireInactive(ctx context.Context) {
	now := time.Now().UTC()
	var victims []expired

	m.mu.Lock()
	for id, e := range m.entries {
		if now.Sub(e.lastActivityAt) < m.inactivityTimeout {
			continue
		}
		victims = append(victims, expired{id: id, ctrl: e.ctrl})
		delete(m.entries, id)
	}
	hook := m.onExpire
	count := len(m.entries)
	m.mu.Unlock()

	if len(victims) == 0 {
		return
	}
	m.metrics.SetActiveChatSessions(count)

	for _, v := range victims {
		v.ctrl.Abandon(ctx)
		m.metrics.SessionEvent("expired")
		logging.Ctx(ctx).Info().Str("session_id", v.id).Msg("idle chat session expired")
		if hook != nil {
			hook(v.id, v.ctrl)
		}
	}
}

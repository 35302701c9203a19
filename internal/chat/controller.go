// Package chat drives a single live chat session against a bot's webhook.
package chat

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/antoniostano/botconsole/internal/conversation"
	"github.com/antoniostano/botconsole/internal/logging"
	"github.com/antoniostano/botconsole/internal/observability"
	"github.com/antoniostano/botconsole/internal/policy"
	"github.com/antoniostano/botconsole/internal/store"
	"github.com/antoniostano/botconsole/internal/validation"
	"github.com/antoniostano/botconsole/internal/webhook"
)

const (
	DefaultGreeting     = "Hello! How can I help you today?"
	DetailsAcknowledged = "Thanks, your details have been saved. How can I help you today?"
	FallbackReply       = "Thanks, your message was received."
	DeliveryFailedReply = "Sorry, the message could not be delivered. Please try again."
)

// BotSource resolves bots. A missing bot is reported with store.ErrNotFound.
type BotSource interface {
	GetBot(ctx context.Context, id string) (conversation.Bot, error)
}

// SessionSink persists finished sessions.
type SessionSink interface {
	SaveSession(ctx context.Context, s conversation.Session) error
}

// Deps are the collaborators a controller talks to.
type Deps struct {
	Bots    BotSource
	Sink    SessionSink
	Prober  webhook.Prober
	Sender  webhook.Sender
	Metrics *observability.Metrics
}

type Option func(*Controller)

// WithClock replaces time.Now for timestamps and durations.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) {
		if now != nil {
			c.now = now
		}
	}
}

// WithSessionID fixes the first session id instead of generating one.
func WithSessionID(id string) Option {
	return func(c *Controller) {
		if id != "" {
			c.sessionID = id
		}
	}
}

// EventType names what an Event carries.
type EventType string

const (
	EventMessageAppended EventType = "message_appended"
	EventStateChanged    EventType = "state_changed"
	EventError           EventType = "error_event"
)

// Event is delivered to subscribers after the controller state has changed.
type Event struct {
	Type      EventType             `json:"type"`
	SessionID string                `json:"session_id"`
	State     State                 `json:"state,omitempty"`
	Message   *conversation.Message `json:"message,omitempty"`
	Index     int                   `json:"index,omitempty"`
	Code      string                `json:"code,omitempty"`
	Error     string                `json:"error,omitempty"`
}

// Snapshot is a read-only copy of the controller for API responses.
type Snapshot struct {
	SessionID    string                     `json:"session_id"`
	State        State                      `json:"state"`
	Bot          conversation.Bot           `json:"bot"`
	UserDetails  map[string]string          `json:"user_details"`
	Messages     []conversation.Message     `json:"messages"`
	PromptFields []conversation.PromptField `json:"prompt_fields"`
	LastError    string                     `json:"last_error,omitempty"`
	UpdatedAt    time.Time                  `json:"updated_at"`
}

// Controller owns one chat session's state machine. Operations are
// serialized; reads may run concurrently with an in-flight operation.
type Controller struct {
	botID string
	deps  Deps
	now   func() time.Time

	op sync.Mutex

	mu          sync.RWMutex
	state       State
	sessionID   string
	bot         conversation.Bot
	details     map[string]string
	messages    []conversation.Message
	lastErr     string
	updatedAt   time.Time
	subscribers map[int]func(Event)
	nextSubID   int
}

func New(botID string, deps Deps, opts ...Option) *Controller {
	c := &Controller{
		botID:       strings.TrimSpace(botID),
		deps:        deps,
		now:         time.Now,
		state:       StateResolvingBot,
		details:     map[string]string{},
		subscribers: make(map[int]func(Event)),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.sessionID == "" {
		c.sessionID = uuid.NewString()
	}
	c.updatedAt = c.now().UTC()
	return c
}

// Start resolves the bot, verifies its webhook and seeds the welcome message.
func (c *Controller) Start(ctx context.Context) error {
	c.op.Lock()
	defer c.op.Unlock()
	return c.startLocked(ctx)
}

func (c *Controller) startLocked(ctx context.Context) error {
	if st := c.State(); st != StateResolvingBot {
		return illegal(st, StateAwaitingDetails)
	}

	if c.deps.Bots == nil {
		return c.fail(ctx, fmt.Errorf("%w: no bot source", ErrBotNotFound))
	}
	bot, err := c.deps.Bots.GetBot(ctx, c.botID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return c.fail(ctx, fmt.Errorf("%w: %s", ErrBotNotFound, c.botID))
		}
		return c.fail(ctx, fmt.Errorf("resolve bot %s: %w", c.botID, err))
	}
	if !bot.Active {
		return c.fail(ctx, fmt.Errorf("%w: %s", ErrBotInactive, bot.ID))
	}
	if !bot.HasWebhook() {
		return c.fail(ctx, fmt.Errorf("%w: %s", ErrWebhookMissing, bot.ID))
	}
	if !c.probe(ctx, bot.WebhookURL) {
		return c.fail(ctx, fmt.Errorf("%w: %s", ErrWebhookUnhealthy, bot.ID))
	}

	greeting := strings.TrimSpace(bot.WelcomeMessage)
	if greeting == "" {
		greeting = DefaultGreeting
	}
	next := StateActive
	if len(bot.UserPromptFields) > 0 {
		next = StateAwaitingDetails
	}

	c.mu.Lock()
	c.bot = bot
	c.mu.Unlock()
	c.appendMessage(conversation.SenderAgent, greeting)

	if err := c.transition(next); err != nil {
		return err
	}
	c.deps.Metrics.SessionEvent("started")
	logging.Ctx(ctx).Info().
		Str("session_id", c.SessionID()).
		Str("bot_id", bot.ID).
		Str("state", string(next)).
		Msg("chat session started")
	return nil
}

// SubmitDetails validates and stores the user's answers to the bot's prompt fields.
func (c *Controller) SubmitDetails(ctx context.Context, details map[string]string) error {
	c.op.Lock()
	defer c.op.Unlock()

	if st := c.State(); st != StateAwaitingDetails {
		return illegal(st, StateActive)
	}

	c.mu.RLock()
	fields := c.bot.UserPromptFields
	c.mu.RUnlock()

	clean, err := validation.Details(fields, details)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.details = clean
	c.mu.Unlock()
	c.appendMessage(conversation.SenderAgent, DetailsAcknowledged)

	logging.Ctx(ctx).Debug().
		Str("session_id", c.SessionID()).
		Interface("details", policy.RedactDetails(clean)).
		Msg("user details accepted")
	return c.transition(StateActive)
}

// Send delivers a user message. The user message is visible to observers
// before the webhook answers; the agent reply (or a fallback) follows.
func (c *Controller) Send(ctx context.Context, text string) error {
	c.op.Lock()
	defer c.op.Unlock()

	if st := c.State(); st != StateActive {
		return illegal(st, StateActive)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyMessage
	}

	c.mu.RLock()
	hook := c.bot.WebhookURL
	sessionID := c.sessionID
	c.mu.RUnlock()

	if !c.probe(ctx, hook) {
		err := fmt.Errorf("%w: %s", ErrWebhookUnhealthy, c.botID)
		c.setError(err)
		return err
	}

	userMsg := c.appendMessage(conversation.SenderUser, text)

	var res webhook.MessageResponse
	var sendErr error
	if c.deps.Sender == nil {
		sendErr = errors.New("no webhook sender")
	} else {
		res, sendErr = c.deps.Sender.Send(ctx, hook, webhook.MessageRequest{
			Message:   text,
			SessionID: sessionID,
			Timestamp: userMsg.Timestamp.Format(time.RFC3339),
		})
	}

	reply := strings.TrimSpace(res.Reply)
	switch {
	case sendErr != nil:
		reply = DeliveryFailedReply
	case reply == "":
		reply = FallbackReply
	}

	c.appendMessage(conversation.SenderAgent, reply)

	if sendErr != nil {
		redacted, _ := policy.RedactPII(text)
		logging.Ctx(ctx).Warn().Err(sendErr).
			Str("session_id", sessionID).
			Str("message", redacted).
			Msg("webhook send failed")
		err := fmt.Errorf("%w: %v", ErrSendFailed, sendErr)
		c.setError(err)
		return err
	}
	c.deps.Metrics.SessionEvent("message")
	return nil
}

// Disconnect finalizes the session and persists it when the webhook is
// still healthy and the log is non-empty. The session is closed even when
// the save fails; the finalized record is returned in both cases.
func (c *Controller) Disconnect(ctx context.Context) (conversation.Session, error) {
	c.op.Lock()
	defer c.op.Unlock()

	if err := c.transition(StateDisconnecting); err != nil {
		return conversation.Session{}, err
	}

	c.mu.RLock()
	record := c.recordLocked()
	hook := c.bot.WebhookURL
	c.mu.RUnlock()

	var persistErr error
	switch {
	case len(record.MessageLog) == 0:
		logging.Ctx(ctx).Debug().Str("session_id", record.SessionID).Msg("empty session not persisted")
	case !c.probe(ctx, hook):
		logging.Ctx(ctx).Warn().Str("session_id", record.SessionID).Msg("webhook unhealthy at disconnect, session not persisted")
	case c.deps.Sink == nil:
		persistErr = fmt.Errorf("%w: no session sink", ErrPersistFailed)
	default:
		start := time.Now()
		if err := c.deps.Sink.SaveSession(ctx, record); err != nil {
			persistErr = fmt.Errorf("%w: %v", ErrPersistFailed, err)
		}
		c.deps.Metrics.ObserveStage(observability.StagePersist, time.Since(start))
	}

	if persistErr != nil {
		logging.Ctx(ctx).Error().Err(persistErr).Str("session_id", record.SessionID).Msg("persist chat session")
		c.setError(persistErr)
	}

	if err := c.transition(StateClosed); err != nil {
		return record, err
	}

	c.mu.Lock()
	c.messages = nil
	c.details = map[string]string{}
	c.mu.Unlock()

	c.deps.Metrics.SessionEvent("closed")
	logging.Ctx(ctx).Info().
		Str("session_id", record.SessionID).
		Int("duration_minutes", record.DurationMinutes).
		Int("messages", len(record.MessageLog)).
		Msg("chat session closed")
	return record, persistErr
}

// Abandon closes an idle session without persisting it. The message log and
// collected details are dropped.
func (c *Controller) Abandon(ctx context.Context) {
	c.op.Lock()
	defer c.op.Unlock()

	switch c.State() {
	case StateAwaitingDetails, StateActive:
		if err := c.transition(StateDisconnecting); err == nil {
			_ = c.transition(StateClosed)
		}
	}

	c.mu.Lock()
	sessionID := c.sessionID
	dropped := len(c.messages)
	c.messages = nil
	c.details = map[string]string{}
	c.mu.Unlock()

	c.deps.Metrics.SessionEvent("abandoned")
	logging.Ctx(ctx).Info().
		Str("session_id", sessionID).
		Int("dropped_messages", dropped).
		Msg("chat session abandoned")
}

// Restart discards the current session and resolves the bot again under a
// fresh session id.
func (c *Controller) Restart(ctx context.Context) error {
	c.op.Lock()
	defer c.op.Unlock()

	if st := c.State(); st != StateResolvingBot {
		if err := c.transition(StateResolvingBot); err != nil {
			return err
		}
	}
	c.mu.Lock()
	c.sessionID = uuid.NewString()
	c.bot = conversation.Bot{}
	c.messages = nil
	c.details = map[string]string{}
	c.lastErr = ""
	c.mu.Unlock()
	c.deps.Metrics.SessionEvent("restarted")

	return c.startLocked(ctx)
}

func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Controller) SessionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionID
}

func (c *Controller) BotID() string {
	return c.botID
}

// Messages returns a copy of the message log in insertion order.
func (c *Controller) Messages() []conversation.Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]conversation.Message, len(c.messages))
	copy(out, c.messages)
	return out
}

func (c *Controller) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	details := make(map[string]string, len(c.details))
	for k, v := range c.details {
		details[k] = v
	}
	msgs := make([]conversation.Message, len(c.messages))
	copy(msgs, c.messages)
	fields := c.bot.UserPromptFields
	if fields == nil {
		fields = []conversation.PromptField{}
	}
	return Snapshot{
		SessionID:    c.sessionID,
		State:        c.state,
		Bot:          c.bot,
		UserDetails:  details,
		Messages:     msgs,
		PromptFields: fields,
		LastError:    c.lastErr,
		UpdatedAt:    c.updatedAt,
	}
}

// UpdatedAt is the time of the last state change or message.
func (c *Controller) UpdatedAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.updatedAt
}

// Subscribe registers fn for future events and returns its cancel func.
// fn runs on the goroutine performing the operation and must not block.
func (c *Controller) Subscribe(fn func(Event)) func() {
	c.mu.Lock()
	id := c.nextSubID
	c.nextSubID++
	c.subscribers[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.subscribers, id)
		c.mu.Unlock()
	}
}

func (c *Controller) transition(to State) error {
	c.mu.Lock()
	from := c.state
	if !CanTransition(from, to) {
		c.mu.Unlock()
		return illegal(from, to)
	}
	c.state = to
	c.updatedAt = c.now().UTC()
	c.mu.Unlock()
	c.emit(Event{Type: EventStateChanged, State: to})
	return nil
}

func (c *Controller) fail(ctx context.Context, err error) error {
	c.setError(err)
	if terr := c.transition(StateErrored); terr != nil {
		return errors.Join(err, terr)
	}
	c.deps.Metrics.SessionEvent("errored")
	logging.Ctx(ctx).Warn().Err(err).Str("bot_id", c.botID).Str("code", Code(err)).Msg("chat session errored")
	return err
}

func (c *Controller) setError(err error) {
	c.mu.Lock()
	c.lastErr = err.Error()
	c.mu.Unlock()
	c.emit(Event{Type: EventError, Code: Code(err), Error: err.Error()})
}

func (c *Controller) probe(ctx context.Context, url string) bool {
	if c.deps.Prober == nil {
		return false
	}
	return c.deps.Prober.CheckHealth(ctx, url)
}

// appendMessage adds to the log and announces the message with its position.
func (c *Controller) appendMessage(sender conversation.Sender, text string) conversation.Message {
	c.mu.Lock()
	msg := conversation.NewMessage(sender, text, c.now())
	c.messages = append(c.messages, msg)
	c.updatedAt = msg.Timestamp
	index := len(c.messages) - 1
	c.mu.Unlock()
	c.emit(Event{Type: EventMessageAppended, Message: &msg, Index: index})
	return msg
}

// recordLocked builds the persisted form of the session; caller holds mu.
func (c *Controller) recordLocked() conversation.Session {
	now := c.now().UTC()
	started := now
	if len(c.messages) > 0 {
		started = c.messages[0].Timestamp
	}
	ended := now

	details := make(map[string]string, len(c.details))
	for k, v := range c.details {
		details[k] = v
	}
	log := make([]conversation.Message, len(c.messages))
	copy(log, c.messages)
	channel := c.bot.Type
	if channel == "" {
		channel = conversation.BotTypeChat
	}

	return conversation.Session{
		SessionID:       c.sessionID,
		BotID:           c.bot.ID,
		BotName:         c.bot.Name,
		ClientID:        c.bot.ClientID,
		ChannelType:     channel,
		UserDetails:     details,
		MessageLog:      log,
		StartedAt:       started,
		EndedAt:         &ended,
		DurationMinutes: DurationMinutes(started, ended),
		Status:          conversation.StatusCompleted,
	}
}

// DurationMinutes is the whole number of minutes between start and end,
// rounded down and never negative.
func DurationMinutes(start, end time.Time) int {
	d := end.Sub(start)
	if d <= 0 {
		return 0
	}
	return int(math.Floor(d.Minutes()))
}

func (c *Controller) emit(ev Event) {
	c.mu.RLock()
	ev.SessionID = c.sessionID
	subs := make([]func(Event), 0, len(c.subscribers))
	for _, fn := range c.subscribers {
		subs = append(subs, fn)
	}
	c.mu.RUnlock()
	for _, fn := range subs {
		fn(ev)
	}
}

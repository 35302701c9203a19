package chat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/antoniostano/botconsole/internal/conversation"
	"github.com/antoniostano/botconsole/internal/store"
	"github.com/antoniostano/botconsole/internal/validation"
	"github.com/antoniostano/botconsole/internal/webhook"
)

type fakeProber struct {
	mu      sync.Mutex
	healthy bool
	calls   int
}

func (p *fakeProber) CheckHealth(context.Context, string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	return p.healthy
}

func (p *fakeProber) set(healthy bool) {
	p.mu.Lock()
	p.healthy = healthy
	p.mu.Unlock()
}

type fakeSender struct {
	reply string
	err   error
	got   []webhook.MessageRequest
}

func (s *fakeSender) Send(_ context.Context, _ string, req webhook.MessageRequest) (webhook.MessageResponse, error) {
	s.got = append(s.got, req)
	if s.err != nil {
		return webhook.MessageResponse{}, s.err
	}
	return webhook.MessageResponse{Reply: s.reply, StatusCode: 200}, nil
}

type fakeSink struct {
	err   error
	saved []conversation.Session
}

func (s *fakeSink) SaveSession(_ context.Context, sess conversation.Session) error {
	if s.err != nil {
		return s.err
	}
	s.saved = append(s.saved, sess)
	return nil
}

type fixedBots map[string]conversation.Bot

func (b fixedBots) GetBot(_ context.Context, id string) (conversation.Bot, error) {
	bot, ok := b[id]
	if !ok {
		return conversation.Bot{}, store.ErrNotFound
	}
	return bot, nil
}

// stepClock returns the queued times in order and repeats the last one.
type stepClock struct {
	mu    sync.Mutex
	times []time.Time
}

func (c *stepClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.times[0]
	if len(c.times) > 1 {
		c.times = c.times[1:]
	}
	return t
}

func chatBot(fields ...conversation.PromptField) conversation.Bot {
	return conversation.Bot{
		ID:               "bot-1",
		Name:             "Support",
		Type:             conversation.BotTypeChat,
		WebhookURL:       "https://hooks.example.com/support",
		Active:           true,
		UserPromptFields: fields,
		WelcomeMessage:   "Welcome to support",
		ClientID:         "client-1",
	}
}

type harness struct {
	prober *fakeProber
	sender *fakeSender
	sink   *fakeSink
	ctrl   *Controller
}

func newHarness(t *testing.T, bot conversation.Bot, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		prober: &fakeProber{healthy: true},
		sender: &fakeSender{reply: "hi from bot"},
		sink:   &fakeSink{},
	}
	h.ctrl = New(bot.ID, Deps{
		Bots:   fixedBots{bot.ID: bot},
		Sink:   h.sink,
		Prober: h.prober,
		Sender: h.sender,
	}, opts...)
	return h
}

func TestStartErrorsOnMissingWebhook(t *testing.T) {
	bot := chatBot()
	bot.WebhookURL = "   "
	h := newHarness(t, bot)

	err := h.ctrl.Start(context.Background())
	require.ErrorIs(t, err, ErrWebhookMissing)
	require.Equal(t, StateErrored, h.ctrl.State())
	require.Equal(t, KindConfiguration, Kind(err))
	require.Zero(t, h.prober.calls)

	require.ErrorIs(t, h.ctrl.Send(context.Background(), "hello"), ErrIllegalTransition)
	require.Empty(t, h.ctrl.Messages())
}

func TestStartFailureModes(t *testing.T) {
	inactive := chatBot()
	inactive.Active = false

	t.Run("missing bot", func(t *testing.T) {
		c := New("nope", Deps{Bots: fixedBots{}, Prober: &fakeProber{healthy: true}})
		require.ErrorIs(t, c.Start(context.Background()), ErrBotNotFound)
		require.Equal(t, StateErrored, c.State())
	})
	t.Run("inactive bot", func(t *testing.T) {
		h := newHarness(t, inactive)
		require.ErrorIs(t, h.ctrl.Start(context.Background()), ErrBotInactive)
		require.Equal(t, StateErrored, h.ctrl.State())
	})
	t.Run("unhealthy webhook", func(t *testing.T) {
		h := newHarness(t, chatBot())
		h.prober.set(false)
		err := h.ctrl.Start(context.Background())
		require.ErrorIs(t, err, ErrWebhookUnhealthy)
		require.Equal(t, StateErrored, h.ctrl.State())
		require.Equal(t, "webhook_unhealthy", Code(err))
	})
}

func TestStartSeedsWelcomeAndAwaitsDetails(t *testing.T) {
	h := newHarness(t, chatBot(conversation.PromptField{Name: "email", Label: "Email", Type: "email", Required: true}))
	require.NoError(t, h.ctrl.Start(context.Background()))
	require.Equal(t, StateAwaitingDetails, h.ctrl.State())

	msgs := h.ctrl.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, conversation.SenderAgent, msgs[0].Sender)
	require.Equal(t, "Welcome to support", msgs[0].Message)

	require.ErrorIs(t, h.ctrl.Send(context.Background(), "too early"), ErrIllegalTransition)

	err := h.ctrl.SubmitDetails(context.Background(), map[string]string{"email": "not-an-email"})
	var verr *validation.Error
	require.ErrorAs(t, err, &verr)
	require.Equal(t, StateAwaitingDetails, h.ctrl.State())

	require.NoError(t, h.ctrl.SubmitDetails(context.Background(), map[string]string{"email": "ana@example.com"}))
	require.Equal(t, StateActive, h.ctrl.State())
	require.Equal(t, "ana@example.com", h.ctrl.Snapshot().UserDetails["email"])
	require.Len(t, h.ctrl.Messages(), 2)
}

func TestStartWithoutPromptFieldsGoesActive(t *testing.T) {
	bot := chatBot()
	bot.WelcomeMessage = ""
	h := newHarness(t, bot)
	require.NoError(t, h.ctrl.Start(context.Background()))
	require.Equal(t, StateActive, h.ctrl.State())
	require.Equal(t, DefaultGreeting, h.ctrl.Messages()[0].Message)
}

func TestSendAppendsUserThenAgentReply(t *testing.T) {
	h := newHarness(t, chatBot(), WithSessionID("sess-1"))
	require.NoError(t, h.ctrl.Start(context.Background()))

	var seen []Event
	cancel := h.ctrl.Subscribe(func(ev Event) { seen = append(seen, ev) })
	defer cancel()

	require.NoError(t, h.ctrl.Send(context.Background(), "  hello  "))

	msgs := h.ctrl.Messages()
	require.Len(t, msgs, 3)
	require.Equal(t, conversation.SenderUser, msgs[1].Sender)
	require.Equal(t, "hello", msgs[1].Message)
	require.Equal(t, conversation.SenderAgent, msgs[2].Sender)
	require.Equal(t, "hi from bot", msgs[2].Message)

	require.Len(t, h.sender.got, 1)
	require.Equal(t, "sess-1", h.sender.got[0].SessionID)
	require.Equal(t, "hello", h.sender.got[0].Message)

	require.Len(t, seen, 2)
	require.Equal(t, EventMessageAppended, seen[0].Type)
	require.Equal(t, conversation.SenderUser, seen[0].Message.Sender)
	require.Equal(t, "sess-1", seen[0].SessionID)
}

func TestSendWithoutReplyUsesFallback(t *testing.T) {
	h := newHarness(t, chatBot())
	h.sender.reply = ""
	require.NoError(t, h.ctrl.Start(context.Background()))
	require.NoError(t, h.ctrl.Send(context.Background(), "hello"))
	msgs := h.ctrl.Messages()
	require.Equal(t, FallbackReply, msgs[len(msgs)-1].Message)
}

func TestSendNetworkFailureKeepsSessionActive(t *testing.T) {
	h := newHarness(t, chatBot())
	h.sender.err = errors.New("connection reset")
	require.NoError(t, h.ctrl.Start(context.Background()))

	err := h.ctrl.Send(context.Background(), "hello")
	require.ErrorIs(t, err, ErrSendFailed)
	require.Equal(t, KindTransient, Kind(err))
	require.Equal(t, StateActive, h.ctrl.State())

	msgs := h.ctrl.Messages()
	require.Len(t, msgs, 3)
	require.Equal(t, "hello", msgs[1].Message)
	require.Equal(t, DeliveryFailedReply, msgs[2].Message)
}

func TestSendRejectsWhenWebhookTurnsUnhealthy(t *testing.T) {
	h := newHarness(t, chatBot())
	require.NoError(t, h.ctrl.Start(context.Background()))
	h.prober.set(false)

	err := h.ctrl.Send(context.Background(), "hello")
	require.ErrorIs(t, err, ErrWebhookUnhealthy)
	require.Equal(t, StateActive, h.ctrl.State())
	require.Len(t, h.ctrl.Messages(), 1)
	require.Empty(t, h.sender.got)
}

func TestSendRejectsEmptyText(t *testing.T) {
	h := newHarness(t, chatBot())
	require.NoError(t, h.ctrl.Start(context.Background()))
	require.ErrorIs(t, h.ctrl.Send(context.Background(), "   "), ErrEmptyMessage)
	require.Len(t, h.ctrl.Messages(), 1)
}

func TestDisconnectComputesFlooredDuration(t *testing.T) {
	start := time.Date(2024, 5, 1, 10, 0, 5, 0, time.UTC)
	end := time.Date(2024, 5, 1, 10, 2, 35, 0, time.UTC)
	clock := &stepClock{times: []time.Time{start, start, start, end}}

	h := newHarness(t, chatBot(), WithClock(clock.now))
	require.NoError(t, h.ctrl.Start(context.Background()))

	rec, err := h.ctrl.Disconnect(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, rec.DurationMinutes)
	require.True(t, rec.StartedAt.Equal(start))
	require.True(t, rec.EndedAt.Equal(end))
	require.Equal(t, conversation.StatusCompleted, rec.Status)
	require.Equal(t, StateClosed, h.ctrl.State())

	require.Len(t, h.sink.saved, 1)
	require.Equal(t, "client-1", h.sink.saved[0].ClientID)
	require.Equal(t, conversation.BotTypeChat, h.sink.saved[0].ChannelType)
	require.Empty(t, h.ctrl.Messages())
}

func TestDisconnectPersistFailureStillCloses(t *testing.T) {
	h := newHarness(t, chatBot())
	h.sink.err = errors.New("db down")
	require.NoError(t, h.ctrl.Start(context.Background()))
	require.NoError(t, h.ctrl.Send(context.Background(), "hello"))

	rec, err := h.ctrl.Disconnect(context.Background())
	require.ErrorIs(t, err, ErrPersistFailed)
	require.Equal(t, KindPersistence, Kind(err))
	require.Equal(t, StateClosed, h.ctrl.State())
	require.Len(t, rec.MessageLog, 3)
}

func TestDisconnectSkipsPersistWhenWebhookUnhealthy(t *testing.T) {
	h := newHarness(t, chatBot())
	require.NoError(t, h.ctrl.Start(context.Background()))
	h.prober.set(false)

	_, err := h.ctrl.Disconnect(context.Background())
	require.NoError(t, err)
	require.Equal(t, StateClosed, h.ctrl.State())
	require.Empty(t, h.sink.saved)
}

func TestDisconnectFromAwaitingDetails(t *testing.T) {
	h := newHarness(t, chatBot(conversation.PromptField{Name: "name", Required: true}))
	require.NoError(t, h.ctrl.Start(context.Background()))
	_, err := h.ctrl.Disconnect(context.Background())
	require.NoError(t, err)
	require.Equal(t, StateClosed, h.ctrl.State())

	_, err = h.ctrl.Disconnect(context.Background())
	require.ErrorIs(t, err, ErrIllegalTransition)
}

func TestRestartIssuesFreshSession(t *testing.T) {
	h := newHarness(t, chatBot(), WithSessionID("first"))
	require.NoError(t, h.ctrl.Start(context.Background()))
	_, err := h.ctrl.Disconnect(context.Background())
	require.NoError(t, err)

	require.NoError(t, h.ctrl.Restart(context.Background()))
	require.Equal(t, StateActive, h.ctrl.State())
	require.NotEqual(t, "first", h.ctrl.SessionID())
	require.Len(t, h.ctrl.Messages(), 1)
}

func TestMessageEventsCarryLogPosition(t *testing.T) {
	h := newHarness(t, chatBot())
	var indexes []int
	h.ctrl.Subscribe(func(ev Event) {
		if ev.Type == EventMessageAppended {
			indexes = append(indexes, ev.Index)
		}
	})
	require.NoError(t, h.ctrl.Start(context.Background()))
	require.NoError(t, h.ctrl.Send(context.Background(), "hello"))
	require.Equal(t, []int{0, 1, 2}, indexes)
}

func TestConcurrentRestartsBothSucceed(t *testing.T) {
	h := newHarness(t, chatBot())
	require.NoError(t, h.ctrl.Start(context.Background()))

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = h.ctrl.Restart(context.Background())
		}(i)
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	require.Equal(t, StateActive, h.ctrl.State())
	require.Len(t, h.ctrl.Messages(), 1)
}

func TestAbandonClosesWithoutPersisting(t *testing.T) {
	h := newHarness(t, chatBot())
	require.NoError(t, h.ctrl.Start(context.Background()))
	require.NoError(t, h.ctrl.Send(context.Background(), "half a question"))

	h.ctrl.Abandon(context.Background())

	require.Equal(t, StateClosed, h.ctrl.State())
	require.Empty(t, h.ctrl.Messages())
	require.Empty(t, h.sink.saved)
	require.NoError(t, h.ctrl.Restart(context.Background()))
}

func TestAbandonErroredSessionKeepsState(t *testing.T) {
	h := newHarness(t, chatBot())
	h.prober.set(false)
	require.Error(t, h.ctrl.Start(context.Background()))

	h.ctrl.Abandon(context.Background())
	require.Equal(t, StateErrored, h.ctrl.State())
	require.Empty(t, h.sink.saved)
}

func TestCanTransitionTable(t *testing.T) {
	require.True(t, CanTransition(StateResolvingBot, StateErrored))
	require.True(t, CanTransition(StateActive, StateErrored))
	require.False(t, CanTransition(StateAwaitingDetails, StateErrored))
	require.False(t, CanTransition(StateClosed, StateActive))
	require.False(t, CanTransition(StateDisconnecting, StateActive))
	require.False(t, CanTransition("bogus", StateActive))
	require.True(t, StateClosed.Terminal())
	require.False(t, StateActive.Terminal())
}

func TestDurationMinutes(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	require.Equal(t, 0, DurationMinutes(base, base.Add(59*time.Second)))
	require.Equal(t, 1, DurationMinutes(base, base.Add(60*time.Second)))
	require.Equal(t, 0, DurationMinutes(base, base.Add(-time.Minute)))
}

package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/antoniostano/botconsole/internal/conversation"
	"github.com/antoniostano/botconsole/internal/logging"
	"github.com/antoniostano/botconsole/internal/observability"
	"github.com/antoniostano/botconsole/internal/store"
	"github.com/antoniostano/botconsole/internal/validation"
	"github.com/antoniostano/botconsole/internal/webhook"
)

type botRequest struct {
	ID               string                     `json:"id"`
	Name             string                     `json:"name" validate:"required,max=120"`
	Type             string                     `json:"type" validate:"required,bottype"`
	WebhookURL       string                     `json:"webhook_url" validate:"omitempty,url"`
	Active           bool                       `json:"active"`
	UserPromptFields []conversation.PromptField `json:"user_prompt_fields"`
	WelcomeMessage   string                     `json:"welcome_message" validate:"max=2000"`
	ClientID         string                     `json:"client_id"`
}

func (b botRequest) bot() conversation.Bot {
	return conversation.Bot{
		ID:               strings.TrimSpace(b.ID),
		Name:             strings.TrimSpace(b.Name),
		Type:             conversation.BotType(strings.ToLower(strings.TrimSpace(b.Type))),
		WebhookURL:       strings.TrimSpace(b.WebhookURL),
		Active:           b.Active,
		UserPromptFields: b.UserPromptFields,
		WelcomeMessage:   b.WelcomeMessage,
		ClientID:         strings.TrimSpace(b.ClientID),
	}
}

type clientRequest struct {
	ID              string   `json:"id" validate:"required"`
	Name            string   `json:"name" validate:"required,max=120"`
	ApplicationSIDs []string `json:"application_sid"`
	ContactEmail    string   `json:"contact_email" validate:"omitempty,email"`
}

func (s *Server) handleGetBot(w http.ResponseWriter, r *http.Request) {
	bot, err := s.store.GetBot(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, bot)
}

func (s *Server) handleCreateBot(w http.ResponseWriter, r *http.Request) {
	bot, ok := s.decodeBot(w, r)
	if !ok {
		return
	}
	if bot.ID == "" {
		bot.ID = uuid.NewString()
	}
	if !s.activationAllowed(w, r, bot) {
		return
	}
	out, err := s.store.CreateBot(r.Context(), bot)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	logging.Ctx(r.Context()).Info().Str("bot_id", out.ID).Str("type", string(out.Type)).Bool("active", out.Active).Msg("bot created")
	respondJSON(w, http.StatusCreated, out)
}

func (s *Server) handleUpdateBot(w http.ResponseWriter, r *http.Request) {
	bot, ok := s.decodeBot(w, r)
	if !ok {
		return
	}
	bot.ID = strings.TrimSpace(chi.URLParam(r, "id"))
	if !s.activationAllowed(w, r, bot) {
		return
	}
	out, err := s.store.UpdateBot(r.Context(), bot)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	logging.Ctx(r.Context()).Info().Str("bot_id", out.ID).Bool("active", out.Active).Msg("bot updated")
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) decodeBot(w http.ResponseWriter, r *http.Request) (conversation.Bot, bool) {
	var req botRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return conversation.Bot{}, false
	}
	req.Type = strings.ToLower(strings.TrimSpace(req.Type))
	if err := validation.Struct(req); err != nil {
		respondValidation(w, err)
		return conversation.Bot{}, false
	}
	return req.bot(), true
}

// activationAllowed refuses to mark a chat bot active unless its webhook
// is configured and answers a health check.
func (s *Server) activationAllowed(w http.ResponseWriter, r *http.Request, bot conversation.Bot) bool {
	if !bot.Active || bot.Type != conversation.BotTypeChat {
		return true
	}
	if !bot.HasWebhook() {
		respondError(w, http.StatusUnprocessableEntity, "webhook_missing", "a chat bot needs a webhook URL before it can be activated")
		return false
	}
	if s.prober == nil || !s.prober.CheckHealth(r.Context(), bot.WebhookURL) {
		respondError(w, http.StatusUnprocessableEntity, "webhook_unhealthy", "webhook endpoint is misconfigured or unreachable")
		return false
	}
	return true
}

func (s *Server) handleGetClient(w http.ResponseWriter, r *http.Request) {
	client, err := s.store.GetClient(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, client)
}

func (s *Server) handleCreateClient(w http.ResponseWriter, r *http.Request) {
	var req clientRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	req.ID = strings.TrimSpace(req.ID)
	if err := validation.Struct(req); err != nil {
		respondValidation(w, err)
		return
	}
	out, err := s.store.CreateClient(r.Context(), conversation.Client{
		ID:              req.ID,
		Name:            strings.TrimSpace(req.Name),
		ApplicationSIDs: req.ApplicationSIDs,
		ContactEmail:    strings.TrimSpace(req.ContactEmail),
	})
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, out)
}

func (s *Server) handleSaveConversation(w http.ResponseWriter, r *http.Request) {
	var sess conversation.Session
	if err := decodeJSON(r, &sess); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	start := time.Now()
	err := s.store.SaveSession(r.Context(), sess)
	s.metrics.ObserveStage(observability.StagePersist, time.Since(start))
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"saved": true, "key": sess.Key()})
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	clientID := strings.TrimSpace(q.Get("clientId"))
	sid := strings.TrimSpace(q.Get("application_sid"))

	var (
		out []conversation.Session
		err error
	)
	switch {
	case clientID != "":
		out, err = s.store.ListByClientID(r.Context(), clientID)
	case sid != "":
		out, err = s.store.ListByApplicationSID(r.Context(), sid)
	default:
		respondError(w, http.StatusBadRequest, "invalid_request", "clientId or application_sid is required")
		return
	}
	if err != nil {
		respondStoreError(w, err)
		return
	}
	if out == nil {
		out = []conversation.Session{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"conversations": out})
}

func (s *Server) handleMetricOverTime(w http.ResponseWriter, r *http.Request) {
	days, err := daysParam(r, 7)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_days", err.Error())
		return
	}
	points, err := s.store.MetricOverTime(r.Context(), store.MetricQuery{
		Metric:  chi.URLParam(r, "metric"),
		Days:    days,
		Channel: r.URL.Query().Get("channel"),
	})
	if err != nil {
		respondStoreError(w, err)
		return
	}
	if points == nil {
		points = []store.MetricPoint{}
	}
	respondJSON(w, http.StatusOK, points)
}

type webhookCheckRequest struct {
	URL string `json:"url" validate:"required"`
}

func (s *Server) handleWebhookCheck(w http.ResponseWriter, r *http.Request) {
	var req webhookCheckRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if err := validation.Struct(req); err != nil {
		respondValidation(w, err)
		return
	}
	target, ok := webhook.ParseURL(req.URL)
	if !ok {
		respondJSON(w, http.StatusOK, map[string]any{"url": req.URL, "healthy": false, "reason": "invalid_url"})
		return
	}
	healthy := s.prober != nil && s.prober.CheckHealth(r.Context(), target)
	respondJSON(w, http.StatusOK, map[string]any{"url": target, "healthy": healthy})
}

func daysParam(r *http.Request, fallback int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("days"))
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, errors.New("days must be a positive integer")
	}
	return n, nil
}

func respondStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		respondError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, store.ErrInvalidRecord):
		respondError(w, http.StatusBadRequest, "invalid_record", err.Error())
	case errors.Is(err, store.ErrUnknownMetric):
		respondError(w, http.StatusBadRequest, "unknown_metric", err.Error())
	default:
		respondError(w, http.StatusInternalServerError, "store_error", err.Error())
	}
}

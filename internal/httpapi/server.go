package httpapi

import (
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/antoniostano/botconsole/internal/config"
	"github.com/antoniostano/botconsole/internal/observability"
	"github.com/antoniostano/botconsole/internal/reconcile"
	"github.com/antoniostano/botconsole/internal/session"
	"github.com/antoniostano/botconsole/internal/store"
	"github.com/antoniostano/botconsole/internal/timeseries"
	"github.com/antoniostano/botconsole/internal/webhook"
)

// Deps are the collaborators the HTTP layer serves.
type Deps struct {
	Store      store.Store
	Sessions   *session.Manager
	Prober     webhook.Prober
	Reconciler *reconcile.Reconciler
	Dashboard  *timeseries.Dashboard
	Metrics    *observability.Metrics
}

type Server struct {
	cfg        config.Config
	store      store.Store
	sessions   *session.Manager
	prober     webhook.Prober
	reconciler *reconcile.Reconciler
	dashboard  *timeseries.Dashboard
	metrics    *observability.Metrics
	upgrader   websocket.Upgrader
	startedAt  time.Time
}

func New(cfg config.Config, deps Deps) *Server {
	return &Server{
		cfg:        cfg,
		store:      deps.Store,
		sessions:   deps.Sessions,
		prober:     deps.Prober,
		reconciler: deps.Reconciler,
		dashboard:  deps.Dashboard,
		metrics:    deps.Metrics,
		startedAt:  time.Now().UTC(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if cfg.Server.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				if strings.EqualFold(u.Host, r.Host) {
					return true
				}
				for _, allowed := range cfg.Server.CORSOrigins {
					if strings.EqualFold(strings.TrimRight(allowed, "/"), origin) {
						return true
					}
				}
				return false
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(requestIDWithLogging())
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(s.corsHandler())
	r.Use(accessLog())

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Handle("/metrics", observability.MetricsHandler())

	r.Group(func(r chi.Router) {
		r.Use(s.rateLimit())

		r.Get("/bots/{id}", s.handleGetBot)
		r.Put("/bots/{id}", s.handleUpdateBot)
		r.Post("/bots", s.handleCreateBot)
		r.Get("/clients/{id}", s.handleGetClient)
		r.Post("/clients", s.handleCreateClient)
		r.Post("/conversations/save", s.handleSaveConversation)
		r.Get("/conversations", s.handleListConversations)
		r.Get("/analytics/{metric}-over-time", s.handleMetricOverTime)

		r.Route("/v1", func(r chi.Router) {
			r.Post("/chat/sessions", s.handleCreateChatSession)
			r.Get("/chat/sessions/{id}", s.handleGetChatSession)
			r.Post("/chat/sessions/{id}/details", s.handleSubmitDetails)
			r.Post("/chat/sessions/{id}/messages", s.handleSendMessage)
			r.Post("/chat/sessions/{id}/disconnect", s.handleDisconnect)
			r.Post("/chat/sessions/{id}/restart", s.handleRestart)
			r.Get("/chat/sessions/{id}/ws", s.handleChatWS)

			r.Post("/webhooks/check", s.handleWebhookCheck)
			r.Get("/clients/{id}/conversations", s.handleClientConversations)
			r.Get("/analytics/{family}", s.handleAnalytics)
			r.Delete("/analytics/{family}/cache", s.handleInvalidateAnalytics)
			r.Get("/perf/latency", s.handlePerfLatency)
		})
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"store_driver": s.cfg.Store.Driver,
		"uptime_s":     int(time.Since(s.startedAt).Seconds()),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		respondError(w, http.StatusServiceUnavailable, "store_unavailable", "no store configured")
		return
	}
	if err := s.store.Ping(r.Context()); err != nil {
		respondError(w, http.StatusServiceUnavailable, "store_unavailable", err.Error())
		return
	}
	live := 0
	if s.sessions != nil {
		live = s.sessions.LiveCount()
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":             "ready",
		"store_driver":       s.cfg.Store.Driver,
		"live_chat_sessions": live,
	})
}

type errorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	SessionID string `json:"session_id,omitempty"`
	Details   any    `json:"details,omitempty"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

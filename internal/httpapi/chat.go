package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/antoniostano/botconsole/internal/chat"
	"github.com/antoniostano/botconsole/internal/conversation"
	"github.com/antoniostano/botconsole/internal/logging"
	"github.com/antoniostano/botconsole/internal/protocol"
	"github.com/antoniostano/botconsole/internal/session"
	"github.com/antoniostano/botconsole/internal/validation"
)

type createChatSessionRequest struct {
	BotID string `json:"bot_id" validate:"required"`
}

type detailsRequest struct {
	Details map[string]string `json:"details"`
}

type messageRequest struct {
	Message string `json:"message" validate:"required"`
}

type chatSessionResponse struct {
	ID string `json:"id"`
	chat.Snapshot
	InactivityTTLMS int64 `json:"inactivity_ttl_ms"`
}

type disconnectResponse struct {
	ID        string               `json:"id"`
	Session   conversation.Session `json:"session"`
	Persisted bool                 `json:"persisted"`
	Error     string               `json:"error,omitempty"`
	Code      string               `json:"code,omitempty"`
}

func (s *Server) snapshotResponse(id string, ctrl *chat.Controller) chatSessionResponse {
	return chatSessionResponse{
		ID:              id,
		Snapshot:        ctrl.Snapshot(),
		InactivityTTLMS: s.cfg.Session.InactivityTimeout.Milliseconds(),
	}
}

func (s *Server) handleCreateChatSession(w http.ResponseWriter, r *http.Request) {
	var req createChatSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	req.BotID = strings.TrimSpace(req.BotID)
	if err := validation.Struct(req); err != nil {
		respondValidation(w, err)
		return
	}

	id, ctrl := s.sessions.Create(req.BotID)
	s.metrics.SessionEvent("created")
	if err := ctrl.Start(r.Context()); err != nil {
		respondJSON(w, statusForChatError(err), errorResponse{
			Error:     err.Error(),
			Code:      chat.Code(err),
			SessionID: id,
		})
		return
	}
	respondJSON(w, http.StatusCreated, s.snapshotResponse(id, ctrl))
}

func (s *Server) controllerFor(w http.ResponseWriter, r *http.Request) (string, *chat.Controller, bool) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return "", nil, false
	}
	ctrl, err := s.sessions.Touch(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return "", nil, false
	}
	return id, ctrl, true
}

func (s *Server) handleGetChatSession(w http.ResponseWriter, r *http.Request) {
	id, ctrl, ok := s.controllerFor(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, s.snapshotResponse(id, ctrl))
}

func (s *Server) handleSubmitDetails(w http.ResponseWriter, r *http.Request) {
	id, ctrl, ok := s.controllerFor(w, r)
	if !ok {
		return
	}
	var req detailsRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if err := ctrl.SubmitDetails(r.Context(), req.Details); err != nil {
		respondChatError(w, id, err)
		return
	}
	respondJSON(w, http.StatusOK, s.snapshotResponse(id, ctrl))
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	id, ctrl, ok := s.controllerFor(w, r)
	if !ok {
		return
	}
	var req messageRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if err := ctrl.Send(r.Context(), req.Message); err != nil {
		respondChatError(w, id, err)
		return
	}
	respondJSON(w, http.StatusOK, s.snapshotResponse(id, ctrl))
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	id, ctrl, ok := s.controllerFor(w, r)
	if !ok {
		return
	}
	record, err := ctrl.Disconnect(r.Context())
	if err != nil && !errors.Is(err, chat.ErrPersistFailed) {
		respondChatError(w, id, err)
		return
	}
	resp := disconnectResponse{ID: id, Session: record, Persisted: err == nil}
	if err != nil {
		resp.Error = err.Error()
		resp.Code = chat.Code(err)
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	id, ctrl, ok := s.controllerFor(w, r)
	if !ok {
		return
	}
	if err := ctrl.Restart(r.Context()); err != nil {
		respondChatError(w, id, err)
		return
	}
	respondJSON(w, http.StatusOK, s.snapshotResponse(id, ctrl))
}

func statusForChatError(err error) int {
	switch chat.Kind(err) {
	case chat.KindConfiguration, chat.KindValidation:
		return http.StatusUnprocessableEntity
	case chat.KindState:
		return http.StatusConflict
	case chat.KindTransient:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func respondChatError(w http.ResponseWriter, id string, err error) {
	resp := errorResponse{Error: err.Error(), Code: chat.Code(err), SessionID: id}
	var verr *validation.Error
	if errors.As(err, &verr) {
		resp.Details = verr.Fields
	}
	respondJSON(w, statusForChatError(err), resp)
}

func respondValidation(w http.ResponseWriter, err error) {
	resp := errorResponse{Error: err.Error(), Code: "invalid_request"}
	var verr *validation.Error
	if errors.As(err, &verr) {
		resp.Details = verr.Fields
	}
	respondJSON(w, http.StatusBadRequest, resp)
}

func (s *Server) handleChatWS(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	ctrl, err := s.sessions.Touch(id)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			respondError(w, http.StatusNotFound, "session_not_found", err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	s.metrics.SessionEvent("ws_connected")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	outbound := make(chan any, 256)
	enqueue := func(msg any) {
		select {
		case <-ctx.Done():
		case outbound <- msg:
		default:
			// Keep websocket writes single-threaded; drop if the queue is saturated.
			logging.Ctx(ctx).Warn().Str("session_id", id).Msg("ws outbound queue full, dropping message")
		}
	}

	gate := &streamGate{deliver: func(ev chat.Event) {
		if msg, ok := eventMessage(id, ev); ok {
			enqueue(msg)
		}
	}}
	unsubscribe := ctrl.Subscribe(gate.push)
	defer unsubscribe()

	snap := ctrl.Snapshot()
	enqueue(protocol.Snapshot{
		Type:      protocol.TypeSnapshot,
		SessionID: id,
		State:     string(snap.State),
		Messages:  snap.Messages,
	})
	gate.release(snap)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-outbound:
				_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := conn.WriteJSON(msg); err != nil {
					cancel()
					return
				}
				if t, ok := messageTypeOf(msg); ok {
					s.metrics.WSMessage("outbound", string(t))
				}
			}
		}
	}()

	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		return nil
	})

	for ctx.Err() == nil {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		if msgType != websocket.TextMessage {
			continue
		}
		_, _ = s.sessions.Touch(id)

		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			enqueue(protocol.ErrorEvent{
				Type:      protocol.TypeErrorEvent,
				SessionID: id,
				Code:      "invalid_client_message",
				Detail:    err.Error(),
			})
			continue
		}
		if t, ok := messageTypeOf(parsed); ok {
			s.metrics.WSMessage("inbound", string(t))
		}

		var opErr error
		switch m := parsed.(type) {
		case protocol.ClientMessage:
			opErr = ctrl.Send(ctx, m.Text)
		case protocol.ClientControl:
			switch m.Action {
			case protocol.ActionDisconnect:
				_, opErr = ctrl.Disconnect(ctx)
			case protocol.ActionRestart:
				opErr = ctrl.Restart(ctx)
			}
		}
		// Webhook and persistence failures already reached the stream as
		// error events from the controller.
		if opErr != nil && !emitsOwnError(opErr) {
			enqueue(protocol.ErrorEvent{
				Type:      protocol.TypeErrorEvent,
				SessionID: id,
				Code:      chat.Code(opErr),
				Detail:    opErr.Error(),
			})
		}
	}

	cancel()
	<-writerDone
	s.metrics.SessionEvent("ws_disconnected")
}

func emitsOwnError(err error) bool {
	switch chat.Kind(err) {
	case chat.KindTransient, chat.KindPersistence, chat.KindConfiguration:
		return true
	default:
		return false
	}
}

// streamGate queues controller events raised while the opening snapshot is
// taken. release drops the ones the snapshot already covers.
type streamGate struct {
	mu      sync.Mutex
	open    bool
	pending []chat.Event
	deliver func(chat.Event)
}

func (g *streamGate) push(ev chat.Event) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.open {
		g.pending = append(g.pending, ev)
		return
	}
	g.deliver(ev)
}

func (g *streamGate) release(snap chat.Snapshot) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, ev := range g.pending {
		if ev.SessionID != snap.SessionID {
			continue
		}
		if ev.Type == chat.EventMessageAppended && ev.Index < len(snap.Messages) {
			continue
		}
		g.deliver(ev)
	}
	g.pending = nil
	g.open = true
}

func eventMessage(id string, ev chat.Event) (any, bool) {
	switch ev.Type {
	case chat.EventMessageAppended:
		if ev.Message == nil {
			return nil, false
		}
		return protocol.MessageAppended{Type: protocol.TypeMessageAppended, SessionID: id, Message: *ev.Message}, true
	case chat.EventStateChanged:
		return protocol.StateChanged{Type: protocol.TypeStateChanged, SessionID: id, State: string(ev.State)}, true
	case chat.EventError:
		return protocol.ErrorEvent{
			Type:      protocol.TypeErrorEvent,
			SessionID: id,
			Code:      ev.Code,
			Retryable: ev.Code == "webhook_unhealthy" || ev.Code == "send_failed",
			Detail:    ev.Error,
		}, true
	default:
		return nil, false
	}
}

func messageTypeOf(v any) (protocol.MessageType, bool) {
	switch m := v.(type) {
	case protocol.ClientMessage:
		return m.Type, true
	case protocol.ClientControl:
		return m.Type, true
	case protocol.MessageAppended:
		return m.Type, true
	case protocol.StateChanged:
		return m.Type, true
	case protocol.Snapshot:
		return m.Type, true
	case protocol.ErrorEvent:
		return m.Type, true
	default:
		return "", false
	}
}

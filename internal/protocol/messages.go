package protocol

import (
	"errors"
	"fmt"
	"strings"

	"github.com/goccy/go-json"

	"github.com/antoniostano/botconsole/internal/conversation"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeClientMessage   MessageType = "client_message"
	TypeClientControl   MessageType = "client_control"
	TypeMessageAppended MessageType = "message_appended"
	TypeStateChanged    MessageType = "state_changed"
	TypeSnapshot        MessageType = "snapshot"
	TypeErrorEvent      MessageType = "error_event"
)

// Control actions accepted from the browser.
const (
	ActionDisconnect = "disconnect"
	ActionRestart    = "restart"
	ActionPing       = "ping"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

// ClientMessage is a user chat message typed into the widget.
type ClientMessage struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Text      string      `json:"text"`
	TSMs      int64       `json:"ts_ms,omitempty"`
}

type ClientControl struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Action    string      `json:"action"`
	Reason    string      `json:"reason,omitempty"`
}

type MessageAppended struct {
	Type      MessageType          `json:"type"`
	SessionID string               `json:"session_id"`
	Message   conversation.Message `json:"message"`
}

type StateChanged struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	State     string      `json:"state"`
}

// Snapshot is sent once when a stream opens so the widget can render
// history it missed.
type Snapshot struct {
	Type      MessageType            `json:"type"`
	SessionID string                 `json:"session_id"`
	State     string                 `json:"state"`
	Messages  []conversation.Message `json:"messages"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Code      string      `json:"code"`
	Retryable bool        `json:"retryable"`
	Detail    string      `json:"detail"`
}

func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeClientMessage:
		var msg ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if strings.TrimSpace(msg.Text) == "" {
			return nil, errors.New("invalid client_message")
		}
		return msg, nil
	case TypeClientControl:
		var msg ClientControl
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		switch msg.Action {
		case ActionDisconnect, ActionRestart, ActionPing:
		default:
			return nil, fmt.Errorf("invalid client_control action %q", msg.Action)
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}

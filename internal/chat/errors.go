package chat

import (
	"errors"

	"github.com/antoniostano/botconsole/internal/validation"
)

var (
	ErrBotNotFound      = errors.New("bot not found")
	ErrBotInactive      = errors.New("bot is inactive")
	ErrWebhookMissing   = errors.New("bot has no webhook configured")
	ErrWebhookUnhealthy = errors.New("webhook endpoint is misconfigured or unreachable")
	ErrSendFailed       = errors.New("message delivery failed")
	ErrPersistFailed    = errors.New("session could not be saved")
	ErrEmptyMessage     = errors.New("message is empty")
)

// ErrorKind groups controller errors by who has to act on them.
type ErrorKind string

const (
	KindNone          ErrorKind = ""
	KindConfiguration ErrorKind = "configuration"
	KindValidation    ErrorKind = "validation"
	KindState         ErrorKind = "state"
	KindTransient     ErrorKind = "transient"
	KindPersistence   ErrorKind = "persistence"
	KindInternal      ErrorKind = "internal"
)

// Kind classifies err. Bot setup problems are configuration, webhook and
// delivery problems are transient, failed saves are persistence.
func Kind(err error) ErrorKind {
	var verr *validation.Error
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrBotNotFound), errors.Is(err, ErrBotInactive), errors.Is(err, ErrWebhookMissing):
		return KindConfiguration
	case errors.As(err, &verr), errors.Is(err, ErrEmptyMessage):
		return KindValidation
	case errors.Is(err, ErrIllegalTransition):
		return KindState
	case errors.Is(err, ErrWebhookUnhealthy), errors.Is(err, ErrSendFailed):
		return KindTransient
	case errors.Is(err, ErrPersistFailed):
		return KindPersistence
	default:
		return KindInternal
	}
}

// Code returns a stable machine-readable code for API error bodies.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrBotNotFound):
		return "bot_not_found"
	case errors.Is(err, ErrBotInactive):
		return "bot_inactive"
	case errors.Is(err, ErrWebhookMissing):
		return "webhook_missing"
	case errors.Is(err, ErrWebhookUnhealthy):
		return "webhook_unhealthy"
	case errors.Is(err, ErrSendFailed):
		return "send_failed"
	case errors.Is(err, ErrPersistFailed):
		return "persist_failed"
	case errors.Is(err, ErrEmptyMessage):
		return "empty_message"
	case errors.Is(err, ErrIllegalTransition):
		return "invalid_state"
	}
	var verr *validation.Error
	if errors.As(err, &verr) {
		return "invalid_details"
	}
	return "internal_error"
}

package store

import (
	"fmt"

	"github.com/goccy/go-json"

	"github.com/antoniostano/botconsole/internal/conversation"
)

// JSON columns shared by the SQL backends.

func encodeJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode json column: %w", err)
	}
	return string(b), nil
}

func decodeJSON(raw string, v any) error {
	if raw == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return fmt.Errorf("decode json column: %w", err)
	}
	return nil
}

type sessionColumns struct {
	userDetails string
	messageLog  string
}

func encodeSessionColumns(s conversation.Session) (sessionColumns, error) {
	s = normalizeSession(s)
	details, err := encodeJSON(s.UserDetails)
	if err != nil {
		return sessionColumns{}, err
	}
	log, err := encodeJSON(s.MessageLog)
	if err != nil {
		return sessionColumns{}, err
	}
	return sessionColumns{userDetails: details, messageLog: log}, nil
}

func decodeSessionColumns(s *conversation.Session, cols sessionColumns) error {
	if err := decodeJSON(cols.userDetails, &s.UserDetails); err != nil {
		return err
	}
	if err := decodeJSON(cols.messageLog, &s.MessageLog); err != nil {
		return err
	}
	*s = normalizeSession(*s)
	return nil
}

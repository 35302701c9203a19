package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/antoniostano/botconsole/internal/conversation"
)

// SQLiteStore is a single-file backend for local and small deployments.
// Timestamps are stored as unix milliseconds.
type SQLiteStore struct {
	db *sql.DB
}

// SQLiteDSNForFile enables WAL and a busy timeout so readers don't block the writer.
func SQLiteDSNForFile(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", errors.New("sqlite store: empty path")
	}
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path), nil
}

func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	dsn, err := SQLiteDSNForFile(path)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	s := &SQLiteStore{db: db}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS bots (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			type TEXT NOT NULL,
			webhook_url TEXT NOT NULL DEFAULT '',
			active INTEGER NOT NULL DEFAULT 0,
			user_prompt_fields TEXT NOT NULL DEFAULT '[]',
			welcome_message TEXT NOT NULL DEFAULT '',
			client_id TEXT NOT NULL DEFAULT '',
			updated_at_ms INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE TABLE IF NOT EXISTS clients (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			application_sids TEXT NOT NULL DEFAULT '[]',
			contact_email TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE TABLE IF NOT EXISTS sessions (
			dedup_key TEXT PRIMARY KEY,
			session_id TEXT NOT NULL DEFAULT '',
			call_sid TEXT NOT NULL DEFAULT '',
			conversation_id TEXT NOT NULL DEFAULT '',
			bot_id TEXT NOT NULL DEFAULT '',
			bot_name TEXT NOT NULL DEFAULT '',
			client_id TEXT NOT NULL DEFAULT '',
			application_sid TEXT NOT NULL DEFAULT '',
			channel_type TEXT NOT NULL DEFAULT '',
			user_details TEXT NOT NULL DEFAULT '{}',
			message_log TEXT NOT NULL DEFAULT '[]',
			started_at_ms INTEGER NOT NULL,
			ended_at_ms INTEGER NULL,
			duration_minutes INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'completed'
		);`,
		`CREATE INDEX IF NOT EXISTS sessions_by_client ON sessions(client_id, started_at_ms DESC);`,
		`CREATE INDEX IF NOT EXISTS sessions_by_app_sid ON sessions(application_sid, started_at_ms DESC);`,
		`CREATE INDEX IF NOT EXISTS sessions_by_started ON sessions(started_at_ms);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqlite store: migrate: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) GetBot(ctx context.Context, id string) (conversation.Bot, error) {
	var bot conversation.Bot
	var botType, fields string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, type, webhook_url, active, user_prompt_fields, welcome_message, client_id
		 FROM bots WHERE id = ?`, strings.TrimSpace(id),
	).Scan(&bot.ID, &bot.Name, &botType, &bot.WebhookURL, &bot.Active, &fields, &bot.WelcomeMessage, &bot.ClientID)
	if errors.Is(err, sql.ErrNoRows) {
		return conversation.Bot{}, fmt.Errorf("bot %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return conversation.Bot{}, fmt.Errorf("query bot: %w", err)
	}
	bot.Type = conversation.BotType(botType)
	if err := decodeJSON(fields, &bot.UserPromptFields); err != nil {
		return conversation.Bot{}, err
	}
	return normalizeBot(bot), nil
}

func (s *SQLiteStore) CreateBot(ctx context.Context, bot conversation.Bot) (conversation.Bot, error) {
	if err := validateBot(bot); err != nil {
		return conversation.Bot{}, err
	}
	bot = normalizeBot(bot)
	fields, err := encodeJSON(bot.UserPromptFields)
	if err != nil {
		return conversation.Bot{}, err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO bots (id, name, type, webhook_url, active, user_prompt_fields, welcome_message, client_id, updated_at_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET name=excluded.name, type=excluded.type, webhook_url=excluded.webhook_url,
		 active=excluded.active, user_prompt_fields=excluded.user_prompt_fields,
		 welcome_message=excluded.welcome_message, client_id=excluded.client_id, updated_at_ms=excluded.updated_at_ms`,
		bot.ID, bot.Name, string(bot.Type), bot.WebhookURL, bot.Active, fields, bot.WelcomeMessage, bot.ClientID,
		time.Now().UnixMilli(),
	)
	if err != nil {
		return conversation.Bot{}, fmt.Errorf("insert bot: %w", err)
	}
	return bot, nil
}

func (s *SQLiteStore) UpdateBot(ctx context.Context, bot conversation.Bot) (conversation.Bot, error) {
	if err := validateBot(bot); err != nil {
		return conversation.Bot{}, err
	}
	bot = normalizeBot(bot)
	fields, err := encodeJSON(bot.UserPromptFields)
	if err != nil {
		return conversation.Bot{}, err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE bots SET name=?, type=?, webhook_url=?, active=?, user_prompt_fields=?, welcome_message=?,
		 client_id=?, updated_at_ms=? WHERE id=?`,
		bot.Name, string(bot.Type), bot.WebhookURL, bot.Active, fields, bot.WelcomeMessage, bot.ClientID,
		time.Now().UnixMilli(), bot.ID,
	)
	if err != nil {
		return conversation.Bot{}, fmt.Errorf("update bot: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return conversation.Bot{}, fmt.Errorf("bot %s: %w", bot.ID, ErrNotFound)
	}
	return bot, nil
}

func (s *SQLiteStore) GetClient(ctx context.Context, id string) (conversation.Client, error) {
	var c conversation.Client
	var sids string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, application_sids, contact_email FROM clients WHERE id = ?`, strings.TrimSpace(id),
	).Scan(&c.ID, &c.Name, &sids, &c.ContactEmail)
	if errors.Is(err, sql.ErrNoRows) {
		return conversation.Client{}, fmt.Errorf("client %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return conversation.Client{}, fmt.Errorf("query client: %w", err)
	}
	if err := decodeJSON(sids, &c.ApplicationSIDs); err != nil {
		return conversation.Client{}, err
	}
	return c, nil
}

func (s *SQLiteStore) CreateClient(ctx context.Context, c conversation.Client) (conversation.Client, error) {
	if strings.TrimSpace(c.ID) == "" {
		return conversation.Client{}, fmt.Errorf("%w: client id is required", ErrInvalidRecord)
	}
	if c.ApplicationSIDs == nil {
		c.ApplicationSIDs = []string{}
	}
	sids, err := encodeJSON(c.ApplicationSIDs)
	if err != nil {
		return conversation.Client{}, err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO clients (id, name, application_sids, contact_email) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET name=excluded.name, application_sids=excluded.application_sids,
		 contact_email=excluded.contact_email`,
		c.ID, c.Name, sids, c.ContactEmail,
	)
	if err != nil {
		return conversation.Client{}, fmt.Errorf("insert client: %w", err)
	}
	return c, nil
}

func (s *SQLiteStore) SaveSession(ctx context.Context, sess conversation.Session) error {
	if err := validateSession(sess); err != nil {
		return err
	}
	cols, err := encodeSessionColumns(sess)
	if err != nil {
		return err
	}
	if sess.StartedAt.IsZero() {
		sess.StartedAt = time.Now().UTC()
	}
	if sess.Status == "" {
		sess.Status = conversation.StatusCompleted
	}
	var endedAt sql.NullInt64
	if sess.EndedAt != nil {
		endedAt = sql.NullInt64{Int64: sess.EndedAt.UnixMilli(), Valid: true}
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions (dedup_key, session_id, call_sid, conversation_id, bot_id, bot_name, client_id,
			application_sid, channel_type, user_details, message_log, started_at_ms, ended_at_ms, duration_minutes, status)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(dedup_key) DO UPDATE SET session_id=excluded.session_id, call_sid=excluded.call_sid,
			conversation_id=excluded.conversation_id, bot_id=excluded.bot_id, bot_name=excluded.bot_name,
			client_id=excluded.client_id, application_sid=excluded.application_sid,
			channel_type=excluded.channel_type, user_details=excluded.user_details,
			message_log=excluded.message_log, started_at_ms=excluded.started_at_ms,
			ended_at_ms=excluded.ended_at_ms, duration_minutes=excluded.duration_minutes, status=excluded.status`,
		sess.Key(), sess.SessionID, sess.CallSID, sess.ConversationID, sess.BotID, sess.BotName, sess.ClientID,
		sess.ApplicationSID, string(sess.ChannelType), cols.userDetails, cols.messageLog,
		sess.StartedAt.UnixMilli(), endedAt, sess.DurationMinutes, string(sess.Status),
	)
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

const selectSQLiteSessions = `SELECT session_id, call_sid, conversation_id, bot_id, bot_name, client_id,
	application_sid, channel_type, user_details, message_log, started_at_ms, ended_at_ms,
	duration_minutes, status FROM sessions`

func (s *SQLiteStore) ListByClientID(ctx context.Context, clientID string) ([]conversation.Session, error) {
	return s.querySessions(ctx, selectSQLiteSessions+` WHERE client_id = ? ORDER BY started_at_ms DESC`, strings.TrimSpace(clientID))
}

func (s *SQLiteStore) ListByApplicationSID(ctx context.Context, sid string) ([]conversation.Session, error) {
	return s.querySessions(ctx, selectSQLiteSessions+` WHERE application_sid = ? ORDER BY started_at_ms DESC`, strings.TrimSpace(sid))
}

func (s *SQLiteStore) MetricOverTime(ctx context.Context, q MetricQuery) ([]MetricPoint, error) {
	q, err := q.normalize()
	if err != nil {
		return nil, err
	}
	sessions, err := s.querySessions(ctx,
		selectSQLiteSessions+` WHERE started_at_ms >= ? AND (? = '' OR channel_type = ?) ORDER BY started_at_ms`,
		q.Since().UnixMilli(), q.Channel, q.Channel,
	)
	if err != nil {
		return nil, err
	}
	return Aggregate(sessions, q), nil
}

func (s *SQLiteStore) querySessions(ctx context.Context, query string, args ...any) ([]conversation.Session, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	out := make([]conversation.Session, 0)
	for rows.Next() {
		var sess conversation.Session
		var cols sessionColumns
		var channel, status string
		var startedMs int64
		var endedMs sql.NullInt64
		if err := rows.Scan(&sess.SessionID, &sess.CallSID, &sess.ConversationID, &sess.BotID, &sess.BotName,
			&sess.ClientID, &sess.ApplicationSID, &channel, &cols.userDetails, &cols.messageLog,
			&startedMs, &endedMs, &sess.DurationMinutes, &status); err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		sess.ChannelType = conversation.BotType(channel)
		sess.Status = conversation.Status(status)
		sess.StartedAt = time.UnixMilli(startedMs).UTC()
		if endedMs.Valid {
			t := time.UnixMilli(endedMs.Int64).UTC()
			sess.EndedAt = &t
		}
		if err := decodeSessionColumns(&sess, cols); err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate session rows: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

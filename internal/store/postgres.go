package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/antoniostano/botconsole/internal/conversation"
)

// PostgresStore persists console records in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, strings.TrimSpace(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS bots (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			type TEXT NOT NULL,
			webhook_url TEXT NOT NULL DEFAULT '',
			active BOOLEAN NOT NULL DEFAULT FALSE,
			user_prompt_fields JSONB NOT NULL DEFAULT '[]',
			welcome_message TEXT NOT NULL DEFAULT '',
			client_id TEXT NOT NULL DEFAULT '',
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE TABLE IF NOT EXISTS clients (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			application_sids JSONB NOT NULL DEFAULT '[]',
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
			user_details JSONB NOT NULL DEFAULT '{}',
			message_log JSONB NOT NULL DEFAULT '[]',
			started_at TIMESTAMPTZ NOT NULL,
			ended_at TIMESTAMPTZ NULL,
			duration_minutes INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'completed'
		);`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_client_started ON sessions (client_id, started_at DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_app_sid_started ON sessions (application_sid, started_at DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_started ON sessions (started_at);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) GetBot(ctx context.Context, id string) (conversation.Bot, error) {
	var bot conversation.Bot
	var botType, fields string
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, type, webhook_url, active, user_prompt_fields::text, welcome_message, client_id
		 FROM bots WHERE id=$1`, strings.TrimSpace(id),
	).Scan(&bot.ID, &bot.Name, &botType, &bot.WebhookURL, &bot.Active, &fields, &bot.WelcomeMessage, &bot.ClientID)
	if errors.Is(err, pgx.ErrNoRows) {
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

func (s *PostgresStore) CreateBot(ctx context.Context, bot conversation.Bot) (conversation.Bot, error) {
	return s.writeBot(ctx, bot, false)
}

func (s *PostgresStore) UpdateBot(ctx context.Context, bot conversation.Bot) (conversation.Bot, error) {
	return s.writeBot(ctx, bot, true)
}

func (s *PostgresStore) writeBot(ctx context.Context, bot conversation.Bot, mustExist bool) (conversation.Bot, error) {
	if err := validateBot(bot); err != nil {
		return conversation.Bot{}, err
	}
	bot = normalizeBot(bot)
	fields, err := encodeJSON(bot.UserPromptFields)
	if err != nil {
		return conversation.Bot{}, err
	}

	if mustExist {
		tag, err := s.pool.Exec(ctx,
			`UPDATE bots SET name=$2, type=$3, webhook_url=$4, active=$5, user_prompt_fields=$6::jsonb,
			 welcome_message=$7, client_id=$8, updated_at=now() WHERE id=$1`,
			bot.ID, bot.Name, string(bot.Type), bot.WebhookURL, bot.Active, fields, bot.WelcomeMessage, bot.ClientID,
		)
		if err != nil {
			return conversation.Bot{}, fmt.Errorf("update bot: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return conversation.Bot{}, fmt.Errorf("bot %s: %w", bot.ID, ErrNotFound)
		}
		return bot, nil
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO bots (id, name, type, webhook_url, active, user_prompt_fields, welcome_message, client_id)
		 VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7, $8)
		 ON CONFLICT (id) DO UPDATE SET name=EXCLUDED.name, type=EXCLUDED.type, webhook_url=EXCLUDED.webhook_url,
		 active=EXCLUDED.active, user_prompt_fields=EXCLUDED.user_prompt_fields,
		 welcome_message=EXCLUDED.welcome_message, client_id=EXCLUDED.client_id, updated_at=now()`,
		bot.ID, bot.Name, string(bot.Type), bot.WebhookURL, bot.Active, fields, bot.WelcomeMessage, bot.ClientID,
	)
	if err != nil {
		return conversation.Bot{}, fmt.Errorf("insert bot: %w", err)
	}
	return bot, nil
}

func (s *PostgresStore) GetClient(ctx context.Context, id string) (conversation.Client, error) {
	var c conversation.Client
	var sids string
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, application_sids::text, contact_email FROM clients WHERE id=$1`, strings.TrimSpace(id),
	).Scan(&c.ID, &c.Name, &sids, &c.ContactEmail)
	if errors.Is(err, pgx.ErrNoRows) {
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

func (s *PostgresStore) CreateClient(ctx context.Context, c conversation.Client) (conversation.Client, error) {
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
	_, err = s.pool.Exec(ctx,
		`INSERT INTO clients (id, name, application_sids, contact_email) VALUES ($1, $2, $3::jsonb, $4)
		 ON CONFLICT (id) DO UPDATE SET name=EXCLUDED.name, application_sids=EXCLUDED.application_sids,
		 contact_email=EXCLUDED.contact_email`,
		c.ID, c.Name, sids, c.ContactEmail,
	)
	if err != nil {
		return conversation.Client{}, fmt.Errorf("insert client: %w", err)
	}
	return c, nil
}

func (s *PostgresStore) SaveSession(ctx context.Context, sess conversation.Session) error {
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

	_, err = s.pool.Exec(ctx,
		`INSERT INTO sessions (dedup_key, session_id, call_sid, conversation_id, bot_id, bot_name, client_id,
			application_sid, channel_type, user_details, message_log, started_at, ended_at, duration_minutes, status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10::jsonb, $11::jsonb, $12, $13, $14, $15)
		 ON CONFLICT (dedup_key) DO UPDATE SET session_id=EXCLUDED.session_id, call_sid=EXCLUDED.call_sid,
			conversation_id=EXCLUDED.conversation_id, bot_id=EXCLUDED.bot_id, bot_name=EXCLUDED.bot_name,
			client_id=EXCLUDED.client_id, application_sid=EXCLUDED.application_sid,
			channel_type=EXCLUDED.channel_type, user_details=EXCLUDED.user_details,
			message_log=EXCLUDED.message_log, started_at=EXCLUDED.started_at, ended_at=EXCLUDED.ended_at,
			duration_minutes=EXCLUDED.duration_minutes, status=EXCLUDED.status`,
		sess.Key(), sess.SessionID, sess.CallSID, sess.ConversationID, sess.BotID, sess.BotName, sess.ClientID,
		sess.ApplicationSID, string(sess.ChannelType), cols.userDetails, cols.messageLog,
		sess.StartedAt.UTC(), sess.EndedAt, sess.DurationMinutes, string(sess.Status),
	)
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

const selectSessionColumns = `SELECT session_id, call_sid, conversation_id, bot_id, bot_name, client_id,
	application_sid, channel_type, user_details::text, message_log::text, started_at, ended_at,
	duration_minutes, status FROM sessions`

func (s *PostgresStore) ListByClientID(ctx context.Context, clientID string) ([]conversation.Session, error) {
	return s.querySessions(ctx, selectSessionColumns+` WHERE client_id=$1 ORDER BY started_at DESC`, strings.TrimSpace(clientID))
}

func (s *PostgresStore) ListByApplicationSID(ctx context.Context, sid string) ([]conversation.Session, error) {
	return s.querySessions(ctx, selectSessionColumns+` WHERE application_sid=$1 ORDER BY started_at DESC`, strings.TrimSpace(sid))
}

func (s *PostgresStore) MetricOverTime(ctx context.Context, q MetricQuery) ([]MetricPoint, error) {
	q, err := q.normalize()
	if err != nil {
		return nil, err
	}
	sessions, err := s.querySessions(ctx,
		selectSessionColumns+` WHERE started_at >= $1 AND ($2 = '' OR channel_type = $2) ORDER BY started_at`,
		q.Since(), q.Channel,
	)
	if err != nil {
		return nil, err
	}
	return Aggregate(sessions, q), nil
}

func (s *PostgresStore) querySessions(ctx context.Context, sql string, args ...any) ([]conversation.Session, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	out := make([]conversation.Session, 0)
	for rows.Next() {
		var sess conversation.Session
		var cols sessionColumns
		var channel, status string
		if err := rows.Scan(&sess.SessionID, &sess.CallSID, &sess.ConversationID, &sess.BotID, &sess.BotName,
			&sess.ClientID, &sess.ApplicationSID, &channel, &cols.userDetails, &cols.messageLog,
			&sess.StartedAt, &sess.EndedAt, &sess.DurationMinutes, &status); err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		sess.ChannelType = conversation.BotType(channel)
		sess.Status = conversation.Status(status)
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

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

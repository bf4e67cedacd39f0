package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS users (
	id            TEXT PRIMARY KEY,
	username      TEXT NOT NULL,
	username_key  TEXT NOT NULL UNIQUE,
	password_hash TEXT NOT NULL DEFAULT '',
	avatar        TEXT NOT NULL DEFAULT '',
	status        TEXT NOT NULL DEFAULT 'offline',
	last_seen     TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS chats (
	id         TEXT PRIMARY KEY,
	user1_id   TEXT NOT NULL,
	user2_id   TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS chats_user1 ON chats (user1_id);
CREATE INDEX IF NOT EXISTS chats_user2 ON chats (user2_id);

CREATE TABLE IF NOT EXISTS messages (
	seq        BIGSERIAL PRIMARY KEY,
	id         TEXT NOT NULL UNIQUE,
	chat_id    TEXT NOT NULL REFERENCES chats (id),
	sender_id  TEXT NOT NULL,
	content    TEXT NOT NULL,
	kind       TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	is_read    BOOLEAN NOT NULL DEFAULT FALSE
);
CREATE INDEX IF NOT EXISTS messages_chat ON messages (chat_id, created_at, seq);

CREATE TABLE IF NOT EXISTS calls (
	id         TEXT PRIMARY KEY,
	caller_id  TEXT NOT NULL,
	callee_id  TEXT NOT NULL,
	kind       TEXT NOT NULL,
	status     TEXT NOT NULL,
	start_time TIMESTAMPTZ NOT NULL,
	end_time   TIMESTAMPTZ,
	duration   BIGINT
);
CREATE INDEX IF NOT EXISTS calls_caller ON calls (caller_id, start_time DESC);
CREATE INDEX IF NOT EXISTS calls_callee ON calls (callee_id, start_time DESC);
`

const pgUniqueViolation = "23505"

// Postgres is a ChatStore backed by a pgx connection pool.
type Postgres struct {
	pool *pgxpool.Pool
	opts options
}

func OpenPostgres(ctx context.Context, databaseURL string, opts ...Option) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Postgres{pool: pool, opts: buildOptions(opts)}, nil
}

func (s *Postgres) now() time.Time { return stamp(s.opts.now()) }

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func (s *Postgres) CreateUser(ctx context.Context, u User) (User, error) {
	u, err := validateNewUser(u)
	if err != nil {
		return User{}, err
	}
	u.LastSeen = s.now()
	_, err = s.pool.Exec(ctx, `
		INSERT INTO users (id, username, username_key, password_hash, avatar, status, last_seen)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		u.ID, u.Username, strings.ToLower(u.Username), u.PasswordHash, u.Avatar, string(u.Status), u.LastSeen,
	)
	if isUniqueViolation(err) {
		return User{}, ErrUsernameTaken
	}
	if err != nil {
		return User{}, fmt.Errorf("insert user: %w", err)
	}
	return u, nil
}

const pgUserColumns = `id, username, password_hash, avatar, status, last_seen`

func scanPGUser(row pgx.Row) (User, error) {
	var (
		u      User
		status string
	)
	if err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.Avatar, &status, &u.LastSeen); err != nil {
		return User{}, notFound(err)
	}
	u.Status = PresenceStatus(status)
	u.LastSeen = u.LastSeen.UTC()
	return u, nil
}

func (s *Postgres) GetUser(ctx context.Context, id string) (User, error) {
	return scanPGUser(s.pool.QueryRow(ctx, `SELECT `+pgUserColumns+` FROM users WHERE id = $1`, id))
}

func (s *Postgres) GetUserByName(ctx context.Context, username string) (User, error) {
	return scanPGUser(s.pool.QueryRow(ctx,
		`SELECT `+pgUserColumns+` FROM users WHERE username_key = $1`,
		strings.ToLower(strings.TrimSpace(username))))
}

func (s *Postgres) queryUsers(ctx context.Context, query string, args ...any) ([]User, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []User
	for rows.Next() {
		u, err := scanPGUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *Postgres) ListUsers(ctx context.Context) ([]User, error) {
	return s.queryUsers(ctx, `SELECT `+pgUserColumns+` FROM users ORDER BY username`)
}

func (s *Postgres) SearchUsers(ctx context.Context, query, excludeID string) ([]User, error) {
	pattern := "%" + escapeLike(strings.ToLower(strings.TrimSpace(query))) + "%"
	return s.queryUsers(ctx, `
		SELECT `+pgUserColumns+` FROM users
		WHERE username_key LIKE $1 ESCAPE '\' AND id <> $2
		ORDER BY username
		LIMIT $3`, pattern, excludeID, maxSearchResults)
}

func (s *Postgres) SetPresence(ctx context.Context, userID string, status PresenceStatus, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE users SET status = $1, last_seen = $2 WHERE id = $3`,
		string(status), stamp(at), userID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

const pgChatColumns = `id, user1_id, user2_id, created_at, updated_at`

func scanPGChat(row pgx.Row) (Chat, error) {
	var c Chat
	if err := row.Scan(&c.ID, &c.User1ID, &c.User2ID, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return Chat{}, notFound(err)
	}
	c.CreatedAt = c.CreatedAt.UTC()
	c.UpdatedAt = c.UpdatedAt.UTC()
	return c, nil
}

type pgQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// ensureChat inserts the chat row if missing and, when lock is set, takes a
// row lock so concurrent appends to the same chat serialize.
func (s *Postgres) ensureChat(ctx context.Context, q pgQuerier, userA, userB string, lock bool) (Chat, error) {
	if userA == "" || userB == "" {
		return Chat{}, ErrInvalidInput
	}
	id := ChatID(userA, userB)
	u1, u2 := orderedPair(userA, userB)
	now := s.now()
	if _, err := q.Exec(ctx, `
		INSERT INTO chats (id, user1_id, user2_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $4)
		ON CONFLICT (id) DO NOTHING`, id, u1, u2, now); err != nil {
		return Chat{}, fmt.Errorf("insert chat: %w", err)
	}
	query := `SELECT ` + pgChatColumns + ` FROM chats WHERE id = $1`
	if lock {
		query += ` FOR UPDATE`
	}
	c, err := scanPGChat(q.QueryRow(ctx, query, id))
	if err != nil {
		return Chat{}, err
	}
	return checkPair(c, userA, userB)
}

func (s *Postgres) GetOrCreateChat(ctx context.Context, userA, userB string) (Chat, error) {
	return s.ensureChat(ctx, s.pool, userA, userB, false)
}

func (s *Postgres) GetChat(ctx context.Context, chatID string) (Chat, error) {
	return scanPGChat(s.pool.QueryRow(ctx, `SELECT `+pgChatColumns+` FROM chats WHERE id = $1`, chatID))
}

func (s *Postgres) ListChatsForUser(ctx context.Context, userID string) ([]Chat, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+pgChatColumns+` FROM chats
		WHERE user1_id = $1 OR user2_id = $1
		ORDER BY updated_at DESC, id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Chat
	for rows.Next() {
		c, err := scanPGChat(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Postgres) AppendMessage(ctx context.Context, m NewMessage) (Message, error) {
	if err := m.validate(); err != nil {
		return Message{}, err
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Message{}, err
	}
	defer tx.Rollback(ctx)

	chat, err := s.ensureChat(ctx, tx, m.SenderID, m.RecipientID, true)
	if err != nil {
		return Message{}, err
	}
	msg := Message{
		ID:        NewMessageID(),
		ChatID:    chat.ID,
		SenderID:  m.SenderID,
		Content:   m.Content,
		Kind:      m.Kind,
		CreatedAt: s.now(),
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO messages (id, chat_id, sender_id, content, kind, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		msg.ID, msg.ChatID, msg.SenderID, msg.Content, string(msg.Kind), msg.CreatedAt,
	); err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}
	if _, err := tx.Exec(ctx, `UPDATE chats SET updated_at = $1 WHERE id = $2`, msg.CreatedAt, chat.ID); err != nil {
		return Message{}, fmt.Errorf("touch chat: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return Message{}, err
	}
	return msg, nil
}

const pgMessageColumns = `id, chat_id, sender_id, content, kind, created_at, is_read`

func scanPGMessage(row pgx.Row) (Message, error) {
	var (
		m    Message
		kind string
	)
	if err := row.Scan(&m.ID, &m.ChatID, &m.SenderID, &m.Content, &kind, &m.CreatedAt, &m.Read); err != nil {
		return Message{}, notFound(err)
	}
	m.Kind = MessageKind(kind)
	m.CreatedAt = m.CreatedAt.UTC()
	return m, nil
}

func (s *Postgres) ListMessages(ctx context.Context, chatID string) ([]Message, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+pgMessageColumns+` FROM messages
		WHERE chat_id = $1
		ORDER BY created_at, seq`, chatID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Message
	for rows.Next() {
		m, err := scanPGMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Postgres) GetMessage(ctx context.Context, messageID string) (Message, error) {
	return scanPGMessage(s.pool.QueryRow(ctx,
		`SELECT `+pgMessageColumns+` FROM messages WHERE id = $1`, messageID))
}

func (s *Postgres) MarkMessageRead(ctx context.Context, messageID string) (Message, error) {
	return scanPGMessage(s.pool.QueryRow(ctx, `
		UPDATE messages SET is_read = TRUE WHERE id = $1
		RETURNING `+pgMessageColumns, messageID))
}

const pgCallColumns = `id, caller_id, callee_id, kind, status, start_time, end_time, duration`

func scanPGCall(row pgx.Row) (Call, error) {
	var (
		c            Call
		kind, status string
	)
	if err := row.Scan(&c.ID, &c.CallerID, &c.CalleeID, &kind, &status, &c.StartTime, &c.EndTime, &c.Duration); err != nil {
		return Call{}, notFound(err)
	}
	c.Kind = CallKind(kind)
	c.Status = CallStatus(status)
	c.StartTime = c.StartTime.UTC()
	if c.EndTime != nil {
		end := c.EndTime.UTC()
		c.EndTime = &end
	}
	return c, nil
}

func (s *Postgres) CreateCall(ctx context.Context, c Call) (Call, error) {
	c, err := validateNewCall(c, s.now())
	if err != nil {
		return Call{}, err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO calls (id, caller_id, callee_id, kind, status, start_time)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		c.ID, c.CallerID, c.CalleeID, string(c.Kind), string(c.Status), c.StartTime,
	)
	if isUniqueViolation(err) {
		return Call{}, ErrInvalidInput
	}
	if err != nil {
		return Call{}, fmt.Errorf("insert call: %w", err)
	}
	return c, nil
}

func (s *Postgres) GetCall(ctx context.Context, id string) (Call, error) {
	return scanPGCall(s.pool.QueryRow(ctx, `SELECT `+pgCallColumns+` FROM calls WHERE id = $1`, id))
}

func (s *Postgres) UpdateCall(ctx context.Context, id string, upd CallUpdate) (Call, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Call{}, err
	}
	defer tx.Rollback(ctx)

	cur, err := scanPGCall(tx.QueryRow(ctx, `SELECT `+pgCallColumns+` FROM calls WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return Call{}, err
	}
	next, err := applyCallUpdate(cur, upd, s.now())
	if err != nil {
		return Call{}, err
	}
	if _, err := tx.Exec(ctx,
		`UPDATE calls SET status = $1, end_time = $2, duration = $3 WHERE id = $4`,
		string(next.Status), next.EndTime, next.Duration, id,
	); err != nil {
		return Call{}, fmt.Errorf("update call: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return Call{}, err
	}
	return next, nil
}

func (s *Postgres) ListCallHistory(ctx context.Context, userID string) ([]Call, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+pgCallColumns+` FROM calls
		WHERE caller_id = $1 OR callee_id = $1
		ORDER BY start_time DESC, id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Call
	for rows.Next() {
		c, err := scanPGCall(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Postgres) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

func (s *Postgres) Close() error {
	s.pool.Close()
	return nil
}

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS users (
	id            TEXT PRIMARY KEY,
	username      TEXT NOT NULL,
	username_key  TEXT NOT NULL UNIQUE,
	password_hash TEXT NOT NULL DEFAULT '',
	avatar        TEXT NOT NULL DEFAULT '',
	status        TEXT NOT NULL DEFAULT 'offline',
	last_seen     INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS chats (
	id         TEXT PRIMARY KEY,
	user1_id   TEXT NOT NULL,
	user2_id   TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS chats_user1 ON chats (user1_id);
CREATE INDEX IF NOT EXISTS chats_user2 ON chats (user2_id);

CREATE TABLE IF NOT EXISTS messages (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	id         TEXT NOT NULL UNIQUE,
	chat_id    TEXT NOT NULL REFERENCES chats (id),
	sender_id  TEXT NOT NULL,
	content    TEXT NOT NULL,
	kind       TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	is_read    INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS messages_chat ON messages (chat_id, created_at, seq);

CREATE TABLE IF NOT EXISTS calls (
	id         TEXT PRIMARY KEY,
	caller_id  TEXT NOT NULL,
	callee_id  TEXT NOT NULL,
	kind       TEXT NOT NULL,
	status     TEXT NOT NULL,
	start_time INTEGER NOT NULL,
	end_time   INTEGER,
	duration   INTEGER
);
CREATE INDEX IF NOT EXISTS calls_caller ON calls (caller_id, start_time);
CREATE INDEX IF NOT EXISTS calls_callee ON calls (callee_id, start_time);
`

// SQLite is a single-file ChatStore backed by modernc.org/sqlite. Timestamps
// are stored as unix nanoseconds.
type SQLite struct {
	db   *sql.DB
	opts options
}

func OpenSQLite(ctx context.Context, path string, opts ...Option) (*SQLite, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer; keeps transactions serialized without SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, `
		PRAGMA foreign_keys = ON;
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure sqlite: %w", err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}
	return &SQLite{db: db, opts: buildOptions(opts)}, nil
}

func (s *SQLite) now() time.Time { return stamp(s.opts.now()) }

func toNanos(t time.Time) int64 { return t.UnixNano() }

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *SQLite) CreateUser(ctx context.Context, u User) (User, error) {
	u, err := validateNewUser(u)
	if err != nil {
		return User{}, err
	}
	u.LastSeen = s.now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return User{}, err
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx,
		`SELECT 1 FROM users WHERE username_key = ? OR id = ?`,
		strings.ToLower(u.Username), u.ID,
	).Scan(&exists)
	switch {
	case err == nil:
		return User{}, ErrUsernameTaken
	case !errors.Is(err, sql.ErrNoRows):
		return User{}, err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO users (id, username, username_key, password_hash, avatar, status, last_seen)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.Username, strings.ToLower(u.Username), u.PasswordHash, u.Avatar, string(u.Status), toNanos(u.LastSeen),
	); err != nil {
		return User{}, fmt.Errorf("insert user: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return User{}, err
	}
	return u, nil
}

const sqliteUserColumns = `id, username, password_hash, avatar, status, last_seen`

func scanSQLiteUser(row rowScanner) (User, error) {
	var (
		u        User
		status   string
		lastSeen int64
	)
	if err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.Avatar, &status, &lastSeen); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, ErrNotFound
		}
		return User{}, err
	}
	u.Status = PresenceStatus(status)
	u.LastSeen = fromNanos(lastSeen)
	return u, nil
}

func (s *SQLite) GetUser(ctx context.Context, id string) (User, error) {
	return scanSQLiteUser(s.db.QueryRowContext(ctx,
		`SELECT `+sqliteUserColumns+` FROM users WHERE id = ?`, id))
}

func (s *SQLite) GetUserByName(ctx context.Context, username string) (User, error) {
	return scanSQLiteUser(s.db.QueryRowContext(ctx,
		`SELECT `+sqliteUserColumns+` FROM users WHERE username_key = ?`,
		strings.ToLower(strings.TrimSpace(username))))
}

func (s *SQLite) queryUsers(ctx context.Context, query string, args ...any) ([]User, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []User
	for rows.Next() {
		u, err := scanSQLiteUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *SQLite) ListUsers(ctx context.Context) ([]User, error) {
	return s.queryUsers(ctx, `SELECT `+sqliteUserColumns+` FROM users ORDER BY username`)
}

func (s *SQLite) SearchUsers(ctx context.Context, query, excludeID string) ([]User, error) {
	pattern := "%" + escapeLike(strings.ToLower(strings.TrimSpace(query))) + "%"
	return s.queryUsers(ctx, `
		SELECT `+sqliteUserColumns+` FROM users
		WHERE username_key LIKE ? ESCAPE '\' AND id <> ?
		ORDER BY username
		LIMIT ?`, pattern, excludeID, maxSearchResults)
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

func (s *SQLite) SetPresence(ctx context.Context, userID string, status PresenceStatus, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET status = ?, last_seen = ? WHERE id = ?`,
		string(status), toNanos(stamp(at)), userID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

const sqliteChatColumns = `id, user1_id, user2_id, created_at, updated_at`

func scanSQLiteChat(row rowScanner) (Chat, error) {
	var (
		c                Chat
		created, updated int64
	)
	if err := row.Scan(&c.ID, &c.User1ID, &c.User2ID, &created, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Chat{}, ErrNotFound
		}
		return Chat{}, err
	}
	c.CreatedAt = fromNanos(created)
	c.UpdatedAt = fromNanos(updated)
	return c, nil
}

type sqlExecQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLite) getOrCreateChat(ctx context.Context, q sqlExecQuerier, userA, userB string) (Chat, error) {
	if userA == "" || userB == "" {
		return Chat{}, ErrInvalidInput
	}
	id := ChatID(userA, userB)
	u1, u2 := orderedPair(userA, userB)
	now := toNanos(s.now())
	if _, err := q.ExecContext(ctx, `
		INSERT INTO chats (id, user1_id, user2_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`, id, u1, u2, now, now); err != nil {
		return Chat{}, fmt.Errorf("insert chat: %w", err)
	}
	c, err := scanSQLiteChat(q.QueryRowContext(ctx,
		`SELECT `+sqliteChatColumns+` FROM chats WHERE id = ?`, id))
	if err != nil {
		return Chat{}, err
	}
	return checkPair(c, userA, userB)
}

func (s *SQLite) GetOrCreateChat(ctx context.Context, userA, userB string) (Chat, error) {
	return s.getOrCreateChat(ctx, s.db, userA, userB)
}

func (s *SQLite) GetChat(ctx context.Context, chatID string) (Chat, error) {
	return scanSQLiteChat(s.db.QueryRowContext(ctx,
		`SELECT `+sqliteChatColumns+` FROM chats WHERE id = ?`, chatID))
}

func (s *SQLite) ListChatsForUser(ctx context.Context, userID string) ([]Chat, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sqliteChatColumns+` FROM chats
		WHERE user1_id = ? OR user2_id = ?
		ORDER BY updated_at DESC, id`, userID, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Chat
	for rows.Next() {
		c, err := scanSQLiteChat(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *SQLite) AppendMessage(ctx context.Context, m NewMessage) (Message, error) {
	if err := m.validate(); err != nil {
		return Message{}, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Message{}, err
	}
	defer tx.Rollback()

	chat, err := s.getOrCreateChat(ctx, tx, m.SenderID, m.RecipientID)
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
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO messages (id, chat_id, sender_id, content, kind, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ChatID, msg.SenderID, msg.Content, string(msg.Kind), toNanos(msg.CreatedAt),
	); err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE chats SET updated_at = ? WHERE id = ?`, toNanos(msg.CreatedAt), chat.ID,
	); err != nil {
		return Message{}, fmt.Errorf("touch chat: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Message{}, err
	}
	return msg, nil
}

const sqliteMessageColumns = `id, chat_id, sender_id, content, kind, created_at, is_read`

func scanSQLiteMessage(row rowScanner) (Message, error) {
	var (
		m       Message
		kind    string
		created int64
		read    int
	)
	if err := row.Scan(&m.ID, &m.ChatID, &m.SenderID, &m.Content, &kind, &created, &read); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Message{}, ErrNotFound
		}
		return Message{}, err
	}
	m.Kind = MessageKind(kind)
	m.CreatedAt = fromNanos(created)
	m.Read = read != 0
	return m, nil
}

func (s *SQLite) ListMessages(ctx context.Context, chatID string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sqliteMessageColumns+` FROM messages
		WHERE chat_id = ?
		ORDER BY created_at, seq`, chatID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Message
	for rows.Next() {
		m, err := scanSQLiteMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *SQLite) GetMessage(ctx context.Context, messageID string) (Message, error) {
	return scanSQLiteMessage(s.db.QueryRowContext(ctx,
		`SELECT `+sqliteMessageColumns+` FROM messages WHERE id = ?`, messageID))
}

func (s *SQLite) MarkMessageRead(ctx context.Context, messageID string) (Message, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE messages SET is_read = 1 WHERE id = ?`, messageID)
	if err != nil {
		return Message{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return Message{}, ErrNotFound
	}
	return scanSQLiteMessage(s.db.QueryRowContext(ctx,
		`SELECT `+sqliteMessageColumns+` FROM messages WHERE id = ?`, messageID))
}

const sqliteCallColumns = `id, caller_id, callee_id, kind, status, start_time, end_time, duration`

func scanSQLiteCall(row rowScanner) (Call, error) {
	var (
		c            Call
		kind, status string
		start        int64
		end, dur     sql.NullInt64
	)
	if err := row.Scan(&c.ID, &c.CallerID, &c.CalleeID, &kind, &status, &start, &end, &dur); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Call{}, ErrNotFound
		}
		return Call{}, err
	}
	c.Kind = CallKind(kind)
	c.Status = CallStatus(status)
	c.StartTime = fromNanos(start)
	if end.Valid {
		t := fromNanos(end.Int64)
		c.EndTime = &t
	}
	if dur.Valid {
		d := dur.Int64
		c.Duration = &d
	}
	return c, nil
}

func nullNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toNanos(*t), Valid: true}
}

func nullInt(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func (s *SQLite) CreateCall(ctx context.Context, c Call) (Call, error) {
	c, err := validateNewCall(c, s.now())
	if err != nil {
		return Call{}, err
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO calls (id, caller_id, callee_id, kind, status, start_time)
		VALUES (?, ?, ?, ?, ?, ?)`,
		c.ID, c.CallerID, c.CalleeID, string(c.Kind), string(c.Status), toNanos(c.StartTime),
	); err != nil {
		return Call{}, fmt.Errorf("insert call: %w", err)
	}
	return c, nil
}

func (s *SQLite) GetCall(ctx context.Context, id string) (Call, error) {
	return scanSQLiteCall(s.db.QueryRowContext(ctx,
		`SELECT `+sqliteCallColumns+` FROM calls WHERE id = ?`, id))
}

func (s *SQLite) UpdateCall(ctx context.Context, id string, upd CallUpdate) (Call, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Call{}, err
	}
	defer tx.Rollback()

	cur, err := scanSQLiteCall(tx.QueryRowContext(ctx,
		`SELECT `+sqliteCallColumns+` FROM calls WHERE id = ?`, id))
	if err != nil {
		return Call{}, err
	}
	next, err := applyCallUpdate(cur, upd, s.now())
	if err != nil {
		return Call{}, err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE calls SET status = ?, end_time = ?, duration = ? WHERE id = ?`,
		string(next.Status), nullNanos(next.EndTime), nullInt(next.Duration), id,
	); err != nil {
		return Call{}, fmt.Errorf("update call: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Call{}, err
	}
	return next, nil
}

func (s *SQLite) ListCallHistory(ctx context.Context, userID string) ([]Call, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sqliteCallColumns+` FROM calls
		WHERE caller_id = ? OR callee_id = ?
		ORDER BY start_time DESC, id`, userID, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Call
	for rows.Next() {
		c, err := scanSQLiteCall(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *SQLite) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *SQLite) Close() error { return s.db.Close() }

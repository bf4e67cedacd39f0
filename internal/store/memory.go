package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// Memory is a process-local ChatStore. It is the default backend and the one
// tests use; nothing survives a restart.
type Memory struct {
	opts options

	mu       sync.Mutex
	users    map[string]User
	byName   map[string]string
	chats    map[string]Chat
	messages map[string][]memMessage
	msgIndex map[string]string // message ID -> chat ID
	calls    map[string]Call
	seq      int64
	closed   bool
}

type memMessage struct {
	Message
	seq int64
}

func NewMemory(opts ...Option) *Memory {
	return &Memory{
		opts:     buildOptions(opts),
		users:    make(map[string]User),
		byName:   make(map[string]string),
		chats:    make(map[string]Chat),
		messages: make(map[string][]memMessage),
		msgIndex: make(map[string]string),
		calls:    make(map[string]Call),
	}
}

func (s *Memory) now() time.Time { return stamp(s.opts.now()) }

func (s *Memory) CreateUser(_ context.Context, u User) (User, error) {
	u, err := validateNewUser(u)
	if err != nil {
		return User{}, err
	}
	key := strings.ToLower(u.Username)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return User{}, ErrClosed
	}
	if _, ok := s.byName[key]; ok {
		return User{}, ErrUsernameTaken
	}
	if _, ok := s.users[u.ID]; ok {
		return User{}, ErrUsernameTaken
	}
	u.LastSeen = s.now()
	s.users[u.ID] = u
	s.byName[key] = u.ID
	return u, nil
}

func (s *Memory) GetUser(_ context.Context, id string) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return User{}, ErrNotFound
	}
	return u, nil
}

func (s *Memory) GetUserByName(_ context.Context, username string) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byName[strings.ToLower(strings.TrimSpace(username))]
	if !ok {
		return User{}, ErrNotFound
	}
	return s.users[id], nil
}

func (s *Memory) ListUsers(_ context.Context) ([]User, error) {
	s.mu.Lock()
	out := make([]User, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, u)
	}
	s.mu.Unlock()
	sortUsers(out)
	return out, nil
}

func (s *Memory) SearchUsers(_ context.Context, query, excludeID string) ([]User, error) {
	q := strings.ToLower(strings.TrimSpace(query))
	s.mu.Lock()
	var out []User
	for _, u := range s.users {
		if u.ID == excludeID {
			continue
		}
		if strings.Contains(strings.ToLower(u.Username), q) {
			out = append(out, u)
		}
	}
	s.mu.Unlock()
	sortUsers(out)
	if len(out) > maxSearchResults {
		out = out[:maxSearchResults]
	}
	return out, nil
}

func (s *Memory) SetPresence(_ context.Context, userID string, status PresenceStatus, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	u, ok := s.users[userID]
	if !ok {
		return ErrNotFound
	}
	u.Status = status
	u.LastSeen = stamp(at)
	s.users[userID] = u
	return nil
}

func (s *Memory) GetOrCreateChat(_ context.Context, userA, userB string) (Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getOrCreateChatLocked(userA, userB)
}

func (s *Memory) getOrCreateChatLocked(userA, userB string) (Chat, error) {
	if s.closed {
		return Chat{}, ErrClosed
	}
	if userA == "" || userB == "" {
		return Chat{}, ErrInvalidInput
	}
	id := ChatID(userA, userB)
	if c, ok := s.chats[id]; ok {
		return checkPair(c, userA, userB)
	}
	u1, u2 := orderedPair(userA, userB)
	now := s.now()
	c := Chat{ID: id, User1ID: u1, User2ID: u2, CreatedAt: now, UpdatedAt: now}
	s.chats[id] = c
	return c, nil
}

func (s *Memory) GetChat(_ context.Context, chatID string) (Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chats[chatID]
	if !ok {
		return Chat{}, ErrNotFound
	}
	return c, nil
}

func (s *Memory) ListChatsForUser(_ context.Context, userID string) ([]Chat, error) {
	s.mu.Lock()
	var out []Chat
	for _, c := range s.chats {
		if c.HasParticipant(userID) {
			out = append(out, c)
		}
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Memory) AppendMessage(_ context.Context, m NewMessage) (Message, error) {
	if err := m.validate(); err != nil {
		return Message{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	chat, err := s.getOrCreateChatLocked(m.SenderID, m.RecipientID)
	if err != nil {
		return Message{}, err
	}
	now := s.now()
	s.seq++
	msg := Message{
		ID:        NewMessageID(),
		ChatID:    chat.ID,
		SenderID:  m.SenderID,
		Content:   m.Content,
		Kind:      m.Kind,
		CreatedAt: now,
	}
	s.messages[chat.ID] = append(s.messages[chat.ID], memMessage{Message: msg, seq: s.seq})
	s.msgIndex[msg.ID] = chat.ID
	chat.UpdatedAt = now
	s.chats[chat.ID] = chat
	return msg, nil
}

func (s *Memory) ListMessages(_ context.Context, chatID string) ([]Message, error) {
	s.mu.Lock()
	rows := append([]memMessage(nil), s.messages[chatID]...)
	s.mu.Unlock()
	sort.SliceStable(rows, func(i, j int) bool {
		if !rows[i].CreatedAt.Equal(rows[j].CreatedAt) {
			return rows[i].CreatedAt.Before(rows[j].CreatedAt)
		}
		return rows[i].seq < rows[j].seq
	})
	out := make([]Message, len(rows))
	for i, r := range rows {
		out[i] = r.Message
	}
	return out, nil
}

func (s *Memory) GetMessage(_ context.Context, messageID string) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	chatID, ok := s.msgIndex[messageID]
	if !ok {
		return Message{}, ErrNotFound
	}
	for _, row := range s.messages[chatID] {
		if row.ID == messageID {
			return row.Message, nil
		}
	}
	return Message{}, ErrNotFound
}

func (s *Memory) MarkMessageRead(_ context.Context, messageID string) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Message{}, ErrClosed
	}
	chatID, ok := s.msgIndex[messageID]
	if !ok {
		return Message{}, ErrNotFound
	}
	rows := s.messages[chatID]
	for i := range rows {
		if rows[i].ID == messageID {
			rows[i].Read = true
			return rows[i].Message, nil
		}
	}
	return Message{}, ErrNotFound
}

func (s *Memory) CreateCall(_ context.Context, c Call) (Call, error) {
	c, err := validateNewCall(c, s.now())
	if err != nil {
		return Call{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Call{}, ErrClosed
	}
	if _, ok := s.calls[c.ID]; ok {
		return Call{}, ErrInvalidInput
	}
	s.calls[c.ID] = c
	return c, nil
}

func (s *Memory) GetCall(_ context.Context, id string) (Call, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.calls[id]
	if !ok {
		return Call{}, ErrNotFound
	}
	return copyCall(c), nil
}

func (s *Memory) UpdateCall(_ context.Context, id string, upd CallUpdate) (Call, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Call{}, ErrClosed
	}
	c, ok := s.calls[id]
	if !ok {
		return Call{}, ErrNotFound
	}
	c, err := applyCallUpdate(c, upd, s.now())
	if err != nil {
		return Call{}, err
	}
	s.calls[id] = c
	return copyCall(c), nil
}

func (s *Memory) ListCallHistory(_ context.Context, userID string) ([]Call, error) {
	s.mu.Lock()
	var out []Call
	for _, c := range s.calls {
		if c.HasParticipant(userID) {
			out = append(out, copyCall(c))
		}
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].StartTime.After(out[j].StartTime)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Memory) Ping(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

// Close makes every later write and Ping fail with ErrClosed. Reads keep
// answering from memory.
func (s *Memory) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func copyCall(c Call) Call {
	if c.EndTime != nil {
		end := *c.EndTime
		c.EndTime = &end
	}
	if c.Duration != nil {
		d := *c.Duration
		c.Duration = &d
	}
	return c
}

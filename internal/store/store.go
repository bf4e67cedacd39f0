// Package store holds users, chats, messages and call records.
//
// Three backends implement ChatStore: an in-process map (default, tests), SQLite
// through modernc.org/sqlite, and Postgres through pgx. All of them order a
// chat's history by creation time with ties broken by insertion order.
package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

var (
	ErrNotFound              = errors.New("store: not found")
	ErrUsernameTaken         = errors.New("store: username already taken")
	ErrInvalidCallTransition = errors.New("store: invalid call status transition")
	ErrInvalidInput          = errors.New("store: invalid input")
	ErrClosed                = errors.New("store: closed")
)

type PresenceStatus string

const (
	StatusOnline  PresenceStatus = "online"
	StatusOffline PresenceStatus = "offline"
	StatusBusy    PresenceStatus = "busy"
)

func ParsePresenceStatus(raw string) (PresenceStatus, error) {
	switch s := PresenceStatus(strings.ToLower(strings.TrimSpace(raw))); s {
	case StatusOnline, StatusOffline, StatusBusy:
		return s, nil
	default:
		return "", fmt.Errorf("%w: presence status %q", ErrInvalidInput, raw)
	}
}

type MessageKind string

const (
	KindText  MessageKind = "text"
	KindImage MessageKind = "image"
	KindFile  MessageKind = "file"
)

// ParseMessageKind maps an empty kind to text.
func ParseMessageKind(raw string) (MessageKind, error) {
	switch k := MessageKind(strings.TrimSpace(raw)); k {
	case "":
		return KindText, nil
	case KindText, KindImage, KindFile:
		return k, nil
	default:
		return "", fmt.Errorf("%w: message kind %q", ErrInvalidInput, raw)
	}
}

type CallKind string

const (
	CallVideo CallKind = "video"
	CallAudio CallKind = "audio"
)

func ParseCallKind(raw string) (CallKind, error) {
	switch k := CallKind(strings.TrimSpace(raw)); k {
	case "":
		return CallVideo, nil
	case CallVideo, CallAudio:
		return k, nil
	default:
		return "", fmt.Errorf("%w: call kind %q", ErrInvalidInput, raw)
	}
}

type CallStatus string

const (
	CallInitiated CallStatus = "initiated"
	CallAnswered  CallStatus = "answered"
	CallEnded     CallStatus = "ended"
	CallMissed    CallStatus = "missed"
)

func ParseCallStatus(raw string) (CallStatus, error) {
	switch s := CallStatus(strings.TrimSpace(raw)); s {
	case CallInitiated, CallAnswered, CallEnded, CallMissed:
		return s, nil
	default:
		return "", fmt.Errorf("%w: call status %q", ErrInvalidInput, raw)
	}
}

// CheckCallTransition enforces the monotonic call lifecycle:
//
//	initiated -> answered | missed | ended
//	answered  -> ended
//	missed    -> ended
//
// Nothing leaves ended. Re-applying the current status is a no-op.
func CheckCallTransition(from, to CallStatus) error {
	if from == to && from != CallEnded {
		return nil
	}
	switch from {
	case CallInitiated:
		if to == CallAnswered || to == CallMissed || to == CallEnded {
			return nil
		}
	case CallAnswered, CallMissed:
		if to == CallEnded {
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidCallTransition, from, to)
}

type User struct {
	ID           string         `json:"id"`
	Username     string         `json:"username"`
	PasswordHash string         `json:"-"`
	Avatar       string         `json:"avatar,omitempty"`
	Status       PresenceStatus `json:"status"`
	LastSeen     time.Time      `json:"lastSeen"`
}

type Chat struct {
	ID        string    `json:"id"`
	User1ID   string    `json:"user1Id"`
	User2ID   string    `json:"user2Id"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (c Chat) HasParticipant(userID string) bool {
	return c.User1ID == userID || c.User2ID == userID
}

// Peer returns the other participant. For a self-chat it returns userID.
func (c Chat) Peer(userID string) string {
	if c.User1ID == userID {
		return c.User2ID
	}
	return c.User1ID
}

type Message struct {
	ID        string      `json:"id"`
	ChatID    string      `json:"chatId"`
	SenderID  string      `json:"senderId"`
	Content   string      `json:"content"`
	Kind      MessageKind `json:"messageType"`
	CreatedAt time.Time   `json:"createdAt"`
	Read      bool        `json:"isRead"`
}

// NewMessage is the input to AppendMessage. The chat is derived from the
// sender/recipient pair and created when missing.
type NewMessage struct {
	SenderID    string
	RecipientID string
	Content     string
	Kind        MessageKind
}

func (m NewMessage) validate() error {
	if m.SenderID == "" || m.RecipientID == "" {
		return fmt.Errorf("%w: sender and recipient are required", ErrInvalidInput)
	}
	if m.Kind == "" {
		return fmt.Errorf("%w: message kind is required", ErrInvalidInput)
	}
	return nil
}

type Call struct {
	ID        string     `json:"id"`
	CallerID  string     `json:"callerId"`
	CalleeID  string     `json:"receiverId"`
	Kind      CallKind   `json:"callType"`
	Status    CallStatus `json:"status"`
	StartTime time.Time  `json:"startTime"`
	EndTime   *time.Time `json:"endTime,omitempty"`
	// Duration is in whole seconds and only set once the call has ended.
	Duration *int64 `json:"duration,omitempty"`
}

func (c Call) HasParticipant(userID string) bool {
	return c.CallerID == userID || c.CalleeID == userID
}

// CallUpdate is a partial update. EndTime defaults to now when Status moves
// to ended.
type CallUpdate struct {
	Status  CallStatus
	EndTime *time.Time
}

// applyCallUpdate returns the updated record or ErrInvalidCallTransition.
func applyCallUpdate(c Call, upd CallUpdate, now time.Time) (Call, error) {
	if err := CheckCallTransition(c.Status, upd.Status); err != nil {
		return Call{}, err
	}
	if c.Status == upd.Status {
		return c, nil
	}
	c.Status = upd.Status
	if upd.Status == CallEnded {
		end := now
		if upd.EndTime != nil {
			end = upd.EndTime.UTC()
		}
		if end.Before(c.StartTime) {
			end = c.StartTime
		}
		secs := int64(end.Sub(c.StartTime) / time.Second)
		c.EndTime = &end
		c.Duration = &secs
	}
	return c, nil
}

// PresenceStore is the slice of ChatStore the connection registry writes to.
type PresenceStore interface {
	SetPresence(ctx context.Context, userID string, status PresenceStatus, at time.Time) error
}

type ChatStore interface {
	PresenceStore

	CreateUser(ctx context.Context, u User) (User, error)
	GetUser(ctx context.Context, id string) (User, error)
	GetUserByName(ctx context.Context, username string) (User, error)
	ListUsers(ctx context.Context) ([]User, error)
	// SearchUsers matches usernames case-insensitively by substring and leaves
	// out excludeID.
	SearchUsers(ctx context.Context, query, excludeID string) ([]User, error)

	GetOrCreateChat(ctx context.Context, userA, userB string) (Chat, error)
	GetChat(ctx context.Context, chatID string) (Chat, error)
	ListChatsForUser(ctx context.Context, userID string) ([]Chat, error)

	AppendMessage(ctx context.Context, m NewMessage) (Message, error)
	ListMessages(ctx context.Context, chatID string) ([]Message, error)
	GetMessage(ctx context.Context, messageID string) (Message, error)
	MarkMessageRead(ctx context.Context, messageID string) (Message, error)

	CreateCall(ctx context.Context, c Call) (Call, error)
	GetCall(ctx context.Context, id string) (Call, error)
	UpdateCall(ctx context.Context, id string, upd CallUpdate) (Call, error)
	// ListCallHistory returns calls the user took part in, newest first.
	ListCallHistory(ctx context.Context, userID string) ([]Call, error)

	Ping(ctx context.Context) error
	Close() error
}

// ChatID is the canonical chat identifier for an unordered pair of users.
// ChatID(a, b) == ChatID(b, a). The first ID is length-prefixed because user
// IDs may themselves contain ':'; "1:a:b:c" and "3:a:b:c" are different pairs.
func ChatID(a, b string) string {
	a, b = orderedPair(a, b)
	return strconv.Itoa(len(a)) + ":" + a + ":" + b
}

// checkPair rejects a stored chat that does not belong to the pair it was
// looked up for.
func checkPair(c Chat, userA, userB string) (Chat, error) {
	u1, u2 := orderedPair(userA, userB)
	if c.User1ID != u1 || c.User2ID != u2 {
		return Chat{}, fmt.Errorf("%w: chat %q does not belong to %q and %q", ErrInvalidInput, c.ID, userA, userB)
	}
	return c, nil
}

// orderedPair returns the pair in the order used for Chat.User1ID/User2ID.
func orderedPair(a, b string) (string, string) {
	if b < a {
		return b, a
	}
	return a, b
}

const maxSearchResults = 50

func NewUserID() string    { return uuid.NewString() }
func NewCallID() string    { return uuid.NewString() }
func NewMessageID() string { return ulid.Make().String() }

// Option configures any backend.
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock overrides the time source used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// stamp normalizes timestamps so every backend round-trips them exactly.
func stamp(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

func sortUsers(users []User) {
	sort.Slice(users, func(i, j int) bool { return users[i].Username < users[j].Username })
}

func validateNewUser(u User) (User, error) {
	u.Username = strings.TrimSpace(u.Username)
	if u.Username == "" {
		return User{}, fmt.Errorf("%w: username is required", ErrInvalidInput)
	}
	if u.ID == "" {
		u.ID = NewUserID()
	}
	if u.Status == "" {
		u.Status = StatusOffline
	}
	return u, nil
}

func validateNewCall(c Call, now time.Time) (Call, error) {
	if c.CallerID == "" || c.CalleeID == "" {
		return Call{}, fmt.Errorf("%w: caller and callee are required", ErrInvalidInput)
	}
	if c.CallerID == c.CalleeID {
		return Call{}, fmt.Errorf("%w: caller and callee must differ", ErrInvalidInput)
	}
	if c.Kind == "" {
		c.Kind = CallVideo
	}
	if c.ID == "" {
		c.ID = NewCallID()
	}
	c.Status = CallInitiated
	if c.StartTime.IsZero() {
		c.StartTime = now
	}
	c.StartTime = stamp(c.StartTime)
	c.EndTime = nil
	c.Duration = nil
	return c, nil
}

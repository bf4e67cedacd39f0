// Package protocol defines the hub's WebSocket frame vocabulary.
//
// Every frame is a JSON text message with a required "type". Client frames are
// decoded strictly: unknown fields, trailing data, fields that do not belong
// to the frame's type and missing required fields are all rejected.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/wilsonzlin/aero/proxy/chat-signal-hub/internal/store"
)

type FrameType string

const (
	TypeAuth         FrameType = "auth"
	TypeAuthOK       FrameType = "auth_ok"
	TypeMessage      FrameType = "message"
	TypeMessageSent  FrameType = "message_sent"
	TypeCallOffer    FrameType = "call_offer"
	TypeCallAnswer   FrameType = "call_answer"
	TypeICECandidate FrameType = "ice_candidate"
	TypeCallEnd      FrameType = "call_end"
	TypePing         FrameType = "ping"
	TypePong         FrameType = "pong"
	TypeError        FrameType = "error"
)

// IsSignal reports whether t is one of the relayed call-negotiation kinds.
func (t FrameType) IsSignal() bool {
	switch t {
	case TypeCallOffer, TypeCallAnswer, TypeICECandidate, TypeCallEnd:
		return true
	}
	return false
}

// Error codes carried by error frames.
const (
	CodeBadMessage           = "bad_message"
	CodeUnauthenticated      = "unauthenticated"
	CodeUnauthorized         = "unauthorized"
	CodeIdentityMismatch     = "identity_mismatch"
	CodeAlreadyAuthenticated = "already_authenticated"
	CodeRateLimited          = "rate_limited"
	CodeInvalidChat          = "invalid_chat"
	CodeStoreError           = "store_error"
	CodeReplaced             = "replaced"
)

// ClientFrame is the union of every client->server frame.
type ClientFrame struct {
	Type FrameType `json:"type"`

	// auth
	UserID   string `json:"userId,omitempty"`
	Username string `json:"username,omitempty"`
	Token    string `json:"token,omitempty"`

	// message
	ChatID      string `json:"chatId,omitempty"`
	RecipientID string `json:"recipientId,omitempty"`
	// Content is nil when absent. An empty string is a valid message.
	Content     *string `json:"content,omitempty"`
	MessageType string  `json:"messageType,omitempty"`

	// call_offer, call_answer, ice_candidate, call_end
	TargetUserID string          `json:"targetUserId,omitempty"`
	Offer        json.RawMessage `json:"offer,omitempty"`
	AudioOnly    *bool           `json:"audioOnly,omitempty"`
	Answer       json.RawMessage `json:"answer,omitempty"`
	Candidate    json.RawMessage `json:"candidate,omitempty"`
}

// Text returns the content of a message frame.
func (f ClientFrame) Text() string {
	if f.Content == nil {
		return ""
	}
	return *f.Content
}

// Signal extracts the opaque relay payload of a signaling frame.
func (f ClientFrame) Signal() Signal {
	return Signal{
		Offer:     f.Offer,
		AudioOnly: f.AudioOnly,
		Answer:    f.Answer,
		Candidate: f.Candidate,
	}
}

// Signal is the payload of a relayed call-negotiation frame. The hub never
// looks inside it.
type Signal struct {
	Offer     json.RawMessage
	AudioOnly *bool
	Answer    json.RawMessage
	Candidate json.RawMessage
}

func ParseClientFrame(data []byte) (ClientFrame, error) {
	var f ClientFrame
	if err := decodeStrict(data, &f); err != nil {
		return ClientFrame{}, err
	}
	if err := f.validate(); err != nil {
		return ClientFrame{}, err
	}
	return f, nil
}

func decodeStrict(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return fmt.Errorf("unexpected trailing data")
	}
	return nil
}

func isNullOrEmpty(raw json.RawMessage) bool {
	s := strings.TrimSpace(string(raw))
	return s == "" || s == "null"
}

// fieldsSet lists the JSON names of populated optional fields.
func (f ClientFrame) fieldsSet() map[string]bool {
	set := make(map[string]bool)
	mark := func(name string, ok bool) {
		if ok {
			set[name] = true
		}
	}
	mark("userId", f.UserID != "")
	mark("username", f.Username != "")
	mark("token", f.Token != "")
	mark("chatId", f.ChatID != "")
	mark("recipientId", f.RecipientID != "")
	mark("content", f.Content != nil)
	mark("messageType", f.MessageType != "")
	mark("targetUserId", f.TargetUserID != "")
	mark("offer", !isNullOrEmpty(f.Offer))
	mark("audioOnly", f.AudioOnly != nil)
	mark("answer", !isNullOrEmpty(f.Answer))
	mark("candidate", !isNullOrEmpty(f.Candidate))
	return set
}

var frameShapes = map[FrameType]struct {
	required []string
	optional []string
}{
	TypeAuth:         {optional: []string{"userId", "username", "token"}},
	TypeMessage:      {required: []string{"chatId", "recipientId", "content"}, optional: []string{"messageType"}},
	TypeCallOffer:    {required: []string{"targetUserId", "offer"}, optional: []string{"audioOnly"}},
	TypeCallAnswer:   {required: []string{"targetUserId", "answer"}},
	TypeICECandidate: {required: []string{"targetUserId", "candidate"}},
	TypeCallEnd:      {required: []string{"targetUserId"}},
	TypePing:         {},
}

func (f ClientFrame) validate() error {
	if f.Type == "" {
		return fmt.Errorf("frame missing type")
	}
	shape, ok := frameShapes[f.Type]
	if !ok {
		return fmt.Errorf("unsupported frame type %q", f.Type)
	}
	set := f.fieldsSet()
	for _, name := range shape.required {
		if !set[name] {
			return fmt.Errorf("%s frame missing %s", f.Type, name)
		}
		delete(set, name)
	}
	for _, name := range shape.optional {
		delete(set, name)
	}
	if len(set) > 0 {
		extra := make([]string, 0, len(set))
		for name := range set {
			extra = append(extra, name)
		}
		sort.Strings(extra)
		return fmt.Errorf("%s frame has unexpected fields: %s", f.Type, strings.Join(extra, ", "))
	}

	switch f.Type {
	case TypeAuth:
		if f.UserID == "" && f.Token == "" {
			return fmt.Errorf("auth frame missing userId/token")
		}
	case TypeMessage:
		if _, err := store.ParseMessageKind(f.MessageType); err != nil {
			return err
		}
	}
	return nil
}

// Server -> client frames.

type AuthOKFrame struct {
	Type   FrameType `json:"type"`
	UserID string    `json:"userId"`
}

type ChatFrame struct {
	Type    FrameType     `json:"type"`
	Message store.Message `json:"message"`
}

// SignalFrame is a relayed call-negotiation frame. Clients send it with
// TargetUserID; the hub forwards it with FromUserID set.
type SignalFrame struct {
	Type         FrameType       `json:"type"`
	FromUserID   string          `json:"fromUserId,omitempty"`
	TargetUserID string          `json:"targetUserId,omitempty"`
	Offer        json.RawMessage `json:"offer,omitempty"`
	AudioOnly    *bool           `json:"audioOnly,omitempty"`
	Answer       json.RawMessage `json:"answer,omitempty"`
	Candidate    json.RawMessage `json:"candidate,omitempty"`
}

func (f SignalFrame) Signal() Signal {
	return Signal{Offer: f.Offer, AudioOnly: f.AudioOnly, Answer: f.Answer, Candidate: f.Candidate}
}

type ErrorFrame struct {
	Type    FrameType `json:"type"`
	Code    string    `json:"code"`
	Message string    `json:"message"`
}

type PongFrame struct {
	Type FrameType `json:"type"`
}

func NewError(code, message string) ErrorFrame {
	return ErrorFrame{Type: TypeError, Code: code, Message: message}
}

// ServerFrame is the union of every server->client frame, used by clients to
// decode what the hub sends. Message holds either the chat message object or
// the error text, depending on Type.
type ServerFrame struct {
	Type FrameType `json:"type"`

	UserID string `json:"userId,omitempty"`

	FromUserID   string          `json:"fromUserId,omitempty"`
	TargetUserID string          `json:"targetUserId,omitempty"`
	Offer        json.RawMessage `json:"offer,omitempty"`
	AudioOnly    *bool           `json:"audioOnly,omitempty"`
	Answer       json.RawMessage `json:"answer,omitempty"`
	Candidate    json.RawMessage `json:"candidate,omitempty"`

	Code    string          `json:"code,omitempty"`
	Message json.RawMessage `json:"message,omitempty"`
}

// ParseServerFrame is lenient about unknown fields so older clients keep
// working when the hub adds fields.
func ParseServerFrame(data []byte) (ServerFrame, error) {
	var f ServerFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return ServerFrame{}, err
	}
	if f.Type == "" {
		return ServerFrame{}, fmt.Errorf("frame missing type")
	}
	return f, nil
}

// ChatMessage decodes the message of a message/message_sent frame.
func (f ServerFrame) ChatMessage() (store.Message, error) {
	if f.Type != TypeMessage && f.Type != TypeMessageSent {
		return store.Message{}, fmt.Errorf("%s frame carries no chat message", f.Type)
	}
	var m store.Message
	if err := json.Unmarshal(f.Message, &m); err != nil {
		return store.Message{}, fmt.Errorf("decode chat message: %w", err)
	}
	return m, nil
}

// ErrorText returns the message of an error frame.
func (f ServerFrame) ErrorText() string {
	if f.Type != TypeError {
		return ""
	}
	var s string
	_ = json.Unmarshal(f.Message, &s)
	return s
}

func (f ServerFrame) SignalFrame() SignalFrame {
	return SignalFrame{
		Type:         f.Type,
		FromUserID:   f.FromUserID,
		TargetUserID: f.TargetUserID,
		Offer:        f.Offer,
		AudioOnly:    f.AudioOnly,
		Answer:       f.Answer,
		Candidate:    f.Candidate,
	}
}

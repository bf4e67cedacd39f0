package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/wilsonzlin/aero/proxy/chat-signal-hub/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/chat-signal-hub/internal/presence"
	"github.com/wilsonzlin/aero/proxy/chat-signal-hub/internal/protocol"
	"github.com/wilsonzlin/aero/proxy/chat-signal-hub/internal/store"
)

// ErrInvalidChat is returned when a chat ID does not belong to the
// sender/recipient pair it was sent with.
var ErrInvalidChat = errors.New("hub: chat id does not match participants")

// Router persists chat messages and pushes them to whoever is online.
type Router struct {
	store    store.ChatStore
	registry *presence.Registry
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

func NewRouter(st store.ChatStore, reg *presence.Registry, m *metrics.Metrics, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{store: st, registry: reg, metrics: m, logger: logger}
}

// Deliver stores the message, then pushes "message" to the recipient and
// "message_sent" to the sender if they are connected. Only the store write can
// fail the call; pushes are best effort and an offline recipient reads the
// message from history later.
func (r *Router) Deliver(ctx context.Context, senderID, chatID, recipientID, content string, kind store.MessageKind) (store.Message, error) {
	if senderID == "" || recipientID == "" || chatID != store.ChatID(senderID, recipientID) {
		r.metrics.Inc(metrics.MessageInvalidChat)
		return store.Message{}, fmt.Errorf("%w: chat %q for %q -> %q", ErrInvalidChat, chatID, senderID, recipientID)
	}
	if kind == "" {
		kind = store.KindText
	}

	msg, err := r.store.AppendMessage(ctx, store.NewMessage{
		SenderID:    senderID,
		RecipientID: recipientID,
		Content:     content,
		Kind:        kind,
	})
	if err != nil {
		r.metrics.Inc(metrics.MessageStoreFailed)
		return store.Message{}, fmt.Errorf("persist message: %w", err)
	}
	r.metrics.Inc(metrics.MessagePersisted)

	r.push(recipientID, protocol.ChatFrame{Type: protocol.TypeMessage, Message: msg})
	r.push(senderID, protocol.ChatFrame{Type: protocol.TypeMessageSent, Message: msg})
	return msg, nil
}

func (r *Router) push(userID string, frame protocol.ChatFrame) {
	conn, ok := r.registry.Lookup(userID)
	if !ok {
		return
	}
	if err := conn.Send(frame); err != nil {
		r.metrics.Inc(metrics.MessagePushFailed)
		r.logger.Debug("hub: message push failed",
			"user_id", userID, "conn_id", conn.ID(), "frame", string(frame.Type), "err", err)
		return
	}
	r.metrics.Inc(metrics.MessagePushed)
}

package hub

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/wilsonzlin/aero/proxy/chat-signal-hub/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/chat-signal-hub/internal/presence"
	"github.com/wilsonzlin/aero/proxy/chat-signal-hub/internal/protocol"
	"github.com/wilsonzlin/aero/proxy/chat-signal-hub/internal/store"
)

// recordingConn captures every frame sent to it as its JSON encoding.
type recordingConn struct {
	id string

	mu     sync.Mutex
	frames []protocol.ServerFrame
	err    error
}

func (c *recordingConn) ID() string { return c.id }

func (c *recordingConn) Send(v any) error {
	if c.err != nil {
		return c.err
	}
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	f, err := protocol.ParseServerFrame(b)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.frames = append(c.frames, f)
	c.mu.Unlock()
	return nil
}

func (c *recordingConn) got() []protocol.ServerFrame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]protocol.ServerFrame(nil), c.frames...)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type routerFixture struct {
	store    store.ChatStore
	registry *presence.Registry
	metrics  *metrics.Metrics
	router   *Router
}

func newRouterFixture(st store.ChatStore) *routerFixture {
	if st == nil {
		st = store.NewMemory()
	}
	m := metrics.New()
	reg := presence.NewRegistry(presence.Config{Store: st, Metrics: m, Logger: quietLogger()})
	return &routerFixture{
		store:    st,
		registry: reg,
		metrics:  m,
		router:   NewRouter(st, reg, m, quietLogger()),
	}
}

func TestDeliver_OnlineRecipientGetsMessageAndSenderGetsAck(t *testing.T) {
	ctx := context.Background()
	fx := newRouterFixture(nil)
	u1 := &recordingConn{id: "c1"}
	u2 := &recordingConn{id: "c2"}
	fx.registry.Register(ctx, "u1", u1)
	fx.registry.Register(ctx, "u2", u2)

	msg, err := fx.router.Deliver(ctx, "u1", store.ChatID("u1", "u2"), "u2", "hello", store.KindText)
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}

	toRecipient := u2.got()
	if len(toRecipient) != 1 || toRecipient[0].Type != protocol.TypeMessage {
		t.Fatalf("recipient frames=%+v, want one message", toRecipient)
	}
	toSender := u1.got()
	if len(toSender) != 1 || toSender[0].Type != protocol.TypeMessageSent {
		t.Fatalf("sender frames=%+v, want one message_sent", toSender)
	}
	a, _ := toRecipient[0].ChatMessage()
	b, _ := toSender[0].ChatMessage()
	if a.ID != msg.ID || b.ID != msg.ID || a.Content != "hello" || !a.CreatedAt.Equal(b.CreatedAt) {
		t.Fatalf("records differ: recipient=%+v sender=%+v stored=%+v", a, b, msg)
	}
	if fx.metrics.Get(metrics.MessagePushed) != 2 {
		t.Fatalf("pushed=%d, want 2", fx.metrics.Get(metrics.MessagePushed))
	}
}

func TestDeliver_OfflineRecipientIsStoredOnly(t *testing.T) {
	ctx := context.Background()
	fx := newRouterFixture(nil)
	u1 := &recordingConn{id: "c1"}
	fx.registry.Register(ctx, "u1", u1)

	msg, err := fx.router.Deliver(ctx, "u1", store.ChatID("u1", "u2"), "u2", "are you there?", store.KindText)
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if frames := u1.got(); len(frames) != 1 || frames[0].Type != protocol.TypeMessageSent {
		t.Fatalf("sender frames=%+v", frames)
	}
	history, err := fx.store.ListMessages(ctx, store.ChatID("u2", "u1"))
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(history) != 1 || history[0].ID != msg.ID {
		t.Fatalf("history=%+v", history)
	}
}

func TestDeliver_RejectsMismatchedChat(t *testing.T) {
	ctx := context.Background()
	fx := newRouterFixture(nil)
	u2 := &recordingConn{id: "c2"}
	fx.registry.Register(ctx, "u2", u2)

	_, err := fx.router.Deliver(ctx, "u1", store.ChatID("u3", "u2"), "u2", "spoof", store.KindText)
	if !errors.Is(err, ErrInvalidChat) {
		t.Fatalf("err=%v, want ErrInvalidChat", err)
	}
	if len(u2.got()) != 0 {
		t.Fatalf("recipient received frames for a rejected message")
	}
	if msgs, _ := fx.store.ListMessages(ctx, store.ChatID("u3", "u2")); len(msgs) != 0 {
		t.Fatalf("rejected message was stored")
	}
}

func TestDeliver_ColonIDsCannotBorrowAnotherPairsChat(t *testing.T) {
	ctx := context.Background()
	fx := newRouterFixture(nil)
	if _, err := fx.router.Deliver(ctx, "a:b", store.ChatID("a:b", "c"), "c", "secret", store.KindText); err != nil {
		t.Fatalf("Deliver: %v", err)
	}

	_, err := fx.router.Deliver(ctx, "a", store.ChatID("a:b", "c"), "b:c", "let me in", store.KindText)
	if !errors.Is(err, ErrInvalidChat) {
		t.Fatalf("err=%v, want ErrInvalidChat", err)
	}
	msgs, err := fx.store.ListMessages(ctx, store.ChatID("a:b", "c"))
	if err != nil || len(msgs) != 1 || msgs[0].SenderID != "a:b" {
		t.Fatalf("history of (a:b, c)=%+v, %v", msgs, err)
	}
}

type failingStore struct {
	store.ChatStore
}

func (failingStore) AppendMessage(context.Context, store.NewMessage) (store.Message, error) {
	return store.Message{}, errors.New("disk full")
}

func TestDeliver_StoreFailureSurfacesAndSkipsPush(t *testing.T) {
	ctx := context.Background()
	fx := newRouterFixture(failingStore{ChatStore: store.NewMemory()})
	u1 := &recordingConn{id: "c1"}
	u2 := &recordingConn{id: "c2"}
	fx.registry.Register(ctx, "u1", u1)
	fx.registry.Register(ctx, "u2", u2)

	if _, err := fx.router.Deliver(ctx, "u1", store.ChatID("u1", "u2"), "u2", "lost", store.KindText); err == nil {
		t.Fatalf("expected store error")
	}
	if len(u1.got())+len(u2.got()) != 0 {
		t.Fatalf("frames pushed after a failed store write")
	}
	if _, ok := fx.registry.Lookup("u2"); !ok {
		t.Fatalf("registry changed after store failure")
	}
}

func TestDeliver_PushFailureIsNotAnError(t *testing.T) {
	ctx := context.Background()
	fx := newRouterFixture(nil)
	dead := &recordingConn{id: "dead", err: errors.New("broken pipe")}
	fx.registry.Register(ctx, "u2", dead)

	if _, err := fx.router.Deliver(ctx, "u1", store.ChatID("u1", "u2"), "u2", "hi", store.KindText); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if fx.metrics.Get(metrics.MessagePushFailed) != 1 {
		t.Fatalf("push failures=%d, want 1", fx.metrics.Get(metrics.MessagePushFailed))
	}
}

func TestDeliver_SelfChat(t *testing.T) {
	ctx := context.Background()
	fx := newRouterFixture(nil)
	me := &recordingConn{id: "me"}
	fx.registry.Register(ctx, "u1", me)

	if _, err := fx.router.Deliver(ctx, "u1", store.ChatID("u1", "u1"), "u1", "note to self", store.KindText); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	frames := me.got()
	if len(frames) != 2 || frames[0].Type != protocol.TypeMessage || frames[1].Type != protocol.TypeMessageSent {
		t.Fatalf("frames=%+v", frames)
	}
}

package client

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/logging"
	"github.com/pion/transport/v4/vnet"
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/chat-signal-hub/internal/call"
	"github.com/wilsonzlin/aero/proxy/chat-signal-hub/internal/config"
	"github.com/wilsonzlin/aero/proxy/chat-signal-hub/internal/hub"
	"github.com/wilsonzlin/aero/proxy/chat-signal-hub/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/chat-signal-hub/internal/protocol"
	"github.com/wilsonzlin/aero/proxy/chat-signal-hub/internal/store"
	"github.com/wilsonzlin/aero/proxy/chat-signal-hub/internal/webrtcpeer"
)

var _ call.Signaler = (*Client)(nil)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func wsURL(ts *httptest.Server) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

func startHub(t *testing.T) string {
	t.Helper()
	srv := hub.NewServer(hub.Config{
		Store:    store.NewMemory(),
		AuthMode: config.AuthModeNone,
		Metrics:  metrics.New(),
		Logger:   quietLogger(),
	})
	mux := http.NewServeMux()
	srv.RegisterRoutes(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(func() {
		srv.Close()
		ts.Close()
	})
	return wsURL(ts)
}

func dialClient(t *testing.T, cfg Config) *Client {
	t.Helper()
	if cfg.Logger == nil {
		cfg.Logger = quietLogger()
	}
	if cfg.Username == "" {
		cfg.Username = cfg.UserID
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, cfg)
	if err != nil {
		t.Fatalf("Dial(%s): %v", cfg.UserID, err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func nextFrame(t *testing.T, c *Client, want protocol.FrameType) protocol.ServerFrame {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case f, ok := <-c.Frames():
			if !ok {
				t.Fatalf("frames closed while waiting for %s", want)
			}
			if f.Type == want {
				return f
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", want)
		}
	}
}

func TestClient_ChatAndSignalThroughHub(t *testing.T) {
	url := startHub(t)
	alice := dialClient(t, Config{URL: url, UserID: "alice"})
	bob := dialClient(t, Config{URL: url, UserID: "bob"})
	ctx := context.Background()

	if err := alice.SendMessage(ctx, "bob", "hello", ""); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	sent, err := nextFrame(t, alice, protocol.TypeMessageSent).ChatMessage()
	if err != nil {
		t.Fatalf("message_sent: %v", err)
	}
	got, err := nextFrame(t, bob, protocol.TypeMessage).ChatMessage()
	if err != nil {
		t.Fatalf("message: %v", err)
	}
	if sent.ID != got.ID || got.Content != "hello" || got.SenderID != "alice" {
		t.Fatalf("pushed=%+v, acknowledged=%+v", got, sent)
	}
	if got.ChatID != store.ChatID("alice", "bob") {
		t.Fatalf("chat id=%q", got.ChatID)
	}

	offer := protocol.OfferFrame("bob", webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0\r\n"}, true)
	if err := alice.Signal(ctx, offer); err != nil {
		t.Fatalf("Signal: %v", err)
	}
	f := nextFrame(t, bob, protocol.TypeCallOffer)
	if f.FromUserID != "alice" || f.AudioOnly == nil || !*f.AudioOnly {
		t.Fatalf("relayed offer=%+v", f)
	}

	if err := alice.Signal(ctx, protocol.SignalFrame{Type: protocol.TypeMessage}); err == nil {
		t.Fatalf("Signal accepted a chat frame")
	}
}

// fakeHub accepts auth on every connection and hands the socket to serve.
func fakeHub(t *testing.T, serve func(n int, ws *websocket.Conn)) (string, *atomic.Int32) {
	t.Helper()
	var conns atomic.Int32
	upgrader := websocket.Upgrader{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		var auth protocol.ClientFrame
		if err := ws.ReadJSON(&auth); err != nil || auth.Type != protocol.TypeAuth {
			return
		}
		serve(int(conns.Add(1)), ws)
	}))
	t.Cleanup(ts.Close)
	return wsURL(ts), &conns
}

func TestClient_ReconnectsAfterDrop(t *testing.T) {
	hold := make(chan struct{})
	url, conns := fakeHub(t, func(n int, ws *websocket.Conn) {
		_ = ws.WriteJSON(protocol.AuthOKFrame{Type: protocol.TypeAuthOK, UserID: "alice"})
		if n == 1 {
			return
		}
		_ = ws.WriteJSON(protocol.PongFrame{Type: protocol.TypePong})
		<-hold
	})
	t.Cleanup(func() { close(hold) })

	c := dialClient(t, Config{URL: url, UserID: "alice", Reconnect: true, InitialBackoff: 10 * time.Millisecond})
	nextFrame(t, c, protocol.TypePong)
	if got := conns.Load(); got != 2 {
		t.Fatalf("connections=%d, want 2", got)
	}
	if !c.Connected() {
		t.Fatalf("client not connected after reconnect")
	}
}

func TestClient_NoReconnectByDefault(t *testing.T) {
	url, _ := fakeHub(t, func(_ int, ws *websocket.Conn) {
		_ = ws.WriteJSON(protocol.AuthOKFrame{Type: protocol.TypeAuthOK, UserID: "alice"})
	})
	c := dialClient(t, Config{URL: url, UserID: "alice"})

	select {
	case _, ok := <-c.Frames():
		if ok {
			t.Fatalf("unexpected frame")
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("frames not closed after drop")
	}
	if err := c.SendMessage(context.Background(), "bob", "hi", store.KindText); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("SendMessage err=%v, want ErrNotConnected", err)
	}
}

func TestClient_AuthRejected(t *testing.T) {
	url, _ := fakeHub(t, func(_ int, ws *websocket.Conn) {
		_ = ws.WriteJSON(protocol.NewError(protocol.CodeUnauthorized, "invalid token"))
	})

	_, err := Dial(context.Background(), Config{URL: url, UserID: "alice", Logger: quietLogger()})
	var authErr *AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("Dial err=%v, want *AuthError", err)
	}
	if authErr.Code != protocol.CodeUnauthorized || authErr.Message != "invalid token" {
		t.Fatalf("auth error=%+v", authErr)
	}
}

func TestClient_ReplacedStopsReconnecting(t *testing.T) {
	url := startHub(t)
	first := dialClient(t, Config{URL: url, UserID: "alice", Reconnect: true, InitialBackoff: 10 * time.Millisecond})
	dialClient(t, Config{URL: url, UserID: "alice"})

	f := nextFrame(t, first, protocol.TypeError)
	if f.Code != protocol.CodeReplaced {
		t.Fatalf("error code=%q, want %q", f.Code, protocol.CodeReplaced)
	}
	select {
	case _, ok := <-first.Frames():
		if ok {
			t.Fatalf("unexpected frame after replacement")
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("replaced client kept running")
	}
}

func TestBackoff(t *testing.T) {
	b := newBackoff(DefaultInitialBackoff, DefaultMaxBackoff)
	want := []time.Duration{
		500 * time.Millisecond, time.Second, 2 * time.Second, 4 * time.Second,
		8 * time.Second, 16 * time.Second, 30 * time.Second, 30 * time.Second,
	}
	for i, w := range want {
		if got := b.next(); got != w {
			t.Fatalf("step %d: backoff=%s, want %s", i, got, w)
		}
	}
	b.reset()
	if got := b.next(); got != DefaultInitialBackoff {
		t.Fatalf("after reset backoff=%s, want %s", got, DefaultInitialBackoff)
	}
}

func newVNetAPIs(t *testing.T, ips ...string) []*webrtc.API {
	t.Helper()
	router, err := vnet.NewRouter(&vnet.RouterConfig{
		CIDR:          "10.0.0.0/24",
		LoggerFactory: logging.NewDefaultLoggerFactory(),
	})
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	t.Cleanup(func() { _ = router.Stop() })

	var apis []*webrtc.API
	for _, ip := range ips {
		n, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{ip}})
		if err != nil {
			t.Fatalf("new net: %v", err)
		}
		if err := router.AddNet(n); err != nil {
			t.Fatalf("add net: %v", err)
		}
		api, err := webrtcpeer.NewAPI(config.WebRTCNetwork{}, webrtcpeer.Options{
			Net:           n,
			LoggerFactory: call.NewSlogLoggerFactory(quietLogger()),
		})
		if err != nil {
			t.Fatalf("new api: %v", err)
		}
		apis = append(apis, api)
	}
	if err := router.Start(); err != nil {
		t.Fatalf("start router: %v", err)
	}
	return apis
}

// pumpSignals feeds relayed signaling frames from c into the call.
func pumpSignals(c *Client, cl *call.Call) {
	go func() {
		for f := range c.Frames() {
			if f.Type.IsSignal() {
				_ = cl.Dispatch(context.Background(), f.SignalFrame())
			}
		}
	}()
}

func waitForState(t *testing.T, cl *call.Call, want call.State) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if cl.State() == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("call state=%s, want %s", cl.State(), want)
}

func TestClient_DrivesCallThroughHub(t *testing.T) {
	url := startHub(t)
	apis := newVNetAPIs(t, "10.0.0.1", "10.0.0.2")
	alice := dialClient(t, Config{URL: url, UserID: "alice"})
	bob := dialClient(t, Config{URL: url, UserID: "bob"})

	newCall := func(api *webrtc.API, sig *Client, peer string) *call.Call {
		cl, err := call.New(call.Config{
			API:      api,
			Media:    call.SyntheticSource{},
			Signaler: sig,
			Logger:   quietLogger(),
			PeerID:   peer,
		})
		if err != nil {
			t.Fatalf("call.New: %v", err)
		}
		t.Cleanup(func() { _ = cl.End(context.Background()) })
		return cl
	}
	caller := newCall(apis[0], alice, "bob")
	callee := newCall(apis[1], bob, "")
	pumpSignals(alice, caller)
	pumpSignals(bob, callee)

	if err := caller.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitForState(t, caller, call.Connected)
	waitForState(t, callee, call.Connected)

	if err := callee.End(context.Background()); err != nil {
		t.Fatalf("End: %v", err)
	}
	waitForState(t, caller, call.Ended)
}

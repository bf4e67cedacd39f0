// Package client is a Go endpoint for the hub's /ws transport. It
// authenticates, sends chat and signaling frames, hands every server frame to
// the caller, and reconnects with exponential backoff while asked to stay
// online.
//
// A Client satisfies call.Signaler, so a call.Call can negotiate over it.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/chat-signal-hub/internal/protocol"
	"github.com/wilsonzlin/aero/proxy/chat-signal-hub/internal/store"
)

const (
	DefaultInitialBackoff   = 500 * time.Millisecond
	DefaultMaxBackoff       = 30 * time.Second
	DefaultHandshakeTimeout = 10 * time.Second

	writeTimeout = 5 * time.Second
)

var ErrNotConnected = errors.New("client: not connected")

// AuthError is the hub refusing the auth handshake.
type AuthError struct {
	Code    string
	Message string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("client: auth rejected: %s: %s", e.Code, e.Message)
}

type Config struct {
	// URL is the hub's WebSocket endpoint, e.g. ws://localhost:8080/ws.
	URL      string
	UserID   string
	Username string
	// Token is sent as a bearer header and in the auth frame. Leave empty
	// when the hub runs with AUTH_MODE=none.
	Token string

	// Reconnect keeps the client online across dropped connections until
	// Close. Rejected credentials and being replaced by a newer connection
	// for the same user stop it regardless.
	Reconnect      bool
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	HandshakeTimeout time.Duration
	// FrameBuffer sizes the Frames channel.
	FrameBuffer int

	Logger *slog.Logger
}

type Client struct {
	cfg    Config
	log    *slog.Logger
	frames chan protocol.ServerFrame

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu sync.Mutex
	ws *websocket.Conn

	writeMu sync.Mutex
}

// Dial connects and authenticates. The first attempt is not retried: an
// unreachable hub or rejected credentials are returned to the caller.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.URL == "" || cfg.UserID == "" {
		return nil, errors.New("client: url and user id are required")
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = DefaultInitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = DefaultMaxBackoff
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.FrameBuffer <= 0 {
		cfg.FrameBuffer = 64
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	c := &Client{
		cfg:    cfg,
		log:    cfg.Logger.With("user_id", cfg.UserID),
		frames: make(chan protocol.ServerFrame, cfg.FrameBuffer),
		done:   make(chan struct{}),
	}
	ws, err := c.connect(ctx)
	if err != nil {
		return nil, err
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.setConn(ws)
	go c.run(ws)
	return c, nil
}

// Frames delivers every frame the hub sends after auth_ok. It is closed
// once the client stops for good.
func (c *Client) Frames() <-chan protocol.ServerFrame { return c.frames }

func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws != nil
}

// SendMessage sends a chat message in the sender/recipient chat. The hub
// answers with message_sent on Frames.
func (c *Client) SendMessage(ctx context.Context, recipientID, content string, kind store.MessageKind) error {
	if kind == "" {
		kind = store.KindText
	}
	return c.send(ctx, protocol.ClientFrame{
		Type:        protocol.TypeMessage,
		ChatID:      store.ChatID(c.cfg.UserID, recipientID),
		RecipientID: recipientID,
		Content:     &content,
		MessageType: string(kind),
	})
}

// Signal sends a call-negotiation frame to frame.TargetUserID.
func (c *Client) Signal(ctx context.Context, frame protocol.SignalFrame) error {
	if !frame.Type.IsSignal() {
		return fmt.Errorf("client: %q is not a signaling frame", frame.Type)
	}
	frame.FromUserID = ""
	return c.send(ctx, frame)
}

// Close stops reconnecting and closes the connection. Frames is closed once
// the read loop has exited.
func (c *Client) Close() error {
	c.cancel()
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws != nil {
		c.writeMu.Lock()
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		_ = ws.Close()
	}
	<-c.done
	return nil
}

func (c *Client) send(ctx context.Context, v any) error {
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		return ErrNotConnected
	}

	deadline := time.Now().Add(writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = ws.SetWriteDeadline(deadline)
	if err := ws.WriteJSON(v); err != nil {
		return fmt.Errorf("client: write: %w", err)
	}
	return nil
}

func (c *Client) setConn(ws *websocket.Conn) {
	c.mu.Lock()
	c.ws = ws
	c.mu.Unlock()
}

func (c *Client) connect(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.HandshakeTimeout}
	header := http.Header{}
	if c.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	ws, resp, err := dialer.DialContext(ctx, c.cfg.URL, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("client: dial %s: %w", c.cfg.URL, err)
	}

	if err := c.authenticate(ws); err != nil {
		_ = ws.Close()
		return nil, err
	}
	return ws, nil
}

func (c *Client) authenticate(ws *websocket.Conn) error {
	deadline := time.Now().Add(c.cfg.HandshakeTimeout)
	_ = ws.SetWriteDeadline(deadline)
	if err := ws.WriteJSON(protocol.ClientFrame{
		Type:     protocol.TypeAuth,
		UserID:   c.cfg.UserID,
		Username: c.cfg.Username,
		Token:    c.cfg.Token,
	}); err != nil {
		return fmt.Errorf("client: send auth: %w", err)
	}

	_ = ws.SetReadDeadline(deadline)
	defer func() { _ = ws.SetReadDeadline(time.Time{}) }()
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return fmt.Errorf("client: await auth_ok: %w", err)
		}
		f, err := protocol.ParseServerFrame(data)
		if err != nil {
			continue
		}
		switch f.Type {
		case protocol.TypeAuthOK:
			return nil
		case protocol.TypeError:
			return &AuthError{Code: f.Code, Message: f.ErrorText()}
		}
	}
}

// run reads frames until the connection drops, then reconnects with backoff
// unless the client is closing or the drop was final.
func (c *Client) run(ws *websocket.Conn) {
	defer close(c.done)
	defer close(c.frames)

	b := newBackoff(c.cfg.InitialBackoff, c.cfg.MaxBackoff)
	for {
		final := c.readLoop(ws)
		c.setConn(nil)
		_ = ws.Close()
		if final || !c.cfg.Reconnect || c.ctx.Err() != nil {
			return
		}

		ws = nil
		for ws == nil {
			delay := b.next()
			c.log.Info("hub connection lost; reconnecting", "backoff", delay)
			select {
			case <-c.ctx.Done():
				return
			case <-time.After(delay):
			}

			next, err := c.connect(c.ctx)
			var authErr *AuthError
			if errors.As(err, &authErr) {
				c.log.Error("hub rejected credentials; giving up", "code", authErr.Code, "err", err)
				return
			}
			if err != nil {
				c.log.Warn("reconnect failed", "err", err)
				continue
			}
			ws = next
		}
		b.reset()
		c.setConn(ws)
		if c.ctx.Err() != nil {
			// Close ran while we were dialing and saw no connection to close.
			_ = ws.Close()
			return
		}
		c.log.Info("reconnected to hub")
	}
}

// readLoop forwards frames to Frames. It reports whether the connection
// ended in a way that must not be retried.
func (c *Client) readLoop(ws *websocket.Conn) (final bool) {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if c.ctx.Err() == nil {
				c.log.Debug("hub read failed", "err", err)
			}
			return false
		}
		f, err := protocol.ParseServerFrame(data)
		if err != nil {
			c.log.Debug("dropping unparseable frame", "err", err)
			continue
		}

		select {
		case c.frames <- f:
		case <-c.ctx.Done():
			return true
		}

		if f.Type == protocol.TypeError && f.Code == protocol.CodeReplaced {
			c.log.Warn("signed in elsewhere; not reconnecting")
			return true
		}
	}
}

package main

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/chat-signal-hub/internal/call"
	"github.com/wilsonzlin/aero/proxy/chat-signal-hub/internal/client"
	"github.com/wilsonzlin/aero/proxy/chat-signal-hub/internal/protocol"
)

var errBusy = errors.New("already in a call")

type endpointConfig struct {
	Client         *client.Client
	API            *webrtc.API
	PeerConnection webrtc.Configuration
	Logger         *slog.Logger
	// HangupAfter ends a call this long after it connects. Zero keeps calls
	// up until the peer hangs up.
	HangupAfter time.Duration
}

// endpoint owns at most one call at a time and routes the hub's signaling
// frames into it.
type endpoint struct {
	cfg endpointConfig
	log *slog.Logger

	mu     sync.Mutex
	active *call.Call
}

func newEndpoint(cfg endpointConfig) *endpoint {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &endpoint{cfg: cfg, log: cfg.Logger}
}

func (e *endpoint) newCall(peerID string, audioOnly bool) (*call.Call, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active != nil {
		return nil, errBusy
	}
	c, err := call.New(call.Config{
		API:            e.cfg.API,
		PeerConnection: e.cfg.PeerConnection,
		Media:          call.SyntheticSource{},
		Signaler:       e.cfg.Client,
		Logger:         e.log,
		PeerID:         peerID,
		AudioOnly:      audioOnly,
	})
	if err != nil {
		return nil, err
	}
	c.OnStateChange(func(from, to call.State) {
		e.log.Info("call state", "peer", c.PeerID(), "from", from.String(), "to", to.String())
		switch to {
		case call.Connected:
			if e.cfg.HangupAfter > 0 {
				time.AfterFunc(e.cfg.HangupAfter, func() { _ = c.End(context.Background()) })
			}
		case call.Idle, call.Ended:
			e.release(c)
		}
	})
	e.active = c
	return c, nil
}

func (e *endpoint) release(c *call.Call) {
	e.mu.Lock()
	if e.active == c {
		e.active = nil
	}
	e.mu.Unlock()
}

func (e *endpoint) current() *call.Call {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active
}

// Call places an outgoing call to peerID.
func (e *endpoint) Call(ctx context.Context, peerID string, audioOnly bool) error {
	c, err := e.newCall(peerID, audioOnly)
	if err != nil {
		return err
	}
	if err := c.Start(ctx); err != nil {
		e.release(c)
		return err
	}
	return nil
}

// Serve handles hub frames until ctx is done or the client stops for good.
func (e *endpoint) Serve(ctx context.Context) error {
	frames := e.cfg.Client.Frames()
	for {
		select {
		case <-ctx.Done():
			return nil
		case f, ok := <-frames:
			if !ok {
				return errors.New("hub connection closed")
			}
			e.handle(ctx, f)
		}
	}
}

func (e *endpoint) handle(ctx context.Context, f protocol.ServerFrame) {
	switch {
	case f.Type == protocol.TypeMessage:
		msg, err := f.ChatMessage()
		if err != nil {
			e.log.Debug("dropping malformed chat frame", "err", err)
			return
		}
		e.log.Info("message", "chat_id", msg.ChatID, "from", msg.SenderID, "type", string(msg.Kind), "content", msg.Content)
	case f.Type == protocol.TypeError:
		e.log.Warn("hub error", "code", f.Code, "message", f.ErrorText())
	case f.Type == protocol.TypeCallOffer:
		c, err := e.newCall("", false)
		if errors.Is(err, errBusy) {
			e.log.Info("ignoring call offer while busy", "from", f.FromUserID)
			return
		}
		if err != nil {
			e.log.Error("create call", "err", err)
			return
		}
		if err := c.Dispatch(ctx, f.SignalFrame()); err != nil {
			e.log.Warn("answer call", "from", f.FromUserID, "err", err)
		}
		if c.State() == call.Idle {
			e.release(c)
		}
	case f.Type.IsSignal():
		c := e.current()
		if c == nil {
			return
		}
		if err := c.Dispatch(ctx, f.SignalFrame()); err != nil {
			e.log.Warn("signaling", "type", string(f.Type), "from", f.FromUserID, "err", err)
		}
	}
}

func (e *endpoint) endActive() {
	if c := e.current(); c != nil {
		_ = c.End(context.Background())
	}
}

package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/chat-signal-hub/internal/auth"
	"github.com/wilsonzlin/aero/proxy/chat-signal-hub/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/chat-signal-hub/internal/protocol"
	"github.com/wilsonzlin/aero/proxy/chat-signal-hub/internal/ratelimit"
	"github.com/wilsonzlin/aero/proxy/chat-signal-hub/internal/store"
)

// session is the read loop for one connection. Frames are handled in arrival
// order on this goroutine.
type session struct {
	srv     *Server
	conn    *conn
	req     *http.Request
	limiter *ratelimit.TokenBucket
	logger  *slog.Logger

	// Set when the request itself carried a verified credential.
	preVerified bool
	preIdentity auth.Identity

	userID   string
	username string

	keepaliveStop chan struct{}
}

func (s *session) authed() bool { return s.userID != "" }

func (s *session) run() {
	ctx, cancel := context.WithCancel(s.req.Context())
	defer cancel()
	defer s.teardown()

	s.conn.ws.SetReadLimit(s.srv.cfg.MaxMessageBytes)
	_ = s.conn.ws.SetReadDeadline(time.Now().Add(s.srv.cfg.AuthTimeout))

	if !s.checkRequestCredential() {
		return
	}

	for {
		msgType, data, err := s.conn.ws.ReadMessage()
		if err != nil {
			s.handleReadError(err)
			return
		}
		// Apply the rate limit after reading so bytes already buffered are
		// consumed and the client reliably sees the close frame.
		if !s.limiter.Allow(1) {
			s.srv.metrics.Inc(metrics.FrameRateLimited)
			s.fail(protocol.CodeRateLimited, "rate limit exceeded", websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}
		if s.authed() {
			s.extendIdleDeadline()
		}
		if msgType != websocket.TextMessage {
			s.reject(protocol.CodeBadMessage, "expected text message")
			continue
		}
		frame, err := protocol.ParseClientFrame(data)
		if err != nil {
			s.reject(protocol.CodeBadMessage, err.Error())
			continue
		}
		if !s.handleFrame(ctx, frame) {
			return
		}
	}
}

// handleFrame dispatches one parsed frame. It returns false when the
// connection must be dropped.
func (s *session) handleFrame(ctx context.Context, f protocol.ClientFrame) bool {
	if !s.authed() && f.Type != protocol.TypeAuth && f.Type != protocol.TypePing {
		s.srv.metrics.Inc(metrics.FrameUnauthenticated)
		_ = s.conn.Send(protocol.NewError(protocol.CodeUnauthenticated, "authenticate before sending "+string(f.Type)))
		return true
	}

	switch f.Type {
	case protocol.TypePing:
		_ = s.conn.Send(protocol.PongFrame{Type: protocol.TypePong})
	case protocol.TypeAuth:
		if s.authed() {
			_ = s.conn.Send(protocol.NewError(protocol.CodeAlreadyAuthenticated, "connection is already authenticated"))
			return true
		}
		return s.handleAuth(ctx, f)
	case protocol.TypeMessage:
		s.handleMessage(ctx, f)
	case protocol.TypeCallOffer, protocol.TypeCallAnswer, protocol.TypeICECandidate, protocol.TypeCallEnd:
		s.srv.relay.Relay(f.Type, s.userID, f.TargetUserID, f.Signal())
	default:
		s.reject(protocol.CodeBadMessage, fmt.Sprintf("unexpected frame type %q", f.Type))
	}
	return true
}

// checkRequestCredential verifies a credential carried by the upgrade request
// itself. A missing one is fine: the auth frame may still carry it.
func (s *session) checkRequestCredential() bool {
	if s.srv.cfg.Verifier == nil {
		return true
	}
	cred, err := auth.CredentialFromRequest(s.srv.cfg.AuthMode, s.req)
	if errors.Is(err, auth.ErrMissingCredentials) || (err == nil && cred == "") {
		return true
	}
	if err == nil {
		var id auth.Identity
		id, err = s.srv.cfg.Verifier.Verify(cred)
		if err == nil {
			s.preVerified = true
			s.preIdentity = id
			return true
		}
	}
	s.srv.metrics.Inc(metrics.AuthFailure)
	s.fail(protocol.CodeUnauthorized, unauthorizedMessage(err), websocket.ClosePolicyViolation, "unauthorized")
	return false
}

func (s *session) handleAuth(ctx context.Context, f protocol.ClientFrame) bool {
	userID := f.UserID
	username := f.Username

	if s.srv.cfg.Verifier != nil {
		id := s.preIdentity
		if f.Token != "" {
			var err error
			id, err = s.srv.cfg.Verifier.Verify(f.Token)
			if err != nil {
				s.srv.metrics.Inc(metrics.AuthFailure)
				s.fail(protocol.CodeUnauthorized, unauthorizedMessage(err), websocket.ClosePolicyViolation, "unauthorized")
				return false
			}
		} else if !s.preVerified {
			s.srv.metrics.Inc(metrics.AuthFailure)
			s.fail(protocol.CodeUnauthorized, "authentication required", websocket.ClosePolicyViolation, "authentication required")
			return false
		}
		if id.Bound() {
			// The verified identity is the registry key; the frame may only
			// repeat it.
			if userID != "" && userID != id.UserID {
				s.srv.metrics.Inc(metrics.AuthIdentityMismatch)
				s.logger.Warn("hub: auth identity mismatch", "claimed_user_id", userID, "token_user_id", id.UserID)
				s.fail(protocol.CodeIdentityMismatch, "userId does not match credential", websocket.ClosePolicyViolation, "identity mismatch")
				return false
			}
			userID = id.UserID
			if id.Username != "" {
				username = id.Username
			}
		}
	}

	if userID == "" {
		s.reject(protocol.CodeBadMessage, "auth frame missing userId")
		return true
	}

	s.userID = userID
	s.username = username
	s.logger = s.logger.With("user_id", userID)

	// The evicted connection stays open but is no longer addressable; its
	// eventual disconnect is ignored by Unregister.
	if evicted := s.srv.registry.Register(ctx, userID, s.conn); evicted != nil {
		_ = evicted.Send(protocol.NewError(protocol.CodeReplaced, "signed in from another connection"))
	}
	if err := s.conn.Send(protocol.AuthOKFrame{Type: protocol.TypeAuthOK, UserID: userID}); err != nil {
		return false
	}
	s.logger.Info("hub: connection authenticated", "username", username)
	s.startKeepalive(ctx)
	return true
}

func (s *session) handleMessage(ctx context.Context, f protocol.ClientFrame) {
	kind, err := store.ParseMessageKind(f.MessageType)
	if err != nil {
		s.reject(protocol.CodeBadMessage, err.Error())
		return
	}
	_, err = s.srv.router.Deliver(ctx, s.userID, f.ChatID, f.RecipientID, f.Text(), kind)
	switch {
	case err == nil:
	case errors.Is(err, ErrInvalidChat):
		_ = s.conn.Send(protocol.NewError(protocol.CodeInvalidChat, "chatId does not match recipient"))
	default:
		s.logger.Error("hub: message delivery failed", "chat_id", f.ChatID, "err", err)
		_ = s.conn.Send(protocol.NewError(protocol.CodeStoreError, "message could not be saved"))
	}
}

func (s *session) handleReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		// gorilla has already sent a 1009 close.
		s.srv.metrics.Inc(metrics.FrameOversized)
	case isTimeout(err) && !s.authed():
		s.srv.metrics.Inc(metrics.AuthFailure)
		s.conn.closeWith(websocket.ClosePolicyViolation, "authentication timeout")
	case isTimeout(err):
		s.logger.Debug("hub: idle timeout")
		s.conn.closeWith(websocket.CloseNormalClosure, "idle timeout")
	}
}

func (s *session) startKeepalive(ctx context.Context) {
	s.extendIdleDeadline()
	s.conn.ws.SetPongHandler(func(string) error {
		s.extendIdleDeadline()
		s.srv.registry.Touch(ctx, s.userID)
		return nil
	})

	s.keepaliveStop = make(chan struct{})
	stop := s.keepaliveStop
	interval := s.srv.cfg.PingInterval
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case <-t.C:
				if err := s.conn.ping(); err != nil {
					return
				}
			}
		}
	}()
}

func (s *session) extendIdleDeadline() {
	_ = s.conn.ws.SetReadDeadline(time.Now().Add(s.srv.cfg.IdleTimeout))
}

func (s *session) teardown() {
	if s.keepaliveStop != nil {
		close(s.keepaliveStop)
	}
	if s.authed() {
		s.srv.registry.Unregister(context.Background(), s.userID, s.conn)
		s.logger.Info("hub: connection closed")
	}
	s.conn.Close()
}

// reject answers a frame the hub will not act on. The connection stays open.
func (s *session) reject(code, message string) {
	s.srv.metrics.Inc(metrics.FrameBad)
	_ = s.conn.Send(protocol.NewError(code, message))
}

func (s *session) fail(code, message string, closeCode int, closeReason string) {
	_ = s.conn.Send(protocol.NewError(code, message))
	s.conn.closeWith(closeCode, closeReason)
}

func unauthorizedMessage(err error) string {
	switch {
	case errors.Is(err, auth.ErrMissingCredentials):
		return "missing credentials"
	case errors.Is(err, auth.ErrUnsupportedJWT):
		return "unsupported token"
	default:
		return "invalid credentials"
	}
}

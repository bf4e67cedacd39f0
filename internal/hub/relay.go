package hub

import (
	"log/slog"

	"github.com/wilsonzlin/aero/proxy/chat-signal-hub/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/chat-signal-hub/internal/presence"
	"github.com/wilsonzlin/aero/proxy/chat-signal-hub/internal/protocol"
)

// Relay forwards call-negotiation frames between connected users.
type Relay struct {
	registry *presence.Registry
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

func NewRelay(reg *presence.Registry, m *metrics.Metrics, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{registry: reg, metrics: m, logger: logger}
}

// Relay forwards payload to target as a frame of the same kind, stamped with
// fromUserId. An offline target, or a failed write, drops the frame without
// telling the sender. It reports whether the frame was written.
func (r *Relay) Relay(kind protocol.FrameType, fromUserID, targetUserID string, payload protocol.Signal) bool {
	if !kind.IsSignal() {
		return false
	}
	conn, ok := r.registry.Lookup(targetUserID)
	if !ok {
		r.metrics.Inc(metrics.SignalDroppedOffline)
		r.logger.Debug("hub: signal target offline",
			"frame", string(kind), "from_user_id", fromUserID, "target_user_id", targetUserID)
		return false
	}
	frame := protocol.SignalFrame{
		Type:         kind,
		FromUserID:   fromUserID,
		TargetUserID: targetUserID,
		Offer:        payload.Offer,
		AudioOnly:    payload.AudioOnly,
		Answer:       payload.Answer,
		Candidate:    payload.Candidate,
	}
	if err := conn.Send(frame); err != nil {
		r.metrics.Inc(metrics.SignalPushFailed)
		r.logger.Debug("hub: signal push failed",
			"frame", string(kind), "target_user_id", targetUserID, "conn_id", conn.ID(), "err", err)
		return false
	}
	r.metrics.Inc(metrics.SignalRelayed)
	return true
}

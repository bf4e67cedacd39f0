package hub

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/wilsonzlin/aero/proxy/chat-signal-hub/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/chat-signal-hub/internal/presence"
	"github.com/wilsonzlin/aero/proxy/chat-signal-hub/internal/protocol"
)

func TestRelay_ForwardsOfferWithSender(t *testing.T) {
	ctx := context.Background()
	m := metrics.New()
	reg := presence.NewRegistry(presence.Config{Logger: quietLogger()})
	b := &recordingConn{id: "b"}
	reg.Register(ctx, "B", b)

	relay := NewRelay(reg, m, quietLogger())
	audioOnly := true
	offer := json.RawMessage(`{"type":"offer","sdp":"v=0"}`)
	if !relay.Relay(protocol.TypeCallOffer, "A", "B", protocol.Signal{Offer: offer, AudioOnly: &audioOnly}) {
		t.Fatalf("Relay returned false for an online target")
	}

	frames := b.got()
	if len(frames) != 1 {
		t.Fatalf("frames=%+v", frames)
	}
	f := frames[0]
	if f.Type != protocol.TypeCallOffer || f.FromUserID != "A" || f.AudioOnly == nil || !*f.AudioOnly {
		t.Fatalf("frame=%+v", f)
	}
	if string(f.Offer) != string(offer) {
		t.Fatalf("offer=%s, want payload verbatim %s", f.Offer, offer)
	}
	if m.Get(metrics.SignalRelayed) != 1 {
		t.Fatalf("relayed=%d", m.Get(metrics.SignalRelayed))
	}
}

func TestRelay_OfflineTargetDropsSilently(t *testing.T) {
	m := metrics.New()
	reg := presence.NewRegistry(presence.Config{Logger: quietLogger()})
	relay := NewRelay(reg, m, quietLogger())

	if relay.Relay(protocol.TypeCallEnd, "A", "B", protocol.Signal{}) {
		t.Fatalf("Relay returned true for an offline target")
	}
	if m.Get(metrics.SignalDroppedOffline) != 1 {
		t.Fatalf("dropped=%d", m.Get(metrics.SignalDroppedOffline))
	}
}

func TestRelay_IgnoresNonSignalKinds(t *testing.T) {
	ctx := context.Background()
	reg := presence.NewRegistry(presence.Config{Logger: quietLogger()})
	b := &recordingConn{id: "b"}
	reg.Register(ctx, "B", b)

	relay := NewRelay(reg, nil, quietLogger())
	if relay.Relay(protocol.TypeMessage, "A", "B", protocol.Signal{}) {
		t.Fatalf("Relay forwarded a chat frame")
	}
	if len(b.got()) != 0 {
		t.Fatalf("frames=%+v", b.got())
	}
}

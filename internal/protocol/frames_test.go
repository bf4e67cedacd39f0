package protocol

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/pion/webrtc/v4"
)

func TestParseClientFrame_Accepts(t *testing.T) {
	cases := []string{
		`{"type":"auth","userId":"u1","username":"alice"}`,
		`{"type":"auth","token":"jwt"}`,
		`{"type":"message","chatId":"u1:u2","recipientId":"u2","content":"hi"}`,
		`{"type":"message","chatId":"u1:u2","recipientId":"u2","content":"x.png","messageType":"image"}`,
		`{"type":"call_offer","targetUserId":"u2","offer":{"type":"offer","sdp":"v=0"},"audioOnly":true}`,
		`{"type":"call_answer","targetUserId":"u1","answer":{"type":"answer","sdp":"v=0"}}`,
		`{"type":"ice_candidate","targetUserId":"u1","candidate":{"candidate":"candidate:1 1 udp 1 127.0.0.1 9 typ host","sdpMid":"0","sdpMLineIndex":0}}`,
		`{"type":"call_end","targetUserId":"u2"}`,
		`{"type":"ping"}`,
	}
	for _, raw := range cases {
		if _, err := ParseClientFrame([]byte(raw)); err != nil {
			t.Fatalf("ParseClientFrame(%s): %v", raw, err)
		}
	}
}

func TestParseClientFrame_Rejects(t *testing.T) {
	cases := map[string]string{
		"not json":             `{"type":`,
		"missing type":         `{"userId":"u1"}`,
		"unknown type":         `{"type":"teleport"}`,
		"unknown field":        `{"type":"ping","extra":1}`,
		"trailing data":        `{"type":"ping"}{"type":"ping"}`,
		"auth no identity":     `{"type":"auth","username":"alice"}`,
		"message no content":   `{"type":"message","chatId":"a:b","recipientId":"b"}`,
		"message null content": `{"type":"message","chatId":"a:b","recipientId":"b","content":null}`,
		"message bad kind":     `{"type":"message","chatId":"a:b","recipientId":"b","content":"x","messageType":"video"}`,
		"offer no target":      `{"type":"call_offer","offer":{"type":"offer","sdp":"v=0"}}`,
		"offer null":           `{"type":"call_offer","targetUserId":"u2","offer":null}`,
		"answer with offer":    `{"type":"call_answer","targetUserId":"u1","answer":{},"offer":{}}`,
		"end with content":     `{"type":"call_end","targetUserId":"u2","content":"bye"}`,
		"server-only type":     `{"type":"message_sent"}`,
		"candidate no target":  `{"type":"ice_candidate","candidate":{}}`,
	}
	for name, raw := range cases {
		if _, err := ParseClientFrame([]byte(raw)); err == nil {
			t.Fatalf("%s: expected error for %s", name, raw)
		}
	}
}

func TestParseClientFrame_EmptyContent(t *testing.T) {
	f, err := ParseClientFrame([]byte(`{"type":"message","chatId":"a:b","recipientId":"b","content":""}`))
	if err != nil {
		t.Fatalf("ParseClientFrame: %v", err)
	}
	if f.Content == nil || f.Text() != "" {
		t.Fatalf("content=%v text=%q", f.Content, f.Text())
	}
}

func TestIsSignal(t *testing.T) {
	for _, ft := range []FrameType{TypeCallOffer, TypeCallAnswer, TypeICECandidate, TypeCallEnd} {
		if !ft.IsSignal() {
			t.Fatalf("%s.IsSignal() = false", ft)
		}
	}
	for _, ft := range []FrameType{TypeAuth, TypeMessage, TypePing, TypeError} {
		if ft.IsSignal() {
			t.Fatalf("%s.IsSignal() = true", ft)
		}
	}
}

func TestServerFrame_ErrorAndChatMessageShareField(t *testing.T) {
	errBytes, _ := json.Marshal(NewError(CodeBadMessage, "nope"))
	f, err := ParseServerFrame(errBytes)
	if err != nil {
		t.Fatalf("ParseServerFrame: %v", err)
	}
	if f.Code != CodeBadMessage || f.ErrorText() != "nope" {
		t.Fatalf("error frame=%+v text=%q", f, f.ErrorText())
	}

	raw := []byte(`{"type":"message","message":{"id":"m1","chatId":"a:b","senderId":"a","content":"hi","messageType":"text","createdAt":"2024-05-01T12:00:00Z","isRead":false}}`)
	f, err = ParseServerFrame(raw)
	if err != nil {
		t.Fatalf("ParseServerFrame: %v", err)
	}
	m, err := f.ChatMessage()
	if err != nil {
		t.Fatalf("ChatMessage: %v", err)
	}
	if m.ID != "m1" || m.Content != "hi" || m.SenderID != "a" {
		t.Fatalf("message=%+v", m)
	}
	if _, err := (ServerFrame{Type: TypePong}).ChatMessage(); err == nil {
		t.Fatalf("ChatMessage on pong: expected error")
	}
}

func TestOfferFrameRoundTripsThroughClientParser(t *testing.T) {
	frame := OfferFrame("u2", webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0\r\n"}, true)
	b, err := json.Marshal(frame)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	got, err := ParseClientFrame(b)
	if err != nil {
		t.Fatalf("ParseClientFrame: %v", err)
	}
	if got.Type != TypeCallOffer || got.TargetUserID != "u2" || got.AudioOnly == nil || !*got.AudioOnly {
		t.Fatalf("frame=%+v", got)
	}
	desc, err := DecodeSessionDescription(got.Offer, webrtc.SDPTypeOffer)
	if err != nil {
		t.Fatalf("DecodeSessionDescription: %v", err)
	}
	if desc.SDP != "v=0\r\n" {
		t.Fatalf("sdp=%q", desc.SDP)
	}
	if _, err := DecodeSessionDescription(got.Offer, webrtc.SDPTypeAnswer); err == nil {
		t.Fatalf("expected type mismatch error")
	}
}

func TestDecodeCandidate(t *testing.T) {
	init, err := DecodeCandidate(json.RawMessage(`{"candidate":"candidate:1 1 udp 1 10.0.0.1 9 typ host","sdpMid":"0","sdpMLineIndex":0}`))
	if err != nil {
		t.Fatalf("DecodeCandidate: %v", err)
	}
	if !strings.HasPrefix(init.Candidate, "candidate:1") || init.SDPMid == nil || *init.SDPMid != "0" {
		t.Fatalf("init=%+v", init)
	}
}

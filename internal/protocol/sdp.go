package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"
)

var (
	errInvalidSDPType = errors.New("protocol: invalid session description type")
	errMissingSDP     = errors.New("protocol: missing session description sdp")
)

// SessionDescription is the JSON shape of an offer/answer inside a signaling
// frame, matching what browsers produce from RTCSessionDescription.toJSON().
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

func SessionDescriptionFromPion(desc webrtc.SessionDescription) SessionDescription {
	return SessionDescription{Type: desc.Type.String(), SDP: desc.SDP}
}

func (s SessionDescription) ToPion() (webrtc.SessionDescription, error) {
	var t webrtc.SDPType
	switch s.Type {
	case "offer":
		t = webrtc.SDPTypeOffer
	case "answer":
		t = webrtc.SDPTypeAnswer
	default:
		return webrtc.SessionDescription{}, fmt.Errorf("%w: %q", errInvalidSDPType, s.Type)
	}
	if s.SDP == "" {
		return webrtc.SessionDescription{}, errMissingSDP
	}
	return webrtc.SessionDescription{Type: t, SDP: s.SDP}, nil
}

// DecodeSessionDescription decodes raw and checks it has the wanted type.
func DecodeSessionDescription(raw json.RawMessage, want webrtc.SDPType) (webrtc.SessionDescription, error) {
	var s SessionDescription
	if err := json.Unmarshal(raw, &s); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("decode session description: %w", err)
	}
	desc, err := s.ToPion()
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if desc.Type != want {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: got %s, want %s", errInvalidSDPType, desc.Type, want)
	}
	return desc, nil
}

// Candidate mirrors RTCIceCandidateInit.
type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

func CandidateFromPion(init webrtc.ICECandidateInit) Candidate {
	return Candidate{
		Candidate:        init.Candidate,
		SDPMid:           init.SDPMid,
		SDPMLineIndex:    init.SDPMLineIndex,
		UsernameFragment: init.UsernameFragment,
	}
}

func (c Candidate) ToPion() webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

func DecodeCandidate(raw json.RawMessage) (webrtc.ICECandidateInit, error) {
	var c Candidate
	if err := json.Unmarshal(raw, &c); err != nil {
		return webrtc.ICECandidateInit{}, fmt.Errorf("decode candidate: %w", err)
	}
	return c.ToPion(), nil
}

func mustMarshal(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

// OfferFrame builds an outgoing call_offer.
func OfferFrame(target string, desc webrtc.SessionDescription, audioOnly bool) SignalFrame {
	return SignalFrame{
		Type:         TypeCallOffer,
		TargetUserID: target,
		Offer:        mustMarshal(SessionDescriptionFromPion(desc)),
		AudioOnly:    &audioOnly,
	}
}

func AnswerFrame(target string, desc webrtc.SessionDescription) SignalFrame {
	return SignalFrame{
		Type:         TypeCallAnswer,
		TargetUserID: target,
		Answer:       mustMarshal(SessionDescriptionFromPion(desc)),
	}
}

func CandidateFrame(target string, init webrtc.ICECandidateInit) SignalFrame {
	return SignalFrame{
		Type:         TypeICECandidate,
		TargetUserID: target,
		Candidate:    mustMarshal(CandidateFromPion(init)),
	}
}

func EndFrame(target string) SignalFrame {
	return SignalFrame{Type: TypeCallEnd, TargetUserID: target}
}

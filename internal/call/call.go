// Package call is the endpoint side of call negotiation: one Call per
// participant per call, driving a pion PeerConnection from local intent
// (start, end, toggles) and from signaling frames relayed by the hub.
//
// The two Calls of a conversation never talk directly. Everything they
// exchange goes through a Signaler as call_offer, call_answer, ice_candidate
// and call_end frames.
package call

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/chat-signal-hub/internal/protocol"
)

type State int

const (
	Idle State = iota
	Offering
	Ringing
	Connecting
	Connected
	Ended
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Offering:
		return "offering"
	case Ringing:
		return "ringing"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Ended:
		return "ended"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

var (
	// ErrInvalidState is returned when an operation or frame does not fit the
	// current state.
	ErrInvalidState = errors.New("call: invalid state")
	// ErrMediaUnavailable wraps MediaSource failures.
	ErrMediaUnavailable = errors.New("call: local media unavailable")

	errMalformed = errors.New("call: malformed signal")
)

// signalTimeout bounds frames sent from pion callbacks, which have no caller
// context.
const signalTimeout = 5 * time.Second

// Signaler delivers an outgoing frame to the peer named by its TargetUserID.
type Signaler interface {
	Signal(ctx context.Context, frame protocol.SignalFrame) error
}

type Config struct {
	API *webrtc.API
	// PeerConnection is used as-is for every PeerConnection, typically
	// webrtcpeer.Configuration(iceServers).
	PeerConnection webrtc.Configuration
	Media          MediaSource
	Signaler       Signaler
	Logger         *slog.Logger

	// PeerID and AudioOnly describe an outgoing call. An incoming call takes
	// both from the offer.
	PeerID    string
	AudioOnly bool
}

type transition struct {
	from, to State
}

type Call struct {
	api      *webrtc.API
	pcConfig webrtc.Configuration
	media    MediaSource
	sig      Signaler
	log      *slog.Logger

	mu        sync.Mutex
	state     State
	peerID    string
	audioOnly bool
	muted     bool
	cameraOff bool

	pc     *webrtc.PeerConnection
	tracks []*Track

	// Remote candidates wait for the remote description; local ones wait
	// until our offer or answer has gone out.
	remoteSet     bool
	pendingRemote []webrtc.ICECandidateInit
	localSent     bool
	pendingLocal  []webrtc.ICECandidateInit

	onState     func(from, to State)
	transitions []transition
}

func New(cfg Config) (*Call, error) {
	if cfg.API == nil || cfg.Media == nil || cfg.Signaler == nil {
		return nil, errors.New("call: api, media source and signaler are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Call{
		api:       cfg.API,
		pcConfig:  cfg.PeerConnection,
		media:     cfg.Media,
		sig:       cfg.Signaler,
		log:       cfg.Logger,
		peerID:    cfg.PeerID,
		audioOnly: cfg.AudioOnly,
	}, nil
}

func (c *Call) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Call) PeerID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerID
}

func (c *Call) AudioOnly() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.audioOnly
}

// OnStateChange registers fn to run after every transition. fn runs outside
// the Call's lock and may call back into the Call.
func (c *Call) OnStateChange(fn func(from, to State)) {
	c.mu.Lock()
	c.onState = fn
	c.mu.Unlock()
}

func (c *Call) setState(to State) {
	if c.state == to {
		return
	}
	c.transitions = append(c.transitions, transition{from: c.state, to: to})
	c.state = to
}

// unlock releases c.mu and then reports the transitions made while it was
// held.
func (c *Call) unlock() {
	pending := c.transitions
	c.transitions = nil
	fn := c.onState
	c.mu.Unlock()
	if fn == nil {
		return
	}
	for _, tr := range pending {
		fn(tr.from, tr.to)
	}
}

// Start places the call: Idle -> Offering. It acquires local media, creates
// the offer and sends call_offer to the peer.
func (c *Call) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.state != Idle {
		c.unlock()
		return ErrInvalidState
	}
	if c.peerID == "" {
		c.unlock()
		return errors.New("call: no peer to call")
	}
	c.setState(Offering)

	pc, err := c.prepareLocked(ctx)
	if err == nil {
		err = c.offerLocked(ctx, pc)
	}
	var stale *webrtc.PeerConnection
	if err != nil {
		stale = c.teardownLocked()
		c.setState(Idle)
	}
	c.unlock()
	closePeerConnection(c.log, stale)
	return err
}

func (c *Call) offerLocked(ctx context.Context, pc *webrtc.PeerConnection) error {
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local offer: %w", err)
	}
	if err := c.sig.Signal(ctx, protocol.OfferFrame(c.peerID, offer, c.audioOnly)); err != nil {
		return fmt.Errorf("send offer: %w", err)
	}
	c.flushLocalLocked(ctx)
	return nil
}

// HandleOffer answers an incoming call: Idle -> Ringing -> Connecting.
func (c *Call) HandleOffer(ctx context.Context, from string, offer webrtc.SessionDescription, audioOnly bool) error {
	c.mu.Lock()
	if c.state != Idle || from == "" {
		c.unlock()
		return ErrInvalidState
	}
	prevPeer, prevAudioOnly := c.peerID, c.audioOnly
	c.peerID = from
	c.audioOnly = audioOnly
	c.setState(Ringing)

	pc, err := c.prepareLocked(ctx)
	if err == nil {
		err = c.answerLocked(ctx, pc, offer)
	}
	var stale *webrtc.PeerConnection
	if err != nil {
		stale = c.teardownLocked()
		c.peerID, c.audioOnly = prevPeer, prevAudioOnly
		c.setState(Idle)
	} else {
		c.setState(Connecting)
	}
	c.unlock()
	closePeerConnection(c.log, stale)
	return err
}

func (c *Call) answerLocked(ctx context.Context, pc *webrtc.PeerConnection, offer webrtc.SessionDescription) error {
	if err := pc.SetRemoteDescription(offer); err != nil {
		return fmt.Errorf("%w: set remote offer: %w", errMalformed, err)
	}
	c.remoteSet = true
	c.flushRemoteLocked()

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set local answer: %w", err)
	}
	if err := c.sig.Signal(ctx, protocol.AnswerFrame(c.peerID, answer)); err != nil {
		return fmt.Errorf("send answer: %w", err)
	}
	c.flushLocalLocked(ctx)
	return nil
}

// HandleAnswer completes an outgoing call's negotiation: Offering ->
// Connecting. An answer in any other state, or from anyone but the peer, is
// ErrInvalidState.
func (c *Call) HandleAnswer(from string, answer webrtc.SessionDescription) error {
	c.mu.Lock()
	defer c.unlock()
	if c.state != Offering || from != c.peerID || c.pc == nil {
		return ErrInvalidState
	}
	if err := c.pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("%w: set remote answer: %w", errMalformed, err)
	}
	c.remoteSet = true
	c.flushRemoteLocked()
	c.setState(Connecting)
	return nil
}

// HandleCandidate applies a remote ICE candidate, buffering it until the
// remote description is known. It never changes state.
func (c *Call) HandleCandidate(from string, candidate webrtc.ICECandidateInit) error {
	c.mu.Lock()
	defer c.unlock()
	switch c.state {
	case Offering, Ringing, Connecting, Connected:
	default:
		return ErrInvalidState
	}
	if from != c.peerID || c.pc == nil {
		return ErrInvalidState
	}
	if !c.remoteSet {
		c.pendingRemote = append(c.pendingRemote, candidate)
		return nil
	}
	if err := c.pc.AddICECandidate(candidate); err != nil {
		return fmt.Errorf("%w: add ice candidate: %w", errMalformed, err)
	}
	return nil
}

// End hangs up: local media is released, the PeerConnection closed and
// call_end sent to the peer. Ending an ended call is a no-op.
func (c *Call) End(ctx context.Context) error {
	c.mu.Lock()
	if c.state == Ended {
		c.unlock()
		return nil
	}
	notify := c.state != Idle
	peer := c.peerID
	stale := c.teardownLocked()
	c.setState(Ended)

	var err error
	if notify && peer != "" {
		if err = c.sig.Signal(ctx, protocol.EndFrame(peer)); err != nil {
			err = fmt.Errorf("send call_end: %w", err)
		}
	}
	c.unlock()
	closePeerConnection(c.log, stale)
	return err
}

// HandleEnd is the peer hanging up. The teardown matches End but nothing is
// sent back.
func (c *Call) HandleEnd(from string) error {
	c.mu.Lock()
	if c.state == Idle || c.state == Ended || from != c.peerID {
		c.unlock()
		return ErrInvalidState
	}
	stale := c.teardownLocked()
	c.setState(Ended)
	c.unlock()
	closePeerConnection(c.log, stale)
	return nil
}

// ToggleMute flips the audio tracks and reports whether audio is now muted.
func (c *Call) ToggleMute() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.muted = !c.muted
	c.applyEnablementLocked()
	return c.muted
}

// ToggleCamera flips the video tracks and reports whether the camera is now
// off.
func (c *Call) ToggleCamera() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cameraOff = !c.cameraOff
	c.applyEnablementLocked()
	return c.cameraOff
}

func (c *Call) Muted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.muted
}

func (c *Call) CameraOff() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cameraOff
}

func (c *Call) applyEnablementLocked() {
	for _, t := range c.tracks {
		switch t.Kind() {
		case webrtc.RTPCodecTypeAudio:
			t.setEnabled(!c.muted)
		case webrtc.RTPCodecTypeVideo:
			t.setEnabled(!c.cameraOff)
		}
	}
}

// Dispatch feeds a relayed signaling frame into the machine. Frames that are
// malformed or do not fit the current state are logged and dropped; only
// local failures such as missing media are returned.
func (c *Call) Dispatch(ctx context.Context, f protocol.SignalFrame) error {
	var err error
	switch f.Type {
	case protocol.TypeCallOffer:
		var offer webrtc.SessionDescription
		if offer, err = protocol.DecodeSessionDescription(f.Offer, webrtc.SDPTypeOffer); err == nil {
			err = c.HandleOffer(ctx, f.FromUserID, offer, f.AudioOnly != nil && *f.AudioOnly)
		} else {
			err = fmt.Errorf("%w: %w", errMalformed, err)
		}
	case protocol.TypeCallAnswer:
		var answer webrtc.SessionDescription
		if answer, err = protocol.DecodeSessionDescription(f.Answer, webrtc.SDPTypeAnswer); err == nil {
			err = c.HandleAnswer(f.FromUserID, answer)
		} else {
			err = fmt.Errorf("%w: %w", errMalformed, err)
		}
	case protocol.TypeICECandidate:
		var candidate webrtc.ICECandidateInit
		if candidate, err = protocol.DecodeCandidate(f.Candidate); err == nil {
			err = c.HandleCandidate(f.FromUserID, candidate)
		} else {
			err = fmt.Errorf("%w: %w", errMalformed, err)
		}
	case protocol.TypeCallEnd:
		err = c.HandleEnd(f.FromUserID)
	default:
		err = fmt.Errorf("%w: %q is not a call frame", errMalformed, f.Type)
	}

	if errors.Is(err, ErrInvalidState) || errors.Is(err, errMalformed) {
		c.log.Debug("call: signal ignored", "type", f.Type, "from", f.FromUserID, "state", c.State(), "err", err)
		return nil
	}
	return err
}

// prepareLocked acquires media and builds the PeerConnection with the local
// tracks attached.
func (c *Call) prepareLocked(ctx context.Context) (*webrtc.PeerConnection, error) {
	tracks, err := c.media.Acquire(ctx, c.audioOnly)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMediaUnavailable, err)
	}
	c.tracks = tracks
	c.applyEnablementLocked()

	pc, err := c.api.NewPeerConnection(c.pcConfig)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	c.pc = pc
	c.remoteSet, c.localSent = false, false

	for _, t := range tracks {
		sender, err := pc.AddTrack(t.Local())
		if err != nil {
			return nil, fmt.Errorf("add %s track: %w", t.Kind(), err)
		}
		go drainRTCP(sender)
	}

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		c.localCandidate(pc, cand.ToJSON())
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		// pion may report Closed from inside pc.Close; never block it on c.mu.
		go c.connectionStateChanged(pc, s)
	})
	return pc, nil
}

// drainRTCP reads incoming RTCP so the interceptors (NACK, reports) run.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

func (c *Call) localCandidate(pc *webrtc.PeerConnection, candidate webrtc.ICECandidateInit) {
	c.mu.Lock()
	defer c.unlock()
	if c.pc != pc {
		return
	}
	if !c.localSent {
		c.pendingLocal = append(c.pendingLocal, candidate)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), signalTimeout)
	defer cancel()
	if err := c.sig.Signal(ctx, protocol.CandidateFrame(c.peerID, candidate)); err != nil {
		c.log.Warn("call: failed to send ice candidate", "peer", c.peerID, "err", err)
	}
}

func (c *Call) flushLocalLocked(ctx context.Context) {
	c.localSent = true
	pending := c.pendingLocal
	c.pendingLocal = nil
	for _, candidate := range pending {
		if err := c.sig.Signal(ctx, protocol.CandidateFrame(c.peerID, candidate)); err != nil {
			c.log.Warn("call: failed to send ice candidate", "peer", c.peerID, "err", err)
		}
	}
}

func (c *Call) flushRemoteLocked() {
	pending := c.pendingRemote
	c.pendingRemote = nil
	for _, candidate := range pending {
		if err := c.pc.AddICECandidate(candidate); err != nil {
			c.log.Debug("call: buffered ice candidate rejected", "peer", c.peerID, "err", err)
		}
	}
}

func (c *Call) connectionStateChanged(pc *webrtc.PeerConnection, s webrtc.PeerConnectionState) {
	c.mu.Lock()
	if c.pc != pc {
		c.unlock()
		return
	}
	c.log.Debug("call: peer connection state", "peer", c.peerID, "state", s.String())

	var stale *webrtc.PeerConnection
	switch s {
	case webrtc.PeerConnectionStateConnected:
		if c.state == Connecting {
			c.setState(Connected)
		}
	case webrtc.PeerConnectionStateFailed:
		c.log.Warn("call: media path failed", "peer", c.peerID, "state", c.state.String())
		peer := c.peerID
		stale = c.teardownLocked()
		c.setState(Ended)
		ctx, cancel := context.WithTimeout(context.Background(), signalTimeout)
		if err := c.sig.Signal(ctx, protocol.EndFrame(peer)); err != nil {
			c.log.Warn("call: failed to send call_end", "peer", peer, "err", err)
		}
		cancel()
	}
	c.unlock()
	closePeerConnection(c.log, stale)
}

// teardownLocked stops local tracks and detaches the PeerConnection. The
// caller closes the returned connection after releasing c.mu.
func (c *Call) teardownLocked() *webrtc.PeerConnection {
	for _, t := range c.tracks {
		t.stop()
	}
	c.tracks = nil
	pc := c.pc
	c.pc = nil
	c.remoteSet, c.localSent = false, false
	c.pendingRemote, c.pendingLocal = nil, nil
	return pc
}

func closePeerConnection(log *slog.Logger, pc *webrtc.PeerConnection) {
	if pc == nil {
		return
	}
	if err := pc.Close(); err != nil {
		log.Debug("call: close peer connection", "err", err)
	}
}

package call

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

var ErrTrackStopped = errors.New("call: track stopped")

// MediaSource acquires the local tracks for a call: audio always, plus video
// unless audioOnly.
type MediaSource interface {
	Acquire(ctx context.Context, audioOnly bool) ([]*Track, error)
}

type MediaSourceFunc func(ctx context.Context, audioOnly bool) ([]*Track, error)

func (f MediaSourceFunc) Acquire(ctx context.Context, audioOnly bool) ([]*Track, error) {
	return f(ctx, audioOnly)
}

// Track is a local media track. While disabled, written samples are dropped
// so the peer sees silence or a frozen frame.
type Track struct {
	local   *webrtc.TrackLocalStaticSample
	release func()

	enabled atomic.Bool
	stopped atomic.Bool
}

// NewTrack wraps local. release, if non-nil, runs once when the call lets go
// of the track (e.g. to close a capture device).
func NewTrack(local *webrtc.TrackLocalStaticSample, release func()) *Track {
	t := &Track{local: local, release: release}
	t.enabled.Store(true)
	return t
}

func (t *Track) Local() *webrtc.TrackLocalStaticSample { return t.local }

func (t *Track) Kind() webrtc.RTPCodecType { return t.local.Kind() }

func (t *Track) Enabled() bool { return t.enabled.Load() }

func (t *Track) Stopped() bool { return t.stopped.Load() }

func (t *Track) WriteSample(s media.Sample) error {
	if t.stopped.Load() {
		return ErrTrackStopped
	}
	if !t.enabled.Load() {
		return nil
	}
	return t.local.WriteSample(s)
}

func (t *Track) setEnabled(v bool) { t.enabled.Store(v) }

func (t *Track) stop() {
	if t.stopped.Swap(true) {
		return
	}
	if t.release != nil {
		t.release()
	}
}

// SyntheticSource hands out sample tracks with no capture device behind them.
// The application feeds them with WriteSample.
type SyntheticSource struct {
	// StreamID groups the tracks into one MediaStream. Empty picks a random ID
	// per acquisition.
	StreamID string
}

func (s SyntheticSource) Acquire(_ context.Context, audioOnly bool) ([]*Track, error) {
	streamID := s.StreamID
	if streamID == "" {
		streamID = uuid.NewString()
	}

	audio, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeOpus,
		ClockRate: 48000,
		Channels:  2,
	}, "audio", streamID)
	if err != nil {
		return nil, err
	}
	tracks := []*Track{NewTrack(audio, nil)}
	if audioOnly {
		return tracks, nil
	}

	video, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeVP8,
		ClockRate: 90000,
	}, "video", streamID)
	if err != nil {
		return nil, err
	}
	return append(tracks, NewTrack(video, nil)), nil
}

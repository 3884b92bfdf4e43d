// Package media provides the local capture sources bound into a session's
// transceiver layout. Go has no browser capture API, so the shipped source
// synthesizes samples; real capture pipelines plug in behind the same port.
package media

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	webrtcmedia "github.com/pion/webrtc/v3/pkg/media"
	"go.uber.org/zap"

	"peerlink/internal/core/domain"
	"peerlink/internal/core/ports"
)

// SyntheticSource produces pattern video and silence audio tracks. Frames
// are written on a ticker at the requested rate, so liveness polling sees
// FramesProduced advance exactly as it would for a real device.
type SyntheticSource struct {
	logger *zap.SugaredLogger
}

func NewSyntheticSource(logger *zap.SugaredLogger) *SyntheticSource {
	return &SyntheticSource{logger: logger}
}

func (s *SyntheticSource) Acquire(ctx context.Context, constraints domain.MediaConstraints) ([]ports.MediaTrack, error) {
	if constraints.Width <= 0 || constraints.Height <= 0 || constraints.FrameRate <= 0 {
		return nil, fmt.Errorf("invalid capture constraints: %dx%d@%d",
			constraints.Width, constraints.Height, constraints.FrameRate)
	}

	video, err := newSyntheticTrack(domain.TrackKindVideo, constraints, s.logger)
	if err != nil {
		return nil, err
	}

	tracks := []ports.MediaTrack{video}
	if constraints.Audio {
		audio, err := newSyntheticTrack(domain.TrackKindAudio, constraints, s.logger)
		if err != nil {
			video.Stop()
			return nil, err
		}
		tracks = append(tracks, audio)
	}

	s.logger.Infow("synthetic media acquired",
		"width", constraints.Width,
		"height", constraints.Height,
		"frame_rate", constraints.FrameRate,
		"audio", constraints.Audio,
	)
	return tracks, nil
}

type syntheticTrack struct {
	id    string
	kind  domain.TrackKind
	local *webrtc.TrackLocalStaticSample

	frames atomic.Uint64

	mu      sync.Mutex
	state   domain.TrackState
	muted   bool
	onMute  []func()
	onUnmut []func()
	onEnded []func()
	stop    chan struct{}
}

func newSyntheticTrack(kind domain.TrackKind, constraints domain.MediaConstraints, logger *zap.SugaredLogger) (*syntheticTrack, error) {
	id := uuid.NewString()

	var codec webrtc.RTPCodecCapability
	var interval time.Duration
	if kind == domain.TrackKindVideo {
		codec = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}
		interval = time.Second / time.Duration(constraints.FrameRate)
	} else {
		codec = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}
		interval = 20 * time.Millisecond
	}

	local, err := webrtc.NewTrackLocalStaticSample(codec, string(kind)+"-"+id, "peerlink")
	if err != nil {
		return nil, fmt.Errorf("failed to create %s track: %w", kind, err)
	}

	t := &syntheticTrack{
		id:    id,
		kind:  kind,
		local: local,
		state: domain.TrackLive,
		stop:  make(chan struct{}),
	}
	go t.produce(interval, logger)
	return t, nil
}

func (t *syntheticTrack) produce(interval time.Duration, logger *zap.SugaredLogger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Payload content is irrelevant to the handshake; what matters is the
	// cadence and the advancing frame counter.
	payload := make([]byte, 256)

	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
			if t.Muted() {
				continue
			}
			err := t.local.WriteSample(webrtcmedia.Sample{
				Data:     payload,
				Duration: interval,
			})
			if err != nil {
				logger.Debugw("sample write failed", "track_id", t.id, "error", err)
				continue
			}
			t.frames.Add(1)
		}
	}
}

func (t *syntheticTrack) ID() string                  { return t.id }
func (t *syntheticTrack) Kind() domain.TrackKind      { return t.kind }
func (t *syntheticTrack) RTPTrack() webrtc.TrackLocal { return t.local }
func (t *syntheticTrack) FramesProduced() uint64      { return t.frames.Load() }

func (t *syntheticTrack) ReadyState() domain.TrackState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *syntheticTrack) Muted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.muted
}

func (t *syntheticTrack) OnMute(f func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onMute = append(t.onMute, f)
}

func (t *syntheticTrack) OnUnmute(f func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onUnmut = append(t.onUnmut, f)
}

func (t *syntheticTrack) OnEnded(f func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onEnded = append(t.onEnded, f)
}

// SetMuted simulates the device mute toggle and fires the track events.
func (t *syntheticTrack) SetMuted(muted bool) {
	t.mu.Lock()
	if t.muted == muted || t.state != domain.TrackLive {
		t.mu.Unlock()
		return
	}
	t.muted = muted
	var handlers []func()
	if muted {
		handlers = append(handlers, t.onMute...)
	} else {
		handlers = append(handlers, t.onUnmut...)
	}
	t.mu.Unlock()

	for _, f := range handlers {
		f()
	}
}

func (t *syntheticTrack) Stop() {
	t.mu.Lock()
	if t.state == domain.TrackEnded {
		t.mu.Unlock()
		return
	}
	t.state = domain.TrackEnded
	close(t.stop)
	handlers := append([]func(){}, t.onEnded...)
	t.mu.Unlock()

	for _, f := range handlers {
		f()
	}
}

var _ ports.MediaSource = (*SyntheticSource)(nil)
var _ ports.MediaTrack = (*syntheticTrack)(nil)

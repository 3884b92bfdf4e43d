package ports

import (
	"context"

	"github.com/pion/webrtc/v3"

	"peerlink/internal/core/domain"
)

// MediaTrack is one locally captured track. Event subscriptions are tied to
// the track instance; Stop releases the underlying device.
type MediaTrack interface {
	ID() string
	Kind() domain.TrackKind
	ReadyState() domain.TrackState
	Muted() bool

	OnMute(f func())
	OnUnmute(f func())
	OnEnded(f func())

	// FramesProduced grows monotonically while the track delivers media.
	// Liveness verification watches it advance rather than trusting
	// ReadyState alone.
	FramesProduced() uint64

	// RTPTrack is the pion-facing handle bound into a transceiver slot.
	RTPTrack() webrtc.TrackLocal

	Stop()
}

// MediaSource acquires local capture tracks. Acquire blocks until the device
// is ready or the context is done; permission denial and missing devices
// surface as MediaAcquisitionFailed.
type MediaSource interface {
	Acquire(ctx context.Context, constraints domain.MediaConstraints) ([]MediaTrack, error)
}

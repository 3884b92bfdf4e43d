package domain

import "time"

type TrackKind string

const (
	TrackKindVideo TrackKind = "video"
	TrackKindAudio TrackKind = "audio"
)

type TrackState string

const (
	TrackLive  TrackState = "live"
	TrackEnded TrackState = "ended"
)

// TrackHealthRecord is the observed health of one local media track. It is
// mutated only by track events (mute/unmute/ended) and by the periodic poll.
type TrackHealthRecord struct {
	TrackID     string
	Kind        TrackKind
	ReadyState  TrackState
	Muted       bool
	LastEventAt time.Time
}

// Healthy reports whether the track is usable as-is.
func (r TrackHealthRecord) Healthy() bool {
	return r.ReadyState == TrackLive && !r.Muted
}

// MediaConstraints mirror the original capture request so a recovery can
// re-acquire equivalent media. Reduced() is the lighter fallback used after
// an acquisition failure.
type MediaConstraints struct {
	Width     int
	Height    int
	FrameRate int
	Audio     bool
}

func DefaultConstraints() MediaConstraints {
	return MediaConstraints{Width: 640, Height: 480, FrameRate: 30, Audio: true}
}

func (c MediaConstraints) Reduced() MediaConstraints {
	return MediaConstraints{
		Width:     c.Width / 2,
		Height:    c.Height / 2,
		FrameRate: 15,
		Audio:     c.Audio,
	}
}

// StreamInfo describes a participant's outgoing media, sent alongside the
// stream-started notification.
type StreamInfo struct {
	VideoTracks int      `json:"video_tracks"`
	AudioTracks int      `json:"audio_tracks"`
	TrackIDs    []string `json:"track_ids"`
}

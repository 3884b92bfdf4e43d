package media

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"peerlink/internal/core/domain"
)

func TestAcquireReturnsVideoAndAudio(t *testing.T) {
	source := NewSyntheticSource(zap.NewNop().Sugar())

	tracks, err := source.Acquire(context.Background(), domain.DefaultConstraints())
	require.NoError(t, err)
	defer func() {
		for _, track := range tracks {
			track.Stop()
		}
	}()

	require.Len(t, tracks, 2)
	assert.Equal(t, domain.TrackKindVideo, tracks[0].Kind())
	assert.Equal(t, domain.TrackKindAudio, tracks[1].Kind())
	for _, track := range tracks {
		assert.Equal(t, domain.TrackLive, track.ReadyState())
		assert.NotNil(t, track.RTPTrack())
	}
}

func TestAcquireVideoOnly(t *testing.T) {
	source := NewSyntheticSource(zap.NewNop().Sugar())

	constraints := domain.DefaultConstraints()
	constraints.Audio = false
	tracks, err := source.Acquire(context.Background(), constraints)
	require.NoError(t, err)
	defer tracks[0].Stop()

	require.Len(t, tracks, 1)
	assert.Equal(t, domain.TrackKindVideo, tracks[0].Kind())
}

func TestAcquireRejectsInvalidConstraints(t *testing.T) {
	source := NewSyntheticSource(zap.NewNop().Sugar())

	_, err := source.Acquire(context.Background(), domain.MediaConstraints{})
	require.Error(t, err)
}

func TestFramesAdvanceWhileLive(t *testing.T) {
	source := NewSyntheticSource(zap.NewNop().Sugar())

	constraints := domain.MediaConstraints{Width: 320, Height: 240, FrameRate: 100}
	tracks, err := source.Acquire(context.Background(), constraints)
	require.NoError(t, err)
	video := tracks[0]
	defer video.Stop()

	deadline := time.Now().Add(time.Second)
	for video.FramesProduced() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	assert.Greater(t, video.FramesProduced(), uint64(0))
}

func TestMuteStopsProductionAndFiresEvents(t *testing.T) {
	source := NewSyntheticSource(zap.NewNop().Sugar())

	constraints := domain.MediaConstraints{Width: 320, Height: 240, FrameRate: 100, Audio: false}
	tracks, err := source.Acquire(context.Background(), constraints)
	require.NoError(t, err)
	video := tracks[0].(*syntheticTrack)
	defer video.Stop()

	muted := make(chan struct{})
	video.OnMute(func() { close(muted) })

	video.SetMuted(true)
	select {
	case <-muted:
	case <-time.After(time.Second):
		t.Fatal("mute event not delivered")
	}
	assert.True(t, video.Muted())

	// Let any in-flight write land before sampling the counter.
	time.Sleep(30 * time.Millisecond)
	counted := video.FramesProduced()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, counted, video.FramesProduced())
}

func TestStopEndsTrackOnce(t *testing.T) {
	source := NewSyntheticSource(zap.NewNop().Sugar())

	constraints := domain.MediaConstraints{Width: 320, Height: 240, FrameRate: 30, Audio: false}
	tracks, err := source.Acquire(context.Background(), constraints)
	require.NoError(t, err)
	video := tracks[0]

	ended := 0
	video.OnEnded(func() { ended++ })

	video.Stop()
	video.Stop() // second stop is a no-op
	assert.Equal(t, domain.TrackEnded, video.ReadyState())
	assert.Equal(t, 1, ended)
}

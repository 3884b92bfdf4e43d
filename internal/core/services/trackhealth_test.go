package services

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"

	"peerlink/internal/core/domain"
	"peerlink/internal/core/ports"
	"peerlink/pkg/clock"
)

func testTrackHealthConfig() TrackHealthConfig {
	return TrackHealthConfig{
		RecoveryAttempts: 3,
		RecoveryBackoff:  time.Second,
		PollInterval:     0, // tests drive events explicitly
		LivenessDeadline: 2 * time.Second,
	}
}

type trackHealthFixture struct {
	clk       *clock.Mock
	source    *fakeMediaSource
	pc        *fakePC
	allocator *Allocator
	th        *TrackHealth
	track     *fakeMediaTrack
	fatals    chan *domain.SessionError
}

func newTrackHealthFixture(t *testing.T, cfg TrackHealthConfig) *trackHealthFixture {
	t.Helper()
	f := &trackHealthFixture{
		clk:    clock.NewMock(),
		source: &fakeMediaSource{},
		pc:     newFakePC(),
		fatals: make(chan *domain.SessionError, 4),
	}
	f.allocator = NewAllocator(f.pc, testLogger())
	assert.NoError(t, f.allocator.Allocate(webrtc.RTPTransceiverDirectionSendonly, false))

	f.th = NewTrackHealth(cfg, f.source, f.allocator, f.clk, testLogger())
	f.th.SetVerifier(func(track ports.MediaTrack) error { return nil })
	f.th.SetOnFatal(func(err *domain.SessionError) { f.fatals <- err })

	f.track = newFakeMediaTrack("cam-0", domain.TrackKindVideo)
	assert.NoError(t, f.allocator.ReplaceTrack(domain.TrackKindVideo, f.track.RTPTrack()))
	f.th.Watch(context.Background(), f.track, domain.DefaultConstraints())
	return f
}

func (f *trackHealthFixture) runRecovery(t *testing.T, backoff time.Duration) {
	t.Helper()
	f.clk.Advance(backoff)
}

func (f *trackHealthFixture) recoveryInFlight() bool {
	f.th.mu.Lock()
	defer f.th.mu.Unlock()
	return f.th.recovering
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition never became true")
}

func TestTrackHealth_RecoversAfterMute(t *testing.T) {
	f := newTrackHealthFixture(t, testTrackHealthConfig())

	f.track.fireMute()
	assert.Equal(t, 1, f.th.Attempts())

	f.runRecovery(t, time.Second)
	waitUntil(t, func() bool { return f.allocator.CurrentTrackID(domain.TrackKindVideo) != "cam-0" })

	// Recovery replaced in place through the existing sender; the old track
	// was stopped and the counter reset.
	assert.Len(t, f.pc.transceivers, 1)
	assert.True(t, f.track.isStopped())
	waitUntil(t, func() bool { return f.th.Attempts() == 0 })
	assert.False(t, f.th.Fatal())
}

func TestTrackHealth_NoOverlappingRecoveries(t *testing.T) {
	f := newTrackHealthFixture(t, testTrackHealthConfig())

	f.track.fireMute()
	f.track.fireEnded()
	f.th.Degraded("extra")

	assert.Equal(t, 1, f.th.Attempts())
}

func TestTrackHealth_ExhaustionEmitsMediaFatalOnce(t *testing.T) {
	f := newTrackHealthFixture(t, testTrackHealthConfig())

	for i := 0; i < 3; i++ {
		// Every re-acquisition fails, both full and reduced constraints.
		f.source.push(acquireResult{err: assert.AnError})
		f.source.push(acquireResult{err: assert.AnError})

		f.th.Degraded("muted")
		f.runRecovery(t, time.Second)
		// The next Degraded must not land while this recovery is still
		// running, or it would be swallowed by the no-overlap guard.
		waitUntil(t, func() bool { return !f.recoveryInFlight() })
	}

	select {
	case err := <-f.fatals:
		assert.Equal(t, domain.CodeMediaFatal, err.Code)
	case <-time.After(time.Second):
		t.Fatal("expected MediaFatal")
	}
	assert.True(t, f.th.Fatal())

	// No further automatic recovery.
	f.th.Degraded("muted")
	assert.Equal(t, 3, f.th.Attempts())
	select {
	case <-f.fatals:
		t.Fatal("MediaFatal must be emitted once")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestTrackHealth_AcquisitionRetriesReducedOnce(t *testing.T) {
	f := newTrackHealthFixture(t, testTrackHealthConfig())

	replacement := newFakeMediaTrack("cam-1", domain.TrackKindVideo)
	f.source.push(acquireResult{err: assert.AnError})
	f.source.push(acquireResult{tracks: []ports.MediaTrack{replacement}})

	f.track.fireEnded()
	f.runRecovery(t, time.Second)
	waitUntil(t, func() bool { return f.allocator.CurrentTrackID(domain.TrackKindVideo) == "cam-1" })

	full := domain.DefaultConstraints()
	assert.Equal(t, full, f.source.call(0))
	assert.Equal(t, full.Reduced(), f.source.call(1))
}

func TestTrackHealth_VerifyFailureCountsAsFailedAttempt(t *testing.T) {
	f := newTrackHealthFixture(t, testTrackHealthConfig())
	f.th.SetVerifier(func(track ports.MediaTrack) error {
		return domain.NewSessionError(domain.CodeTrackDegraded, "", "no frames", nil)
	})

	f.track.fireMute()
	f.runRecovery(t, time.Second)

	waitUntil(t, func() bool { return f.th.Attempts() == 1 })
	assert.Equal(t, "cam-0", f.allocator.CurrentTrackID(domain.TrackKindVideo))
	assert.False(t, f.th.Fatal())
}

func TestTrackHealth_ReplaceFailureFallsBackToRenegotiation(t *testing.T) {
	f := newTrackHealthFixture(t, testTrackHealthConfig())
	f.pc.transceivers[0].sender.err = assert.AnError

	var renegotiations atomic.Int32
	f.th.SetOnRenegotiate(func() { renegotiations.Add(1) })

	f.track.fireMute()
	f.runRecovery(t, time.Second)

	waitUntil(t, func() bool { return renegotiations.Load() == 1 })
	assert.False(t, f.th.Fatal())
}

func TestTrackHealth_PollDetectsSilentDeath(t *testing.T) {
	cfg := testTrackHealthConfig()
	cfg.PollInterval = 5 * time.Second
	f := newTrackHealthFixture(t, cfg)

	// The track dies without firing any event.
	f.track.mu.Lock()
	f.track.state = domain.TrackEnded
	f.track.mu.Unlock()

	f.clk.Advance(5 * time.Second)
	waitUntil(t, func() bool { return f.th.Attempts() == 1 })
}

func TestTrackHealth_RevalidateTriggersOnDeadTrack(t *testing.T) {
	f := newTrackHealthFixture(t, testTrackHealthConfig())

	f.th.Revalidate()
	assert.Equal(t, 0, f.th.Attempts())

	f.track.mu.Lock()
	f.track.muted = true
	f.track.mu.Unlock()

	f.th.Revalidate()
	assert.Equal(t, 1, f.th.Attempts())
}

func TestTrackHealth_DefaultVerifier(t *testing.T) {
	cfg := testTrackHealthConfig()
	cfg.LivenessDeadline = 5 * time.Millisecond
	th := NewTrackHealth(cfg, &fakeMediaSource{}, nil, clock.New(), testLogger())

	flowing := newFakeMediaTrack("live", domain.TrackKindVideo)
	assert.NoError(t, th.defaultVerify(flowing))

	frozen := newFakeMediaTrack("frozen", domain.TrackKindVideo)
	frozen.mu.Lock()
	frozen.frozen = true
	frozen.mu.Unlock()
	assert.Error(t, th.defaultVerify(frozen))

	dead := newFakeMediaTrack("dead", domain.TrackKindVideo)
	dead.Stop()
	assert.Error(t, th.defaultVerify(dead))
}

func TestTrackHealth_StopDuringRecoveryStopsFreshTrack(t *testing.T) {
	f := newTrackHealthFixture(t, testTrackHealthConfig())

	fresh := newFakeMediaTrack("cam-1", domain.TrackKindVideo)
	f.source.push(acquireResult{tracks: []ports.MediaTrack{fresh}})
	release, entered := f.source.block()

	f.track.fireMute()
	f.runRecovery(t, time.Second)
	<-entered // re-acquisition is now in flight

	f.th.Stop()
	release()

	// The freshly acquired track must not outlive teardown or displace the
	// slot binding of a dead manager.
	waitUntil(t, func() bool { return fresh.isStopped() })
	assert.True(t, f.track.isStopped())
	assert.Equal(t, "cam-0", f.allocator.CurrentTrackID(domain.TrackKindVideo))
}

func TestTrackHealth_StopStopsTrackAndIgnoresEvents(t *testing.T) {
	f := newTrackHealthFixture(t, testTrackHealthConfig())

	f.th.Stop()
	assert.True(t, f.track.isStopped())

	f.th.Degraded("muted")
	assert.Equal(t, 0, f.th.Attempts())
}

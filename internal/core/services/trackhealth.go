package services

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"peerlink/internal/core/domain"
	"peerlink/internal/core/ports"
	"peerlink/pkg/clock"
)

// TrackHealthConfig bounds the recovery loop.
type TrackHealthConfig struct {
	// RecoveryAttempts is the maximum number of automatic recoveries
	// before the manager gives up with MediaFatal.
	RecoveryAttempts int
	// RecoveryBackoff spaces consecutive recoveries.
	RecoveryBackoff time.Duration
	// PollInterval drives the belt-and-suspenders liveness poll for
	// platforms that fail to fire track events reliably.
	PollInterval time.Duration
	// LivenessDeadline is how long a freshly acquired track gets to start
	// producing frames before it is considered dead on arrival.
	LivenessDeadline time.Duration
}

func DefaultTrackHealthConfig() TrackHealthConfig {
	return TrackHealthConfig{
		RecoveryAttempts: 3,
		RecoveryBackoff:  time.Second,
		PollInterval:     5 * time.Second,
		LivenessDeadline: 2 * time.Second,
	}
}

// TrackVerifier checks that an acquired track is actually delivering media,
// not just reporting a live ready state.
type TrackVerifier func(track ports.MediaTrack) error

// TrackHealth keeps exactly one live local video track bound to the video
// transceiver slot. It watches mute/unmute/ended events plus a periodic
// poll; a degraded track triggers a bounded, backed-off re-acquisition and
// an in-place ReplaceTrack with no renegotiation on the happy path.
// Recoveries never overlap; exhaustion emits MediaFatal once and stops the
// automatic loop.
type TrackHealth struct {
	cfg       TrackHealthConfig
	source    ports.MediaSource
	allocator *Allocator
	clk       clock.Clock
	log       *zap.SugaredLogger
	verify    TrackVerifier

	// opLock, when set, is the per-participant media-operation mutex; it
	// serializes recovery against other media operations on the same remote
	// (initialize, explicit restart).
	opLock sync.Locker

	mu          sync.Mutex
	ctx         context.Context
	track       ports.MediaTrack
	constraints domain.MediaConstraints
	record      domain.TrackHealthRecord
	recovering  bool
	attempts    int
	fatal       bool
	stopped     bool

	backoffTimer clock.Timer
	poller       clock.Ticker
	pollDone     chan struct{}

	// onFatal fires once when automatic recovery is exhausted. The
	// orchestrator decides whether to keep the session alive degraded or
	// tear it down.
	onFatal func(*domain.SessionError)
	// onRenegotiate is the fallback when ReplaceTrack fails; it must run
	// a full renegotiation with the new track already bound.
	onRenegotiate func()
	// onRecovered fires after each successful recovery.
	onRecovered func()
}

func NewTrackHealth(
	cfg TrackHealthConfig,
	source ports.MediaSource,
	allocator *Allocator,
	clk clock.Clock,
	log *zap.SugaredLogger,
) *TrackHealth {
	t := &TrackHealth{
		cfg:       cfg,
		source:    source,
		allocator: allocator,
		clk:       clk,
		log:       log,
	}
	t.verify = t.defaultVerify
	return t
}

// SetOnFatal registers the exhaustion hook. Call before Watch.
func (t *TrackHealth) SetOnFatal(f func(*domain.SessionError)) { t.onFatal = f }

// SetOnRenegotiate registers the replace-failure fallback. Call before Watch.
func (t *TrackHealth) SetOnRenegotiate(f func()) { t.onRenegotiate = f }

// SetVerifier overrides liveness verification.
func (t *TrackHealth) SetVerifier(v TrackVerifier) { t.verify = v }

// SetOpLock registers the shared media-operation mutex. Call before Watch.
func (t *TrackHealth) SetOpLock(l sync.Locker) { t.opLock = l }

// SetOnRecovered registers the success hook. Call before Watch.
func (t *TrackHealth) SetOnRecovered(f func()) { t.onRecovered = f }

// Watch starts monitoring track, which was acquired with constraints; the
// same constraints are replayed on recovery.
func (t *TrackHealth) Watch(ctx context.Context, track ports.MediaTrack, constraints domain.MediaConstraints) {
	t.mu.Lock()
	t.ctx = ctx
	t.constraints = constraints
	t.bindLocked(track)

	if t.poller == nil && t.cfg.PollInterval > 0 {
		t.poller = t.clk.NewTicker(t.cfg.PollInterval)
		t.pollDone = make(chan struct{})
		go t.pollLoop(t.poller, t.pollDone)
	}
	t.mu.Unlock()
}

func (t *TrackHealth) bindLocked(track ports.MediaTrack) {
	t.track = track
	t.record = domain.TrackHealthRecord{
		TrackID:     track.ID(),
		Kind:        track.Kind(),
		ReadyState:  track.ReadyState(),
		Muted:       track.Muted(),
		LastEventAt: t.clk.Now(),
	}

	track.OnMute(func() { t.onTrackEvent(track, "muted") })
	track.OnUnmute(func() { t.onUnmute(track) })
	track.OnEnded(func() { t.onTrackEvent(track, "ended") })
}

func (t *TrackHealth) onTrackEvent(track ports.MediaTrack, reason string) {
	t.mu.Lock()
	if t.track != track {
		// Stale subscription from a replaced track.
		t.mu.Unlock()
		return
	}
	t.record.ReadyState = track.ReadyState()
	t.record.Muted = track.Muted()
	t.record.LastEventAt = t.clk.Now()
	t.mu.Unlock()

	t.log.Warnw("track degraded", "track_id", track.ID(), "reason", reason)
	t.Degraded(reason)
}

func (t *TrackHealth) onUnmute(track ports.MediaTrack) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.track != track {
		return
	}
	t.record.Muted = false
	t.record.LastEventAt = t.clk.Now()
}

// Degraded requests a recovery. Overlapping requests while one is pending
// or running are ignored; an exhausted manager ignores everything.
func (t *TrackHealth) Degraded(reason string) {
	t.mu.Lock()
	if t.fatal || t.stopped || t.recovering {
		t.mu.Unlock()
		return
	}
	t.recovering = true
	t.attempts++
	attempt := t.attempts
	t.backoffTimer = t.clk.AfterFunc(t.cfg.RecoveryBackoff, func() {
		go t.recover(attempt)
	})
	t.mu.Unlock()

	t.log.Infow("scheduling track recovery",
		"reason", reason,
		"attempt", attempt,
		"backoff", t.cfg.RecoveryBackoff,
	)
}

// Revalidate proactively re-checks the bound track, covering visibility
// resume on mobile platforms that suspend tracks while backgrounded.
func (t *TrackHealth) Revalidate() {
	t.mu.Lock()
	track := t.track
	t.mu.Unlock()
	if track == nil {
		return
	}

	if !t.observe(track).Healthy() {
		t.Degraded("revalidate")
	}
}

// observe refreshes the health record from the bound track and returns it.
func (t *TrackHealth) observe(track ports.MediaTrack) domain.TrackHealthRecord {
	state, muted := track.ReadyState(), track.Muted()
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.track == track {
		t.record.ReadyState = state
		t.record.Muted = muted
		return t.record
	}
	return domain.TrackHealthRecord{
		TrackID:    track.ID(),
		Kind:       track.Kind(),
		ReadyState: state,
		Muted:      muted,
	}
}

func (t *TrackHealth) recover(attempt int) {
	if t.opLock != nil {
		t.opLock.Lock()
		defer t.opLock.Unlock()
	}

	t.mu.Lock()
	if t.fatal || t.stopped {
		t.mu.Unlock()
		return
	}
	ctx := t.ctx
	constraints := t.constraints
	old := t.track
	t.mu.Unlock()

	newTrack, err := t.acquire(ctx, constraints)
	if err == nil {
		err = t.verify(newTrack)
		if err != nil {
			newTrack.Stop()
		}
	}
	if err != nil {
		t.finishAttempt(attempt, err)
		return
	}

	t.mu.Lock()
	stopped := t.stopped
	t.mu.Unlock()
	if stopped {
		// Torn down while the re-acquisition was in flight.
		newTrack.Stop()
		return
	}

	if replaceErr := t.allocator.ReplaceTrack(newTrack.Kind(), newTrack.RTPTrack()); replaceErr != nil {
		if t.onRenegotiate == nil {
			newTrack.Stop()
			t.finishAttempt(attempt, replaceErr)
			return
		}
		// ReplaceTrack failed; bind via a full renegotiation instead.
		t.log.Warnw("replace failed, falling back to renegotiation", "error", replaceErr)
		if t.adopt(old, newTrack) {
			t.onRenegotiate()
			t.notifyRecovered()
		}
		return
	}

	if t.adopt(old, newTrack) {
		t.log.Infow("track recovered", "track_id", newTrack.ID(), "attempt", attempt)
		t.notifyRecovered()
	}
}

func (t *TrackHealth) notifyRecovered() {
	if t.onRecovered != nil {
		t.onRecovered()
	}
}

// acquire replays the original constraints, falling back once to reduced
// constraints on failure.
func (t *TrackHealth) acquire(ctx context.Context, constraints domain.MediaConstraints) (ports.MediaTrack, error) {
	tracks, err := t.source.Acquire(ctx, constraints)
	if err != nil {
		t.log.Warnw("media re-acquisition failed, retrying reduced", "error", err)
		tracks, err = t.source.Acquire(ctx, constraints.Reduced())
		if err != nil {
			return nil, domain.NewSessionError(domain.CodeMediaAcquisition, "", "media re-acquisition failed", err)
		}
	}

	for _, track := range tracks {
		if track.Kind() == domain.TrackKindVideo {
			return track, nil
		}
	}
	return nil, domain.NewSessionError(domain.CodeMediaAcquisition, "", "no video track in acquired media", nil)
}

// adopt binds the recovered track, unless the manager was stopped while the
// re-acquisition was in flight; then the fresh track is stopped instead of
// leaking past teardown. Reports whether the track was adopted.
func (t *TrackHealth) adopt(old, newTrack ports.MediaTrack) bool {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		newTrack.Stop()
		return false
	}
	t.bindLocked(newTrack)
	t.recovering = false
	t.attempts = 0
	t.mu.Unlock()

	if old != nil && old != newTrack {
		old.Stop()
	}
	return true
}

func (t *TrackHealth) finishAttempt(attempt int, err error) {
	t.mu.Lock()
	t.recovering = false
	exhausted := attempt >= t.cfg.RecoveryAttempts
	if exhausted {
		t.fatal = true
	}
	t.mu.Unlock()

	if !exhausted {
		t.log.Warnw("track recovery attempt failed",
			"attempt", attempt,
			"max_attempts", t.cfg.RecoveryAttempts,
			"error", err,
		)
		return
	}

	t.log.Errorw("track recovery exhausted", "attempts", attempt, "error", err)
	if t.onFatal != nil {
		t.onFatal(domain.NewSessionError(domain.CodeMediaFatal, "",
			"track recovery attempts exhausted", err))
	}
}

// defaultVerify waits for the track to produce frames within the liveness
// deadline. Ready state alone is not trusted.
func (t *TrackHealth) defaultVerify(track ports.MediaTrack) error {
	if track.ReadyState() != domain.TrackLive {
		return domain.NewSessionError(domain.CodeTrackDegraded, "", "acquired track is not live", nil)
	}

	before := track.FramesProduced()
	done := make(chan struct{})
	timer := t.clk.AfterFunc(t.cfg.LivenessDeadline, func() { close(done) })
	defer timer.Stop()
	<-done

	if track.FramesProduced() <= before {
		return domain.NewSessionError(domain.CodeTrackDegraded, "", "acquired track produces no frames", nil)
	}
	return nil
}

// Record returns the current health record of the bound track.
func (t *TrackHealth) Record() domain.TrackHealthRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.record
}

// Fatal reports whether automatic recovery has been exhausted.
func (t *TrackHealth) Fatal() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.fatal
}

// Attempts returns the count of recoveries since the last success.
func (t *TrackHealth) Attempts() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.attempts
}

func (t *TrackHealth) pollLoop(poller clock.Ticker, done chan struct{}) {
	for {
		select {
		case <-done:
			return
		case <-poller.C():
			t.mu.Lock()
			track := t.track
			fatal := t.fatal || t.stopped
			t.mu.Unlock()
			if fatal || track == nil {
				continue
			}
			if !t.observe(track).Healthy() {
				t.Degraded("poll")
			}
		}
	}
}

// Stop halts monitoring and the poll loop and stops the bound track.
func (t *TrackHealth) Stop() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	track := t.track
	t.track = nil
	if t.backoffTimer != nil {
		t.backoffTimer.Stop()
		t.backoffTimer = nil
	}
	if t.poller != nil {
		t.poller.Stop()
		close(t.pollDone)
		t.poller = nil
	}
	t.mu.Unlock()

	if track != nil {
		track.Stop()
	}
}

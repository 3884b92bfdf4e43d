package services

import (
	"sync"
	"time"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"peerlink/internal/core/domain"
	"peerlink/internal/core/ports"
	"peerlink/pkg/clock"
)

// IceBuffer queues remote candidates for one session until the remote
// description is committed, then drains them strictly in arrival order.
// Candidates arriving after the first flush are applied directly, except
// during the short critical section while an answer is being applied, when
// they are buffered again. A forced-flush timer after each flush catches
// anything that slipped into the buffer during that window.
type IceBuffer struct {
	mu       sync.Mutex
	pc       ports.PeerConnection
	clk      clock.Clock
	log      *zap.SugaredLogger
	remoteID domain.PeerID

	pending  []domain.PendingCandidate
	flushed  bool
	applying bool
	draining bool
	cleared  bool

	forcedDelay time.Duration
	forcedTimer clock.Timer
}

func NewIceBuffer(remoteID domain.PeerID, pc ports.PeerConnection, forcedDelay time.Duration, clk clock.Clock, log *zap.SugaredLogger) *IceBuffer {
	return &IceBuffer{
		pc:          pc,
		clk:         clk,
		log:         log,
		remoteID:    remoteID,
		forcedDelay: forcedDelay,
	}
}

// Enqueue records a remote candidate. A candidate is applied directly only
// when the buffer has flushed, no answer is being applied and nothing earlier
// is still queued or draining; otherwise it joins the FIFO so it can never
// overtake a candidate that arrived before it.
func (b *IceBuffer) Enqueue(c webrtc.ICECandidateInit) {
	b.mu.Lock()
	if b.cleared {
		b.mu.Unlock()
		return
	}
	if !b.flushed || b.applying || b.draining || len(b.pending) > 0 {
		b.pending = append(b.pending, domain.PendingCandidate{
			RemoteID:   b.remoteID,
			Candidate:  c,
			ReceivedAt: b.clk.Now(),
		})
		kick := b.flushed && !b.applying && !b.draining
		b.mu.Unlock()
		if kick {
			b.drain()
		}
		return
	}
	b.mu.Unlock()

	b.apply(c)
}

// BeginApply opens the critical section during which an incoming answer is
// being applied; candidates arriving now are buffered even if a flush
// already happened.
func (b *IceBuffer) BeginApply() {
	b.mu.Lock()
	b.applying = true
	b.mu.Unlock()
}

// EndApply closes the critical section.
func (b *IceBuffer) EndApply() {
	b.mu.Lock()
	b.applying = false
	b.mu.Unlock()
}

// Flush drains the queue sequentially in arrival order. It is called once
// immediately after every remote-description commit; a forced re-drain a
// few seconds later guards against candidates that arrived during the
// critical section.
func (b *IceBuffer) Flush() {
	b.mu.Lock()
	if b.cleared {
		b.mu.Unlock()
		return
	}
	b.flushed = true
	if b.forcedTimer != nil {
		b.forcedTimer.Stop()
	}
	if b.forcedDelay > 0 {
		b.forcedTimer = b.clk.AfterFunc(b.forcedDelay, b.drain)
	}
	b.mu.Unlock()

	b.drain()
}

func (b *IceBuffer) drain() {
	b.mu.Lock()
	if b.draining {
		// The running drain will consume anything appended meanwhile.
		b.mu.Unlock()
		return
	}
	b.draining = true
	b.mu.Unlock()

	for {
		b.mu.Lock()
		if b.cleared || len(b.pending) == 0 {
			b.draining = false
			b.mu.Unlock()
			return
		}
		next := b.pending[0]
		b.pending = b.pending[1:]
		b.mu.Unlock()

		b.apply(next.Candidate)
	}
}

// apply adds one candidate. Individual failures are logged and skipped so a
// single bad candidate never aborts the rest of the drain.
func (b *IceBuffer) apply(c webrtc.ICECandidateInit) {
	if err := b.pc.AddICECandidate(c); err != nil {
		b.log.Warnw("failed to add ICE candidate, skipping",
			"remote_id", b.remoteID,
			"error", err,
		)
	}
}

// Pending returns the number of buffered candidates.
func (b *IceBuffer) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Clear drops all buffered candidates and cancels the forced-flush timer.
// The buffer is dead afterwards; teardown calls this.
func (b *IceBuffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cleared = true
	b.pending = nil
	if b.forcedTimer != nil {
		b.forcedTimer.Stop()
		b.forcedTimer = nil
	}
}

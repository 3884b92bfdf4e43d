package services

import (
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"peerlink/internal/core/domain"
	"peerlink/pkg/clock"
)

// HealthConfig holds the per-state timeouts of the monitor. Disconnected
// gets the longest one because the ICE agent can self-heal out of it;
// gathering gets the shortest.
type HealthConfig struct {
	CheckingTimeout     time.Duration
	GatheringTimeout    time.Duration
	DisconnectedTimeout time.Duration
	StuckHandshake      time.Duration
}

// HealthMonitor watches the connection lifecycle of one session and arms a
// timeout whenever it enters a transitional state. On timeout or terminal
// failure it emits exactly one failure event carrying a diagnostic
// snapshot; duplicates are swallowed. An independent stuck-handshake timer
// armed at offer-sent catches handshakes that never reach connected even
// when no explicit failure fires.
type HealthMonitor struct {
	mu  sync.Mutex
	clk clock.Clock
	log *zap.SugaredLogger
	cfg HealthConfig

	remoteID domain.PeerID

	connState   webrtc.PeerConnectionState
	iceState    webrtc.ICEConnectionState
	gatherState webrtc.ICEGathererState

	candidatesSent     int
	candidatesReceived int
	enteredStateAt     time.Time

	stateTimer clock.Timer
	stuckTimer clock.Timer

	failed  bool
	stopped bool

	onFailure func(*domain.SessionError, domain.HealthSnapshot)
}

func NewHealthMonitor(
	remoteID domain.PeerID,
	cfg HealthConfig,
	onFailure func(*domain.SessionError, domain.HealthSnapshot),
	clk clock.Clock,
	log *zap.SugaredLogger,
) *HealthMonitor {
	return &HealthMonitor{
		clk:            clk,
		log:            log,
		cfg:            cfg,
		remoteID:       remoteID,
		enteredStateAt: clk.Now(),
		onFailure:      onFailure,
	}
}

// ObserveConnectionState handles top-level peer connection transitions.
func (m *HealthMonitor) ObserveConnectionState(state webrtc.PeerConnectionState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return
	}

	m.connState = state
	m.enteredStateAt = m.clk.Now()

	switch state {
	case webrtc.PeerConnectionStateConnecting:
		m.armStateTimerLocked(m.cfg.CheckingTimeout, domain.CodeIceTimeout, "connecting timed out")
	case webrtc.PeerConnectionStateConnected:
		m.clearTimersLocked()
	case webrtc.PeerConnectionStateFailed:
		m.failLocked(domain.CodeIceFailed, "peer connection failed", nil)
	case webrtc.PeerConnectionStateClosed:
		m.clearTimersLocked()
	}
}

// ObserveICEConnectionState handles ICE agent transitions.
func (m *HealthMonitor) ObserveICEConnectionState(state webrtc.ICEConnectionState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return
	}

	m.iceState = state
	m.enteredStateAt = m.clk.Now()

	switch state {
	case webrtc.ICEConnectionStateChecking:
		m.armStateTimerLocked(m.cfg.CheckingTimeout, domain.CodeIceTimeout, "ICE checking timed out")
	case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
		m.clearTimersLocked()
	case webrtc.ICEConnectionStateDisconnected:
		m.armStateTimerLocked(m.cfg.DisconnectedTimeout, domain.CodeIceTimeout, "ICE disconnected and did not recover")
	case webrtc.ICEConnectionStateFailed:
		m.failLocked(domain.CodeIceFailed, "ICE connection failed", nil)
	}
}

// ObserveICEGatheringState handles gatherer transitions. Gathering that
// completes with zero local candidates is a failure: a network that
// gathers nothing cannot connect.
func (m *HealthMonitor) ObserveICEGatheringState(state webrtc.ICEGathererState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return
	}

	m.gatherState = state
	m.enteredStateAt = m.clk.Now()

	switch state {
	case webrtc.ICEGathererStateGathering:
		m.armStateTimerLocked(m.cfg.GatheringTimeout, domain.CodeIceTimeout, "ICE gathering timed out")
	case webrtc.ICEGathererStateComplete:
		if m.stateTimer != nil {
			m.stateTimer.Stop()
			m.stateTimer = nil
		}
		if m.candidatesSent == 0 {
			m.failLocked(domain.CodeIceGatheringEmpty, "ICE gathering completed with zero candidates", nil)
		}
	}
}

// CandidateSent counts one locally gathered candidate.
func (m *HealthMonitor) CandidateSent() {
	m.mu.Lock()
	m.candidatesSent++
	m.mu.Unlock()
}

// CandidateReceived counts one remote candidate.
func (m *HealthMonitor) CandidateReceived() {
	m.mu.Lock()
	m.candidatesReceived++
	m.mu.Unlock()
}

// OfferSent arms the stuck-handshake watchdog. It re-arms on every offer;
// only reaching connected disarms it.
func (m *HealthMonitor) OfferSent() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return
	}

	if m.stuckTimer != nil {
		m.stuckTimer.Stop()
	}
	m.stuckTimer = m.clk.AfterFunc(m.cfg.StuckHandshake, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.stopped {
			return
		}
		if m.connState == webrtc.PeerConnectionStateConnected {
			return
		}
		m.failLocked(domain.CodeHandshakeStuck,
			fmt.Sprintf("handshake did not reach connected within %s", m.cfg.StuckHandshake), nil)
	})
}

// Snapshot captures the current diagnostic view.
func (m *HealthMonitor) Snapshot() domain.HealthSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

// Stop cancels all timers. Further observations are ignored.
func (m *HealthMonitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = true
	m.clearTimersLocked()
}

func (m *HealthMonitor) snapshotLocked() domain.HealthSnapshot {
	phase := domain.PhaseConnecting
	switch {
	case m.failed:
		phase = domain.PhaseFailed
	case m.connState == webrtc.PeerConnectionStateConnected:
		phase = domain.PhaseConnected
	case m.iceState == webrtc.ICEConnectionStateDisconnected:
		phase = domain.PhaseDegraded
	}

	now := m.clk.Now()
	return domain.HealthSnapshot{
		RemoteID:           m.remoteID,
		Phase:              phase,
		ConnectionState:    m.connState.String(),
		IceConnectionState: m.iceState.String(),
		IceGatheringState:  m.gatherState.String(),
		CandidatesSent:     m.candidatesSent,
		CandidatesReceived: m.candidatesReceived,
		TimeInState:        now.Sub(m.enteredStateAt),
		TakenAt:            now,
	}
}

func (m *HealthMonitor) armStateTimerLocked(d time.Duration, code domain.FailureCode, msg string) {
	if m.stateTimer != nil {
		m.stateTimer.Stop()
	}
	m.stateTimer = m.clk.AfterFunc(d, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.stopped {
			return
		}
		m.failLocked(code, msg, nil)
	})
}

func (m *HealthMonitor) clearTimersLocked() {
	if m.stateTimer != nil {
		m.stateTimer.Stop()
		m.stateTimer = nil
	}
	if m.stuckTimer != nil {
		m.stuckTimer.Stop()
		m.stuckTimer = nil
	}
}

// failLocked emits the single failure event for this session. Later
// failures of any kind are swallowed.
func (m *HealthMonitor) failLocked(code domain.FailureCode, msg string, cause error) {
	if m.failed {
		return
	}
	m.failed = true
	m.clearTimersLocked()

	snapshot := m.snapshotLocked()
	sessionErr := domain.NewSessionError(code, m.remoteID, msg, cause)

	m.log.Warnw("connection failure",
		"remote_id", m.remoteID,
		"code", code,
		"message", msg,
		"candidates_sent", snapshot.CandidatesSent,
		"candidates_received", snapshot.CandidatesReceived,
		"time_in_state", snapshot.TimeInState,
	)

	if m.onFailure != nil {
		// Deliver off the lock; the handler typically tears the session
		// down, which calls back into Stop.
		go m.onFailure(sessionErr, snapshot)
	}
}

package domain

import "time"

// HealthSnapshot is the diagnostic payload attached to failure events and
// exposed by the diagnostics API.
type HealthSnapshot struct {
	RemoteID           PeerID          `json:"remote_id"`
	Phase              ConnectionPhase `json:"phase"`
	ConnectionState    string          `json:"connection_state"`
	IceConnectionState string          `json:"ice_connection_state"`
	IceGatheringState  string          `json:"ice_gathering_state"`
	CandidatesSent     int             `json:"candidates_sent"`
	CandidatesReceived int             `json:"candidates_received"`
	TimeInState        time.Duration   `json:"time_in_state"`
	TakenAt            time.Time       `json:"taken_at"`
}

// Events are the lifecycle hooks the orchestrators expose to the rest of the
// application. All fields are optional; nil hooks are skipped. Handlers run
// on the orchestrator's goroutine and must not block.
type Events struct {
	ParticipantJoined func(remoteID PeerID)
	ParticipantLeft   func(remoteID PeerID)
	StreamReady       func(remoteID PeerID, info StreamInfo)
	ConnectionFailed  func(remoteID PeerID, err *SessionError, snapshot HealthSnapshot)
	Health            func(snapshot HealthSnapshot)

	// NegotiationComplete fires when an offer/answer exchange settles.
	NegotiationComplete func(remoteID PeerID)
	// GlareRollback fires when the polite side rolls back its own offer.
	GlareRollback func(remoteID PeerID)
	// Connected fires once per session reaching the connected state, with
	// the time elapsed since session creation.
	Connected func(remoteID PeerID, after time.Duration)
	// TrackRecovered fires when a degraded local track was replaced in
	// place by a live one.
	TrackRecovered func(remoteID PeerID)
	// SessionRebuilt fires when a governed rebuild re-requests an offer
	// after a failure.
	SessionRebuilt func(remoteID PeerID)
}

func (e Events) EmitParticipantJoined(id PeerID) {
	if e.ParticipantJoined != nil {
		e.ParticipantJoined(id)
	}
}

func (e Events) EmitParticipantLeft(id PeerID) {
	if e.ParticipantLeft != nil {
		e.ParticipantLeft(id)
	}
}

func (e Events) EmitStreamReady(id PeerID, info StreamInfo) {
	if e.StreamReady != nil {
		e.StreamReady(id, info)
	}
}

func (e Events) EmitConnectionFailed(id PeerID, err *SessionError, snapshot HealthSnapshot) {
	if e.ConnectionFailed != nil {
		e.ConnectionFailed(id, err, snapshot)
	}
}

func (e Events) EmitHealth(snapshot HealthSnapshot) {
	if e.Health != nil {
		e.Health(snapshot)
	}
}

func (e Events) EmitNegotiationComplete(id PeerID) {
	if e.NegotiationComplete != nil {
		e.NegotiationComplete(id)
	}
}

func (e Events) EmitGlareRollback(id PeerID) {
	if e.GlareRollback != nil {
		e.GlareRollback(id)
	}
}

func (e Events) EmitConnected(id PeerID, after time.Duration) {
	if e.Connected != nil {
		e.Connected(id, after)
	}
}

func (e Events) EmitTrackRecovered(id PeerID) {
	if e.TrackRecovered != nil {
		e.TrackRecovered(id)
	}
}

func (e Events) EmitSessionRebuilt(id PeerID) {
	if e.SessionRebuilt != nil {
		e.SessionRebuilt(id)
	}
}

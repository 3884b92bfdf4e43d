package domain

import (
	"time"

	"github.com/pion/webrtc/v3"
)

// PendingCandidate is a remote ICE candidate waiting for the session's
// remote description. Candidates are kept and drained strictly in arrival
// order.
type PendingCandidate struct {
	RemoteID   PeerID
	Candidate  webrtc.ICECandidateInit
	ReceivedAt time.Time
}

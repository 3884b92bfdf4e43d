package domain

import "time"

type PeerID string

type SessionID string

// Role fixes how a session resolves simultaneous offers. It is assigned at
// session construction and never changes afterwards; both sides of a link
// must hold opposite roles.
type Role string

const (
	// RolePolite yields on glare: it rolls back its own pending offer and
	// answers the remote one.
	RolePolite Role = "polite"
	// RoleImpolite wins on glare: it ignores the incoming offer and keeps
	// its own.
	RoleImpolite Role = "impolite"
)

// NegotiationState tracks where a session is in the offer/answer exchange.
type NegotiationState string

const (
	NegotiationIdle          NegotiationState = "idle"
	NegotiationMakingOffer   NegotiationState = "making-offer"
	NegotiationOfferSent     NegotiationState = "offer-sent"
	NegotiationAnswerPending NegotiationState = "answer-pending"
	NegotiationStable        NegotiationState = "stable"
)

// ConnectionPhase is the coarse, user-visible state of a session. Detailed
// diagnostics live in HealthSnapshot.
type ConnectionPhase string

const (
	PhaseConnecting ConnectionPhase = "connecting"
	PhaseConnected  ConnectionPhase = "connected"
	PhaseDegraded   ConnectionPhase = "degraded"
	PhaseFailed     ConnectionPhase = "failed"
)

// TransceiverSlot is one fixed position in a session's media-line layout.
// Index and Kind are set at allocation and never change; only the bound
// track identity may.
type TransceiverSlot struct {
	Kind           TrackKind
	Index          int
	CurrentTrackID string
}

// Session is the negotiation record for one remote counterpart. The owning
// registry guarantees that timers, buffered candidates and health records
// referencing a session are torn down together with it.
type Session struct {
	ID               SessionID
	RemoteID         PeerID
	Role             Role
	NegotiationState NegotiationState
	Phase            ConnectionPhase
	Slots            []TransceiverSlot
	CreatedAt        time.Time
}

// Slot returns the slot for the given kind, or nil if the layout has none.
func (s *Session) Slot(kind TrackKind) *TransceiverSlot {
	for i := range s.Slots {
		if s.Slots[i].Kind == kind {
			return &s.Slots[i]
		}
	}
	return nil
}

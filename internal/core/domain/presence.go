package domain

import "time"

// Participant is the room-roster entry for a connected contributor. The
// roster is bookkeeping around the handshake core; it never drives the
// negotiation state machine.
type Participant struct {
	ID       PeerID      `json:"id"`
	RoomID   string      `json:"room_id"`
	JoinedAt time.Time   `json:"joined_at"`
	LastSeen time.Time   `json:"last_seen"`
	Stream   *StreamInfo `json:"stream,omitempty"`
}

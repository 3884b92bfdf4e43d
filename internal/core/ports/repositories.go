package ports

import (
	"context"

	"peerlink/internal/core/domain"
)

// PresenceRepository is the room roster store. Memory by default; the redis
// implementation lets several host instances of the same application share a
// roster.
type PresenceRepository interface {
	Add(ctx context.Context, p *domain.Participant) error
	Get(ctx context.Context, id domain.PeerID) (*domain.Participant, error)
	Remove(ctx context.Context, id domain.PeerID) error
	ListByRoom(ctx context.Context, roomID string) ([]*domain.Participant, error)
	Touch(ctx context.Context, id domain.PeerID) error
}

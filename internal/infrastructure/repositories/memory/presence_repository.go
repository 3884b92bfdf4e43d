package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"peerlink/internal/core/domain"
	"peerlink/internal/core/ports"
)

type PresenceRepository struct {
	mu           sync.RWMutex
	participants map[domain.PeerID]*domain.Participant
}

func NewPresenceRepository() ports.PresenceRepository {
	return &PresenceRepository{
		participants: make(map[domain.PeerID]*domain.Participant),
	}
}

func (r *PresenceRepository) Add(ctx context.Context, p *domain.Participant) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.participants[p.ID]; ok && existing.RoomID != p.RoomID {
		return fmt.Errorf("participant %s already joined room %s", p.ID, existing.RoomID)
	}

	copied := *p
	r.participants[p.ID] = &copied
	return nil
}

func (r *PresenceRepository) Get(ctx context.Context, id domain.PeerID) (*domain.Participant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.participants[id]
	if !ok {
		return nil, domain.ErrParticipantNotFound
	}
	copied := *p
	return &copied, nil
}

func (r *PresenceRepository) Remove(ctx context.Context, id domain.PeerID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.participants[id]; !ok {
		return domain.ErrParticipantNotFound
	}
	delete(r.participants, id)
	return nil
}

func (r *PresenceRepository) ListByRoom(ctx context.Context, roomID string) ([]*domain.Participant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var roster []*domain.Participant
	for _, p := range r.participants {
		if p.RoomID == roomID {
			copied := *p
			roster = append(roster, &copied)
		}
	}
	return roster, nil
}

func (r *PresenceRepository) Touch(ctx context.Context, id domain.PeerID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.participants[id]
	if !ok {
		return domain.ErrParticipantNotFound
	}
	p.LastSeen = time.Now()
	return nil
}

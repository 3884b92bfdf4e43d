package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"peerlink/internal/core/domain"
	"peerlink/internal/core/ports"
)

// presenceTTL bounds how long a roster entry outlives its last heartbeat.
const presenceTTL = 2 * time.Minute

// PresenceRepository stores the room roster in redis so several relay
// instances can share it. Entries expire unless touched.
type PresenceRepository struct {
	client *redis.Client
}

func NewPresenceRepository(client *redis.Client) *PresenceRepository {
	return &PresenceRepository{client: client}
}

func (r *PresenceRepository) participantKey(id domain.PeerID) string {
	return fmt.Sprintf("peerlink:presence:%s", id)
}

func (r *PresenceRepository) roomKey(roomID string) string {
	return fmt.Sprintf("peerlink:room:%s", roomID)
}

func (r *PresenceRepository) Add(ctx context.Context, p *domain.Participant) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal participant: %w", err)
	}

	pipe := r.client.Pipeline()
	pipe.Set(ctx, r.participantKey(p.ID), data, presenceTTL)
	pipe.SAdd(ctx, r.roomKey(p.RoomID), string(p.ID))
	_, err = pipe.Exec(ctx)
	return err
}

func (r *PresenceRepository) Get(ctx context.Context, id domain.PeerID) (*domain.Participant, error) {
	data, err := r.client.Get(ctx, r.participantKey(id)).Bytes()
	if err == redis.Nil {
		return nil, domain.ErrParticipantNotFound
	}
	if err != nil {
		return nil, err
	}

	var p domain.Participant
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to unmarshal participant: %w", err)
	}
	return &p, nil
}

func (r *PresenceRepository) Remove(ctx context.Context, id domain.PeerID) error {
	p, err := r.Get(ctx, id)
	if err != nil {
		return err
	}

	pipe := r.client.Pipeline()
	pipe.Del(ctx, r.participantKey(id))
	pipe.SRem(ctx, r.roomKey(p.RoomID), string(id))
	_, err = pipe.Exec(ctx)
	return err
}

func (r *PresenceRepository) ListByRoom(ctx context.Context, roomID string) ([]*domain.Participant, error) {
	ids, err := r.client.SMembers(ctx, r.roomKey(roomID)).Result()
	if err != nil {
		return nil, err
	}

	var roster []*domain.Participant
	for _, id := range ids {
		p, err := r.Get(ctx, domain.PeerID(id))
		if err == domain.ErrParticipantNotFound {
			// Expired entry still referenced by the room set.
			r.client.SRem(ctx, r.roomKey(roomID), id)
			continue
		}
		if err != nil {
			return nil, err
		}
		roster = append(roster, p)
	}
	return roster, nil
}

func (r *PresenceRepository) Touch(ctx context.Context, id domain.PeerID) error {
	p, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	p.LastSeen = time.Now()

	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal participant: %w", err)
	}
	return r.client.Set(ctx, r.participantKey(id), data, presenceTTL).Err()
}

var _ ports.PresenceRepository = (*PresenceRepository)(nil)

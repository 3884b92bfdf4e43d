package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"peerlink/internal/core/domain"
	"peerlink/internal/core/ports"
	"peerlink/pkg/batch"
)

// RedisOperation is one batched redis command.
type RedisOperation struct {
	Type   string // "set", "sadd", "srem", "del"
	Key    string
	Value  interface{}
	TTL    time.Duration
	client *redis.Client
}

// Execute runs the operation on its own, outside a batch.
func (op *RedisOperation) Execute(ctx context.Context) error {
	switch op.Type {
	case "set":
		data, ok := op.Value.([]byte)
		if !ok {
			return fmt.Errorf("invalid value type for set operation")
		}
		return op.client.Set(ctx, op.Key, data, op.TTL).Err()
	case "sadd":
		member, ok := op.Value.(string)
		if !ok {
			return fmt.Errorf("invalid value type for sadd operation")
		}
		return op.client.SAdd(ctx, op.Key, member).Err()
	case "srem":
		member, ok := op.Value.(string)
		if !ok {
			return fmt.Errorf("invalid value type for srem operation")
		}
		return op.client.SRem(ctx, op.Key, member).Err()
	case "del":
		return op.client.Del(ctx, op.Key).Err()
	default:
		return fmt.Errorf("unknown operation type: %s", op.Type)
	}
}

// BatchProcessor executes a batch of redis operations in one pipeline.
type BatchProcessor struct {
	client *redis.Client
}

func (p *BatchProcessor) ProcessBatch(ctx context.Context, operations []batch.Operation) error {
	if len(operations) == 0 {
		return nil
	}

	pipe := p.client.Pipeline()
	for _, op := range operations {
		redisOp, ok := op.(*RedisOperation)
		if !ok {
			continue
		}
		switch redisOp.Type {
		case "set":
			if data, ok := redisOp.Value.([]byte); ok {
				pipe.Set(ctx, redisOp.Key, data, redisOp.TTL)
			}
		case "sadd":
			if member, ok := redisOp.Value.(string); ok {
				pipe.SAdd(ctx, redisOp.Key, member)
			}
		case "srem":
			if member, ok := redisOp.Value.(string); ok {
				pipe.SRem(ctx, redisOp.Key, member)
			}
		case "del":
			pipe.Del(ctx, redisOp.Key)
		}
	}

	_, err := pipe.Exec(ctx)
	return err
}

// BatchedPresenceRepository coalesces roster writes into pipelined batches.
// Touch storms from busy rooms become one pipeline per interval; reads stay
// immediate.
type BatchedPresenceRepository struct {
	base    *PresenceRepository
	batcher *batch.Batcher
}

func NewBatchedPresenceRepository(base *PresenceRepository, batchSize int, batchInterval time.Duration) *BatchedPresenceRepository {
	processor := &BatchProcessor{client: base.client}
	return &BatchedPresenceRepository{
		base:    base,
		batcher: batch.NewBatcher(batchSize, batchInterval, processor),
	}
}

func (r *BatchedPresenceRepository) Add(ctx context.Context, p *domain.Participant) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal participant: %w", err)
	}

	if err := r.batcher.Add(&RedisOperation{
		Type:   "set",
		Key:    r.base.participantKey(p.ID),
		Value:  data,
		TTL:    presenceTTL,
		client: r.base.client,
	}); err != nil {
		return err
	}

	return r.batcher.Add(&RedisOperation{
		Type:   "sadd",
		Key:    r.base.roomKey(p.RoomID),
		Value:  string(p.ID),
		client: r.base.client,
	})
}

func (r *BatchedPresenceRepository) Get(ctx context.Context, id domain.PeerID) (*domain.Participant, error) {
	return r.base.Get(ctx, id)
}

func (r *BatchedPresenceRepository) Remove(ctx context.Context, id domain.PeerID) error {
	p, err := r.base.Get(ctx, id)
	if err != nil {
		return err
	}

	if err := r.batcher.Add(&RedisOperation{
		Type:   "del",
		Key:    r.base.participantKey(id),
		client: r.base.client,
	}); err != nil {
		return err
	}

	return r.batcher.Add(&RedisOperation{
		Type:   "srem",
		Key:    r.base.roomKey(p.RoomID),
		Value:  string(id),
		client: r.base.client,
	})
}

func (r *BatchedPresenceRepository) ListByRoom(ctx context.Context, roomID string) ([]*domain.Participant, error) {
	return r.base.ListByRoom(ctx, roomID)
}

func (r *BatchedPresenceRepository) Touch(ctx context.Context, id domain.PeerID) error {
	p, err := r.base.Get(ctx, id)
	if err != nil {
		return err
	}
	p.LastSeen = time.Now()

	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal participant: %w", err)
	}

	return r.batcher.Add(&RedisOperation{
		Type:   "set",
		Key:    r.base.participantKey(id),
		Value:  data,
		TTL:    presenceTTL,
		client: r.base.client,
	})
}

// Flush forces all pending operations through immediately.
func (r *BatchedPresenceRepository) Flush(ctx context.Context) error {
	return r.batcher.Flush(ctx)
}

// Stop stops the background batching loop.
func (r *BatchedPresenceRepository) Stop() {
	r.batcher.Stop()
}

var _ ports.PresenceRepository = (*BatchedPresenceRepository)(nil)

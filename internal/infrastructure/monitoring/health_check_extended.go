package monitoring

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"peerlink/internal/core/ports"
)

// AddRedisCheck pings the redis backing of the presence roster.
func (h *HealthChecker) AddRedisCheck(client *redis.Client, interval, timeout time.Duration) {
	h.AddCheck("redis", func(ctx context.Context) (bool, error) {
		if err := client.Ping(ctx).Err(); err != nil {
			return false, err
		}
		return true, nil
	}, interval, timeout)
}

// AddPresenceCheck verifies the presence repository answers a room listing.
func (h *HealthChecker) AddPresenceCheck(repo ports.PresenceRepository, roomID string, interval, timeout time.Duration) {
	h.AddCheck("presence", func(ctx context.Context) (bool, error) {
		if _, err := repo.ListByRoom(ctx, roomID); err != nil {
			return false, err
		}
		return true, nil
	}, interval, timeout)
}

// AddTransportCheck reports whether the signaling connection is up.
func (h *HealthChecker) AddTransportCheck(transport ports.SignalTransport, interval, timeout time.Duration) {
	h.AddCheck("signaling", func(ctx context.Context) (bool, error) {
		if !transport.IsReady() {
			return false, errors.New("signaling transport not connected")
		}
		return true, nil
	}, interval, timeout)
}

package ports

import (
	"context"

	"peerlink/internal/core/domain"
)

// SignalTransport is the message bus between the two logical endpoints of a
// session. Delivery is at-least-once with no ordering guarantee across
// message types; the core tolerates duplicated and reordered candidate vs
// answer delivery.
type SignalTransport interface {
	Send(ctx context.Context, msg domain.SignalMessage) error
	On(msgType domain.MessageType, handler func(domain.SignalMessage))
	IsReady() bool
}

package reliability

import (
	"context"

	"go.uber.org/zap"

	"peerlink/internal/core/domain"
	"peerlink/internal/core/ports"
	"peerlink/pkg/circuitbreaker"
	"peerlink/pkg/clock"
	"peerlink/pkg/retry"
)

// ResilientTransport wraps a SignalTransport with retry and per-target
// circuit breaking. A flapping remote trips only its own breaker; sends to
// other targets keep flowing.
type ResilientTransport struct {
	inner       ports.SignalTransport
	retryConfig retry.Config
	breakers    *circuitbreaker.Registry
	logger      *zap.SugaredLogger
}

func NewResilientTransport(
	inner ports.SignalTransport,
	retryConfig retry.Config,
	cbConfig circuitbreaker.Config,
	logger *zap.SugaredLogger,
) *ResilientTransport {
	breakers := circuitbreaker.NewRegistry(cbConfig, clock.New())
	breakers.OnStateChange(func(key string, from, to circuitbreaker.State) {
		logger.Infow("signal breaker state changed",
			"target", key, "from", from.String(), "to", to.String())
	})
	return &ResilientTransport{
		inner:       inner,
		retryConfig: retryConfig,
		breakers:    breakers,
		logger:      logger,
	}
}

// Send retries transient failures and routes the attempt through the
// breaker of the message target. Untargeted messages share one breaker.
func (t *ResilientTransport) Send(ctx context.Context, msg domain.SignalMessage) error {
	breaker := t.breakers.Get(t.breakerKey(msg))

	err := retry.Retry(ctx, t.retryConfig, func() error {
		return breaker.Execute(ctx, func() error {
			return t.inner.Send(ctx, msg)
		})
	})
	if err != nil {
		t.logger.Warnw("send failed after retries",
			"type", msg.Type, "target", msg.TargetUserID, "error", err)
	}
	return err
}

func (t *ResilientTransport) On(msgType domain.MessageType, handler func(domain.SignalMessage)) {
	t.inner.On(msgType, handler)
}

func (t *ResilientTransport) IsReady() bool {
	return t.inner.IsReady()
}

// Forget drops the breaker for a departed remote.
func (t *ResilientTransport) Forget(remoteID domain.PeerID) {
	t.breakers.Remove(string(remoteID))
}

func (t *ResilientTransport) breakerKey(msg domain.SignalMessage) string {
	if msg.TargetUserID != "" {
		return string(msg.TargetUserID)
	}
	return "broadcast"
}

// BreakerState reports the breaker state for one target, for diagnostics.
func (t *ResilientTransport) BreakerState(target string) circuitbreaker.State {
	return t.breakers.Get(target).GetState()
}

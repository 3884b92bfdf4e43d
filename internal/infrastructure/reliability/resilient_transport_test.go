package reliability

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"peerlink/internal/core/domain"
	"peerlink/pkg/circuitbreaker"
	"peerlink/pkg/retry"
)

type flakyTransport struct {
	mu       sync.Mutex
	failures int
	calls    int
}

func (f *flakyTransport) Send(ctx context.Context, msg domain.SignalMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failures {
		return errors.New("transient")
	}
	return nil
}

func (f *flakyTransport) On(domain.MessageType, func(domain.SignalMessage)) {}
func (f *flakyTransport) IsReady() bool                                    { return true }

func (f *flakyTransport) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func testRetryConfig() retry.Config {
	return retry.Config{
		Enabled:      true,
		MaxAttempts:  2,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
	}
}

func TestSendRetriesTransientFailures(t *testing.T) {
	inner := &flakyTransport{failures: 2}
	rt := NewResilientTransport(inner, testRetryConfig(), circuitbreaker.DefaultConfig(), zap.NewNop().Sugar())

	msg := domain.SignalMessage{Type: domain.MessageRequestOffer, FromUserID: "host-1", TargetUserID: "alice"}
	require.NoError(t, rt.Send(context.Background(), msg))
	assert.Equal(t, 3, inner.callCount())
}

func TestSendGivesUpAfterBudget(t *testing.T) {
	inner := &flakyTransport{failures: 100}
	rt := NewResilientTransport(inner, testRetryConfig(), circuitbreaker.DefaultConfig(), zap.NewNop().Sugar())

	err := rt.Send(context.Background(), domain.SignalMessage{Type: domain.MessageRequestOffer, FromUserID: "host-1", TargetUserID: "alice"})
	require.Error(t, err)
	assert.Equal(t, 3, inner.callCount())
}

func TestBreakerIsPerTarget(t *testing.T) {
	inner := &flakyTransport{failures: 100}
	cbCfg := circuitbreaker.Config{
		FailureThreshold:    3,
		SuccessThreshold:    1,
		Timeout:             time.Hour,
		MaxRequestsHalfOpen: 1,
	}
	rt := NewResilientTransport(inner, testRetryConfig(), cbCfg, zap.NewNop().Sugar())

	// Three failed attempts trip alice's breaker.
	_ = rt.Send(context.Background(), domain.SignalMessage{Type: domain.MessageRequestOffer, FromUserID: "host-1", TargetUserID: "alice"})

	assert.Equal(t, circuitbreaker.StateOpen, rt.BreakerState("alice"))

	// Another target still gets through to the inner transport.
	inner.mu.Lock()
	inner.failures = 0
	inner.calls = 0
	inner.mu.Unlock()

	require.NoError(t, rt.Send(context.Background(),
		domain.SignalMessage{Type: domain.MessageRequestOffer, FromUserID: "host-1", TargetUserID: "bob"}))
	assert.Equal(t, 1, inner.callCount())
}

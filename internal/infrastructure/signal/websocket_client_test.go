package signal

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"peerlink/internal/core/domain"
)

// Sends before the dial completes must fail with the typed sentinel so the
// orchestrators can tell a cold transport apart from a broken write.
func TestClientSendBeforeConnectReturnsNotReady(t *testing.T) {
	c := NewWebSocketClient(ClientConfig{
		URL:                 "ws://127.0.0.1:0/ws",
		PeerID:              "host-1",
		RoomID:              "room-1",
		CandidatesPerSecond: 10,
		CandidateBurst:      4,
	}, zap.NewNop().Sugar())

	err := c.Send(context.Background(), domain.SignalMessage{Type: domain.MessageOffer})
	assert.ErrorIs(t, err, domain.ErrTransportNotReady)
	assert.False(t, c.IsReady())
}

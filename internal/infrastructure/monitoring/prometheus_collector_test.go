package monitoring

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"peerlink/internal/core/domain"
)

func TestHookRecordsLifecycleSeries(t *testing.T) {
	p := NewPrometheusCollector()

	var rebuilt domain.PeerID
	events := p.Hook(domain.Events{
		SessionRebuilt: func(id domain.PeerID) { rebuilt = id },
	})

	events.EmitParticipantJoined("alice")
	events.EmitNegotiationComplete("alice")
	events.EmitGlareRollback("alice")
	events.EmitTrackRecovered("alice")
	events.EmitSessionRebuilt("alice")
	events.EmitConnected("alice", 1500*time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(p.sessionsActive))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.negotiations))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.glareRollbacks))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.recoveriesTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.rebuildsTotal))

	var m dto.Metric
	require.NoError(t, p.connectDuration.Write(&m))
	assert.Equal(t, uint64(1), m.GetHistogram().GetSampleCount())

	// Wrapped application hooks still run.
	assert.Equal(t, domain.PeerID("alice"), rebuilt)

	events.EmitParticipantLeft("alice")
	assert.Equal(t, 0.0, testutil.ToFloat64(p.sessionsActive))
}

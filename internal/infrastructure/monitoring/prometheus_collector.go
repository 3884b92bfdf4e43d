package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"peerlink/internal/core/domain"
)

// PrometheusCollector exposes the handshake lifecycle as Prometheus metrics.
// It is wired into the orchestrator event hooks; the orchestrators themselves
// never see it.
type PrometheusCollector struct {
	sessionsActive  prometheus.Gauge
	sessionsTotal   prometheus.Counter
	negotiations    prometheus.Counter
	glareRollbacks  prometheus.Counter
	failuresTotal   *prometheus.CounterVec
	recoveriesTotal prometheus.Counter
	rebuildsTotal   prometheus.Counter

	connectDuration prometheus.Histogram

	candidatesSent     *prometheus.GaugeVec
	candidatesReceived *prometheus.GaugeVec
	sessionPhase       *prometheus.GaugeVec
}

func NewPrometheusCollector() *PrometheusCollector {
	return &PrometheusCollector{
		sessionsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "peerlink_sessions_active",
			Help: "Number of live peer sessions",
		}),

		sessionsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "peerlink_sessions_total",
			Help: "Total number of peer sessions established",
		}),

		negotiations: promauto.NewCounter(prometheus.CounterOpts{
			Name: "peerlink_negotiations_total",
			Help: "Total number of completed offer/answer exchanges",
		}),

		glareRollbacks: promauto.NewCounter(prometheus.CounterOpts{
			Name: "peerlink_glare_rollbacks_total",
			Help: "Total number of offer collisions resolved by rollback",
		}),

		failuresTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "peerlink_failures_total",
			Help: "Total number of session failures by error code",
		}, []string{"code"}),

		recoveriesTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "peerlink_track_recoveries_total",
			Help: "Total number of successful media track recoveries",
		}),

		rebuildsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "peerlink_session_rebuilds_total",
			Help: "Total number of governed session rebuilds",
		}),

		connectDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "peerlink_connect_duration_seconds",
			Help:    "Time from session creation to connected state",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		}),

		candidatesSent: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "peerlink_candidates_sent",
			Help: "ICE candidates sent for the current session",
		}, []string{"remote_id"}),

		candidatesReceived: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "peerlink_candidates_received",
			Help: "ICE candidates received for the current session",
		}, []string{"remote_id"}),

		sessionPhase: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "peerlink_session_phase",
			Help: "Current connection phase per session (enum value)",
		}, []string{"remote_id"}),
	}
}

func (p *PrometheusCollector) RecordSessionStarted(remoteID domain.PeerID) {
	p.sessionsActive.Inc()
	p.sessionsTotal.Inc()
}

func (p *PrometheusCollector) RecordSessionEnded(remoteID domain.PeerID) {
	p.sessionsActive.Dec()
	p.candidatesSent.DeleteLabelValues(string(remoteID))
	p.candidatesReceived.DeleteLabelValues(string(remoteID))
	p.sessionPhase.DeleteLabelValues(string(remoteID))
}

func (p *PrometheusCollector) RecordNegotiation()   { p.negotiations.Inc() }
func (p *PrometheusCollector) RecordGlareRollback() { p.glareRollbacks.Inc() }
func (p *PrometheusCollector) RecordRecovery()      { p.recoveriesTotal.Inc() }
func (p *PrometheusCollector) RecordRebuild()       { p.rebuildsTotal.Inc() }

func (p *PrometheusCollector) RecordFailure(err *domain.SessionError) {
	code := "unknown"
	if err != nil {
		code = string(err.Code)
	}
	p.failuresTotal.WithLabelValues(code).Inc()
}

func (p *PrometheusCollector) RecordConnectDuration(d time.Duration) {
	p.connectDuration.Observe(d.Seconds())
}

// RecordHealth updates the per-session gauges from a health snapshot.
func (p *PrometheusCollector) RecordHealth(snapshot domain.HealthSnapshot) {
	id := string(snapshot.RemoteID)
	p.candidatesSent.WithLabelValues(id).Set(float64(snapshot.CandidatesSent))
	p.candidatesReceived.WithLabelValues(id).Set(float64(snapshot.CandidatesReceived))
	p.sessionPhase.WithLabelValues(id).Set(phaseOrdinal(snapshot.Phase))
}

func phaseOrdinal(phase domain.ConnectionPhase) float64 {
	switch phase {
	case domain.PhaseConnecting:
		return 0
	case domain.PhaseConnected:
		return 1
	case domain.PhaseDegraded:
		return 2
	case domain.PhaseFailed:
		return 3
	default:
		return -1
	}
}

// Hook attaches the collector to an event set, preserving any hooks already
// installed.
func (p *PrometheusCollector) Hook(events domain.Events) domain.Events {
	joined := events.ParticipantJoined
	events.ParticipantJoined = func(id domain.PeerID) {
		p.RecordSessionStarted(id)
		if joined != nil {
			joined(id)
		}
	}

	left := events.ParticipantLeft
	events.ParticipantLeft = func(id domain.PeerID) {
		p.RecordSessionEnded(id)
		if left != nil {
			left(id)
		}
	}

	failed := events.ConnectionFailed
	events.ConnectionFailed = func(id domain.PeerID, err *domain.SessionError, snapshot domain.HealthSnapshot) {
		p.RecordFailure(err)
		p.RecordHealth(snapshot)
		if failed != nil {
			failed(id, err, snapshot)
		}
	}

	health := events.Health
	events.Health = func(snapshot domain.HealthSnapshot) {
		p.RecordHealth(snapshot)
		if health != nil {
			health(snapshot)
		}
	}

	negotiated := events.NegotiationComplete
	events.NegotiationComplete = func(id domain.PeerID) {
		p.RecordNegotiation()
		if negotiated != nil {
			negotiated(id)
		}
	}

	rollback := events.GlareRollback
	events.GlareRollback = func(id domain.PeerID) {
		p.RecordGlareRollback()
		if rollback != nil {
			rollback(id)
		}
	}

	connected := events.Connected
	events.Connected = func(id domain.PeerID, after time.Duration) {
		p.RecordConnectDuration(after)
		if connected != nil {
			connected(id, after)
		}
	}

	recovered := events.TrackRecovered
	events.TrackRecovered = func(id domain.PeerID) {
		p.RecordRecovery()
		if recovered != nil {
			recovered(id)
		}
	}

	rebuilt := events.SessionRebuilt
	events.SessionRebuilt = func(id domain.PeerID) {
		p.RecordRebuild()
		if rebuilt != nil {
			rebuilt(id)
		}
	}

	return events
}

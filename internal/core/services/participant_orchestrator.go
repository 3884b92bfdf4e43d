package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"peerlink/internal/core/domain"
	"peerlink/internal/core/ports"
	"peerlink/pkg/clock"
)

// ParticipantConfig configures the sending side of a link.
type ParticipantConfig struct {
	LocalID          domain.PeerID
	Constraints      domain.MediaConstraints
	WithAudio        bool
	Health           HealthConfig
	TrackHealth      TrackHealthConfig
	ForcedFlushDelay time.Duration
}

// link bundles the per-session collaborators. Everything in it is owned by
// the session entry and torn down with it.
type link struct {
	entry       *SessionEntry
	negotiator  *Negotiator
	buffer      *IceBuffer
	health      *HealthMonitor
	allocator   *Allocator
	trackHealth *TrackHealth

	// opMu serializes media operations (initialize, recover, restart) for
	// this remote.
	opMu sync.Mutex
}

// ParticipantOrchestrator drives the participant side: it waits for the
// host's request-offer, acquires local media, allocates the fixed sendonly
// transceiver layout, binds the live video track and lets the negotiation
// path do the rest. The participant holds the polite role: on glare it
// yields to the host's offer.
type ParticipantOrchestrator struct {
	cfg       ParticipantConfig
	registry  *SessionRegistry
	factory   ports.PeerConnectionFactory
	transport ports.SignalTransport
	media     ports.MediaSource
	governor  ports.RetryGovernor
	events    domain.Events
	clk       clock.Clock
	log       *zap.SugaredLogger

	mu     sync.Mutex
	links  map[domain.PeerID]*link
	ctx    context.Context
	cancel context.CancelFunc
}

func NewParticipantOrchestrator(
	cfg ParticipantConfig,
	registry *SessionRegistry,
	factory ports.PeerConnectionFactory,
	transport ports.SignalTransport,
	media ports.MediaSource,
	governor ports.RetryGovernor,
	events domain.Events,
	clk clock.Clock,
	log *zap.SugaredLogger,
) *ParticipantOrchestrator {
	return &ParticipantOrchestrator{
		cfg:       cfg,
		registry:  registry,
		factory:   factory,
		transport: transport,
		media:     media,
		governor:  governor,
		events:    events,
		clk:       clk,
		log:       log,
		links:     make(map[domain.PeerID]*link),
	}
}

// Start subscribes to signaling. Handlers validate at the boundary:
// malformed messages are logged and dropped, never escalated.
func (o *ParticipantOrchestrator) Start(ctx context.Context) {
	o.ctx, o.cancel = context.WithCancel(ctx)

	o.transport.On(domain.MessageRequestOffer, func(msg domain.SignalMessage) {
		o.dispatch(msg, o.handleRequestOffer)
	})
	o.transport.On(domain.MessageOffer, func(msg domain.SignalMessage) {
		o.dispatch(msg, o.OnRemoteOffer)
	})
	o.transport.On(domain.MessageAnswer, func(msg domain.SignalMessage) {
		o.dispatch(msg, o.OnRemoteAnswer)
	})
	o.transport.On(domain.MessageCandidate, func(msg domain.SignalMessage) {
		o.dispatch(msg, o.OnRemoteCandidate)
	})
	o.transport.On(domain.MessageParticipantLeft, func(msg domain.SignalMessage) {
		_ = o.Teardown(msg.FromUserID)
	})
}

func (o *ParticipantOrchestrator) dispatch(msg domain.SignalMessage, h func(context.Context, domain.SignalMessage) error) {
	if err := msg.Validate(); err != nil {
		o.log.Warnw("dropping malformed signaling message",
			"type", msg.Type,
			"from", msg.FromUserID,
			"error", err,
		)
		return
	}
	if err := h(o.ctx, msg); err != nil {
		o.log.Warnw("signaling handler error",
			"type", msg.Type,
			"from", msg.FromUserID,
			"error", err,
		)
	}
}

// handleRequestOffer arms the contribution flow toward the requesting host.
// Re-requests for an existing session rebuild it from scratch; rebuild
// frequency is governed per host.
func (o *ParticipantOrchestrator) handleRequestOffer(ctx context.Context, msg domain.SignalMessage) error {
	hostID := msg.FromUserID
	key := string(hostID)

	if o.registry.Registered(hostID) {
		if !o.governor.ShouldAllow(key) {
			rec := o.governor.Record(key)
			o.log.Warnw("rebuild suppressed by retry governor", "remote_id", hostID, "blocked", rec.Blocked)
			return nil
		}
		o.governor.RecordAttempt(key)
		_ = o.Teardown(hostID)
		o.events.EmitSessionRebuilt(hostID)
	}

	l, err := o.ensureLink(hostID)
	if err != nil {
		return err
	}

	l.opMu.Lock()
	defer l.opMu.Unlock()

	videoTrack, tracks, err := o.acquireMedia(ctx)
	if err != nil {
		sessionErr := domain.NewSessionError(domain.CodeMediaAcquisition, hostID, "could not acquire local media", err)
		o.events.EmitConnectionFailed(hostID, sessionErr, l.health.Snapshot())
		_ = o.Teardown(hostID)
		return sessionErr
	}

	if err := l.allocator.Allocate(webrtc.RTPTransceiverDirectionSendonly, o.cfg.WithAudio); err != nil {
		return err
	}
	if err := l.allocator.ReplaceTrack(domain.TrackKindVideo, videoTrack.RTPTrack()); err != nil {
		return err
	}
	for _, track := range tracks {
		if track.Kind() == domain.TrackKindAudio && o.cfg.WithAudio {
			if err := l.allocator.ReplaceTrack(domain.TrackKindAudio, track.RTPTrack()); err != nil {
				o.log.Warnw("audio bind failed", "remote_id", hostID, "error", err)
			}
		}
	}

	l.trackHealth.Watch(o.ctx, videoTrack, o.cfg.Constraints)

	info := streamInfoFor(tracks)
	if err := o.transport.Send(ctx, domain.NewStreamStartedMessage(o.cfg.LocalID, hostID, info)); err != nil {
		return err
	}

	o.log.Infow("contribution armed", "remote_id", hostID, "tracks", len(tracks))
	return nil
}

// acquireMedia grabs local capture, retrying once with reduced constraints.
func (o *ParticipantOrchestrator) acquireMedia(ctx context.Context) (ports.MediaTrack, []ports.MediaTrack, error) {
	tracks, err := o.media.Acquire(ctx, o.cfg.Constraints)
	if err != nil {
		o.log.Warnw("media acquisition failed, retrying with reduced constraints", "error", err)
		tracks, err = o.media.Acquire(ctx, o.cfg.Constraints.Reduced())
		if err != nil {
			return nil, nil, err
		}
	}

	for _, track := range tracks {
		if track.Kind() == domain.TrackKindVideo && track.ReadyState() == domain.TrackLive {
			return track, tracks, nil
		}
	}
	for _, track := range tracks {
		track.Stop()
	}
	return nil, nil, errors.New("no live video track acquired")
}

func streamInfoFor(tracks []ports.MediaTrack) domain.StreamInfo {
	info := domain.StreamInfo{}
	for _, track := range tracks {
		info.TrackIDs = append(info.TrackIDs, track.ID())
		switch track.Kind() {
		case domain.TrackKindVideo:
			info.VideoTracks++
		case domain.TrackKindAudio:
			info.AudioTracks++
		}
	}
	return info
}

// RequestOffer explicitly kicks a local offer toward remoteID, used after
// a settled negotiation when the caller wants to renegotiate.
func (o *ParticipantOrchestrator) RequestOffer(ctx context.Context, remoteID domain.PeerID) error {
	l, err := o.link(remoteID)
	if err != nil {
		return err
	}
	return l.negotiator.Offer(ctx)
}

// OnRemoteOffer answers an incoming offer, creating the session lazily if
// the offer beat the request-offer.
func (o *ParticipantOrchestrator) OnRemoteOffer(ctx context.Context, msg domain.SignalMessage) error {
	sd, err := msg.Description()
	if err != nil {
		return err
	}

	l, err := o.ensureLink(msg.FromUserID)
	if err != nil {
		return err
	}

	err = l.negotiator.HandleOffer(ctx, sd)
	if errors.Is(err, domain.ErrOfferIgnored) {
		return nil
	}
	return err
}

// OnRemoteAnswer applies an incoming answer; stale answers are dropped.
func (o *ParticipantOrchestrator) OnRemoteAnswer(ctx context.Context, msg domain.SignalMessage) error {
	sd, err := msg.Description()
	if err != nil {
		return err
	}

	l, err := o.link(msg.FromUserID)
	if err != nil {
		o.log.Debugw("answer for unknown session dropped", "from", msg.FromUserID)
		return nil
	}

	err = l.negotiator.HandleAnswer(ctx, sd)
	if errors.Is(err, domain.ErrStaleAnswer) {
		o.log.Debugw("stale answer dropped", "from", msg.FromUserID)
		return nil
	}
	return err
}

// OnRemoteCandidate routes a candidate into the session's buffer.
func (o *ParticipantOrchestrator) OnRemoteCandidate(_ context.Context, msg domain.SignalMessage) error {
	candidate, err := msg.CandidateInit()
	if err != nil {
		return err
	}

	l, err := o.link(msg.FromUserID)
	if err != nil {
		o.log.Debugw("candidate for unknown session dropped", "from", msg.FromUserID)
		return nil
	}

	l.health.CandidateReceived()
	l.negotiator.HandleCandidate(candidate)
	return nil
}

// RevalidateTracks proactively re-checks every bound track's liveness.
// Call it on resume-style signals, where the platform may have suspended
// capture while the process was backgrounded.
func (o *ParticipantOrchestrator) RevalidateTracks() {
	o.mu.Lock()
	links := make([]*link, 0, len(o.links))
	for _, l := range o.links {
		links = append(links, l)
	}
	o.mu.Unlock()

	for _, l := range links {
		l.trackHealth.Revalidate()
	}
}

// Teardown destroys the session for remoteID together with its timers,
// buffered candidates, tracks and peer connection.
func (o *ParticipantOrchestrator) Teardown(remoteID domain.PeerID) error {
	o.mu.Lock()
	delete(o.links, remoteID)
	o.mu.Unlock()
	return o.registry.Teardown(remoteID)
}

// Close tears down every session and stops the orchestrator.
func (o *ParticipantOrchestrator) Close() error {
	if o.cancel != nil {
		o.cancel()
	}
	o.mu.Lock()
	o.links = make(map[domain.PeerID]*link)
	o.mu.Unlock()
	o.registry.TeardownAll()
	return nil
}

func (o *ParticipantOrchestrator) link(remoteID domain.PeerID) (*link, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	l, ok := o.links[remoteID]
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	return l, nil
}

// ensureLink returns the existing link for remoteID or builds a new one:
// peer connection, candidate buffer, polite negotiator, health monitor and
// track health manager, all registered for atomic teardown.
func (o *ParticipantOrchestrator) ensureLink(remoteID domain.PeerID) (*link, error) {
	o.mu.Lock()
	if l, ok := o.links[remoteID]; ok {
		o.mu.Unlock()
		return l, nil
	}
	o.mu.Unlock()

	pc, err := o.factory.NewPeerConnection()
	if err != nil {
		return nil, err
	}

	entry, err := o.registry.Create(remoteID, domain.RolePolite, pc)
	if err != nil {
		pc.Close()
		return nil, err
	}

	log := o.log.With("remote_id", remoteID)
	l := &link{entry: entry}
	l.buffer = NewIceBuffer(remoteID, pc, o.cfg.ForcedFlushDelay, o.clk, log)
	l.allocator = NewAllocator(pc, log)
	l.negotiator = NewNegotiator(o.cfg.LocalID, remoteID, domain.RolePolite, pc, o.transport, l.buffer, log)
	l.health = NewHealthMonitor(remoteID, o.cfg.Health, func(sessionErr *domain.SessionError, snapshot domain.HealthSnapshot) {
		o.handleConnectionFailure(remoteID, sessionErr, snapshot)
	}, o.clk, log)
	l.trackHealth = NewTrackHealth(o.cfg.TrackHealth, o.media, l.allocator, o.clk, log)
	l.trackHealth.SetOpLock(&l.opMu)

	l.negotiator.SetOnOfferSent(l.health.OfferSent)
	l.negotiator.SetOnStateChange(func(s domain.NegotiationState) {
		entry.Session.NegotiationState = s
		if s == domain.NegotiationStable {
			o.events.EmitNegotiationComplete(remoteID)
		}
	})
	l.negotiator.SetOnRollback(func() {
		o.events.EmitGlareRollback(remoteID)
	})
	l.trackHealth.SetOnRecovered(func() {
		o.events.EmitTrackRecovered(remoteID)
	})
	l.trackHealth.SetOnRenegotiate(func() {
		if err := l.negotiator.Offer(o.ctx); err != nil {
			log.Warnw("fallback renegotiation not started", "error", err)
		}
	})
	l.trackHealth.SetOnFatal(func(sessionErr *domain.SessionError) {
		// Media is gone but the connection may still carry audio; keep the
		// session alive degraded and let the application decide.
		sessionErr.RemoteID = remoteID
		entry.Session.Phase = domain.PhaseDegraded
		o.events.EmitConnectionFailed(remoteID, sessionErr, l.health.Snapshot())
	})

	o.wirePeerConnection(remoteID, pc, l)

	entry.OnTeardown(l.buffer.Clear)
	entry.OnTeardown(l.health.Stop)
	entry.OnTeardown(l.trackHealth.Stop)

	o.mu.Lock()
	o.links[remoteID] = l
	o.mu.Unlock()

	o.events.EmitParticipantJoined(remoteID)
	return l, nil
}

func (o *ParticipantOrchestrator) wirePeerConnection(remoteID domain.PeerID, pc ports.PeerConnection, l *link) {
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		l.health.CandidateSent()
		msg := domain.NewCandidateMessage(o.cfg.LocalID, remoteID, c.ToJSON())
		if err := o.transport.Send(o.ctx, msg); err != nil {
			o.log.Warnw("candidate send failed", "remote_id", remoteID, "error", err)
		}
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		l.health.ObserveConnectionState(state)
		if state == webrtc.PeerConnectionStateConnected {
			l.entry.Session.Phase = domain.PhaseConnected
			o.governor.Reset(string(remoteID))
			o.events.EmitConnected(remoteID, o.clk.Now().Sub(l.entry.Session.CreatedAt))
			o.events.EmitHealth(l.health.Snapshot())
		}
	})

	pc.OnICEConnectionStateChange(l.health.ObserveICEConnectionState)
	pc.OnICEGatheringStateChange(l.health.ObserveICEGatheringState)

	pc.OnNegotiationNeeded(func() {
		err := l.negotiator.Offer(o.ctx)
		switch {
		case err == nil:
		case errors.Is(err, domain.ErrNegotiationBusy), errors.Is(err, domain.ErrSignalingUnstable):
			// Expected while a negotiation is settling; a later event or
			// explicit retry picks it up.
			o.log.Debugw("negotiation deferred", "remote_id", remoteID, "reason", err)
		default:
			o.log.Warnw("negotiation failed", "remote_id", remoteID, "error", err)
		}
	})
}

// handleConnectionFailure is the single failure sink per session: emit the
// event, tear the session down, and leave rebuilding to the host, which
// re-requests an offer through its own governed path.
func (o *ParticipantOrchestrator) handleConnectionFailure(remoteID domain.PeerID, sessionErr *domain.SessionError, snapshot domain.HealthSnapshot) {
	if !o.registry.Registered(remoteID) {
		return
	}
	o.events.EmitConnectionFailed(remoteID, sessionErr, snapshot)
	_ = o.Teardown(remoteID)
}

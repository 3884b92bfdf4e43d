package services

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"peerlink/internal/core/domain"
	"peerlink/internal/core/ports"
	"peerlink/pkg/clock"
)

// HostConfig configures the receiving side.
type HostConfig struct {
	LocalID          domain.PeerID
	WithAudio        bool
	Health           HealthConfig
	ForcedFlushDelay time.Duration
	// WiringRetries bounds the re-dispatch of a stream-started that
	// arrived before the orchestrator finished wiring its callbacks.
	WiringRetries    int
	WiringRetryDelay time.Duration
}

// HostOrchestrator drives the aggregating side: one recvonly session per
// participant, created when that participant announces its stream. The host
// holds the impolite role and always initiates offers in this topology; on
// glare its offer wins. Failed sessions are rebuilt through the retry
// governor by re-requesting an offer from the participant.
type HostOrchestrator struct {
	cfg       HostConfig
	registry  *SessionRegistry
	factory   ports.PeerConnectionFactory
	transport ports.SignalTransport
	governor  ports.RetryGovernor
	events    domain.Events
	clk       clock.Clock
	log       *zap.SugaredLogger

	ready  atomic.Bool
	mu     sync.Mutex
	links  map[domain.PeerID]*link
	ctx    context.Context
	cancel context.CancelFunc

	trackSink func(remoteID domain.PeerID, track *webrtc.TrackRemote, pc ports.PeerConnection)
}

// SetTrackSink installs the consumer for incoming remote tracks, typically
// an RTP forwarder. The sink runs on its own goroutine and may block. Set it
// before Start.
func (o *HostOrchestrator) SetTrackSink(sink func(remoteID domain.PeerID, track *webrtc.TrackRemote, pc ports.PeerConnection)) {
	o.trackSink = sink
}

func NewHostOrchestrator(
	cfg HostConfig,
	registry *SessionRegistry,
	factory ports.PeerConnectionFactory,
	transport ports.SignalTransport,
	governor ports.RetryGovernor,
	events domain.Events,
	clk clock.Clock,
	log *zap.SugaredLogger,
) *HostOrchestrator {
	if cfg.WiringRetries <= 0 {
		cfg.WiringRetries = 5
	}
	if cfg.WiringRetryDelay <= 0 {
		cfg.WiringRetryDelay = 200 * time.Millisecond
	}
	return &HostOrchestrator{
		cfg:       cfg,
		registry:  registry,
		factory:   factory,
		transport: transport,
		governor:  governor,
		events:    events,
		clk:       clk,
		log:       log,
		links:     make(map[domain.PeerID]*link),
	}
}

// Start subscribes to signaling and marks the orchestrator wired.
func (o *HostOrchestrator) Start(ctx context.Context) {
	o.ctx, o.cancel = context.WithCancel(ctx)

	o.transport.On(domain.MessageStreamStarted, func(msg domain.SignalMessage) {
		o.dispatch(msg, func(ctx context.Context, msg domain.SignalMessage) error {
			o.handleStreamStarted(ctx, msg, 1)
			return nil
		})
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
		o.handleParticipantLeft(msg.FromUserID)
	})

	o.ready.Store(true)
}

func (o *HostOrchestrator) dispatch(msg domain.SignalMessage, h func(context.Context, domain.SignalMessage) error) {
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

// handleStreamStarted builds a recvonly session toward the announcing
// participant and sends the opening offer. A stream-started racing the
// orchestrator's own wiring is re-dispatched a bounded number of times.
func (o *HostOrchestrator) handleStreamStarted(ctx context.Context, msg domain.SignalMessage, attempt int) {
	participantID := msg.FromUserID

	if !o.ready.Load() {
		if attempt >= o.cfg.WiringRetries {
			o.log.Errorw("dropping stream-started, orchestrator never became ready",
				"remote_id", participantID,
				"attempts", attempt,
			)
			return
		}
		o.clk.AfterFunc(o.cfg.WiringRetryDelay, func() {
			o.handleStreamStarted(ctx, msg, attempt+1)
		})
		return
	}

	if o.registry.Registered(participantID) {
		// Re-announce from a participant that rebuilt its side.
		_ = o.Teardown(participantID)
	}

	l, err := o.ensureLink(participantID)
	if err != nil {
		o.log.Errorw("session setup failed", "remote_id", participantID, "error", err)
		return
	}

	if err := l.allocator.Allocate(webrtc.RTPTransceiverDirectionRecvonly, o.cfg.WithAudio); err != nil {
		o.log.Errorw("transceiver allocation failed", "remote_id", participantID, "error", err)
		_ = o.Teardown(participantID)
		return
	}

	if err := l.negotiator.Offer(ctx); err != nil {
		o.log.Warnw("opening offer failed", "remote_id", participantID, "error", err)
	}
}

// RequestOffer asks remoteID to (re)start contributing. Used on join and
// on governed rebuilds.
func (o *HostOrchestrator) RequestOffer(ctx context.Context, remoteID domain.PeerID) error {
	msg := domain.SignalMessage{
		Type:         domain.MessageRequestOffer,
		FromUserID:   o.cfg.LocalID,
		TargetUserID: remoteID,
	}
	return o.transport.Send(ctx, msg)
}

// OnRemoteOffer handles a participant-initiated offer. The host is
// impolite: during glare its own offer wins and the incoming one is
// silently dropped.
func (o *HostOrchestrator) OnRemoteOffer(ctx context.Context, msg domain.SignalMessage) error {
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

// OnRemoteAnswer applies the participant's answer; stale answers drop.
func (o *HostOrchestrator) OnRemoteAnswer(ctx context.Context, msg domain.SignalMessage) error {
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

// OnRemoteCandidate routes the candidate through the session buffer.
func (o *HostOrchestrator) OnRemoteCandidate(_ context.Context, msg domain.SignalMessage) error {
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

// Teardown destroys the session for remoteID.
func (o *HostOrchestrator) Teardown(remoteID domain.PeerID) error {
	o.mu.Lock()
	delete(o.links, remoteID)
	o.mu.Unlock()
	return o.registry.Teardown(remoteID)
}

// Close tears down all sessions and stops the orchestrator.
func (o *HostOrchestrator) Close() error {
	o.ready.Store(false)
	if o.cancel != nil {
		o.cancel()
	}
	o.mu.Lock()
	o.links = make(map[domain.PeerID]*link)
	o.mu.Unlock()
	o.registry.TeardownAll()
	return nil
}

func (o *HostOrchestrator) handleParticipantLeft(remoteID domain.PeerID) {
	_ = o.Teardown(remoteID)
	o.governor.Reset(string(remoteID))
	o.events.EmitParticipantLeft(remoteID)
}

func (o *HostOrchestrator) link(remoteID domain.PeerID) (*link, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	l, ok := o.links[remoteID]
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	return l, nil
}

func (o *HostOrchestrator) ensureLink(remoteID domain.PeerID) (*link, error) {
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

	entry, err := o.registry.Create(remoteID, domain.RoleImpolite, pc)
	if err != nil {
		_ = pc.Close()
		return nil, err
	}

	log := o.log.With("remote_id", remoteID)
	l := &link{entry: entry}
	l.buffer = NewIceBuffer(remoteID, pc, o.cfg.ForcedFlushDelay, o.clk, log)
	l.allocator = NewAllocator(pc, log)
	l.negotiator = NewNegotiator(o.cfg.LocalID, remoteID, domain.RoleImpolite, pc, o.transport, l.buffer, log)
	l.health = NewHealthMonitor(remoteID, o.cfg.Health, func(sessionErr *domain.SessionError, snapshot domain.HealthSnapshot) {
		o.handleConnectionFailure(remoteID, sessionErr, snapshot)
	}, o.clk, log)

	l.negotiator.SetOnOfferSent(l.health.OfferSent)
	l.negotiator.SetOnStateChange(func(s domain.NegotiationState) {
		entry.Session.NegotiationState = s
		if s == domain.NegotiationStable {
			o.events.EmitNegotiationComplete(remoteID)
		}
	})
	o.wirePeerConnection(remoteID, pc, l)

	entry.OnTeardown(l.buffer.Clear)
	entry.OnTeardown(l.health.Stop)

	o.mu.Lock()
	o.links[remoteID] = l
	o.mu.Unlock()

	o.events.EmitParticipantJoined(remoteID)
	return l, nil
}

func (o *HostOrchestrator) wirePeerConnection(remoteID domain.PeerID, pc ports.PeerConnection, l *link) {
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

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		info := domain.StreamInfo{TrackIDs: []string{track.ID()}}
		switch track.Kind() {
		case webrtc.RTPCodecTypeVideo:
			info.VideoTracks = 1
		case webrtc.RTPCodecTypeAudio:
			info.AudioTracks = 1
		}
		o.log.Infow("remote track arrived", "remote_id", remoteID, "kind", track.Kind().String())
		o.events.EmitStreamReady(remoteID, info)
		if o.trackSink != nil {
			go o.trackSink(remoteID, track, pc)
		}
	})

	pc.OnNegotiationNeeded(func() {
		err := l.negotiator.Offer(o.ctx)
		switch {
		case err == nil:
		case errors.Is(err, domain.ErrNegotiationBusy), errors.Is(err, domain.ErrSignalingUnstable):
			o.log.Debugw("negotiation deferred", "remote_id", remoteID, "reason", err)
		default:
			o.log.Warnw("negotiation failed", "remote_id", remoteID, "error", err)
		}
	})
}

// handleConnectionFailure emits the failure event, tears the session down
// and schedules a governed rebuild: after the backoff the host re-requests
// an offer from the participant, unless the retry budget is exhausted.
func (o *HostOrchestrator) handleConnectionFailure(remoteID domain.PeerID, sessionErr *domain.SessionError, snapshot domain.HealthSnapshot) {
	if !o.registry.Registered(remoteID) {
		return
	}
	o.events.EmitConnectionFailed(remoteID, sessionErr, snapshot)
	_ = o.Teardown(remoteID)

	key := string(remoteID)
	if !o.governor.ShouldAllow(key) {
		if o.governor.Exhausted(key) {
			terminal := domain.NewSessionError(domain.CodeRetryExhausted, remoteID,
				"reconnection budget exhausted, manual action required", sessionErr)
			o.events.EmitConnectionFailed(remoteID, terminal, snapshot)
		}
		return
	}
	o.governor.RecordAttempt(key)

	delay := tryDelay(o.governor, key)
	o.clk.AfterFunc(delay, func() {
		if o.registry.Registered(remoteID) || !o.ready.Load() {
			return
		}
		if err := o.RequestOffer(o.ctx, remoteID); err != nil {
			o.log.Warnw("rebuild request-offer failed", "remote_id", remoteID, "error", err)
			return
		}
		o.events.EmitSessionRebuilt(remoteID)
	})
}

// tryDelay asks the governor for the current backoff if it exposes one.
func tryDelay(g ports.RetryGovernor, key string) time.Duration {
	type delayer interface{ Delay(key string) time.Duration }
	if d, ok := g.(delayer); ok {
		return d.Delay(key)
	}
	return time.Second
}

package services

import (
	"context"
	"sync"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"peerlink/internal/core/domain"
	"peerlink/internal/core/ports"
)

// Negotiator runs the offer/answer exchange for one session using the
// polite/impolite pattern. The role is fixed at construction; glare is
// resolved deterministically without retries: the impolite side ignores an
// incoming offer while its own is in flight, the polite side rolls back and
// answers.
type Negotiator struct {
	pc        ports.PeerConnection
	transport ports.SignalTransport
	buffer    *IceBuffer
	log       *zap.SugaredLogger

	localID  domain.PeerID
	remoteID domain.PeerID
	role     domain.Role

	// mu guards makingOffer and state. makingOffer is held across the whole
	// createOffer -> setLocalDescription -> send sequence including error
	// paths.
	mu          sync.Mutex
	makingOffer bool
	state       domain.NegotiationState

	// onOfferSent arms the stuck-handshake watchdog.
	onOfferSent func()
	// onRollback fires when glare is resolved by rolling back our offer.
	onRollback func()
	// onState mirrors every negotiation-state transition outward, so the
	// owning session record stays in sync with the private state here.
	onState func(domain.NegotiationState)
}

func NewNegotiator(
	localID, remoteID domain.PeerID,
	role domain.Role,
	pc ports.PeerConnection,
	transport ports.SignalTransport,
	buffer *IceBuffer,
	log *zap.SugaredLogger,
) *Negotiator {
	n := &Negotiator{
		pc:        pc,
		transport: transport,
		buffer:    buffer,
		log:       log,
		localID:   localID,
		remoteID:  remoteID,
		role:      role,
		state:     domain.NegotiationIdle,
	}
	return n
}

// SetOnOfferSent registers the hook invoked after each successful offer
// send. Must be called before negotiation starts.
func (n *Negotiator) SetOnOfferSent(f func()) { n.onOfferSent = f }

// SetOnRollback registers the hook invoked when the polite side rolls back
// its own offer during glare. Must be called before negotiation starts.
func (n *Negotiator) SetOnRollback(f func()) { n.onRollback = f }

// SetOnStateChange registers the state mirror. Must be called before
// negotiation starts.
func (n *Negotiator) SetOnStateChange(f func(domain.NegotiationState)) { n.onState = f }

// State returns the current negotiation state.
func (n *Negotiator) State() domain.NegotiationState {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

// Role returns the fixed negotiation role.
func (n *Negotiator) Role() domain.Role { return n.role }

// Offer creates and sends a local offer. At most one offer is in flight at
// a time; re-entrant calls and calls while signaling is not stable are
// rejected with a typed error rather than queued. The caller retries after
// the current negotiation settles.
func (n *Negotiator) Offer(ctx context.Context) error {
	n.mu.Lock()
	if n.makingOffer {
		n.mu.Unlock()
		return domain.ErrNegotiationBusy
	}
	if n.pc.SignalingState() != webrtc.SignalingStateStable {
		n.mu.Unlock()
		return domain.ErrSignalingUnstable
	}
	n.makingOffer = true
	n.state = domain.NegotiationMakingOffer
	n.mu.Unlock()
	n.notifyState(domain.NegotiationMakingOffer)

	defer func() {
		n.mu.Lock()
		n.makingOffer = false
		n.mu.Unlock()
	}()

	offer, err := n.pc.CreateOffer(nil)
	if err != nil {
		n.setState(domain.NegotiationIdle)
		return err
	}
	if err := n.pc.SetLocalDescription(offer); err != nil {
		n.setState(domain.NegotiationIdle)
		return err
	}

	msg := domain.NewDescriptionMessage(domain.MessageOffer, n.localID, n.remoteID, offer)
	if err := n.transport.Send(ctx, msg); err != nil {
		n.setState(domain.NegotiationIdle)
		return err
	}

	n.setState(domain.NegotiationOfferSent)
	if n.onOfferSent != nil {
		n.onOfferSent()
	}
	n.log.Infow("offer sent", "remote_id", n.remoteID)
	return nil
}

// HandleOffer processes a remote offer. On glare the impolite peer returns
// ErrOfferIgnored (its own offer wins); the polite peer rolls back its
// pending local offer and answers the remote one.
func (n *Negotiator) HandleOffer(ctx context.Context, sd webrtc.SessionDescription) error {
	n.mu.Lock()
	collision := n.makingOffer || n.pc.SignalingState() != webrtc.SignalingStateStable
	if collision && n.role == domain.RoleImpolite {
		n.mu.Unlock()
		n.log.Infow("glare: ignoring remote offer", "remote_id", n.remoteID)
		return domain.ErrOfferIgnored
	}
	n.mu.Unlock()

	if collision {
		n.log.Infow("glare: rolling back local offer", "remote_id", n.remoteID)
		rollback := webrtc.SessionDescription{Type: webrtc.SDPTypeRollback}
		if err := n.pc.SetLocalDescription(rollback); err != nil {
			return err
		}
		if n.onRollback != nil {
			n.onRollback()
		}
	}

	if err := n.pc.SetRemoteDescription(sd); err != nil {
		return err
	}
	n.buffer.Flush()

	answer, err := n.pc.CreateAnswer(nil)
	if err != nil {
		return err
	}
	if err := n.pc.SetLocalDescription(answer); err != nil {
		return err
	}

	msg := domain.NewDescriptionMessage(domain.MessageAnswer, n.localID, n.remoteID, answer)
	if err := n.transport.Send(ctx, msg); err != nil {
		return err
	}

	n.setState(domain.NegotiationStable)
	n.log.Infow("answered remote offer", "remote_id", n.remoteID)
	return nil
}

// HandleAnswer applies a remote answer. Answers that do not match the
// latest local offer (stale glare leftovers, duplicates) are rejected with
// ErrStaleAnswer; the caller logs and drops them.
func (n *Negotiator) HandleAnswer(_ context.Context, sd webrtc.SessionDescription) error {
	if n.pc.SignalingState() != webrtc.SignalingStateHaveLocalOffer {
		return domain.ErrStaleAnswer
	}

	n.buffer.BeginApply()
	err := n.pc.SetRemoteDescription(sd)
	n.buffer.EndApply()
	if err != nil {
		return err
	}
	n.buffer.Flush()

	n.setState(domain.NegotiationStable)
	n.log.Infow("answer applied", "remote_id", n.remoteID)
	return nil
}

// HandleCandidate routes a remote candidate through the buffer.
func (n *Negotiator) HandleCandidate(c webrtc.ICECandidateInit) {
	n.buffer.Enqueue(c)
}

func (n *Negotiator) setState(s domain.NegotiationState) {
	n.mu.Lock()
	n.state = s
	n.mu.Unlock()
	n.notifyState(s)
}

func (n *Negotiator) notifyState(s domain.NegotiationState) {
	if n.onState != nil {
		n.onState(s)
	}
}

package ports

import (
	"github.com/pion/webrtc/v3"
)

// PeerConnection is the slice of the RTCPeerConnection surface the handshake
// core drives. The production implementation wraps pion; tests substitute a
// scripted fake so negotiation interleavings can be exercised without a
// network.
type PeerConnection interface {
	CreateOffer(options *webrtc.OfferOptions) (webrtc.SessionDescription, error)
	CreateAnswer(options *webrtc.AnswerOptions) (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	LocalDescription() *webrtc.SessionDescription
	RemoteDescription() *webrtc.SessionDescription
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	AddTransceiverFromKind(kind webrtc.RTPCodecType, init ...webrtc.RTPTransceiverInit) (Transceiver, error)

	SignalingState() webrtc.SignalingState
	ConnectionState() webrtc.PeerConnectionState
	ICEConnectionState() webrtc.ICEConnectionState
	ICEGatheringState() webrtc.ICEGatheringState

	OnNegotiationNeeded(f func())
	OnICECandidate(f func(*webrtc.ICECandidate))
	OnConnectionStateChange(f func(webrtc.PeerConnectionState))
	OnICEConnectionStateChange(f func(webrtc.ICEConnectionState))
	OnICEGatheringStateChange(f func(webrtc.ICEGathererState))
	OnTrack(f func(*webrtc.TrackRemote, *webrtc.RTPReceiver))

	Close() error
}

// Transceiver is one pre-allocated media line. The sender is reused for
// track replacement so the media-line index stays put across renegotiations.
type Transceiver interface {
	Kind() webrtc.RTPCodecType
	Sender() Sender
}

// Sender replaces the outgoing track in place.
type Sender interface {
	ReplaceTrack(track webrtc.TrackLocal) error
	Track() webrtc.TrackLocal
}

// PeerConnectionFactory builds peer connections from the configured ICE
// servers and transport policy.
type PeerConnectionFactory interface {
	NewPeerConnection() (PeerConnection, error)
}

package webrtc

import (
	"fmt"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"peerlink/internal/core/ports"
	"peerlink/pkg/config"
)

// Factory builds pion peer connections from the configured ICE servers and
// transport policy. The policy is a configuration input, never hardcoded.
type Factory struct {
	webrtcConfig webrtc.Configuration
	logger       *zap.SugaredLogger
}

func NewFactory(cfg *config.Config, logger *zap.SugaredLogger) (*Factory, error) {
	iceServers := make([]webrtc.ICEServer, 0, len(cfg.WebRTC.ICEServers))
	for _, s := range cfg.WebRTC.ICEServers {
		server := webrtc.ICEServer{URLs: s.URLs}
		if s.Username != "" {
			server.Username = s.Username
			server.Credential = s.Credential
		}
		iceServers = append(iceServers, server)
	}

	if cfg.WebRTC.ICETransportPolicy != "all" && cfg.WebRTC.ICETransportPolicy != "relay" {
		return nil, fmt.Errorf("unsupported ice transport policy %q", cfg.WebRTC.ICETransportPolicy)
	}
	policy := webrtc.NewICETransportPolicy(cfg.WebRTC.ICETransportPolicy)

	return &Factory{
		webrtcConfig: webrtc.Configuration{
			ICEServers:         iceServers,
			ICETransportPolicy: policy,
		},
		logger: logger,
	}, nil
}

func (f *Factory) NewPeerConnection() (ports.PeerConnection, error) {
	pc, err := webrtc.NewPeerConnection(f.webrtcConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}
	f.logger.Debugw("peer connection created",
		"ice_servers", len(f.webrtcConfig.ICEServers),
		"policy", f.webrtcConfig.ICETransportPolicy.String(),
	)
	return &pionConn{pc: pc}, nil
}

// pionConn adapts *webrtc.PeerConnection to the narrow surface the handshake
// core drives.
type pionConn struct {
	pc *webrtc.PeerConnection
}

func (c *pionConn) CreateOffer(options *webrtc.OfferOptions) (webrtc.SessionDescription, error) {
	return c.pc.CreateOffer(options)
}

func (c *pionConn) CreateAnswer(options *webrtc.AnswerOptions) (webrtc.SessionDescription, error) {
	return c.pc.CreateAnswer(options)
}

func (c *pionConn) SetLocalDescription(desc webrtc.SessionDescription) error {
	return c.pc.SetLocalDescription(desc)
}

func (c *pionConn) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return c.pc.SetRemoteDescription(desc)
}

func (c *pionConn) LocalDescription() *webrtc.SessionDescription {
	return c.pc.LocalDescription()
}

func (c *pionConn) RemoteDescription() *webrtc.SessionDescription {
	return c.pc.RemoteDescription()
}

func (c *pionConn) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return c.pc.AddICECandidate(candidate)
}

func (c *pionConn) AddTransceiverFromKind(kind webrtc.RTPCodecType, init ...webrtc.RTPTransceiverInit) (ports.Transceiver, error) {
	tr, err := c.pc.AddTransceiverFromKind(kind, init...)
	if err != nil {
		return nil, err
	}
	return &pionTransceiver{tr: tr}, nil
}

func (c *pionConn) SignalingState() webrtc.SignalingState   { return c.pc.SignalingState() }
func (c *pionConn) ConnectionState() webrtc.PeerConnectionState {
	return c.pc.ConnectionState()
}
func (c *pionConn) ICEConnectionState() webrtc.ICEConnectionState {
	return c.pc.ICEConnectionState()
}
func (c *pionConn) ICEGatheringState() webrtc.ICEGatheringState {
	return c.pc.ICEGatheringState()
}

func (c *pionConn) OnNegotiationNeeded(f func())                { c.pc.OnNegotiationNeeded(f) }
func (c *pionConn) OnICECandidate(f func(*webrtc.ICECandidate)) { c.pc.OnICECandidate(f) }
func (c *pionConn) OnConnectionStateChange(f func(webrtc.PeerConnectionState)) {
	c.pc.OnConnectionStateChange(f)
}
func (c *pionConn) OnICEConnectionStateChange(f func(webrtc.ICEConnectionState)) {
	c.pc.OnICEConnectionStateChange(f)
}
func (c *pionConn) OnICEGatheringStateChange(f func(webrtc.ICEGathererState)) {
	c.pc.OnICEGatheringStateChange(f)
}
func (c *pionConn) OnTrack(f func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) {
	c.pc.OnTrack(f)
}

func (c *pionConn) Close() error { return c.pc.Close() }

// WriteRTCP exposes the RTCP path for the track forwarder's keyframe
// requests. Not part of the core port.
func (c *pionConn) WriteRTCP(pkts []rtcp.Packet) error {
	return c.pc.WriteRTCP(pkts)
}

type pionTransceiver struct {
	tr *webrtc.RTPTransceiver
}

func (t *pionTransceiver) Kind() webrtc.RTPCodecType { return t.tr.Kind() }
func (t *pionTransceiver) Sender() ports.Sender      { return &pionSender{sender: t.tr.Sender()} }

type pionSender struct {
	sender *webrtc.RTPSender
}

func (s *pionSender) ReplaceTrack(track webrtc.TrackLocal) error {
	return s.sender.ReplaceTrack(track)
}

func (s *pionSender) Track() webrtc.TrackLocal {
	return s.sender.Track()
}

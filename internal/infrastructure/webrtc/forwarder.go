package webrtc

import (
	"fmt"
	"sync"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"peerlink/internal/core/domain"
	"peerlink/pkg/optimize"
)

// RTCPWriter sends RTCP packets back to the contributing peer. The pion
// adapter's peer connection satisfies it.
type RTCPWriter interface {
	WriteRTCP(pkts []rtcp.Packet) error
}

// Forwarder reads RTP from remote tracks arriving at the host and fans the
// packets out to locally registered consumer tracks. A consumer that falls
// behind or detects corruption can request a keyframe, which the forwarder
// translates into a PLI toward the contributor.
type Forwarder struct {
	mu      sync.RWMutex
	flows   map[string]*trackFlow
	bufPool *optimize.BytePool
	logger  *zap.SugaredLogger
}

type trackFlow struct {
	remoteID  domain.PeerID
	trackID   string
	ssrc      webrtc.SSRC
	rtcp      RTCPWriter
	mu        sync.RWMutex
	consumers map[string]*webrtc.TrackLocalStaticRTP
}

func NewForwarder(logger *zap.SugaredLogger) *Forwarder {
	return &Forwarder{
		flows:   make(map[string]*trackFlow),
		bufPool: optimize.NewBytePool(1500), // MTU-sized read buffers
		logger:  logger,
	}
}

// Forward starts pumping RTP from the remote track until the track errors
// out. Blocks; callers run it on its own goroutine.
func (f *Forwarder) Forward(remoteID domain.PeerID, track *webrtc.TrackRemote, rtcpWriter RTCPWriter) {
	flow := &trackFlow{
		remoteID:  remoteID,
		trackID:   track.ID(),
		ssrc:      track.SSRC(),
		rtcp:      rtcpWriter,
		consumers: make(map[string]*webrtc.TrackLocalStaticRTP),
	}

	f.mu.Lock()
	f.flows[track.ID()] = flow
	f.mu.Unlock()

	f.logger.Infow("forwarding started",
		"remote_id", remoteID,
		"track_id", track.ID(),
		"kind", track.Kind().String(),
	)

	f.pump(flow, track)

	f.mu.Lock()
	delete(f.flows, track.ID())
	f.mu.Unlock()
	f.logger.Infow("forwarding stopped", "remote_id", remoteID, "track_id", track.ID())
}

func (f *Forwarder) pump(flow *trackFlow, track *webrtc.TrackRemote) {
	buf := f.bufPool.Get()
	defer f.bufPool.Put(buf)
	pkt := &rtp.Packet{}

	for {
		n, _, err := track.Read(buf)
		if err != nil {
			f.logger.Warnw("track read ended",
				"remote_id", flow.remoteID,
				"track_id", flow.trackID,
				"error", err,
			)
			return
		}

		if err := pkt.Unmarshal(buf[:n]); err != nil {
			f.logger.Warnw("dropping unparsable RTP packet", "track_id", flow.trackID, "error", err)
			continue
		}

		flow.mu.RLock()
		for name, consumer := range flow.consumers {
			if err := consumer.WriteRTP(pkt); err != nil {
				f.logger.Debugw("consumer write failed", "consumer", name, "error", err)
			}
		}
		flow.mu.RUnlock()
	}
}

// Subscribe attaches a consumer track mirroring the remote track's codec.
// The returned track can be bound into any outgoing sender.
func (f *Forwarder) Subscribe(trackID, consumerName string, codec webrtc.RTPCodecCapability) (*webrtc.TrackLocalStaticRTP, error) {
	f.mu.RLock()
	flow, ok := f.flows[trackID]
	f.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no active flow for track %s", trackID)
	}

	consumer, err := webrtc.NewTrackLocalStaticRTP(codec, trackID, string(flow.remoteID))
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer track: %w", err)
	}

	flow.mu.Lock()
	flow.consumers[consumerName] = consumer
	flow.mu.Unlock()
	return consumer, nil
}

// Unsubscribe detaches a consumer. Unknown names are a no-op.
func (f *Forwarder) Unsubscribe(trackID, consumerName string) {
	f.mu.RLock()
	flow, ok := f.flows[trackID]
	f.mu.RUnlock()
	if !ok {
		return
	}
	flow.mu.Lock()
	delete(flow.consumers, consumerName)
	flow.mu.Unlock()
}

// RequestKeyframe sends a PLI toward the contributor of trackID.
func (f *Forwarder) RequestKeyframe(trackID string) error {
	f.mu.RLock()
	flow, ok := f.flows[trackID]
	f.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no active flow for track %s", trackID)
	}
	if flow.rtcp == nil {
		return fmt.Errorf("flow for track %s has no RTCP path", trackID)
	}

	err := flow.rtcp.WriteRTCP([]rtcp.Packet{
		&rtcp.PictureLossIndication{MediaSSRC: uint32(flow.ssrc)},
	})
	if err != nil {
		return fmt.Errorf("failed to send PLI: %w", err)
	}
	f.logger.Debugw("keyframe requested", "track_id", trackID, "remote_id", flow.remoteID)
	return nil
}

// ActiveFlows lists the track ids currently being forwarded.
func (f *Forwarder) ActiveFlows() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	ids := make([]string, 0, len(f.flows))
	for id := range f.flows {
		ids = append(ids, id)
	}
	return ids
}

package services

import (
	"context"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"peerlink/internal/core/domain"
	"peerlink/internal/core/ports"
)

func testLogger() *zap.SugaredLogger { return zap.NewNop().Sugar() }

// fakePC is a scripted stand-in for a peer connection. It models just
// enough signaling-state mechanics for the negotiation tests: offers and
// answers move the state the way a real agent would, rollback returns to
// stable.
type fakePC struct {
	mu sync.Mutex

	signaling webrtc.SignalingState
	connState webrtc.PeerConnectionState
	local     *webrtc.SessionDescription
	remote    *webrtc.SessionDescription

	offerSeq      int
	added         []webrtc.ICECandidateInit
	preRemoteAdds int
	failAdd       map[string]bool
	rollbacks  int
	closed     bool
	closeCount int

	createOfferErr  error
	setLocalErr     error
	setRemoteErr    error
	createOfferHook func()
	addHook         func(candidate string)

	transceivers []*fakeTransceiver

	onNegotiationNeeded func()
	onICECandidate      func(*webrtc.ICECandidate)
	onConnStateChange   func(webrtc.PeerConnectionState)
	onICEConnState      func(webrtc.ICEConnectionState)
	onICEGatherState    func(webrtc.ICEGathererState)
	onTrack             func(*webrtc.TrackRemote, *webrtc.RTPReceiver)
}

func newFakePC() *fakePC {
	return &fakePC{
		signaling: webrtc.SignalingStateStable,
		connState: webrtc.PeerConnectionStateNew,
		failAdd:   make(map[string]bool),
	}
}

func (f *fakePC) CreateOffer(*webrtc.OfferOptions) (webrtc.SessionDescription, error) {
	if f.createOfferHook != nil {
		f.createOfferHook()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createOfferErr != nil {
		return webrtc.SessionDescription{}, f.createOfferErr
	}
	f.offerSeq++
	return webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  fmt.Sprintf("v=0 offer-%d", f.offerSeq),
	}, nil
}

func (f *fakePC) CreateAnswer(*webrtc.AnswerOptions) (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 answer"}, nil
}

func (f *fakePC) SetLocalDescription(desc webrtc.SessionDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.setLocalErr != nil {
		return f.setLocalErr
	}
	switch desc.Type {
	case webrtc.SDPTypeOffer:
		f.signaling = webrtc.SignalingStateHaveLocalOffer
		f.local = &desc
	case webrtc.SDPTypeAnswer:
		f.signaling = webrtc.SignalingStateStable
		f.local = &desc
	case webrtc.SDPTypeRollback:
		f.signaling = webrtc.SignalingStateStable
		f.local = nil
		f.rollbacks++
	}
	return nil
}

func (f *fakePC) SetRemoteDescription(desc webrtc.SessionDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.setRemoteErr != nil {
		return f.setRemoteErr
	}
	switch desc.Type {
	case webrtc.SDPTypeOffer:
		f.signaling = webrtc.SignalingStateHaveRemoteOffer
	case webrtc.SDPTypeAnswer:
		f.signaling = webrtc.SignalingStateStable
	}
	f.remote = &desc
	return nil
}

func (f *fakePC) LocalDescription() *webrtc.SessionDescription {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.local
}

func (f *fakePC) RemoteDescription() *webrtc.SessionDescription {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.remote
}

func (f *fakePC) AddICECandidate(c webrtc.ICECandidateInit) error {
	f.mu.Lock()
	if f.failAdd[c.Candidate] {
		f.mu.Unlock()
		return fmt.Errorf("add failed for %q", c.Candidate)
	}
	if f.remote == nil {
		f.preRemoteAdds++
	}
	f.added = append(f.added, c)
	hook := f.addHook
	f.mu.Unlock()
	if hook != nil {
		hook(c.Candidate)
	}
	return nil
}

// addedBeforeRemote counts candidates that reached the agent while the
// remote description was still unset.
func (f *fakePC) addedBeforeRemote() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.preRemoteAdds
}

func (f *fakePC) addedCandidates() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.added))
	for i, c := range f.added {
		out[i] = c.Candidate
	}
	return out
}

func (f *fakePC) AddTransceiverFromKind(kind webrtc.RTPCodecType, _ ...webrtc.RTPTransceiverInit) (ports.Transceiver, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tr := &fakeTransceiver{kind: kind, sender: &fakeSender{}}
	f.transceivers = append(f.transceivers, tr)
	return tr, nil
}

func (f *fakePC) SignalingState() webrtc.SignalingState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.signaling
}

func (f *fakePC) ConnectionState() webrtc.PeerConnectionState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connState
}

func (f *fakePC) ICEConnectionState() webrtc.ICEConnectionState { return webrtc.ICEConnectionStateNew }
func (f *fakePC) ICEGatheringState() webrtc.ICEGatheringState   { return webrtc.ICEGatheringStateNew }

func (f *fakePC) OnNegotiationNeeded(fn func())                    { f.onNegotiationNeeded = fn }
func (f *fakePC) OnICECandidate(fn func(*webrtc.ICECandidate))     { f.onICECandidate = fn }
func (f *fakePC) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	f.onConnStateChange = fn
}
func (f *fakePC) OnICEConnectionStateChange(fn func(webrtc.ICEConnectionState)) {
	f.onICEConnState = fn
}
func (f *fakePC) OnICEGatheringStateChange(fn func(webrtc.ICEGathererState)) {
	f.onICEGatherState = fn
}
func (f *fakePC) OnTrack(fn func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) { f.onTrack = fn }

func (f *fakePC) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.closeCount++
	return nil
}

type fakeTransceiver struct {
	kind   webrtc.RTPCodecType
	sender *fakeSender
}

func (t *fakeTransceiver) Kind() webrtc.RTPCodecType { return t.kind }
func (t *fakeTransceiver) Sender() ports.Sender      { return t.sender }

type fakeSender struct {
	mu       sync.Mutex
	track    webrtc.TrackLocal
	replaces int
	err      error
}

func (s *fakeSender) ReplaceTrack(track webrtc.TrackLocal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.track = track
	s.replaces++
	return nil
}

func (s *fakeSender) Track() webrtc.TrackLocal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.track
}

func (s *fakeSender) replaceCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.replaces
}

// fakePCFactory hands out pre-built fake peer connections.
type fakePCFactory struct {
	mu   sync.Mutex
	pcs  []*fakePC
	next int
	err  error
}

func (f *fakePCFactory) NewPeerConnection() (ports.PeerConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	var pc *fakePC
	if f.next < len(f.pcs) {
		pc = f.pcs[f.next]
	} else {
		pc = newFakePC()
		f.pcs = append(f.pcs, pc)
	}
	f.next++
	return pc, nil
}

func (f *fakePCFactory) made(i int) *fakePC {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pcs[i]
}

// fakeTransport records outgoing messages and lets tests inject incoming
// ones.
type fakeTransport struct {
	mu       sync.Mutex
	sent     []domain.SignalMessage
	handlers map[domain.MessageType][]func(domain.SignalMessage)
	sendErr  error
	ready    bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		handlers: make(map[domain.MessageType][]func(domain.SignalMessage)),
		ready:    true,
	}
}

func (t *fakeTransport) Send(_ context.Context, msg domain.SignalMessage) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sendErr != nil {
		return t.sendErr
	}
	t.sent = append(t.sent, msg)
	return nil
}

func (t *fakeTransport) On(msgType domain.MessageType, handler func(domain.SignalMessage)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[msgType] = append(t.handlers[msgType], handler)
}

func (t *fakeTransport) IsReady() bool { return t.ready }

// deliver feeds an incoming message to the registered handlers.
func (t *fakeTransport) deliver(msg domain.SignalMessage) {
	t.mu.Lock()
	handlers := append([]func(domain.SignalMessage){}, t.handlers[msg.Type]...)
	t.mu.Unlock()
	for _, h := range handlers {
		h(msg)
	}
}

func (t *fakeTransport) sentOfType(msgType domain.MessageType) []domain.SignalMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []domain.SignalMessage
	for _, m := range t.sent {
		if m.Type == msgType {
			out = append(out, m)
		}
	}
	return out
}

// fakeLocalTrack satisfies webrtc.TrackLocal.
type fakeLocalTrack struct {
	id   string
	kind webrtc.RTPCodecType
}

func (t *fakeLocalTrack) Bind(webrtc.TrackLocalContext) (webrtc.RTPCodecParameters, error) {
	return webrtc.RTPCodecParameters{}, nil
}
func (t *fakeLocalTrack) Unbind(webrtc.TrackLocalContext) error { return nil }
func (t *fakeLocalTrack) ID() string                            { return t.id }
func (t *fakeLocalTrack) RID() string                           { return "" }
func (t *fakeLocalTrack) StreamID() string                      { return "fake-stream" }
func (t *fakeLocalTrack) Kind() webrtc.RTPCodecType             { return t.kind }

// fakeMediaTrack satisfies ports.MediaTrack. Frames advance on every call
// so liveness verification sees a flowing track unless frozen.
type fakeMediaTrack struct {
	mu      sync.Mutex
	id      string
	kind    domain.TrackKind
	state   domain.TrackState
	muted   bool
	frames  uint64
	frozen  bool
	stopped bool

	onMute   func()
	onUnmute func()
	onEnded  func()

	local *fakeLocalTrack
}

func newFakeMediaTrack(id string, kind domain.TrackKind) *fakeMediaTrack {
	codec := webrtc.RTPCodecTypeVideo
	if kind == domain.TrackKindAudio {
		codec = webrtc.RTPCodecTypeAudio
	}
	return &fakeMediaTrack{
		id:    id,
		kind:  kind,
		state: domain.TrackLive,
		local: &fakeLocalTrack{id: id, kind: codec},
	}
}

func (t *fakeMediaTrack) ID() string                    { return t.id }
func (t *fakeMediaTrack) Kind() domain.TrackKind        { return t.kind }
func (t *fakeMediaTrack) ReadyState() domain.TrackState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}
func (t *fakeMediaTrack) Muted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.muted
}
func (t *fakeMediaTrack) OnMute(f func())   { t.onMute = f }
func (t *fakeMediaTrack) OnUnmute(f func()) { t.onUnmute = f }
func (t *fakeMediaTrack) OnEnded(f func())  { t.onEnded = f }

func (t *fakeMediaTrack) FramesProduced() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.frozen {
		t.frames++
	}
	return t.frames
}

func (t *fakeMediaTrack) RTPTrack() webrtc.TrackLocal { return t.local }

func (t *fakeMediaTrack) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	t.state = domain.TrackEnded
}

func (t *fakeMediaTrack) isStopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

func (t *fakeMediaTrack) fireMute() {
	t.mu.Lock()
	t.muted = true
	f := t.onMute
	t.mu.Unlock()
	if f != nil {
		f()
	}
}

func (t *fakeMediaTrack) fireEnded() {
	t.mu.Lock()
	t.state = domain.TrackEnded
	f := t.onEnded
	t.mu.Unlock()
	if f != nil {
		f()
	}
}

// fakeMediaSource serves scripted Acquire results in order. When the
// script is empty it fabricates a live video+audio pair.
type fakeMediaSource struct {
	mu       sync.Mutex
	calls    []domain.MediaConstraints
	queue    []acquireResult
	returned [][]ports.MediaTrack
	gate     chan struct{}
	entered  chan struct{}
}

type acquireResult struct {
	tracks []ports.MediaTrack
	err    error
}

// block makes subsequent Acquire calls park until release is called; entered
// receives one value per parked call.
func (s *fakeMediaSource) block() (release func(), entered <-chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gate = make(chan struct{})
	s.entered = make(chan struct{}, 8)
	return func() { close(s.gate) }, s.entered
}

func (s *fakeMediaSource) Acquire(_ context.Context, constraints domain.MediaConstraints) ([]ports.MediaTrack, error) {
	s.mu.Lock()
	gate, entered := s.gate, s.entered
	s.mu.Unlock()
	if gate != nil {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-gate
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, constraints)
	if len(s.queue) > 0 {
		res := s.queue[0]
		s.queue = s.queue[1:]
		s.returned = append(s.returned, res.tracks)
		return res.tracks, res.err
	}
	tracks := []ports.MediaTrack{
		newFakeMediaTrack(fmt.Sprintf("video-%d", len(s.calls)), domain.TrackKindVideo),
	}
	if constraints.Audio {
		tracks = append(tracks, newFakeMediaTrack(fmt.Sprintf("audio-%d", len(s.calls)), domain.TrackKindAudio))
	}
	s.returned = append(s.returned, tracks)
	return tracks, nil
}

// videoOf returns the video track handed out by the i-th Acquire call.
func (s *fakeMediaSource) videoOf(i int) *fakeMediaTrack {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, track := range s.returned[i] {
		if track != nil && track.Kind() == domain.TrackKindVideo {
			return track.(*fakeMediaTrack)
		}
	}
	return nil
}

func (s *fakeMediaSource) push(res acquireResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = append(s.queue, res)
}

func (s *fakeMediaSource) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func (s *fakeMediaSource) call(i int) domain.MediaConstraints {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[i]
}

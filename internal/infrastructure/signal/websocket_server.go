package signal

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"peerlink/internal/core/domain"
	"peerlink/internal/core/ports"
	"peerlink/pkg/auth"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // deployments front this with their own origin policy
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// Relay is the demo signaling bus: it authenticates peers into a room,
// keeps the room roster in the presence repository and routes the typed
// signaling messages between the two logical endpoints. It never inspects
// SDP or candidates beyond schema validation.
type Relay struct {
	tokens   *auth.TokenService
	presence ports.PresenceRepository

	mu          sync.RWMutex
	connections map[domain.PeerID]*relayConn

	pingInterval time.Duration
	pongTimeout  time.Duration
	writeTimeout time.Duration

	logger *zap.SugaredLogger
}

type relayConn struct {
	conn    *websocket.Conn
	roomID  string
	writeMu sync.Mutex
}

func NewRelay(tokens *auth.TokenService, presence ports.PresenceRepository, logger *zap.SugaredLogger) *Relay {
	return &Relay{
		tokens:       tokens,
		presence:     presence,
		connections:  make(map[domain.PeerID]*relayConn),
		pingInterval: 30 * time.Second,
		pongTimeout:  60 * time.Second,
		writeTimeout: 10 * time.Second,
		logger:       logger,
	}
}

func (s *Relay) SetPingInterval(interval time.Duration) { s.pingInterval = interval }
func (s *Relay) SetPongTimeout(timeout time.Duration)   { s.pongTimeout = timeout }

// HandleWebSocket upgrades the connection, authenticates the peer into its
// room and runs the routing loop until disconnect.
func (s *Relay) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	peerID := domain.PeerID(r.URL.Query().Get("peer_id"))
	roomID := r.URL.Query().Get("room_id")
	if peerID == "" || roomID == "" {
		http.Error(w, "peer_id and room_id are required", http.StatusBadRequest)
		return
	}

	if err := s.authorize(r, string(peerID), roomID); err != nil {
		s.logger.Warnw("rejecting unauthorized peer", "peer_id", peerID, "room_id", roomID, "error", err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	rc := &relayConn{conn: conn, roomID: roomID}

	s.mu.Lock()
	if old, reconnect := s.connections[peerID]; reconnect && old != nil {
		old.conn.Close()
		s.logger.Infow("closing old connection for reconnecting peer", "peer_id", peerID)
	}
	s.connections[peerID] = rc
	s.mu.Unlock()

	ctx := r.Context()
	if err := s.presence.Add(ctx, &domain.Participant{
		ID:       peerID,
		RoomID:   roomID,
		JoinedAt: time.Now(),
		LastSeen: time.Now(),
	}); err != nil {
		s.logger.Warnw("presence add failed", "peer_id", peerID, "error", err)
	}

	s.logger.Infow("peer connected", "peer_id", peerID, "room_id", roomID)
	s.serve(peerID, rc)

	s.mu.Lock()
	if current, ok := s.connections[peerID]; ok && current == rc {
		delete(s.connections, peerID)
	}
	s.mu.Unlock()

	if err := s.presence.Remove(context.Background(), peerID); err != nil {
		s.logger.Warnw("presence remove failed", "peer_id", peerID, "error", err)
	}
	s.broadcastLeft(peerID, roomID)
	s.logger.Infow("peer disconnected", "peer_id", peerID)
}

func (s *Relay) authorize(r *http.Request, peerID, roomID string) error {
	header := r.Header.Get("Authorization")
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || parts[0] != "Bearer" {
		return auth.ErrInvalidToken
	}
	claims, err := s.tokens.ValidateForRoom(parts[1], roomID)
	if err != nil {
		return err
	}
	if claims.PeerID != peerID {
		return auth.ErrInvalidToken
	}
	return nil
}

func (s *Relay) serve(peerID domain.PeerID, rc *relayConn) {
	conn := rc.conn
	conn.SetReadDeadline(time.Now().Add(s.pongTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(s.pongTimeout))
		return nil
	})

	pingTicker := time.NewTicker(s.pingInterval)
	defer pingTicker.Stop()

	messageChan := make(chan domain.SignalMessage, 10)
	errorChan := make(chan error, 1)

	go func() {
		for {
			var msg domain.SignalMessage
			if err := conn.ReadJSON(&msg); err != nil {
				errorChan <- err
				return
			}
			conn.SetReadDeadline(time.Now().Add(s.pongTimeout))
			messageChan <- msg
		}
	}()

	for {
		select {
		case msg := <-messageChan:
			if err := s.route(peerID, rc.roomID, msg); err != nil {
				s.logger.Infow("message not routed", "peer_id", peerID, "type", msg.Type, "error", err)
			}

		case <-pingTicker.C:
			rc.writeMu.Lock()
			conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			rc.writeMu.Unlock()
			if err != nil {
				s.logger.Infow("ping failed", "peer_id", peerID, "error", err)
				return
			}

		case err := <-errorChan:
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Infow("read failed", "peer_id", peerID, "error", err)
			}
			return
		}
	}
}

// route validates the message and forwards it to its target, or to every
// other peer in the room when no target is named.
func (s *Relay) route(from domain.PeerID, roomID string, msg domain.SignalMessage) error {
	msg.FromUserID = from // the relay, not the sender, asserts identity
	if err := msg.Validate(); err != nil {
		return err
	}

	if err := s.presence.Touch(context.Background(), from); err != nil {
		s.logger.Debugw("presence touch failed", "peer_id", from, "error", err)
	}

	if msg.TargetUserID != "" {
		return s.sendTo(msg.TargetUserID, roomID, msg)
	}

	s.mu.RLock()
	targets := make(map[domain.PeerID]*relayConn)
	for id, rc := range s.connections {
		if id != from && rc.roomID == roomID {
			targets[id] = rc
		}
	}
	s.mu.RUnlock()

	for id, rc := range targets {
		if err := s.write(rc, msg); err != nil {
			s.logger.Warnw("broadcast write failed", "target", id, "error", err)
		}
	}
	return nil
}

func (s *Relay) sendTo(target domain.PeerID, roomID string, msg domain.SignalMessage) error {
	s.mu.RLock()
	rc, ok := s.connections[target]
	s.mu.RUnlock()
	if !ok || rc.roomID != roomID {
		return domain.ErrSessionNotFound
	}
	return s.write(rc, msg)
}

func (s *Relay) write(rc *relayConn, msg domain.SignalMessage) error {
	rc.writeMu.Lock()
	defer rc.writeMu.Unlock()
	rc.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	return rc.conn.WriteJSON(msg)
}

func (s *Relay) broadcastLeft(peerID domain.PeerID, roomID string) {
	msg := domain.SignalMessage{Type: domain.MessageParticipantLeft, FromUserID: peerID}
	s.mu.RLock()
	targets := make([]*relayConn, 0)
	for id, rc := range s.connections {
		if id != peerID && rc.roomID == roomID {
			targets = append(targets, rc)
		}
	}
	s.mu.RUnlock()

	for _, rc := range targets {
		if err := s.write(rc, msg); err != nil {
			s.logger.Debugw("participant-left write failed", "error", err)
		}
	}
}

// RoomSize reports how many live connections a room has.
func (s *Relay) RoomSize(roomID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, rc := range s.connections {
		if rc.roomID == roomID {
			n++
		}
	}
	return n
}

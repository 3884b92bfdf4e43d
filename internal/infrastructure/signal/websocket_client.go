package signal

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"peerlink/internal/core/domain"
)

// ClientConfig carries the dial parameters for the signaling connection.
type ClientConfig struct {
	URL    string
	PeerID domain.PeerID
	RoomID string
	// Token is the JWT presented in the Authorization header at dial time.
	Token string

	WriteTimeout time.Duration
	PingInterval time.Duration
	PongTimeout  time.Duration

	// Candidate sends are rate limited so a trickle burst cannot flood the
	// relay.
	CandidatesPerSecond float64
	CandidateBurst      int
}

// WebSocketClient is the production SignalTransport: a single websocket to
// the relay carrying the typed signaling schema. Handlers run on the read
// goroutine.
type WebSocketClient struct {
	cfg ClientConfig

	conn    *websocket.Conn
	writeMu sync.Mutex

	handlersMu sync.RWMutex
	handlers   map[domain.MessageType][]func(domain.SignalMessage)

	candidateLimiter *rate.Limiter
	ready            atomic.Bool
	done             chan struct{}

	logger *zap.SugaredLogger
}

func NewWebSocketClient(cfg ClientConfig, logger *zap.SugaredLogger) *WebSocketClient {
	return &WebSocketClient{
		cfg:              cfg,
		handlers:         make(map[domain.MessageType][]func(domain.SignalMessage)),
		candidateLimiter: rate.NewLimiter(rate.Limit(cfg.CandidatesPerSecond), cfg.CandidateBurst),
		done:             make(chan struct{}),
		logger:           logger,
	}
}

// Connect dials the relay and starts the read and ping loops.
func (c *WebSocketClient) Connect(ctx context.Context) error {
	header := http.Header{}
	if c.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	url := fmt.Sprintf("%s?peer_id=%s&room_id=%s", c.cfg.URL, c.cfg.PeerID, c.cfg.RoomID)
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("signaling dial failed with status %d: %w", resp.StatusCode, err)
		}
		return fmt.Errorf("signaling dial failed: %w", err)
	}

	c.conn = conn
	conn.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
		return nil
	})

	c.ready.Store(true)
	go c.readLoop()
	go c.pingLoop()

	c.logger.Infow("signaling connected", "url", c.cfg.URL, "peer_id", c.cfg.PeerID, "room_id", c.cfg.RoomID)
	return nil
}

// Send writes a message to the relay. Candidate messages pass through the
// rate limiter first; everything else goes out immediately.
func (c *WebSocketClient) Send(ctx context.Context, msg domain.SignalMessage) error {
	if !c.ready.Load() {
		return domain.ErrTransportNotReady
	}

	if msg.Type == domain.MessageCandidate {
		if err := c.candidateLimiter.Wait(ctx); err != nil {
			return fmt.Errorf("candidate send cancelled while rate limited: %w", err)
		}
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	if err := c.conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("signaling write failed: %w", err)
	}
	return nil
}

// On registers a handler for one message type. Multiple handlers per type
// are allowed; they run in registration order on the read goroutine.
func (c *WebSocketClient) On(msgType domain.MessageType, handler func(domain.SignalMessage)) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.handlers[msgType] = append(c.handlers[msgType], handler)
}

func (c *WebSocketClient) IsReady() bool { return c.ready.Load() }

func (c *WebSocketClient) readLoop() {
	defer c.ready.Store(false)
	for {
		var msg domain.SignalMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			select {
			case <-c.done:
			default:
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					c.logger.Warnw("signaling read failed", "error", err)
				}
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
		c.dispatch(msg)
	}
}

func (c *WebSocketClient) dispatch(msg domain.SignalMessage) {
	c.handlersMu.RLock()
	handlers := append([]func(domain.SignalMessage){}, c.handlers[msg.Type]...)
	c.handlersMu.RUnlock()

	if len(handlers) == 0 {
		c.logger.Debugw("no handler for signaling message", "type", msg.Type, "from", msg.FromUserID)
		return
	}
	for _, h := range handlers {
		h(msg)
	}
}

func (c *WebSocketClient) pingLoop() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			err := c.conn.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				c.logger.Warnw("signaling ping failed", "error", err)
				return
			}
		}
	}
}

// Close stops the loops and closes the websocket.
func (c *WebSocketClient) Close() error {
	c.ready.Store(false)
	close(c.done)
	if c.conn == nil {
		return nil
	}
	c.writeMu.Lock()
	c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	_ = c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()
	return c.conn.Close()
}

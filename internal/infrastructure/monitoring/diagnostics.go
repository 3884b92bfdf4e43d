package monitoring

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"peerlink/internal/core/domain"
	"peerlink/internal/core/ports"
	"peerlink/internal/core/services"
	"peerlink/internal/infrastructure/middleware"
	"peerlink/pkg/auth"
)

// DiagnosticsConfig configures the diagnostics HTTP endpoint.
type DiagnosticsConfig struct {
	Address           string
	PrometheusEnabled bool
	TracingEnabled    bool
	RateLimitPerSec   float64
	RateLimitBurst    int
}

// sessionView is the JSON shape of one live session in the diagnostics API.
type sessionView struct {
	RemoteID         domain.PeerID           `json:"remote_id"`
	Role             domain.Role             `json:"role"`
	NegotiationState domain.NegotiationState `json:"negotiation_state"`
	Phase            domain.ConnectionPhase  `json:"phase"`
	CreatedAt        time.Time               `json:"created_at"`
	Health           *domain.HealthSnapshot  `json:"health,omitempty"`
	LastFailure      string                  `json:"last_failure,omitempty"`
}

// Diagnostics serves health, metrics and session introspection over HTTP.
// It reads the session registry and whatever health snapshots the
// orchestrator events have pushed; it never touches the negotiation core.
type Diagnostics struct {
	registry *services.SessionRegistry
	presence ports.PresenceRepository
	checker  *HealthChecker
	logger   *zap.SugaredLogger

	mu        sync.RWMutex
	snapshots map[domain.PeerID]domain.HealthSnapshot
	failures  map[domain.PeerID]string

	server *http.Server
}

func NewDiagnostics(
	cfg DiagnosticsConfig,
	registry *services.SessionRegistry,
	presence ports.PresenceRepository,
	checker *HealthChecker,
	tokens *auth.TokenService,
	logger *zap.SugaredLogger,
) *Diagnostics {
	d := &Diagnostics{
		registry:  registry,
		presence:  presence,
		checker:   checker,
		logger:    logger,
		snapshots: make(map[domain.PeerID]domain.HealthSnapshot),
		failures:  make(map[domain.PeerID]string),
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(middleware.RecoveryMiddleware(logger))
	router.Use(middleware.ErrorHandlerMiddleware(logger))
	router.Use(middleware.RateLimitMiddleware(cfg.RateLimitPerSec, cfg.RateLimitBurst))
	if cfg.TracingEnabled {
		router.Use(middleware.TracingMiddleware())
	}

	router.GET("/healthz", d.handleHealthz)
	if cfg.PrometheusEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}

	api := router.Group("/api/v1")
	api.Use(middleware.AuthMiddleware(tokens))
	{
		api.GET("/sessions", d.handleSessions)
		api.GET("/sessions/:id", d.handleSession)
		api.GET("/rooms/:room/participants", middleware.RoomScopedMiddleware(), d.handleParticipants)
	}

	d.server = &http.Server{
		Addr:         cfg.Address,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return d
}

// ObserveHealth stores the latest snapshot for its session. Wire it to the
// orchestrator's Health event.
func (d *Diagnostics) ObserveHealth(snapshot domain.HealthSnapshot) {
	d.mu.Lock()
	d.snapshots[snapshot.RemoteID] = snapshot
	d.mu.Unlock()
}

// ObserveFailure remembers the last failure per session for the API.
func (d *Diagnostics) ObserveFailure(remoteID domain.PeerID, err *domain.SessionError) {
	if err == nil {
		return
	}
	d.mu.Lock()
	d.failures[remoteID] = string(err.Code)
	d.mu.Unlock()
}

// Forget drops stored diagnostics for a departed session.
func (d *Diagnostics) Forget(remoteID domain.PeerID) {
	d.mu.Lock()
	delete(d.snapshots, remoteID)
	delete(d.failures, remoteID)
	d.mu.Unlock()
}

// Start serves the diagnostics API until Shutdown.
func (d *Diagnostics) Start() {
	go func() {
		d.logger.Infow("diagnostics listening", "address", d.server.Addr)
		if err := d.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			d.logger.Errorw("diagnostics server stopped", "error", err)
		}
	}()
}

func (d *Diagnostics) Shutdown(ctx context.Context) error {
	return d.server.Shutdown(ctx)
}

func (d *Diagnostics) handleHealthz(c *gin.Context) {
	status := d.checker.CheckAll(c.Request.Context())
	code := http.StatusOK
	if status.Status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, status)
}

func (d *Diagnostics) handleSessions(c *gin.Context) {
	views := make([]sessionView, 0, d.registry.Count())
	for _, id := range d.registry.RemoteIDs() {
		if view, ok := d.view(id); ok {
			views = append(views, view)
		}
	}
	c.JSON(http.StatusOK, gin.H{"sessions": views, "count": len(views)})
}

func (d *Diagnostics) handleSession(c *gin.Context) {
	view, ok := d.view(domain.PeerID(c.Param("id")))
	if !ok {
		c.Error(domain.ErrSessionNotFound)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (d *Diagnostics) handleParticipants(c *gin.Context) {
	participants, err := d.presence.ListByRoom(c.Request.Context(), c.Param("room"))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"participants": participants, "count": len(participants)})
}

func (d *Diagnostics) view(id domain.PeerID) (sessionView, bool) {
	entry, err := d.registry.Get(id)
	if err != nil {
		return sessionView{}, false
	}

	view := sessionView{
		RemoteID:         entry.Session.RemoteID,
		Role:             entry.Session.Role,
		NegotiationState: entry.Session.NegotiationState,
		Phase:            entry.Session.Phase,
		CreatedAt:        entry.Session.CreatedAt,
	}

	d.mu.RLock()
	if snapshot, ok := d.snapshots[id]; ok {
		view.Health = &snapshot
	}
	view.LastFailure = d.failures[id]
	d.mu.RUnlock()

	return view, true
}

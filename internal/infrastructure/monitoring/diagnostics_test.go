package monitoring

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"peerlink/internal/core/domain"
	"peerlink/internal/core/services"
	"peerlink/internal/infrastructure/repositories/memory"
	"peerlink/pkg/auth"
	"peerlink/pkg/clock"
)

func newTestDiagnostics(t *testing.T) (*Diagnostics, *auth.TokenService, *HealthChecker) {
	t.Helper()

	log := zap.NewNop().Sugar()
	registry := services.NewSessionRegistry(clock.New(), log)
	presence := memory.NewPresenceRepository()
	require.NoError(t, presence.Add(context.Background(), &domain.Participant{
		ID:       "alice",
		RoomID:   "alpha",
		JoinedAt: time.Now(),
		LastSeen: time.Now(),
	}))

	checker := NewHealthChecker(log)
	tokens := auth.NewTokenService("test-secret", time.Hour)

	d := NewDiagnostics(DiagnosticsConfig{
		Address:           ":0",
		PrometheusEnabled: false,
	}, registry, presence, checker, tokens, log)
	return d, tokens, checker
}

func doRequest(d *Diagnostics, method, path, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	d.server.Handler.ServeHTTP(w, req)
	return w
}

func TestHealthzReflectsCheckResults(t *testing.T) {
	d, _, checker := newTestDiagnostics(t)

	w := doRequest(d, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, w.Code)

	checker.AddCheck("broken", func(ctx context.Context) (bool, error) {
		return false, errors.New("dependency down")
	}, time.Minute, time.Second)

	w = doRequest(d, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "dependency down")
}

func TestSessionsRequireToken(t *testing.T) {
	d, _, _ := newTestDiagnostics(t)

	w := doRequest(d, http.MethodGet, "/api/v1/sessions", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = doRequest(d, http.MethodGet, "/api/v1/sessions", "not-a-jwt")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestSessionsEmptyRegistry(t *testing.T) {
	d, tokens, _ := newTestDiagnostics(t)
	token, err := tokens.Generate("alice", "alpha")
	require.NoError(t, err)

	w := doRequest(d, http.MethodGet, "/api/v1/sessions", token)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":0`)
}

func TestSessionNotFoundMapsTo404(t *testing.T) {
	d, tokens, _ := newTestDiagnostics(t)
	token, err := tokens.Generate("alice", "alpha")
	require.NoError(t, err)

	w := doRequest(d, http.MethodGet, "/api/v1/sessions/ghost", token)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestParticipantsScopedToTokenRoom(t *testing.T) {
	d, tokens, _ := newTestDiagnostics(t)
	token, err := tokens.Generate("alice", "alpha")
	require.NoError(t, err)

	w := doRequest(d, http.MethodGet, "/api/v1/rooms/alpha/participants", token)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":1`)
	assert.Contains(t, w.Body.String(), "alice")

	// Token for room alpha must not read room beta's roster.
	w = doRequest(d, http.MethodGet, "/api/v1/rooms/beta/participants", token)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

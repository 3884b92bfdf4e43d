package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"peerlink/internal/core/domain"
)

// Test that a malformed-message error maps to 400 with the structured code.
func TestErrorHandlerMiddleware_MalformedMapsToBadRequest(t *testing.T) {
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.Use(ErrorHandlerMiddleware(zap.NewNop().Sugar()))
	router.GET("/test", func(c *gin.Context) {
		c.Error(&domain.MalformedError{Field: "sdp", Reason: "is required"})
	})

	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodGet, "/test", nil)
	router.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", w.Code)
	}

	var body map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("response is not JSON: %v", err)
	}
	if body["error"] != string(domain.CodeSignalingMalformed) {
		t.Fatalf("expected error code %q, got %q", domain.CodeSignalingMalformed, body["error"])
	}
}

// Test that a missing session maps to 404.
func TestErrorHandlerMiddleware_SessionNotFoundMapsTo404(t *testing.T) {
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.Use(ErrorHandlerMiddleware(zap.NewNop().Sugar()))
	router.GET("/test", func(c *gin.Context) {
		c.Error(domain.ErrSessionNotFound)
	})

	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodGet, "/test", nil)
	router.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", w.Code)
	}
}

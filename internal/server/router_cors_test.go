package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestCORSMiddlewareAllowsTenantHeader(t *testing.T) {
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.Use(corsMiddleware())
	router.OPTIONS("/words", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	request := httptest.NewRequest(http.MethodOptions, "/words", http.NoBody)
	request.Header.Set("Origin", "https://app.example.com")
	request.Header.Set("Access-Control-Request-Method", http.MethodPost)
	request.Header.Set("Access-Control-Request-Headers", "X-TAuth-Tenant")

	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusNoContent {
		t.Fatalf("expected status %d, got %d", http.StatusNoContent, recorder.Code)
	}

	allowHeaders := recorder.Header().Get("Access-Control-Allow-Headers")
	if !strings.Contains(strings.ToLower(allowHeaders), strings.ToLower("X-TAuth-Tenant")) {
		t.Fatalf("expected Access-Control-Allow-Headers to include X-TAuth-Tenant, got %q", allowHeaders)
	}

	if recorder.Header().Get("Access-Control-Allow-Credentials") != "true" {
		t.Fatalf("expected credentials to be enabled")
	}
	if recorder.Header().Get("Access-Control-Allow-Origin") != "https://app.example.com" {
		t.Fatalf("expected origin to be reflected, got %q", recorder.Header().Get("Access-Control-Allow-Origin"))
	}
}

func TestCORSMiddlewareRestrictsConfiguredOrigins(t *testing.T) {
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.Use(corsMiddleware("https://reader.example.com"))
	router.GET("/words", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	allowed := httptest.NewRequest(http.MethodGet, "/words", http.NoBody)
	allowed.Header.Set("Origin", "https://reader.example.com")
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, allowed)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected allowed origin to pass, got %d", recorder.Code)
	}

	denied := httptest.NewRequest(http.MethodGet, "/words", http.NoBody)
	denied.Header.Set("Origin", "https://elsewhere.example.com")
	recorder = httptest.NewRecorder()
	router.ServeHTTP(recorder, denied)
	if recorder.Code != http.StatusForbidden {
		t.Fatalf("expected foreign origin to be rejected, got %d", recorder.Code)
	}
}

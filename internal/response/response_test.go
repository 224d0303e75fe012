package response

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestRequestIDMiddleware(t *testing.T) {
	r := gin.New()
	r.Use(RequestIDMiddleware())
	r.GET("/", func(c *gin.Context) { Success(c, http.StatusOK, gin.H{"ok": true}) })

	tests := []struct {
		name   string
		header string
		keep   bool
	}{
		{"none", "", false},
		{"proxy id", "edge-7f3a9c", true},
		{"too long", strings.Repeat("a", 65), false},
		{"control characters", "id\twith\ttabs", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set("X-Request-ID", tt.header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)

			got := w.Header().Get("X-Request-ID")
			if tt.keep && got != tt.header {
				t.Errorf("X-Request-ID = %q, want %q", got, tt.header)
			}
			if !tt.keep && (got == "" || got == tt.header) {
				t.Errorf("X-Request-ID = %q, want a generated id", got)
			}

			var body Response
			if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
				t.Fatal(err)
			}
			if body.Metadata.RequestID != got {
				t.Errorf("metadata request id = %q, header %q", body.Metadata.RequestID, got)
			}
			if body.Metadata.ServerTimeMs == 0 {
				t.Error("server time missing")
			}
		})
	}
}

func TestAbortRetry(t *testing.T) {
	r := gin.New()
	r.GET("/", func(c *gin.Context) {
		AbortRetry(c, http.StatusServiceUnavailable, ErrUnavailable, 1500*time.Millisecond)
	})
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	if w.Code != http.StatusServiceUnavailable || w.Header().Get("Retry-After") != "2" {
		t.Errorf("status %d Retry-After %q", w.Code, w.Header().Get("Retry-After"))
	}
	var body Response
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Error == nil || body.Error.Code != ErrUnavailable || body.Error.Message == "" {
		t.Errorf("error body = %+v", body.Error)
	}
}

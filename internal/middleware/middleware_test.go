package middleware

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/gin-gonic/gin"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func testAuth(expiry time.Duration) *service.AuthService {
	return service.NewAuthService(&config.Config{JWTSecret: "middleware-secret", JWTExpiry: expiry}, nil)
}

func serve(r *gin.Engine, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestRequireCandidateJWT(t *testing.T) {
	auth := testAuth(time.Hour)
	r := gin.New()
	r.GET("/me", RequireCandidateJWT(auth), func(c *gin.Context) {
		c.String(http.StatusOK, GetClaims(c).Subject)
	})

	candidate, _ := auth.GenerateToken(service.TokenTypeCandidate, "cand-42", "Rina", "")
	proctor, _ := auth.GenerateToken(service.TokenTypeProctor, "proctor-1", "Budi", "")
	expired, _ := testAuth(-time.Minute).GenerateToken(service.TokenTypeCandidate, "cand-42", "Rina", "")
	forged, _ := service.NewAuthService(&config.Config{JWTSecret: "other", JWTExpiry: time.Hour}, nil).
		GenerateToken(service.TokenTypeCandidate, "cand-42", "Rina", "")

	tests := []struct {
		name   string
		header string
		query  string
		status int
		code   response.ErrCode
	}{
		{"missing", "", "", http.StatusUnauthorized, response.ErrTokenRequired},
		{"bearer", "Bearer " + candidate, "", http.StatusOK, ""},
		{"lowercase scheme", "bearer " + candidate, "", http.StatusOK, ""},
		{"query ignored", "", candidate, http.StatusUnauthorized, response.ErrTokenRequired},
		{"expired", "Bearer " + expired, "", http.StatusUnauthorized, response.ErrTokenExpired},
		{"wrong secret", "Bearer " + forged, "", http.StatusUnauthorized, response.ErrTokenInvalid},
		{"proctor token", "Bearer " + proctor, "", http.StatusForbidden, response.ErrCandidateAccessOnly},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			target := "/me"
			if tt.query != "" {
				target += "?token=" + tt.query
			}
			req := httptest.NewRequest(http.MethodGet, target, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := serve(r, req)
			if w.Code != tt.status {
				t.Fatalf("status = %d, want %d (%s)", w.Code, tt.status, w.Body)
			}
			if tt.code != "" && !strings.Contains(w.Body.String(), string(tt.code)) {
				t.Errorf("body = %s, want code %s", w.Body, tt.code)
			}
			if tt.status == http.StatusOK && w.Body.String() != "cand-42" {
				t.Errorf("subject = %q", w.Body)
			}
		})
	}
}

func TestRequireCandidateWSAuthIgnoresHeader(t *testing.T) {
	auth := testAuth(time.Hour)
	r := gin.New()
	r.GET("/ws", RequireCandidateWSAuth(auth), func(c *gin.Context) { c.Status(http.StatusNoContent) })
	token, _ := auth.GenerateToken(service.TokenTypeCandidate, "cand-1", "", "")

	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	if w := serve(r, req); w.Code != http.StatusUnauthorized {
		t.Errorf("header only = %d, want 401", w.Code)
	}
	if w := serve(r, httptest.NewRequest(http.MethodGet, "/ws?token="+token, nil)); w.Code != http.StatusNoContent {
		t.Errorf("query token = %d, want 204", w.Code)
	}
}

func TestRateLimiterRefills(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rl := NewRateLimiter(ctx, 2, time.Minute)
	now := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	if !rl.allow("a") || !rl.allow("a") {
		t.Fatal("first two requests refused")
	}
	if rl.allow("a") {
		t.Error("third request within the interval allowed")
	}
	if !rl.allow("b") {
		t.Error("buckets are not per key")
	}

	now = now.Add(time.Minute)
	if !rl.allow("a") {
		t.Error("bucket did not refill after the interval")
	}

	now = now.Add(10 * time.Minute)
	rl.cleanup()
	rl.mu.Lock()
	n := len(rl.visitors)
	rl.mu.Unlock()
	if n != 0 {
		t.Errorf("visitors after cleanup = %d, want 0", n)
	}
}

func TestRateLimiterByCandidate(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	auth := testAuth(time.Hour)
	limiter := NewRateLimiter(ctx, 1, time.Hour).ByCandidate()

	r := gin.New()
	r.POST("/join", RequireCandidateJWT(auth), limiter.Middleware(), func(c *gin.Context) { c.Status(http.StatusOK) })

	post := func(token string) int {
		req := httptest.NewRequest(http.MethodPost, "/join", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		return serve(r, req).Code
	}
	alice, _ := auth.GenerateToken(service.TokenTypeCandidate, "alice", "", "")
	bob, _ := auth.GenerateToken(service.TokenTypeCandidate, "bob", "", "")

	if got := post(alice); got != http.StatusOK {
		t.Fatalf("alice first = %d", got)
	}
	req := httptest.NewRequest(http.MethodPost, "/join", nil)
	req.Header.Set("Authorization", "Bearer "+alice)
	w := serve(r, req)
	if w.Code != http.StatusTooManyRequests {
		t.Errorf("alice second = %d, want 429", w.Code)
	}
	if got := w.Header().Get("Retry-After"); got != "3600" {
		t.Errorf("Retry-After = %q, want 3600", got)
	}
	// Same address, different candidate.
	if got := post(bob); got != http.StatusOK {
		t.Errorf("bob first = %d, want 200", got)
	}
}

func TestBrotliCompressesLargeBodies(t *testing.T) {
	large := strings.Repeat("exam session state ", 200)
	r := gin.New()
	r.Use(BrotliWithConfig(BrotliConfig{Quality: 5, Skipper: SkipPrefixes("/uploads/")}))
	r.GET("/large", func(c *gin.Context) { c.String(http.StatusOK, large) })
	r.GET("/small", func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	r.GET("/uploads/photo", func(c *gin.Context) { c.String(http.StatusOK, large) })

	get := func(path string, br bool) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		if br {
			req.Header.Set("Accept-Encoding", "gzip, br")
		}
		return serve(r, req)
	}

	w := get("/large", true)
	if w.Header().Get("Content-Encoding") != "br" {
		t.Fatalf("Content-Encoding = %q, want br", w.Header().Get("Content-Encoding"))
	}
	plain, err := io.ReadAll(brotli.NewReader(bytes.NewReader(w.Body.Bytes())))
	if err != nil {
		t.Fatalf("decompress: %v", err)
	}
	if string(plain) != large {
		t.Error("decompressed body differs")
	}
	if w.Body.Len() >= len(large) {
		t.Errorf("compressed %d bytes into %d", len(large), w.Body.Len())
	}

	if w := get("/small", true); w.Header().Get("Content-Encoding") != "" || w.Body.String() != "ok" {
		t.Errorf("small body = %q encoding %q", w.Body, w.Header().Get("Content-Encoding"))
	}
	if w := get("/large", false); w.Header().Get("Content-Encoding") != "" || w.Body.String() != large {
		t.Error("body compressed without Accept-Encoding: br")
	}
	if w := get("/uploads/photo", true); w.Header().Get("Content-Encoding") != "" {
		t.Error("skipped prefix was compressed")
	}
}

func TestBrotliFlushBeforeThresholdStaysPlain(t *testing.T) {
	r := gin.New()
	r.Use(Brotli())
	r.GET("/events", func(c *gin.Context) {
		c.Writer.WriteString("data: first\n\n")
		c.Writer.Flush()
		c.Writer.WriteString(strings.Repeat("x", 4096))
	})

	req := httptest.NewRequest(http.MethodGet, "/events", nil)
	req.Header.Set("Accept-Encoding", "br")
	w := serve(r, req)
	if w.Header().Get("Content-Encoding") != "" {
		t.Fatal("response switched to brotli after a plain flush")
	}
	if !strings.HasPrefix(w.Body.String(), "data: first\n\n") || w.Body.Len() != len("data: first\n\n")+4096 {
		t.Errorf("body length = %d", w.Body.Len())
	}
}

func TestCacheHeaders(t *testing.T) {
	r := gin.New()
	r.GET("/photo", CacheControl(time.Hour), func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/state", NoStore(), func(c *gin.Context) { c.Status(http.StatusOK) })

	photo := serve(r, httptest.NewRequest(http.MethodGet, "/photo", nil)).Header()
	if got := photo.Get("Cache-Control"); got != "private, max-age=3600" {
		t.Errorf("photo Cache-Control = %q", got)
	}
	if got := photo.Get("Vary"); got != "Authorization" {
		t.Errorf("photo Vary = %q", got)
	}
	if got := serve(r, httptest.NewRequest(http.MethodGet, "/state", nil)).Header().Get("Cache-Control"); got != "no-store" {
		t.Errorf("state Cache-Control = %q", got)
	}
}

func TestAcceptsBrotli(t *testing.T) {
	tests := []struct {
		header string
		want   bool
	}{
		{"", false},
		{"gzip, deflate", false},
		{"gzip, br", true},
		{"BR", true},
		{"br;q=0.5, gzip", true},
		{"br;q=0", false},
		{"gzip;q=1, br; q=0.0", false},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Accept-Encoding", tt.header)
		if got := acceptsBrotli(req); got != tt.want {
			t.Errorf("acceptsBrotli(%q) = %v, want %v", tt.header, got, tt.want)
		}
	}
}

func TestBrotliLeavesEncodedBodies(t *testing.T) {
	body := strings.Repeat("z", 4096)
	r := gin.New()
	r.Use(Brotli())
	r.GET("/gz", func(c *gin.Context) {
		c.Header("Content-Encoding", "gzip")
		c.String(http.StatusOK, body)
	})
	req := httptest.NewRequest(http.MethodGet, "/gz", nil)
	req.Header.Set("Accept-Encoding", "br")
	w := serve(r, req)
	if w.Header().Get("Content-Encoding") != "gzip" || w.Body.String() != body {
		t.Errorf("encoding = %q, body length %d", w.Header().Get("Content-Encoding"), w.Body.Len())
	}
}

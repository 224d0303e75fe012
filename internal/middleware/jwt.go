package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
)

const (
	// ContextKeyClaims is the Gin context key for JWT claims.
	ContextKeyClaims = "claims"
)

// RequireCandidateJWT validates a candidate JWT from the Authorization header.
func RequireCandidateJWT(authService *service.AuthService) gin.HandlerFunc {
	return requireType(authService, service.TokenTypeCandidate, response.ErrCandidateAccessOnly, bearer)
}

// RequireProctorJWT validates a proctor JWT from the Authorization header,
// or from ?token= for EventSource clients.
func RequireProctorJWT(authService *service.AuthService) gin.HandlerFunc {
	return requireType(authService, service.TokenTypeProctor, response.ErrProctorAccessOnly, bearerOrQuery)
}

// RequireCandidateWSAuth validates a candidate JWT from the query param
// ?token=... Used for WebSocket upgrade requests.
func RequireCandidateWSAuth(authService *service.AuthService) gin.HandlerFunc {
	return requireType(authService, service.TokenTypeCandidate, response.ErrCandidateAccessOnly, func(c *gin.Context) string {
		return c.Query("token")
	})
}

func requireType(authService *service.AuthService, want service.TokenType, wrongType response.ErrCode, extract func(*gin.Context) string) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenStr := extract(c)
		if tokenStr == "" {
			response.AbortFail(c, http.StatusUnauthorized, response.ErrTokenRequired)
			return
		}

		claims, err := authService.ValidateToken(tokenStr)
		if err != nil {
			code := response.ErrTokenInvalid
			if errors.Is(err, jwt.ErrTokenExpired) {
				code = response.ErrTokenExpired
			}
			response.AbortFail(c, http.StatusUnauthorized, code)
			return
		}

		if claims.TokenType != want {
			response.AbortFail(c, http.StatusForbidden, wrongType)
			return
		}

		c.Set(ContextKeyClaims, claims)
		c.Next()
	}
}

// GetClaims retrieves the JWT claims from the Gin context.
func GetClaims(c *gin.Context) *service.Claims {
	val, exists := c.Get(ContextKeyClaims)
	if !exists {
		return nil
	}
	claims, ok := val.(*service.Claims)
	if !ok {
		return nil
	}
	return claims
}

func bearer(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		return ""
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
		return parts[1]
	}
	return ""
}

func bearerOrQuery(c *gin.Context) string {
	if token := bearer(c); token != "" {
		return token
	}
	// Fallback for EventSource (SSE) which cannot send headers
	return c.Query("token")
}

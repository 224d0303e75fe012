package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stemsi/exstem-proctor/internal/config"
)

// Common auth errors.
var (
	ErrSessionAlreadyActive = errors.New("exam session is already open on another device")
	ErrOutOfScope           = errors.New("token is not valid for this assessment")
)

// TokenType distinguishes candidate vs proctor tokens.
type TokenType string

const (
	TokenTypeCandidate TokenType = "candidate"
	TokenTypeProctor   TokenType = "proctor"
)

// Claims extends JWT standard claims with app-specific fields. Tokens are
// issued by the identity provider in front of this service; the subject
// is the candidate or proctor id.
type Claims struct {
	jwt.RegisteredClaims
	TokenType TokenType `json:"token_type"`
	Name      string    `json:"name,omitempty"`
	// AssessmentID scopes a proctor token to one assessment. Empty means
	// every assessment.
	AssessmentID string `json:"assessment_id,omitempty"`
}

// CanAccess reports whether the claims cover an assessment.
func (c *Claims) CanAccess(assessmentID uuid.UUID) bool {
	return c.AssessmentID == "" || c.AssessmentID == assessmentID.String()
}

// AuthService validates and issues JWTs and enforces single-device
// sessions.
type AuthService struct {
	cfg *config.Config
	rdb *redis.Client
}

// NewAuthService creates a new AuthService.
func NewAuthService(cfg *config.Config, rdb *redis.Client) *AuthService {
	return &AuthService{cfg: cfg, rdb: rdb}
}

// GenerateToken signs a token for subject. Used by development tooling.
func (s *AuthService) GenerateToken(typ TokenType, subject, name, assessmentID string) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.cfg.JWTExpiry)),
		},
		TokenType:    typ,
		Name:         name,
		AssessmentID: assessmentID,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(s.cfg.JWTSecret))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// ValidateToken parses and validates a JWT, returning the claims.
func (s *AuthService) ValidateToken(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(s.cfg.JWTSecret), nil
	})
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Subject == "" {
		return nil, errors.New("invalid token claims")
	}
	return claims, nil
}

// ClaimDevice binds an exam session to the token it was first opened
// with. Reconnecting with the same token succeeds; any other token is
// rejected until the binding expires.
func (s *AuthService) ClaimDevice(ctx context.Context, sessionID uuid.UUID, jti string) error {
	key := config.CacheKey.SessionDeviceKey(sessionID.String())
	ok, err := s.rdb.SetNX(ctx, key, jti, s.cfg.JWTExpiry).Result()
	if err != nil {
		return fmt.Errorf("claim device: %w", err)
	}
	if ok {
		return nil
	}

	stored, err := s.rdb.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return s.ClaimDevice(ctx, sessionID, jti)
		}
		return fmt.Errorf("check device: %w", err)
	}
	if stored != jti {
		return ErrSessionAlreadyActive
	}
	return nil
}

// ReleaseDevice removes the device binding of a session.
func (s *AuthService) ReleaseDevice(ctx context.Context, sessionID uuid.UUID) error {
	return s.rdb.Del(ctx, config.CacheKey.SessionDeviceKey(sessionID.String())).Err()
}

// Package auth verifies the bearer tokens issued by the account service.
// Issuing tokens for real users happens elsewhere; Issue exists for
// tooling and tests.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Common errors
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token has expired")
)

const RoleAdmin = "admin"

// TokenVerifier defines the contract for validating tokens.
type TokenVerifier interface {
	ValidateToken(tokenString string) (*Claims, error)
}

// Claims defines the custom JWT claims.
type Claims struct {
	UserID uuid.UUID `json:"sub"`
	Role   string    `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// HMACProvider signs and verifies HS256 tokens with a shared secret.
type HMACProvider struct {
	secret        []byte
	tokenDuration time.Duration
}

func NewHMACProvider(secret string) (*HMACProvider, error) {
	if secret == "" {
		return nil, errors.New("session secret is empty")
	}
	return &HMACProvider{secret: []byte(secret), tokenDuration: 15 * time.Minute}, nil
}

// Issue creates a signed access token for userID.
func (p *HMACProvider) Issue(userID uuid.UUID, role string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = p.tokenDuration
	}
	now := time.Now()
	claims := Claims{
		UserID: userID,
		Role:   role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now.Add(-1 * time.Minute)), // Fix clock skew
			NotBefore: jwt.NewNumericDate(now.Add(-1 * time.Minute)),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(p.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// ValidateToken parses and verifies the JWT.
func (p *HMACProvider) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return p.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.UserID == uuid.Nil {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

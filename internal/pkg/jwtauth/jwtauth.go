// Package jwtauth validates HS256 access tokens issued by the board's identity service.
package jwtauth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bissquit/board-notify/internal/domain"
	"github.com/golang-jwt/jwt/v5"
)

// Token validation errors.
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrInvalidRole  = errors.New("invalid role claim")
)

// Config contains token validation settings.
type Config struct {
	SecretKey string
	Issuer    string        // optional, checked when set
	Leeway    time.Duration // allowed clock skew
}

// Claims are the access token claims. Subject carries the user ID.
type Claims struct {
	jwt.RegisteredClaims
	Role domain.Role `json:"role"`
}

// Validator implements httputil.TokenValidator.
type Validator struct {
	secret []byte
	parser *jwt.Parser
}

// NewValidator creates a token validator.
func NewValidator(cfg Config) (*Validator, error) {
	if cfg.SecretKey == "" {
		return nil, errors.New("jwt secret key is required")
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(cfg.Leeway),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}

	return &Validator{
		secret: []byte(cfg.SecretKey),
		parser: jwt.NewParser(opts...),
	}, nil
}

// ValidateToken returns the user ID and role carried by token.
// A token without a role claim is treated as a regular user.
func (v *Validator) ValidateToken(_ context.Context, token string) (string, domain.Role, error) {
	claims := &Claims{}
	_, err := v.parser.ParseWithClaims(token, claims, func(_ *jwt.Token) (any, error) {
		return v.secret, nil
	})
	if err != nil {
		return "", "", fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	if claims.Subject == "" {
		return "", "", fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}

	role := claims.Role
	if role == "" {
		role = domain.RoleUser
	}
	if !role.Valid() {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}

	return claims.Subject, role, nil
}

// Sign issues a token for userID with the given role and lifetime.
// Used by operators and tests to mint service tokens.
func Sign(secret, userID string, role domain.Role, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Role: role,
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

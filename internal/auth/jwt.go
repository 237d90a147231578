package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// RoleClient is the only role accepted on the streaming routes
const RoleClient = "client"

var (
	ErrMissingToken = errors.New("missing token")
	ErrInvalidRole  = errors.New("token role not allowed")
)

// JWTClaims represents the claims in a proxy access token
type JWTClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Authenticator issues and checks HS256 access tokens
type Authenticator struct {
	secret []byte
}

// NewAuthenticator returns nil when secret is empty, which disables the gate
func NewAuthenticator(secret string) *Authenticator {
	if secret == "" {
		return nil
	}
	return &Authenticator{secret: []byte(secret)}
}

// Enabled reports whether tokens are required
func (a *Authenticator) Enabled() bool {
	return a != nil
}

// GenerateClientToken signs a client token for subject valid for ttl
func (a *Authenticator) GenerateClientToken(subject string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &JWTClaims{
		Role: RoleClient,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

// ValidateToken validates a token and returns its claims
func (a *Authenticator) ValidateToken(tokenString string) (*JWTClaims, error) {
	if tokenString == "" {
		return nil, ErrMissingToken
	}

	token, err := jwt.ParseWithClaims(tokenString, &JWTClaims{}, func(token *jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*JWTClaims)
	if !ok || !token.Valid {
		return nil, jwt.ErrTokenInvalidClaims
	}
	if claims.Role != RoleClient {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRole, claims.Role)
	}
	return claims, nil
}

// Package auth validates the bearer tokens clients present in the gateway's
// authenticate frame and on the HTTP status endpoints.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrInvalidToken is returned when the token is malformed, badly signed
	// or carries no usable user id.
	ErrInvalidToken = errors.New("invalid token")
	// ErrExpiredToken is returned when the token has expired.
	ErrExpiredToken = errors.New("token has expired")
	// ErrMissingSecret is returned by NewJWTValidator when no key is given.
	ErrMissingSecret = errors.New("jwt secret is empty")
)

// TokenTypeWebSocket is the token_type claim minted for gateway sessions.
const TokenTypeWebSocket = "websocket"

// Claims is the payload of a gateway token.
type Claims struct {
	UserID    int64  `json:"user_id"`
	TokenType string `json:"type,omitempty"`
	jwt.RegisteredClaims
}

// JWTValidator decodes HS256 tokens signed with a shared secret.
type JWTValidator struct {
	secret []byte
	parser *jwt.Parser
}

// NewJWTValidator creates a validator for tokens signed with secret.
func NewJWTValidator(secret string) (*JWTValidator, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, ErrMissingSecret
	}
	return &JWTValidator{
		secret: []byte(secret),
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithExpirationRequired(),
		),
	}, nil
}

// ValidateToken checks signature and expiry and returns the user id the
// token was issued for.
func (v *JWTValidator) ValidateToken(token string) (int64, error) {
	claims, err := v.Parse(token)
	if err != nil {
		return 0, err
	}
	return claims.UserID, nil
}

// Parse returns the verified claims of token.
func (v *JWTValidator) Parse(token string) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrInvalidToken
	}

	parsed, err := v.parser.ParseWithClaims(token, &Claims{}, func(*jwt.Token) (any, error) {
		return v.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if claims.UserID <= 0 {
		return nil, ErrInvalidToken
	}
	if claims.TokenType != "" && claims.TokenType != TokenTypeWebSocket {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// Issue signs a gateway token for userID valid for ttl. Token issuance
// belongs to the login service; this exists for tooling and tests that need
// tokens the validator accepts.
func Issue(secret string, userID int64, ttl time.Duration) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", ErrMissingSecret
	}
	now := time.Now()
	claims := Claims{
		UserID:    userID,
		TokenType: TokenTypeWebSocket,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   fmt.Sprintf("%d", userID),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

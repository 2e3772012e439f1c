// Package auth verifies the backend-issued bearer tokens that authorize
// control-plane requests and agent dispatches.
package auth

import (
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// Issuer and audience the backend stamps into every gateway token.
	Issuer   = "todo-app"
	Audience = "mastra-agents"
)

var (
	// ErrNoToken indicates a missing or malformed Authorization header.
	ErrNoToken = errors.New("missing bearer token")
	// ErrInvalidToken covers expired, tampered, and wrong-audience tokens.
	ErrInvalidToken = errors.New("invalid token")
	// ErrNoUserID indicates a structurally valid token without a usable
	// userId or sub claim.
	ErrNoUserID = errors.New("token has no user id claim")
)

// Claims are the gateway-relevant claims of a verified token.
type Claims struct {
	UserID string `json:"userId,omitempty"`
	jwt.RegisteredClaims
}

// Verifier validates tokens against the shared AUTH_SECRET.
type Verifier struct {
	secret []byte
}

// NewVerifier creates a Verifier for the given shared secret.
func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Verify parses and validates a raw JWT, returning the backend user id.
// Only HMAC signing is accepted; any other algorithm is rejected to prevent
// algorithm substitution.
func (v *Verifier) Verify(raw string) (string, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	},
		jwt.WithIssuer(Issuer),
		jwt.WithAudience(Audience),
		jwt.WithExpirationRequired(),
	)
	if err != nil || !token.Valid {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	userID := claims.UserID
	if userID == "" {
		userID = claims.Subject
	}
	if userID == "" {
		return "", ErrNoUserID
	}
	return userID, nil
}

// FromAuthHeader extracts the raw token from an Authorization header value.
func FromAuthHeader(header string) (string, error) {
	if header == "" {
		return "", ErrNoToken
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
		return "", ErrNoToken
	}
	return parts[1], nil
}

// UserIDFromToken extracts the user id without signature verification.
// Used only at session creation, where the token was already verified by the
// control-plane middleware before being handed to the session.
func UserIDFromToken(raw string) string {
	claims := &Claims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(raw, claims); err != nil {
		return ""
	}
	if claims.UserID != "" {
		return claims.UserID
	}
	return claims.Subject
}

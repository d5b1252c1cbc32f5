// Package auth validates the bearer tokens that identify requesters.
// Tokens are issued by the platform's account service; this package only
// needs the shared HMAC secret.
package auth

import (
	"context"
	"time"
)

// JWTService defines operations for managing JWT authentication tokens.
type JWTService interface {
	// GenerateToken creates a signed access token for the requester.
	GenerateToken(ctx context.Context, requesterID string) (string, error)

	// ValidateToken validates the provided token string and extracts the claims.
	// Returns an error if validation fails (expired, invalid signature, etc.).
	ValidateToken(ctx context.Context, tokenString string) (*Claims, error)
}

// Claims represents the validated contents of a token.
type Claims struct {
	// RequesterID is the token subject. Tasks are owned by this id.
	RequesterID string

	IssuedAt  time.Time
	ExpiresAt time.Time
	ID        string
}

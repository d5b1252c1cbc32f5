package auth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/phrazzld/slidegen/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testSecret  = "test-secret-that-is-long-enough-for-testing"
	wrongSecret = "wrong-secret-that-is-long-enough-for-testing"
)

var fixedTime = time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

func newTestJWTService(t *testing.T, secret string, now time.Time) *hmacJWTService {
	t.Helper()
	svc, err := newHMACJWTService(config.AuthConfig{
		JWTSecret:            secret,
		TokenLifetimeMinutes: 60,
	}, func() time.Time { return now })
	require.NoError(t, err)
	return svc
}

func TestNewJWTService(t *testing.T) {
	t.Parallel()

	_, err := NewJWTService(config.AuthConfig{JWTSecret: "short"})
	assert.Error(t, err)

	svc, err := newHMACJWTService(config.AuthConfig{JWTSecret: testSecret}, time.Now)
	require.NoError(t, err)
	assert.Equal(t, time.Hour, svc.tokenLifetime)
}

func TestGenerateToken(t *testing.T) {
	t.Parallel()
	svc := newTestJWTService(t, testSecret, fixedTime)

	token, err := svc.GenerateToken(context.Background(), "alice")
	require.NoError(t, err)
	require.NotEmpty(t, token)

	claims, err := svc.ValidateToken(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.RequesterID)
	assert.Equal(t, fixedTime.Unix(), claims.IssuedAt.Unix())
	assert.Equal(t, fixedTime.Add(time.Hour).Unix(), claims.ExpiresAt.Unix())
	assert.NotEmpty(t, claims.ID)

	_, err = svc.GenerateToken(context.Background(), "")
	assert.ErrorIs(t, err, ErrMissingSubject)
}

func TestValidateToken(t *testing.T) {
	t.Parallel()

	issuer := newTestJWTService(t, testSecret, fixedTime)
	valid, err := issuer.GenerateToken(context.Background(), "alice")
	require.NoError(t, err)

	noSubject, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		IssuedAt: jwt.NewNumericDate(fixedTime),
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)

	future, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "alice",
		NotBefore: jwt.NewNumericDate(fixedTime.Add(time.Hour)),
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)

	tests := []struct {
		name    string
		svc     *hmacJWTService
		token   string
		wantErr error
	}{
		{"valid token", issuer, valid, nil},
		{"within clock skew", newTestJWTService(t, testSecret, fixedTime.Add(time.Hour+time.Minute)), valid, nil},
		{"expired token", newTestJWTService(t, testSecret, fixedTime.Add(2*time.Hour)), valid, ErrExpiredToken},
		{"not yet valid", issuer, future, ErrTokenNotYetValid},
		{"invalid signature", newTestJWTService(t, wrongSecret, fixedTime), valid, ErrInvalidToken},
		{"malformed token", issuer, "this.is.not.a.valid.jwt.token", ErrInvalidToken},
		{"missing token", issuer, "", ErrMissingToken},
		{"missing subject", issuer, noSubject, ErrMissingSubject},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			claims, err := tt.svc.ValidateToken(context.Background(), tt.token)

			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Nil(t, claims)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "alice", claims.RequesterID)
		})
	}
}

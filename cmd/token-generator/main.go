// Package main mints bearer tokens for local development and smoke tests.
// Tokens are signed with the configured auth.jwt_secret.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/phrazzld/slidegen/internal/config"
	"github.com/phrazzld/slidegen/internal/service/auth"
)

func main() {
	secret := flag.String("secret", os.Getenv(config.EnvPrefix+"_AUTH_JWT_SECRET"), "HMAC secret, at least 32 characters")
	lifetime := flag.Int("lifetime", 60, "token lifetime in minutes")
	flag.Parse()

	requesters := flag.Args()
	if len(requesters) == 0 {
		fmt.Fprintln(os.Stderr, "usage: token-generator [-secret s] [-lifetime m] requester...")
		os.Exit(2)
	}

	svc, err := auth.NewJWTService(config.AuthConfig{JWTSecret: *secret, TokenLifetimeMinutes: *lifetime})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	for _, requester := range requesters {
		token, err := svc.GenerateToken(context.Background(), requester)
		if err != nil {
			fmt.Printf("Error generating token for %s: %v\n", requester, err)
			continue
		}
		fmt.Printf("Requester: %s\nToken: %s\n\n", requester, token)
	}
}

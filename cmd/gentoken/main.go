// Package main provides a tool to issue operator credentials for a synergy
// node: a signed JWT, or a fresh API key with the bcrypt hash to configure.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/synergy-network/synergy-node/internal/auth"
)

func main() {
	if err := run(os.Args[1:], os.Getenv, os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func run(args []string, getenv func(string) string, out io.Writer) error {
	fs := flag.NewFlagSet("gentoken", flag.ContinueOnError)
	operator := fs.String("operator", "admin", "Operator ID for the token subject")
	nodeID := fs.String("node", "", "Node ID used as the token issuer (or set NODE_ID)")
	secret := fs.String("secret", "", "JWT secret (or set JWT_SECRET)")
	expiry := fs.Duration("expiry", 24*time.Hour, "Token expiry duration")
	apiKey := fs.Bool("api-key", false, "Generate an operator API key and its hash instead of a token")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *apiKey {
		key, err := auth.GenerateAPIKey()
		if err != nil {
			return err
		}
		hash, err := auth.HashAPIKey(key)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "API key (give to the operator): %s\n", key)
		fmt.Fprintf(out, "OPERATOR_API_KEY_HASH=%s\n", hash)
		return nil
	}

	jwtSecret := *secret
	if jwtSecret == "" {
		jwtSecret = getenv("JWT_SECRET")
	}
	if jwtSecret == "" {
		return fmt.Errorf("JWT secret required: use -secret or set JWT_SECRET")
	}
	issuer := *nodeID
	if issuer == "" {
		issuer = getenv("NODE_ID")
	}

	svc, err := auth.NewService(&auth.Config{
		JWTSecret:   []byte(jwtSecret),
		TokenExpiry: *expiry,
		NodeID:      issuer,
	}, nil)
	if err != nil {
		return err
	}
	token, err := svc.GenerateToken(*operator)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}
	fmt.Fprintln(out, token)
	return nil
}

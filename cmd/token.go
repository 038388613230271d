package main

import (
	"fmt"
	"os"
	"time"

	"github.com/compresr/chat-gateway/internal/gateway"
)

// runTokenCommand prints a bearer token for a user. The secret comes from the
// config's server.jwt_secret, or CHAT_GATEWAY_JWT_SECRET without a config.
func runTokenCommand(args []string) {
	opts := parseOptions(args)
	if opts.userID == "" {
		printError("--user is required")
		os.Exit(1)
	}
	ttl, err := time.ParseDuration(opts.ttl)
	if err != nil || ttl <= 0 {
		printError(fmt.Sprintf("invalid --ttl %q", opts.ttl))
		os.Exit(1)
	}

	secret := os.Getenv("CHAT_GATEWAY_JWT_SECRET")
	if opts.configPath != "" {
		cfg, err := loadConfig(opts)
		if err != nil {
			printError(fmt.Sprintf("Error loading config: %v", err))
			os.Exit(1)
		}
		secret = cfg.Server.JWTSecret
	}
	if secret == "" {
		printError("no JWT secret: set server.jwt_secret or CHAT_GATEWAY_JWT_SECRET")
		os.Exit(1)
	}

	token, err := gateway.IssueToken([]byte(secret), opts.userID, ttl)
	if err != nil {
		printError(err.Error())
		os.Exit(1)
	}
	fmt.Println(token)
	fmt.Fprintf(os.Stderr, "token for %s expires %s\n", opts.userID, time.Now().Add(ttl).Format(time.RFC3339))
}

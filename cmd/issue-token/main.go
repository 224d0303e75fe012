package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/service"
)

// issue-token signs a candidate or proctor token with the server secret.
// Production tokens come from the identity provider; this is for local
// testing only.
func main() {
	typ := flag.String("type", "candidate", "token type: candidate or proctor")
	subject := flag.String("subject", "", "candidate or proctor id (random when empty)")
	name := flag.String("name", "", "display name")
	assessment := flag.String("assessment", "", "limit a proctor token to one assessment id")
	flag.Parse()

	tokenType := service.TokenType(*typ)
	switch tokenType {
	case service.TokenTypeCandidate, service.TokenTypeProctor:
	default:
		fmt.Printf("Error: unknown token type %q\n", *typ)
		os.Exit(2)
	}

	if *assessment != "" {
		if tokenType != service.TokenTypeProctor {
			fmt.Println("Error: -assessment only applies to proctor tokens")
			os.Exit(2)
		}
		if _, err := uuid.Parse(*assessment); err != nil {
			fmt.Println("Error: -assessment must be a UUID")
			os.Exit(2)
		}
	}

	sub := *subject
	if sub == "" {
		sub = uuid.NewString()
	}

	cfg := config.Load()
	token, err := service.NewAuthService(cfg, nil).GenerateToken(tokenType, sub, *name, *assessment)
	if err != nil {
		fmt.Println("Error:", err)
		os.Exit(1)
	}

	fmt.Fprintf(os.Stderr, "subject: %s (expires in %s)\n", sub, cfg.JWTExpiry)
	fmt.Println(token)
}

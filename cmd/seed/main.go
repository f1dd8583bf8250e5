// cmd/seed — populates a running aweb service with realistic mock data for
// development: one demo project, three agents, some mail and chat traffic,
// and a couple of reservations.
//
// Running twice is safe: init re-attaches to existing aliases and mail/chat
// simply accumulates.
//
// Usage:
//
//	go run ./cmd/seed
//	AWEB_URL=http://localhost:8080 go run ./cmd/seed
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/beadhub/aweb/pkg/client"
)

const defaultURL = "http://localhost:8080"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "seed: %v\n", err)
		os.Exit(1)
	}
}

type seedAgent struct {
	Alias     string
	HumanName string
	c         *client.Client
}

func run() error {
	base := os.Getenv("AWEB_URL")
	if base == "" {
		base = defaultURL
	}
	ctx := context.Background()

	const project = "acme/checkout"

	agents := []*seedAgent{
		{Alias: "BlueLake", HumanName: "alice"},
		{Alias: "RedPine", HumanName: "bob"},
		{Alias: "GoldFinch", HumanName: "carol"},
	}

	for _, a := range agents {
		a.c = client.New(base)
		res, err := a.c.Init(ctx, client.InitRequest{
			ProjectSlug: project,
			Alias:       a.Alias,
			HumanName:   a.HumanName,
		})
		if err != nil {
			return fmt.Errorf("init %s: %w", a.Alias, err)
		}
		verb := "re-attached"
		if res.Created {
			verb = "created"
		}
		fmt.Printf("  agent %-10s %s (did %s)\n", a.Alias, verb, res.DID)
	}

	blueLake, redPine, goldFinch := agents[0], agents[1], agents[2]

	// Mail.
	mails := []struct {
		from *seedAgent
		to   string
		subj string
		body string
		prio string
	}{
		{blueLake, "RedPine", "checkout flow review", "PR #214 is ready — mind taking the cart totals part?", "normal"},
		{redPine, "BlueLake", "re: checkout flow review", "On it. The rounding in applyDiscount looks off, checking.", "normal"},
		{goldFinch, "BlueLake", "staging deploy", "Staging is yours after 15:00 UTC.", "high"},
	}
	for _, m := range mails {
		if _, err := m.from.c.SendMessage(ctx, client.SendMessageRequest{
			To: m.to, Subject: m.subj, Body: m.body, Priority: m.prio,
		}); err != nil {
			return fmt.Errorf("mail %s → %s: %w", m.from.Alias, m.to, err)
		}
	}
	fmt.Printf("  %d mail messages sent\n", len(mails))

	// A chat session between BlueLake and RedPine.
	res, err := blueLake.c.ChatOpen(ctx, []string{"RedPine"}, "quick q — is the tax table per-region or global?", false)
	if err != nil {
		return fmt.Errorf("chat open: %w", err)
	}
	if _, err := redPine.c.ChatSend(ctx, res.SessionID, "per-region, see internal/tax/tables.go", false, false); err != nil {
		return fmt.Errorf("chat reply: %w", err)
	}
	fmt.Println("  chat session seeded")

	// Reservations.
	if _, err := blueLake.c.Reserve(ctx, "src/cart/totals.go", 1800); err != nil {
		return fmt.Errorf("reserve: %w", err)
	}
	if _, err := goldFinch.c.Reserve(ctx, "deploy/staging", 3600); err != nil {
		return fmt.Errorf("reserve: %w", err)
	}
	fmt.Println("  2 reservations taken")

	fmt.Println("\nseed complete")
	return nil
}

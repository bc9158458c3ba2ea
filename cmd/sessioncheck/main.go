package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	_ "github.com/joho/godotenv/autoload"

	"github.com/park285/cheese-club-session/internal/auth"
	"github.com/park285/cheese-club-session/internal/clubapi"
	"github.com/park285/cheese-club-session/internal/session"
	"github.com/park285/cheese-club-session/internal/transport"
)

func main() {
	apiURL := os.Getenv("CLUB_API_URL")
	wsURL := os.Getenv("CLUB_WS_URL")
	playerID := os.Getenv("PLAYER_ID")
	token := os.Getenv("CLUB_TOKEN")

	if wsURL == "" {
		log.Fatal("CLUB_WS_URL is required")
	}

	var opts []auth.Option
	if apiURL != "" && playerID != "" {
		client := clubapi.NewClient(apiURL, clubapi.WithTimeout(8*time.Second))
		opts = append(opts, auth.WithIssuer(client, playerID))
	}
	tokens := auth.NewTokenSource(token, opts...)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if tok, err := tokens.Token(ctx); err != nil {
		log.Printf("token error: %v", err)
	} else if exp := auth.ExpiryOf(tok); !exp.IsZero() {
		log.Printf("token ok: expires %s", exp.Format(time.RFC3339))
	} else {
		log.Println("token ok: no expiry")
	}

	conn := transport.New(wsURL,
		transport.WithPolicy(transport.Policy{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: 3 * time.Second, Jitter: 0.5, Timeout: 10 * time.Second}),
		transport.WithHeaderProvider(tokens.Headers),
	)
	sup := session.NewSupervisor(conn, session.WithMaxAttempts(3))
	sup.OnStateChange(func(s session.Snapshot) {
		log.Printf("state=%s reconnecting=%v attempt=%d/%d", s.State, s.Reconnecting, s.Attempt, s.MaxAttempts)
	})

	// print every push the server sends during the check
	var pushes []transport.Event
	pushes = append(pushes, session.GameEndEvents()...)
	pushes = append(pushes,
		transport.EventMatchFound, transport.EventMatchmakingStatus, transport.EventMatchmakingError,
		transport.EventBetChallengeReceived, transport.EventPendingBetChallenges, transport.EventBetResult,
	)
	for _, ev := range pushes {
		conn.On(ev, func(data json.RawMessage) {
			fmt.Printf("push %s %s\n", ev, strings.TrimSpace(string(data)))
		})
	}

	cctx, ccancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer ccancel()
	sup.Connect(cctx)

	// Observe for a short window
	t := time.NewTimer(10 * time.Second)
	<-t.C

	sup.Disconnect(context.Background())
	sup.Detach()
}

// Package sessionpresenter turns session state into short human-readable lines.
package sessionpresenter

import (
	"fmt"
	"strings"

	"github.com/park285/cheese-club-session/internal/bet"
	"github.com/park285/cheese-club-session/internal/msgcat"
	"github.com/park285/cheese-club-session/internal/session"
)

// Formatter renders session values through the message catalog.
type Formatter struct {
	cat *msgcat.Catalog
}

func NewFormatter(cat *msgcat.Catalog) *Formatter {
	if cat == nil {
		cat = msgcat.Default()
	}
	return &Formatter{cat: cat}
}

// Connection is a one- or two-line status for a snapshot.
func (f *Formatter) Connection(s session.Snapshot) string {
	lines := []string{f.cat.RenderOr("session.state."+s.State.String(), nil, s.State.String())}
	switch {
	case s.Reconnecting:
		lines = append(lines, f.cat.RenderOr("session.reconnecting",
			map[string]any{"Attempt": s.Attempt, "Max": s.MaxAttempts},
			fmt.Sprintf("reconnecting %d/%d", s.Attempt, s.MaxAttempts)))
	case s.State == session.StateDisconnected && s.Window != nil:
		lines = append(lines, f.cat.RenderOr("session.gave_up", nil, "connection lost"))
	}
	if s.Window != nil {
		lines = append(lines, f.cat.RenderOr("session.offline_for",
			map[string]any{"Seconds": s.Window.ElapsedSeconds},
			fmt.Sprintf("offline %ds", s.Window.ElapsedSeconds)))
	}
	return strings.Join(lines, "\n")
}

func (f *Formatter) Matchmaking(m session.Matchmaking) string {
	switch m.Phase {
	case session.PhaseSearching:
		return f.cat.RenderOr("matchmaking.searching", map[string]any{"GameType": m.GameType}, "searching")
	case session.PhaseMatched:
		if m.Match == nil {
			break
		}
		return f.cat.RenderOr("matchmaking.matched", map[string]any{
			"Opponent": m.Match.OpponentName,
			"Rating":   m.Match.OpponentRating,
			"Color":    m.Match.Color,
		}, "matched")
	}
	return f.cat.RenderOr("matchmaking.idle", nil, "idle")
}

// GameEnd renders the headline and the rating line.
func (f *Formatter) GameEnd(r session.GameEndRecord) string {
	reason := f.cat.RenderOr("game_end.reason."+string(r.Reason), nil, strings.ReplaceAll(string(r.Reason), "_", " "))
	headline := f.cat.RenderOr("game_end.headline."+string(r.Winner), map[string]any{
		"Reason":   reason,
		"Opponent": r.OpponentName,
	}, string(r.Winner))
	ratings := f.cat.RenderOr("game_end.ratings", map[string]any{
		"Player":         r.PlayerName,
		"PlayerRating":   r.PlayerRating,
		"PlayerDelta":    signed(r.PlayerRatingChange),
		"Opponent":       r.OpponentName,
		"OpponentRating": r.OpponentRating,
		"OpponentDelta":  signed(r.OpponentRatingChange),
	}, "")
	if ratings == "" {
		return headline
	}
	return headline + "\n" + ratings
}

func (f *Formatter) Stake(t bet.BetType, amount int) string {
	return f.cat.RenderOr("bet.type."+string(t), map[string]any{"Stake": amount}, string(t))
}

func (f *Formatter) CreateResult(r bet.CreateResult) string {
	if r.Success {
		return f.cat.RenderOr("bet.created", map[string]any{"BetID": r.BetID}, "challenge sent")
	}
	return f.cat.RenderOr("bet.create_failed", map[string]any{"Message": r.Message}, r.Message)
}

func (f *Formatter) Challenge(c bet.Challenge) string {
	return f.cat.RenderOr("bet.received", map[string]any{
		"Name":        c.ChallengerName,
		"Rating":      c.ChallengerRating,
		"Stake":       f.Stake(c.BetType, c.StakeAmount),
		"Mode":        c.GameMode,
		"TimeControl": c.TimeControl,
	}, "challenge "+c.ID)
}

func (f *Formatter) BetResult(r bet.Result) string {
	outcome := strings.ToLower(strings.TrimSpace(r.Outcome))
	switch outcome {
	case "won", "lost", "draw":
	default:
		outcome = "unknown"
	}
	return f.cat.RenderOr("bet.result."+outcome, map[string]any{
		"BetID": r.BetID,
		"Stake": f.Stake(r.BetType, r.StakeAmount),
	}, "bet "+r.BetID)
}

func signed(n int) string {
	if n > 0 {
		return fmt.Sprintf("+%d", n)
	}
	return fmt.Sprintf("%d", n)
}

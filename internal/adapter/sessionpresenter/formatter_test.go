package sessionpresenter

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/park285/cheese-club-session/internal/bet"
	"github.com/park285/cheese-club-session/internal/session"
)

func TestConnectionLines(t *testing.T) {
	f := NewFormatter(nil)

	assert.Equal(t, "Connected", f.Connection(session.Snapshot{State: session.StateConnected}))

	retrying := session.Snapshot{
		State: session.StateDisconnected, Reconnecting: true, Attempt: 3, MaxAttempts: 10,
		Window: &session.DisconnectionWindow{ElapsedSeconds: 7},
	}
	assert.Equal(t, "Disconnected\nReconnecting (attempt 3/10)\nOffline for 7s", f.Connection(retrying))

	gaveUp := session.Snapshot{State: session.StateDisconnected, Window: &session.DisconnectionWindow{ElapsedSeconds: 40}}
	assert.Contains(t, f.Connection(gaveUp), "Reconnect manually")
}

func TestGameEndText(t *testing.T) {
	f := NewFormatter(nil)
	out := f.GameEnd(session.GameEndRecord{
		Winner: session.WinnerOpponent, Reason: session.ReasonTimeout,
		PlayerName: "kim", OpponentName: "lee",
		PlayerRating: 1500, OpponentRating: 1520,
		PlayerRatingChange: -10, OpponentRatingChange: 10,
	})
	assert.Equal(t, "lee won by timeout\nkim 1500 (-10) / lee 1520 (+10)", out)
}

func TestMatchmakingText(t *testing.T) {
	f := NewFormatter(nil)
	assert.Equal(t, "Not searching", f.Matchmaking(session.Matchmaking{}))
	assert.Equal(t, "Searching for a blitz game", f.Matchmaking(session.Matchmaking{Phase: session.PhaseSearching, GameType: "blitz"}))
	assert.Equal(t, "Matched against lee (1600) as black", f.Matchmaking(session.Matchmaking{
		Phase: session.PhaseMatched,
		Match: &session.MatchInfo{OpponentName: "lee", OpponentRating: 1600, Color: "black"},
	}))
}

func TestBetText(t *testing.T) {
	f := NewFormatter(nil)
	assert.Equal(t, "Challenge not sent: Socket not connected", f.CreateResult(bet.CreateResult{Message: "Socket not connected"}))
	assert.Equal(t, "You won the bet (50 rating points)", f.BetResult(bet.Result{BetType: bet.BetRatingStake, StakeAmount: 50, Outcome: "won"}))
	assert.Equal(t, "Bet b1 settled", f.BetResult(bet.Result{BetID: "b1", Outcome: "??"}))
	assert.Equal(t, "lee (1550) challenges you for profile lock, Rapid 10+0", f.Challenge(bet.Challenge{
		ChallengerName: "lee", ChallengerRating: 1550, BetType: bet.BetProfileLock, GameMode: "Rapid", TimeControl: "10+0",
	}))
}

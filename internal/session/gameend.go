package session

import (
	"encoding/json"
	"math"
	"strings"
	"time"

	"github.com/park285/cheese-club-session/internal/transport"
)

// Winner of a finished game from the local player's point of view.
type Winner string

const (
	WinnerYou      Winner = "you"
	WinnerOpponent Winner = "opponent"
	WinnerDraw     Winner = "draw"
)

// Reason a game ended.
type Reason string

const (
	ReasonCheckmate            Reason = "checkmate"
	ReasonTimeout              Reason = "timeout"
	ReasonResignation          Reason = "resignation"
	ReasonDrawAgreement        Reason = "draw_agreement"
	ReasonStalemate            Reason = "stalemate"
	ReasonInsufficientMaterial Reason = "insufficient_material"
	ReasonThreefoldRepetition  Reason = "threefold_repetition"
	ReasonFiftyMoveRule        Reason = "fifty_move_rule"
)

var reasonEvents = map[transport.Event]Reason{
	transport.EventCheckmate:            ReasonCheckmate,
	transport.EventTimeout:              ReasonTimeout,
	transport.EventResignation:          ReasonResignation,
	transport.EventDrawAgreement:        ReasonDrawAgreement,
	transport.EventStalemate:            ReasonStalemate,
	transport.EventInsufficientMaterial: ReasonInsufficientMaterial,
	transport.EventThreefoldRepetition:  ReasonThreefoldRepetition,
	transport.EventFiftyMoveRule:        ReasonFiftyMoveRule,
}

// ReasonForEvent maps a termination event to its reason. The generic game_end
// event has none.
func ReasonForEvent(e transport.Event) (Reason, bool) {
	r, ok := reasonEvents[e]
	return r, ok
}

func (r Reason) Valid() bool {
	switch r {
	case ReasonCheckmate, ReasonTimeout, ReasonResignation, ReasonDrawAgreement,
		ReasonStalemate, ReasonInsufficientMaterial, ReasonThreefoldRepetition, ReasonFiftyMoveRule:
		return true
	}
	return false
}

// Drawn reports whether the reason always ends in a draw.
func (r Reason) Drawn() bool {
	switch r {
	case ReasonDrawAgreement, ReasonStalemate, ReasonInsufficientMaterial,
		ReasonThreefoldRepetition, ReasonFiftyMoveRule:
		return true
	}
	return false
}

const (
	DefaultRating       = 1500
	DefaultRatingChange = 10
)

// GameEndRecord is the canonical result of one finished game.
type GameEndRecord struct {
	Winner               Winner    `json:"winner"`
	Reason               Reason    `json:"reason"`
	PlayerName           string    `json:"playerName"`
	OpponentName         string    `json:"opponentName"`
	PlayerRating         int       `json:"playerRating"`
	OpponentRating       int       `json:"opponentRating"`
	PlayerRatingChange   int       `json:"playerRatingChange"`
	OpponentRatingChange int       `json:"opponentRatingChange"`
	GameID               string    `json:"gameId,omitempty"`
	EndedAt              time.Time `json:"endedAt"`
}

type gameEndPayload struct {
	Winner               string   `json:"winner"`
	Reason               string   `json:"reason"`
	PlayerName           string   `json:"playerName"`
	OpponentName         string   `json:"opponentName"`
	PlayerRating         *float64 `json:"playerRating"`
	OpponentRating       *float64 `json:"opponentRating"`
	PlayerRatingChange   *float64 `json:"playerRatingChange"`
	OpponentRatingChange *float64 `json:"opponentRatingChange"`
	GameID               string   `json:"gameId"`
}

// Names fills player names the server left out.
type Names struct {
	Player   string
	Opponent string
}

func (n Names) orDefault() Names {
	if strings.TrimSpace(n.Player) == "" {
		n.Player = "You"
	}
	if strings.TrimSpace(n.Opponent) == "" {
		n.Opponent = "Opponent"
	}
	return n
}

// NormalizeGameEnd folds a raw termination payload into a record. event is
// either game_end or one of the eight reason events. Missing or malformed
// fields fall back to defaults.
func NormalizeGameEnd(event transport.Event, data json.RawMessage, names Names, now time.Time) GameEndRecord {
	var p gameEndPayload
	if len(data) > 0 {
		// partial decode is fine; unknown shapes leave zero values
		_ = json.Unmarshal(data, &p)
	}
	names = names.orDefault()

	winner := mapWinner(p.Winner)
	reason, ok := ReasonForEvent(event)
	if !ok {
		reason = Reason(strings.ToLower(strings.TrimSpace(p.Reason)))
		if !reason.Valid() {
			if winner == WinnerDraw {
				reason = ReasonDrawAgreement
			} else {
				reason = ReasonCheckmate
			}
		}
	}
	if reason.Drawn() {
		winner = WinnerDraw
	}

	// ±DefaultRatingChange goes to a winner and loser; a draw has neither, so 0/0
	var playerDelta, opponentDelta int
	switch winner {
	case WinnerYou:
		playerDelta, opponentDelta = DefaultRatingChange, -DefaultRatingChange
	case WinnerOpponent:
		playerDelta, opponentDelta = -DefaultRatingChange, DefaultRatingChange
	}

	rec := GameEndRecord{
		Winner:               winner,
		Reason:               reason,
		PlayerName:           firstNonEmpty(p.PlayerName, names.Player),
		OpponentName:         firstNonEmpty(p.OpponentName, names.Opponent),
		PlayerRating:         intOr(p.PlayerRating, DefaultRating),
		OpponentRating:       intOr(p.OpponentRating, DefaultRating),
		PlayerRatingChange:   intOr(p.PlayerRatingChange, playerDelta),
		OpponentRatingChange: intOr(p.OpponentRatingChange, opponentDelta),
		GameID:               strings.TrimSpace(p.GameID),
		EndedAt:              now,
	}
	return rec
}

func mapWinner(raw string) Winner {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "player":
		return WinnerYou
	case "opponent":
		return WinnerOpponent
	default:
		return WinnerDraw
	}
}

func intOr(v *float64, def int) int {
	if v == nil || math.IsNaN(*v) || math.IsInf(*v, 0) {
		return def
	}
	return int(math.Round(*v))
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}

// GameEndEvents lists every event the normalizer subscribes to.
func GameEndEvents() []transport.Event {
	return []transport.Event{
		transport.EventGameEnd,
		transport.EventCheckmate,
		transport.EventTimeout,
		transport.EventResignation,
		transport.EventDrawAgreement,
		transport.EventStalemate,
		transport.EventInsufficientMaterial,
		transport.EventThreefoldRepetition,
		transport.EventFiftyMoveRule,
	}
}

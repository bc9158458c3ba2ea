package bet

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// BetType is what the winner of a bet game collects.
type BetType string

const (
	BetProfileControl BetType = "profile_control"
	BetProfileLock    BetType = "profile_lock"
	BetRatingStake    BetType = "rating_stake"
)

func (t BetType) Valid() bool {
	switch t {
	case BetProfileControl, BetProfileLock, BetRatingStake:
		return true
	}
	return false
}

// Status of one challenge. Every status other than pending is terminal.
type Status string

const (
	StatusPending   Status = "pending"
	StatusAccepted  Status = "accepted"
	StatusRejected  Status = "rejected"
	StatusCancelled Status = "cancelled"
	StatusExpired   Status = "expired"
	StatusCompleted Status = "completed"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusAccepted, StatusRejected, StatusCancelled, StatusExpired, StatusCompleted:
		return true
	}
	return false
}

func (s Status) Terminal() bool { return s.Valid() && s != StatusPending }

// Challenge as pushed by bet_challenge_received.
type Challenge struct {
	ID                 string    `json:"id"`
	ChallengerID       string    `json:"challengerId"`
	ChallengerName     string    `json:"challengerName"`
	ChallengerRating   int       `json:"challengerRating"`
	ChallengerPhotoURL string    `json:"challengerPhotoURL,omitempty"`
	BetType            BetType   `json:"betType"`
	StakeAmount        int       `json:"stakeAmount"`
	GameMode           string    `json:"gameMode"`
	TimeControl        string    `json:"timeControl"`
	ExpiresAt          time.Time `json:"expiresAt"`
}

// UnmarshalJSON accepts expiresAt as an RFC 3339 string or as epoch millis.
func (c *Challenge) UnmarshalJSON(b []byte) error {
	type alias Challenge
	aux := struct {
		*alias
		ExpiresAt json.RawMessage `json:"expiresAt"`
	}{alias: (*alias)(c)}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	c.ExpiresAt = parseTimestamp(aux.ExpiresAt)
	return nil
}

// parseTimestamp reads an RFC 3339 string, epoch millis (number or numeric
// string) or epoch seconds below 1e11. Anything else is the zero time.
func parseTimestamp(raw json.RawMessage) time.Time {
	v := strings.TrimSpace(string(raw))
	if v == "" || v == "null" {
		return time.Time{}
	}
	if strings.HasPrefix(v, `"`) {
		var str string
		if err := json.Unmarshal(raw, &str); err != nil {
			return time.Time{}
		}
		v = strings.TrimSpace(str)
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			return t
		}
	}
	n, err := strconv.ParseFloat(v, 64)
	if err != nil || n <= 0 {
		return time.Time{}
	}
	if n < 1e11 {
		return time.Unix(0, int64(n*float64(time.Second))).UTC()
	}
	return time.UnixMilli(int64(n)).UTC()
}

// ChallengeOptions describe an outgoing challenge.
type ChallengeOptions struct {
	OpponentID    string  `json:"opponentId,omitempty"`
	BetType       BetType `json:"betType"`
	StakeAmount   int     `json:"stakeAmount"`
	GameMode      string  `json:"gameMode"`
	TimeControl   string  `json:"timeControl"`
	PreferredSide string  `json:"preferredSide,omitempty"`
}

func (o ChallengeOptions) normalized() ChallengeOptions {
	o.OpponentID = strings.TrimSpace(o.OpponentID)
	o.GameMode = strings.TrimSpace(o.GameMode)
	o.TimeControl = strings.TrimSpace(o.TimeControl)
	o.PreferredSide = strings.ToLower(strings.TrimSpace(o.PreferredSide))
	return o
}

// CreateResult is the value answer to SendBetChallenge.
type CreateResult struct {
	Success   bool      `json:"success"`
	Message   string    `json:"message,omitempty"`
	BetID     string    `json:"betId,omitempty"`
	ExpiresAt time.Time `json:"expiresAt,omitzero"`
}

// StatusResult is the value answer to CheckBetChallengeStatus.
type StatusResult struct {
	Success   bool       `json:"success"`
	Status    Status     `json:"status,omitempty"`
	Message   string     `json:"message,omitempty"`
	Challenge *Challenge `json:"challenge,omitempty"`
}

// Response is pushed when the challenged player answers.
type Response struct {
	BetID         string `json:"betId"`
	Accepted      bool   `json:"accepted"`
	ResponderID   string `json:"responderId,omitempty"`
	ResponderName string `json:"responderName,omitempty"`
	GameID        string `json:"gameId,omitempty"`
}

// GameReady is pushed once an accepted bet has a game to join.
type GameReady struct {
	BetID       string `json:"betId"`
	GameID      string `json:"gameId"`
	Color       string `json:"color,omitempty"`
	TimeControl string `json:"timeControl,omitempty"`
}

// Result is the settled outcome of a bet game, kept in the ResultStore.
type Result struct {
	BetID       string    `json:"betId"`
	GameID      string    `json:"gameId,omitempty"`
	BetType     BetType   `json:"betType,omitempty"`
	StakeAmount int       `json:"stakeAmount,omitempty"`
	WinnerID    string    `json:"winnerId,omitempty"`
	LoserID     string    `json:"loserId,omitempty"`
	Outcome     string    `json:"outcome,omitempty"` // won | lost | draw
	Message     string    `json:"message,omitempty"`
	SavedAt     time.Time `json:"savedAt"`
}

// Errors
var (
	ErrStatusTimeout = errf("bet challenge status check timed out")
	ErrInvalidArgs   = errf("invalid arguments")
)

type staticErr string

func (e staticErr) Error() string { return string(e) }
func errf(s string) error         { return staticErr(s) }

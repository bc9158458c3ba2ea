// Package archive keeps finished games and settled bets in Postgres.
package archive

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/park285/cheese-club-session/internal/bet"
	"github.com/park285/cheese-club-session/internal/session"
)

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type Repository struct {
	db   *sql.DB
	exec execer
}

func NewRepository(databaseURL string) (*Repository, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Repository{db: db, exec: db}, nil
}

func (r *Repository) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

const schema = `
CREATE TABLE IF NOT EXISTS club_game_results (
  game_id                text PRIMARY KEY,
  session_id             text NOT NULL,
  result                 text NOT NULL,
  reason                 text NOT NULL,
  player_name            text NOT NULL,
  opponent_name          text NOT NULL,
  player_rating          integer NOT NULL,
  opponent_rating        integer NOT NULL,
  player_rating_change   integer NOT NULL,
  opponent_rating_change integer NOT NULL,
  ended_at               timestamptz NOT NULL
);
CREATE TABLE IF NOT EXISTS club_bet_results (
  bet_id       text PRIMARY KEY,
  game_id      text,
  bet_type     text,
  stake_amount integer NOT NULL DEFAULT 0,
  winner_id    text,
  loser_id     text,
  outcome      text,
  saved_at     timestamptz NOT NULL
);`

// EnsureSchema creates the archive tables when missing.
func (r *Repository) EnsureSchema(ctx context.Context) error {
	if r == nil || r.exec == nil {
		return nil
	}
	_, err := r.exec.ExecContext(ctx, schema)
	return err
}

// SaveGameEnd upserts a finished game. Records without a server game id get
// a local one so repeated results never collide.
func (r *Repository) SaveGameEnd(ctx context.Context, sessionID string, rec session.GameEndRecord) error {
	if r == nil || r.exec == nil {
		return nil
	}
	gameID := strings.TrimSpace(rec.GameID)
	if gameID == "" {
		gameID = "local-" + uuid.NewString()
	}
	endedAt := rec.EndedAt
	if endedAt.IsZero() {
		endedAt = time.Now()
	}

	q := `INSERT INTO club_game_results (
        game_id, session_id, result, reason, player_name, opponent_name,
        player_rating, opponent_rating, player_rating_change, opponent_rating_change, ended_at
      ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11
      ) ON CONFLICT (game_id) DO UPDATE SET
        session_id=EXCLUDED.session_id,
        result=EXCLUDED.result,
        reason=EXCLUDED.reason,
        player_name=EXCLUDED.player_name,
        opponent_name=EXCLUDED.opponent_name,
        player_rating=EXCLUDED.player_rating,
        opponent_rating=EXCLUDED.opponent_rating,
        player_rating_change=EXCLUDED.player_rating_change,
        opponent_rating_change=EXCLUDED.opponent_rating_change,
        ended_at=EXCLUDED.ended_at`

	_, err := r.exec.ExecContext(ctx, q,
		gameID, sessionID,
		resultToken(rec.Winner), string(rec.Reason),
		rec.PlayerName, rec.OpponentName,
		rec.PlayerRating, rec.OpponentRating,
		rec.PlayerRatingChange, rec.OpponentRatingChange,
		endedAt,
	)
	return err
}

// SaveBetResult upserts a settled bet.
func (r *Repository) SaveBetResult(ctx context.Context, res bet.Result) error {
	if r == nil || r.exec == nil || strings.TrimSpace(res.BetID) == "" {
		return nil
	}
	q := `INSERT INTO club_bet_results (
        bet_id, game_id, bet_type, stake_amount, winner_id, loser_id, outcome, saved_at
      ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8
      ) ON CONFLICT (bet_id) DO UPDATE SET
        game_id=EXCLUDED.game_id,
        bet_type=EXCLUDED.bet_type,
        stake_amount=EXCLUDED.stake_amount,
        winner_id=EXCLUDED.winner_id,
        loser_id=EXCLUDED.loser_id,
        outcome=EXCLUDED.outcome,
        saved_at=EXCLUDED.saved_at`

	_, err := r.exec.ExecContext(ctx, q,
		res.BetID, nullable(res.GameID), nullable(string(res.BetType)), res.StakeAmount,
		nullable(res.WinnerID), nullable(res.LoserID), nullable(res.Outcome), res.SavedAt,
	)
	return err
}

// resultToken is the outcome from the local player's side.
func resultToken(w session.Winner) string {
	switch w {
	case session.WinnerYou:
		return "win"
	case session.WinnerOpponent:
		return "loss"
	default:
		return "draw"
	}
}

func nullable(s string) sql.NullString {
	s = strings.TrimSpace(s)
	return sql.NullString{String: s, Valid: s != ""}
}

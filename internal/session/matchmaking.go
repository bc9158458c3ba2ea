package session

import (
	"encoding/json"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Phase of the local matchmaking flow.
type Phase string

const (
	PhaseIdle      Phase = "idle"
	PhaseSearching Phase = "searching"
	PhaseMatched   Phase = "matched"
)

// MatchInfo is the match_found payload.
type MatchInfo struct {
	GameID         string `json:"gameId"`
	OpponentName   string `json:"opponentName"`
	OpponentRating int    `json:"opponentRating"`
	Color          string `json:"color"`
	TimeControl    string `json:"timeControl"`
}

// MatchmakingStatus is the matchmaking_status payload.
type MatchmakingStatus struct {
	Status      string `json:"status"`
	QueueSize   int    `json:"queueSize"`
	WaitSeconds int    `json:"waitSeconds"`
}

// Matchmaking is what the client believes about its own queue entry. The
// server remains authoritative.
type Matchmaking struct {
	Phase    Phase      `json:"phase"`
	GameType string     `json:"gameType,omitempty"`
	Since    time.Time  `json:"since,omitzero"`
	Match    *MatchInfo `json:"match,omitempty"`
}

func (s *Session) Matchmaking() Matchmaking {
	s.mu.Lock()
	defer s.mu.Unlock()
	mm := s.mm
	if mm.Phase == "" {
		mm.Phase = PhaseIdle
	}
	if mm.Match != nil {
		m := *mm.Match
		mm.Match = &m
	}
	return mm
}

type matchFoundEntry struct {
	id int
	cb func(MatchInfo)
}

type matchErrorEntry struct {
	id int
	cb func(message string)
}

type matchStatusEntry struct {
	id int
	cb func(MatchmakingStatus)
}

// OnMatchFound subscribes to match_found pushes. Subscriptions stack.
func (s *Session) OnMatchFound(cb func(MatchInfo)) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.foundSubs = append(s.foundSubs, matchFoundEntry{id: s.nextID, cb: cb})
	return s.nextID
}

func (s *Session) OnMatchmakingError(cb func(message string)) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.errSubs = append(s.errSubs, matchErrorEntry{id: s.nextID, cb: cb})
	return s.nextID
}

func (s *Session) OnMatchmakingStatus(cb func(MatchmakingStatus)) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.statusSubs = append(s.statusSubs, matchStatusEntry{id: s.nextID, cb: cb})
	return s.nextID
}

// Unsubscribe removes any subscription or game-end callback by id.
func (s *Session) Unsubscribe(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.foundSubs = removeByID(s.foundSubs, id, func(e matchFoundEntry) int { return e.id })
	s.errSubs = removeByID(s.errSubs, id, func(e matchErrorEntry) int { return e.id })
	s.statusSubs = removeByID(s.statusSubs, id, func(e matchStatusEntry) int { return e.id })
	s.endSinks = removeByID(s.endSinks, id, func(e gameEndEntry) int { return e.id })
}

func removeByID[T any](list []T, id int, key func(T) int) []T {
	for i, e := range list {
		if key(e) == id {
			return append(list[:i:i], list[i+1:]...)
		}
	}
	return list
}

func (s *Session) handleMatchFound(data json.RawMessage) {
	var m MatchInfo
	if err := json.Unmarshal(data, &m); err != nil {
		s.logger.Warn("session_match_found_decode", zap.Error(err))
		return
	}
	m.GameID = strings.TrimSpace(m.GameID)
	if m.OpponentRating == 0 {
		m.OpponentRating = DefaultRating
	}

	s.mu.Lock()
	gameType := s.mm.GameType
	s.mm = Matchmaking{Phase: PhaseMatched, GameType: gameType, Since: s.now(), Match: &m}
	subs := append([]matchFoundEntry(nil), s.foundSubs...)
	s.mu.Unlock()

	s.logger.Info("session_match_found", zap.String("game_id", m.GameID), zap.String("opponent", m.OpponentName))
	for _, e := range subs {
		e.cb(m)
	}
}

func (s *Session) handleMatchmakingError(data json.RawMessage) {
	var p struct {
		Message string `json:"message"`
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &p); err != nil {
			// some servers push a bare string
			_ = json.Unmarshal(data, &p.Message)
		}
	}
	msg := strings.TrimSpace(p.Message)

	s.mu.Lock()
	if s.mm.Phase == PhaseSearching {
		s.mm = Matchmaking{Phase: PhaseIdle}
	}
	subs := append([]matchErrorEntry(nil), s.errSubs...)
	s.mu.Unlock()

	s.logger.Warn("session_matchmaking_error", zap.String("message", msg))
	for _, e := range subs {
		e.cb(msg)
	}
}

func (s *Session) handleMatchmakingStatus(data json.RawMessage) {
	var st MatchmakingStatus
	if len(data) > 0 {
		if err := json.Unmarshal(data, &st); err != nil {
			s.logger.Debug("session_matchmaking_status_decode", zap.Error(err))
		}
	}
	s.mu.Lock()
	subs := append([]matchStatusEntry(nil), s.statusSubs...)
	s.mu.Unlock()
	for _, e := range subs {
		e.cb(st)
	}
}

package session

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/park285/cheese-club-session/internal/transport"
)

// NoopHook is called whenever an operation is skipped because the transport
// is not connected.
type NoopHook func(op string, event transport.Event)

// Session is the operations facade over one supervised transport. It also
// folds termination events into a single GameEndRecord and tracks the local
// matchmaking phase.
type Session struct {
	*Supervisor

	t          Transport
	logger     *zap.Logger
	now        func() time.Time
	names      Names
	noop       NoopHook
	autoRejoin string // player id; empty disables

	handlerIDs map[transport.Event]int

	mu         sync.Mutex
	gameEnd    *GameEndRecord
	ended      bool
	mm         Matchmaking
	nextID     int
	endSinks   []gameEndEntry
	foundSubs  []matchFoundEntry
	errSubs    []matchErrorEntry
	statusSubs []matchStatusEntry
}

type Option func(*Session)

func WithLogger(l *zap.Logger) Option {
	return func(s *Session) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithNoopHook(h NoopHook) Option {
	return func(s *Session) { s.noop = h }
}

// WithPlayerName sets the local name used when a game_end payload omits it.
func WithPlayerName(name string) Option {
	return func(s *Session) { s.names.Player = name }
}

// WithAutoRejoin rejoins the last matched game once after the transport
// reopens following a drop.
func WithAutoRejoin(playerID string) Option {
	return func(s *Session) { s.autoRejoin = strings.TrimSpace(playerID) }
}

func WithSupervisorOptions(opts ...SupervisorOption) Option {
	return func(s *Session) { s.Supervisor = NewSupervisor(s.t, opts...) }
}

func New(t Transport, opts ...Option) *Session {
	s := &Session{
		t:          t,
		logger:     zap.NewNop(),
		now:        time.Now,
		handlerIDs: make(map[transport.Event]int),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.Supervisor == nil {
		s.Supervisor = NewSupervisor(t, WithSupervisorLogger(s.logger))
	}

	for _, ev := range GameEndEvents() {
		s.handlerIDs[ev] = t.On(ev, func(data json.RawMessage) { s.handleGameEnd(ev, data) })
	}
	s.handlerIDs[transport.EventMatchFound] = t.On(transport.EventMatchFound, s.handleMatchFound)
	s.handlerIDs[transport.EventMatchmakingError] = t.On(transport.EventMatchmakingError, s.handleMatchmakingError)
	s.handlerIDs[transport.EventMatchmakingStatus] = t.On(transport.EventMatchmakingStatus, s.handleMatchmakingStatus)

	if s.autoRejoin != "" {
		s.Supervisor.onReopened(s.rejoinAfterReopen)
	}
	return s
}

// Close unregisters the session's push handlers and stops supervising.
// It does not close the transport; call Disconnect for that.
func (s *Session) Close() {
	for ev, id := range s.handlerIDs {
		s.t.Off(ev, id)
	}
	s.handlerIDs = map[transport.Event]int{}
	s.Supervisor.Detach()
}

func (s *Session) JoinMatchmaking(ctx context.Context, gameType string) transport.Dispatch {
	gameType = strings.TrimSpace(gameType)
	d := s.send(ctx, "join_matchmaking", transport.EventJoinMatchmaking, map[string]string{"gameType": gameType})
	if d == transport.DispatchSent {
		s.mu.Lock()
		s.mm = Matchmaking{Phase: PhaseSearching, GameType: gameType, Since: s.now()}
		s.mu.Unlock()
	}
	return d
}

// CancelMatchmaking is safe to call when nothing is queued.
func (s *Session) CancelMatchmaking(ctx context.Context) transport.Dispatch {
	d := s.send(ctx, "cancel_matchmaking", transport.EventCancelMatchmaking, nil)
	if d == transport.DispatchSent {
		s.mu.Lock()
		if s.mm.Phase == PhaseSearching {
			s.mm = Matchmaking{Phase: PhaseIdle}
		}
		s.mu.Unlock()
	}
	return d
}

func (s *Session) OfferDraw(ctx context.Context, gameID string) transport.Dispatch {
	return s.send(ctx, "offer_draw", transport.EventOfferDraw, gamePayload(gameID))
}

func (s *Session) AcceptDraw(ctx context.Context, gameID string) transport.Dispatch {
	return s.send(ctx, "accept_draw", transport.EventAcceptDraw, gamePayload(gameID))
}

func (s *Session) DeclineDraw(ctx context.Context, gameID string) transport.Dispatch {
	return s.send(ctx, "decline_draw", transport.EventDeclineDraw, gamePayload(gameID))
}

func (s *Session) ResignGame(ctx context.Context, gameID string) transport.Dispatch {
	return s.send(ctx, "resign_game", transport.EventResignGame, gamePayload(gameID))
}

func (s *Session) AbortGame(ctx context.Context, gameID string) transport.Dispatch {
	return s.send(ctx, "abort_game", transport.EventAbortGame, gamePayload(gameID))
}

// RejoinGame re-attaches to an in-progress game. When skipped the caller
// retries after observing StateConnected.
func (s *Session) RejoinGame(ctx context.Context, gameID, playerID string) transport.Dispatch {
	return s.send(ctx, "rejoin_game", transport.EventRejoinGame, map[string]string{
		"gameId":   strings.TrimSpace(gameID),
		"playerId": strings.TrimSpace(playerID),
	})
}

func gamePayload(gameID string) map[string]string {
	return map[string]string{"gameId": strings.TrimSpace(gameID)}
}

func (s *Session) send(ctx context.Context, op string, event transport.Event, payload any) transport.Dispatch {
	d, err := transport.Send(ctx, s.t, event, payload)
	switch d {
	case transport.DispatchSkipped:
		s.logger.Warn("session_op_skipped_not_connected", zap.String("op", op))
		if s.noop != nil {
			s.noop(op, event)
		}
	case transport.DispatchFailed:
		s.logger.Warn("session_op_failed", zap.String("op", op), zap.Error(err))
	default:
		s.logger.Debug("session_op_sent", zap.String("op", op))
	}
	return d
}

// GameEnd returns the last normalized result and whether a game has ended
// since the last reset.
func (s *Session) GameEnd() (GameEndRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ended || s.gameEnd == nil {
		return GameEndRecord{}, false
	}
	return *s.gameEnd, true
}

// ResetGameEnd clears the record so the session can serve the next game.
func (s *Session) ResetGameEnd() {
	s.mu.Lock()
	s.gameEnd = nil
	s.ended = false
	s.mu.Unlock()
}

type gameEndEntry struct {
	id int
	cb func(GameEndRecord)
}

// OnGameEnd delivers every new record; callbacks stack.
func (s *Session) OnGameEnd(cb func(GameEndRecord)) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.endSinks = append(s.endSinks, gameEndEntry{id: s.nextID, cb: cb})
	return s.nextID
}

func (s *Session) handleGameEnd(event transport.Event, data json.RawMessage) {
	s.mu.Lock()
	names := s.names
	if s.mm.Match != nil && names.Opponent == "" {
		names.Opponent = s.mm.Match.OpponentName
	}
	s.mu.Unlock()

	rec := NormalizeGameEnd(event, data, names, s.now())

	s.mu.Lock()
	if rec.GameID == "" && s.mm.Match != nil {
		rec.GameID = s.mm.Match.GameID
	}
	s.gameEnd = &rec
	s.ended = true
	s.mm = Matchmaking{Phase: PhaseIdle}
	sinks := append([]gameEndEntry(nil), s.endSinks...)
	s.mu.Unlock()

	s.logger.Info("session_game_end",
		zap.String("event", string(event)),
		zap.String("winner", string(rec.Winner)),
		zap.String("reason", string(rec.Reason)),
		zap.String("game_id", rec.GameID),
	)
	for _, e := range sinks {
		e.cb(rec)
	}
}

func (s *Session) rejoinAfterReopen() {
	s.mu.Lock()
	var gameID string
	// a game end moves matchmaking back to idle, so matched means the game is live
	if s.mm.Phase == PhaseMatched && s.mm.Match != nil {
		gameID = s.mm.Match.GameID
	}
	s.mu.Unlock()
	if gameID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	d := s.RejoinGame(ctx, gameID, s.autoRejoin)
	s.logger.Info("session_auto_rejoin", zap.String("game_id", gameID), zap.Stringer("dispatch", d))
}

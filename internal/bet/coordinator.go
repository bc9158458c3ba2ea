package bet

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/park285/cheese-club-session/internal/transport"
)

// Transport is the part of the session channel the coordinator needs.
type Transport interface {
	Connected() bool
	On(event transport.Event, fn transport.Handler) int
	Off(event transport.Event, id int)
	Emit(ctx context.Context, event transport.Event, payload any) error
	EmitWithAck(ctx context.Context, event transport.Event, payload any) (json.RawMessage, error)
}

// RemoteResults looks up results this process never saw, e.g. after a restart
// with an empty store.
type RemoteResults interface {
	FetchBetResult(ctx context.Context, betID string) (Result, bool, error)
}

const (
	DefaultStatusTimeout = 5 * time.Second
	msgNotConnected      = "Socket not connected"
)

// Coordinator runs the bet-challenge side protocol on a shared transport. It
// keeps one status per challenge id and at most one consumer listener per
// push event; registering a listener replaces the previous one.
type Coordinator struct {
	t             Transport
	store         ResultStore
	remote        RemoteResults
	logger        *zap.Logger
	now           func() time.Time
	statusTimeout time.Duration
	handlerIDs    map[transport.Event]int

	mu         sync.Mutex
	statuses   map[string]Status
	challenges map[string]Challenge

	lm          sync.RWMutex
	onReceived  func(Challenge)
	onResponse  func(Response)
	onExpired   func(betID string)
	onCancelled func(betID string)
	onResult    func(Result)
	onPending   func([]Challenge)
	onGameReady func(GameReady)
}

type Option func(*Coordinator)

func WithLogger(l *zap.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l
		}
	}
}

func WithStore(s ResultStore) Option {
	return func(c *Coordinator) {
		if s != nil {
			c.store = s
		}
	}
}

func WithRemote(r RemoteResults) Option {
	return func(c *Coordinator) { c.remote = r }
}

func WithStatusTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.statusTimeout = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		if now != nil {
			c.now = now
		}
	}
}

func NewCoordinator(t Transport, opts ...Option) *Coordinator {
	c := &Coordinator{
		t:             t,
		store:         NewMemoryStore(),
		logger:        zap.NewNop(),
		now:           time.Now,
		statusTimeout: DefaultStatusTimeout,
		handlerIDs:    make(map[transport.Event]int),
		statuses:      make(map[string]Status),
		challenges:    make(map[string]Challenge),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.handlerIDs[transport.EventBetChallengeReceived] = t.On(transport.EventBetChallengeReceived, c.handleReceived)
	c.handlerIDs[transport.EventBetChallengeResponse] = t.On(transport.EventBetChallengeResponse, c.handleResponse)
	c.handlerIDs[transport.EventBetChallengeExpired] = t.On(transport.EventBetChallengeExpired, c.handleExpired)
	c.handlerIDs[transport.EventBetChallengeCancelled] = t.On(transport.EventBetChallengeCancelled, c.handleCancelled)
	c.handlerIDs[transport.EventBetResult] = t.On(transport.EventBetResult, c.handleResult)
	c.handlerIDs[transport.EventPendingBetChallenges] = t.On(transport.EventPendingBetChallenges, c.handlePending)
	c.handlerIDs[transport.EventBetGameReady] = t.On(transport.EventBetGameReady, c.handleGameReady)
	return c
}

// Close unregisters the coordinator's push handlers.
func (c *Coordinator) Close() {
	for ev, id := range c.handlerIDs {
		c.t.Off(ev, id)
	}
	c.handlerIDs = map[transport.Event]int{}
}

type createAck struct {
	Success   bool            `json:"success"`
	Message   string          `json:"message"`
	BetID     string          `json:"betId"`
	ExpiresAt json.RawMessage `json:"expiresAt"`
}

// SendBetChallenge asks the server to create a challenge and waits for its
// ack. There is no internal timeout: the call returns when the server answers
// or ctx ends. A disconnected transport yields Success=false, not an error.
func (c *Coordinator) SendBetChallenge(ctx context.Context, opts ChallengeOptions) (CreateResult, error) {
	opts = opts.normalized()
	if !opts.BetType.Valid() || opts.StakeAmount < 0 {
		return CreateResult{Success: false, Message: ErrInvalidArgs.Error()}, nil
	}
	if !c.t.Connected() {
		c.logger.Warn("bet_send_skipped_not_connected")
		return CreateResult{Success: false, Message: msgNotConnected}, nil
	}

	payload := struct {
		ChallengeOptions
		RequestID string `json:"requestId"`
	}{opts, uuid.NewString()}

	raw, err := c.t.EmitWithAck(ctx, transport.EventCreateBetChallenge, payload)
	if err != nil {
		if ctx.Err() != nil {
			return CreateResult{}, ctx.Err()
		}
		if errors.Is(err, transport.ErrNotConnected) || errors.Is(err, transport.ErrClosed) {
			return CreateResult{Success: false, Message: msgNotConnected}, nil
		}
		c.logger.Warn("bet_send_failed", zap.Error(err))
		return CreateResult{Success: false, Message: err.Error()}, nil
	}

	var ack createAck
	if err := json.Unmarshal(raw, &ack); err != nil {
		c.logger.Warn("bet_send_bad_ack", zap.Error(err))
		return CreateResult{Success: false, Message: "invalid server response"}, nil
	}
	res := CreateResult{Success: ack.Success, Message: ack.Message, BetID: strings.TrimSpace(ack.BetID), ExpiresAt: parseTimestamp(ack.ExpiresAt)}
	if res.Success && res.BetID != "" {
		c.mu.Lock()
		c.statuses[res.BetID] = StatusPending
		c.mu.Unlock()
	}
	c.logger.Info("bet_challenge_sent",
		zap.Bool("success", res.Success),
		zap.String("bet_id", res.BetID),
		zap.String("bet_type", string(opts.BetType)),
		zap.Int("stake", opts.StakeAmount),
	)
	return res, nil
}

// CancelBetChallenge withdraws an outgoing challenge; fire-and-forget.
func (c *Coordinator) CancelBetChallenge(ctx context.Context, betID string) transport.Dispatch {
	betID = strings.TrimSpace(betID)
	d := c.send(ctx, "cancel_bet_challenge", transport.EventCancelBetChallenge, map[string]string{"betId": betID})
	if d == transport.DispatchSent {
		c.transition(betID, StatusCancelled)
	}
	return d
}

// RespondToBetChallenge accepts or rejects a received challenge; fire-and-forget.
func (c *Coordinator) RespondToBetChallenge(ctx context.Context, betID string, accepted bool) transport.Dispatch {
	betID = strings.TrimSpace(betID)
	d := c.send(ctx, "respond_bet_challenge", transport.EventRespondBetChallenge, map[string]any{
		"betId":    betID,
		"accepted": accepted,
	})
	if d == transport.DispatchSent {
		if accepted {
			c.transition(betID, StatusAccepted)
		} else {
			c.transition(betID, StatusRejected)
		}
	}
	return d
}

type statusAck struct {
	Success   bool       `json:"success"`
	Status    Status     `json:"status"`
	Message   string     `json:"message"`
	Challenge *Challenge `json:"challenge"`
}

// CheckBetChallengeStatus asks the server for a challenge's status. It is the
// only call with an internal deadline: no ack within the status timeout
// returns ErrStatusTimeout.
func (c *Coordinator) CheckBetChallengeStatus(ctx context.Context, betID string) (StatusResult, error) {
	betID = strings.TrimSpace(betID)
	if !c.t.Connected() {
		return StatusResult{Success: false, Message: msgNotConnected}, nil
	}

	tctx, cancel := context.WithTimeout(ctx, c.statusTimeout)
	defer cancel()
	raw, err := c.t.EmitWithAck(tctx, transport.EventCheckBetChallengeStatus, map[string]string{"betId": betID})
	if err != nil {
		if ctx.Err() != nil {
			return StatusResult{}, ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) {
			c.logger.Warn("bet_status_timeout", zap.String("bet_id", betID), zap.Duration("timeout", c.statusTimeout))
			return StatusResult{}, ErrStatusTimeout
		}
		if errors.Is(err, transport.ErrNotConnected) || errors.Is(err, transport.ErrClosed) {
			return StatusResult{Success: false, Message: msgNotConnected}, nil
		}
		return StatusResult{}, err
	}

	var ack statusAck
	if err := json.Unmarshal(raw, &ack); err != nil {
		return StatusResult{Success: false, Message: "invalid server response"}, nil
	}
	res := StatusResult{Success: ack.Success, Status: ack.Status, Message: ack.Message, Challenge: ack.Challenge}
	if res.Success && res.Status.Terminal() {
		c.transition(betID, res.Status)
	}
	return res, nil
}

// Status reports the locally known status of a challenge.
func (c *Coordinator) Status(betID string) (Status, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.statuses[strings.TrimSpace(betID)]
	return s, ok
}

// Challenge returns a received challenge by id.
func (c *Coordinator) Challenge(betID string) (Challenge, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.challenges[strings.TrimSpace(betID)]
	return ch, ok
}

// transition moves a challenge out of pending. Terminal statuses never change.
func (c *Coordinator) transition(betID string, to Status) bool {
	if betID == "" || !to.Valid() {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	cur, ok := c.statuses[betID]
	if ok && cur.Terminal() {
		if cur != to {
			c.logger.Debug("bet_transition_ignored", zap.String("bet_id", betID), zap.String("from", string(cur)), zap.String("to", string(to)))
		}
		return false
	}
	if to == StatusPending && ok {
		return false
	}
	c.statuses[betID] = to
	return true
}

func (c *Coordinator) send(ctx context.Context, op string, event transport.Event, payload any) transport.Dispatch {
	d, err := transport.Send(ctx, c.t, event, payload)
	switch d {
	case transport.DispatchSkipped:
		c.logger.Warn("bet_op_skipped_not_connected", zap.String("op", op))
	case transport.DispatchFailed:
		c.logger.Warn("bet_op_failed", zap.String("op", op), zap.Error(err))
	}
	return d
}

// SaveBetResult stamps SavedAt and persists r.
func (c *Coordinator) SaveBetResult(ctx context.Context, r Result) (Result, error) {
	r.BetID = strings.TrimSpace(r.BetID)
	r.GameID = strings.TrimSpace(r.GameID)
	if r.BetID == "" {
		return Result{}, ErrInvalidArgs
	}
	r.SavedAt = c.now().UTC()
	if err := c.store.Save(ctx, r); err != nil {
		return Result{}, err
	}
	return r, nil
}

// GetBetResult loads a result from the store, falling back to the remote
// source and caching what it returns.
func (c *Coordinator) GetBetResult(ctx context.Context, betID string) (Result, bool, error) {
	betID = strings.TrimSpace(betID)
	r, ok, err := c.store.Get(ctx, betID)
	if err != nil || ok || c.remote == nil {
		return r, ok, err
	}
	r, ok, err = c.remote.FetchBetResult(ctx, betID)
	if err != nil || !ok {
		return Result{}, false, err
	}
	saved, err := c.SaveBetResult(ctx, r)
	if err != nil {
		c.logger.Warn("bet_result_cache_failed", zap.String("bet_id", betID), zap.Error(err))
		return r, true, nil
	}
	return saved, true, nil
}

func (c *Coordinator) GetBetIDFromGameID(ctx context.Context, gameID string) (string, bool, error) {
	return c.store.BetIDForGame(ctx, strings.TrimSpace(gameID))
}

// PruneBetResults removes results saved more than olderThan ago.
func (c *Coordinator) PruneBetResults(ctx context.Context, olderThan time.Duration) (int, error) {
	n, err := c.store.Prune(ctx, c.now().Add(-olderThan))
	if err == nil && n > 0 {
		c.logger.Info("bet_results_pruned", zap.Int("count", n))
	}
	return n, err
}

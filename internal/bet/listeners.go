package bet

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Each On... call replaces the listener registered before it; Off... clears it.

func (c *Coordinator) OnBetChallengeReceived(fn func(Challenge)) {
	c.lm.Lock()
	c.onReceived = fn
	c.lm.Unlock()
}

func (c *Coordinator) OffBetChallengeReceived() { c.OnBetChallengeReceived(nil) }

func (c *Coordinator) OnBetChallengeResponse(fn func(Response)) {
	c.lm.Lock()
	c.onResponse = fn
	c.lm.Unlock()
}

func (c *Coordinator) OffBetChallengeResponse() { c.OnBetChallengeResponse(nil) }

func (c *Coordinator) OnBetChallengeExpired(fn func(betID string)) {
	c.lm.Lock()
	c.onExpired = fn
	c.lm.Unlock()
}

func (c *Coordinator) OffBetChallengeExpired() { c.OnBetChallengeExpired(nil) }

func (c *Coordinator) OnBetChallengeCancelled(fn func(betID string)) {
	c.lm.Lock()
	c.onCancelled = fn
	c.lm.Unlock()
}

func (c *Coordinator) OffBetChallengeCancelled() { c.OnBetChallengeCancelled(nil) }

func (c *Coordinator) OnBetResult(fn func(Result)) {
	c.lm.Lock()
	c.onResult = fn
	c.lm.Unlock()
}

func (c *Coordinator) OffBetResult() { c.OnBetResult(nil) }

func (c *Coordinator) OnPendingBetChallenges(fn func([]Challenge)) {
	c.lm.Lock()
	c.onPending = fn
	c.lm.Unlock()
}

func (c *Coordinator) OffPendingBetChallenges() { c.OnPendingBetChallenges(nil) }

func (c *Coordinator) OnBetGameReady(fn func(GameReady)) {
	c.lm.Lock()
	c.onGameReady = fn
	c.lm.Unlock()
}

func (c *Coordinator) OffBetGameReady() { c.OnBetGameReady(nil) }

func (c *Coordinator) handleReceived(data json.RawMessage) {
	var ch Challenge
	if err := json.Unmarshal(data, &ch); err != nil || strings.TrimSpace(ch.ID) == "" {
		c.logger.Warn("bet_received_decode", zap.Error(err))
		return
	}
	ch.ID = strings.TrimSpace(ch.ID)
	c.mu.Lock()
	c.challenges[ch.ID] = ch
	c.mu.Unlock()
	c.transition(ch.ID, StatusPending)

	c.lm.RLock()
	fn := c.onReceived
	c.lm.RUnlock()
	if fn != nil {
		fn(ch)
	}
}

func (c *Coordinator) handleResponse(data json.RawMessage) {
	var r Response
	if err := json.Unmarshal(data, &r); err != nil {
		c.logger.Warn("bet_response_decode", zap.Error(err))
		return
	}
	if r.Accepted {
		c.transition(r.BetID, StatusAccepted)
	} else {
		c.transition(r.BetID, StatusRejected)
	}
	c.lm.RLock()
	fn := c.onResponse
	c.lm.RUnlock()
	if fn != nil {
		fn(r)
	}
}

func decodeBetID(data json.RawMessage) string {
	var p struct {
		BetID string `json:"betId"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		var s string
		_ = json.Unmarshal(data, &s)
		return strings.TrimSpace(s)
	}
	return strings.TrimSpace(p.BetID)
}

func (c *Coordinator) handleExpired(data json.RawMessage) {
	id := decodeBetID(data)
	c.transition(id, StatusExpired)
	c.lm.RLock()
	fn := c.onExpired
	c.lm.RUnlock()
	if fn != nil {
		fn(id)
	}
}

func (c *Coordinator) handleCancelled(data json.RawMessage) {
	id := decodeBetID(data)
	c.transition(id, StatusCancelled)
	c.lm.RLock()
	fn := c.onCancelled
	c.lm.RUnlock()
	if fn != nil {
		fn(id)
	}
}

// handleResult completes the challenge and persists the result before the
// listener sees it.
func (c *Coordinator) handleResult(data json.RawMessage) {
	var r Result
	if err := json.Unmarshal(data, &r); err != nil || strings.TrimSpace(r.BetID) == "" {
		c.logger.Warn("bet_result_decode", zap.Error(err))
		return
	}
	c.transition(strings.TrimSpace(r.BetID), StatusCompleted)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	saved, err := c.SaveBetResult(ctx, r)
	cancel()
	if err != nil {
		c.logger.Warn("bet_result_save_failed", zap.String("bet_id", r.BetID), zap.Error(err))
		saved = r
	}

	c.lm.RLock()
	fn := c.onResult
	c.lm.RUnlock()
	if fn != nil {
		fn(saved)
	}
}

func (c *Coordinator) handlePending(data json.RawMessage) {
	var list []Challenge
	if err := json.Unmarshal(data, &list); err != nil {
		var wrapped struct {
			Challenges []Challenge `json:"challenges"`
		}
		if err := json.Unmarshal(data, &wrapped); err != nil {
			c.logger.Warn("bet_pending_decode", zap.Error(err))
			return
		}
		list = wrapped.Challenges
	}
	c.mu.Lock()
	for _, ch := range list {
		if ch.ID != "" {
			c.challenges[ch.ID] = ch
		}
	}
	c.mu.Unlock()
	for _, ch := range list {
		c.transition(ch.ID, StatusPending)
	}

	c.lm.RLock()
	fn := c.onPending
	c.lm.RUnlock()
	if fn != nil {
		fn(list)
	}
}

func (c *Coordinator) handleGameReady(data json.RawMessage) {
	var g GameReady
	if err := json.Unmarshal(data, &g); err != nil {
		c.logger.Warn("bet_game_ready_decode", zap.Error(err))
		return
	}
	c.lm.RLock()
	fn := c.onGameReady
	c.lm.RUnlock()
	if fn != nil {
		fn(g)
	}
}

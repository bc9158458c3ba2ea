package transport

import (
	"math"
	"math/rand/v2"
	"time"
)

// Policy bounds automatic reconnection.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      float64 // randomization factor in [0,1]
	Timeout     time.Duration
}

// DefaultPolicy: 10 attempts, 1s base, 5s cap, 0.5 randomization, 20s connect timeout.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 10,
		BaseDelay:   time.Second,
		MaxDelay:    5 * time.Second,
		Jitter:      0.5,
		Timeout:     20 * time.Second,
	}
}

func (p Policy) normalized() Policy {
	def := DefaultPolicy()
	if p.MaxAttempts < 0 {
		p.MaxAttempts = 0
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = def.BaseDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	if p.Jitter < 0 || p.Jitter > 1 {
		p.Jitter = def.Jitter
	}
	if p.Timeout <= 0 {
		p.Timeout = def.Timeout
	}
	return p
}

// Backoff computes the wait before retry attempt n: base*2^(n-1), shifted up or down by
// a random deviation of at most jitter*delay, capped at MaxDelay.
type Backoff struct {
	policy Policy
	rnd    func() float64
}

func NewBackoff(p Policy, rnd func() float64) *Backoff {
	if rnd == nil {
		rnd = rand.Float64
	}
	return &Backoff{policy: p.normalized(), rnd: rnd}
}

func (b *Backoff) Duration(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 31 {
		attempt = 31
	}
	ms := float64(b.policy.BaseDelay) * math.Pow(2, float64(attempt-1))
	if j := b.policy.Jitter; j > 0 {
		r := b.rnd()
		deviation := math.Floor(r * j * ms)
		if int(math.Floor(r*10))&1 == 0 {
			ms -= deviation
		} else {
			ms += deviation
		}
	}
	if ms > float64(b.policy.MaxDelay) {
		return b.policy.MaxDelay
	}
	if ms < 0 {
		return 0
	}
	return time.Duration(ms)
}

package session

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/park285/cheese-club-session/internal/transport"
)

type stateEntry struct {
	id int
	cb StateCallback
}

// Supervisor tracks the transport's connectivity and drives explicit
// connect, disconnect and manual reconnect. Drops and retry exhaustion are
// reported through state only.
type Supervisor struct {
	t           Transport
	logger      *zap.Logger
	now         func() time.Time
	tick        time.Duration
	maxAttempts int
	lifecycleID int

	mu            sync.Mutex
	state         ConnectionState
	reconnecting  bool
	attempt       int
	window        *DisconnectionWindow
	windowStop    chan struct{}
	opened        bool // Connect called since the last Disconnect
	wasConnected  bool // reached connected since the last Disconnect
	dropped       bool // an unexpected drop is outstanding
	nextID        int
	callbacks     []stateEntry
	reopenedHooks []func()
}

type SupervisorOption func(*Supervisor)

func WithSupervisorLogger(l *zap.Logger) SupervisorOption {
	return func(s *Supervisor) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMaxAttempts is reported in snapshots; the transport's policy enforces it.
func WithMaxAttempts(n int) SupervisorOption {
	return func(s *Supervisor) { s.maxAttempts = n }
}

// WithClock overrides time.Now and the window refresh interval.
func WithClock(now func() time.Time, tick time.Duration) SupervisorOption {
	return func(s *Supervisor) {
		if now != nil {
			s.now = now
		}
		if tick > 0 {
			s.tick = tick
		}
	}
}

func NewSupervisor(t Transport, opts ...SupervisorOption) *Supervisor {
	s := &Supervisor{
		t:           t,
		logger:      zap.NewNop(),
		now:         time.Now,
		tick:        time.Second,
		maxAttempts: transport.DefaultPolicy().MaxAttempts,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.lifecycleID = t.OnLifecycle(s.handleLifecycle)
	return s
}

// Connect opens the transport unless it is already connected, dialing or
// retrying. Dial failures are logged and left to the retry loop.
func (s *Supervisor) Connect(ctx context.Context) {
	if s.t.Active() {
		return
	}
	s.mu.Lock()
	if s.opened && s.dropped {
		// retries gave up after a drop; stay disconnected with the window
		// running and start a fresh cycle on the existing handle
		s.mu.Unlock()
		s.logger.Info("session_connect_after_exhaustion")
		s.t.ReconnectNow()
		return
	}
	s.opened = true
	if s.state != StateConnected {
		s.state = StateConnecting
	}
	snap := s.snapshotLocked()
	s.mu.Unlock()
	s.emit(snap)

	if err := s.t.Open(ctx); err != nil {
		s.logger.Warn("session_connect_failed", zap.Error(err))
	}
}

// Disconnect tears the transport down and clears every derived field.
func (s *Supervisor) Disconnect(ctx context.Context) {
	if err := s.t.Close(ctx); err != nil {
		s.logger.Warn("session_disconnect_close", zap.Error(err))
	}
	s.mu.Lock()
	s.state = StateDisconnected
	s.reconnecting = false
	s.attempt = 0
	s.opened = false
	s.wasConnected = false
	s.dropped = false
	s.stopWindowLocked()
	snap := s.snapshotLocked()
	s.mu.Unlock()
	s.logger.Info("session_disconnected")
	s.emit(snap)
}

// ManualReconnect skips the backoff wait of a running retry cycle, starts a
// fresh cycle after exhaustion, or behaves like Connect when no handle was opened.
func (s *Supervisor) ManualReconnect(ctx context.Context) {
	s.mu.Lock()
	opened := s.opened
	s.mu.Unlock()
	if !opened {
		s.Connect(ctx)
		return
	}
	if s.t.Connected() {
		return
	}
	s.logger.Info("session_manual_reconnect")
	s.t.ReconnectNow()
}

func (s *Supervisor) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Supervisor) OnStateChange(cb StateCallback) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.callbacks = append(s.callbacks, stateEntry{id: s.nextID, cb: cb})
	return s.nextID
}

func (s *Supervisor) RemoveStateCallback(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, e := range s.callbacks {
		if e.id == id {
			s.callbacks = append(s.callbacks[:i:i], s.callbacks[i+1:]...)
			return
		}
	}
}

// Detach stops observing the transport. The transport itself is left as is.
func (s *Supervisor) Detach() {
	s.t.RemoveLifecycleCallback(s.lifecycleID)
	s.mu.Lock()
	s.stopWindowLocked()
	s.mu.Unlock()
}

// onReopened registers fn to run after the transport reopens following a drop.
func (s *Supervisor) onReopened(fn func()) {
	s.mu.Lock()
	s.reopenedHooks = append(s.reopenedHooks, fn)
	s.mu.Unlock()
}

func (s *Supervisor) handleLifecycle(l transport.Lifecycle) {
	var hooks []func()

	s.mu.Lock()
	switch l.Kind {
	case transport.LifecycleOpen:
		if s.dropped {
			hooks = append(hooks, s.reopenedHooks...)
		}
		s.state = StateConnected
		s.reconnecting = false
		s.attempt = 0
		s.wasConnected = true
		s.dropped = false
		s.stopWindowLocked()
		s.logger.Info("session_connected")
	case transport.LifecycleDrop:
		prev := s.state
		s.state = StateDisconnected
		if prev == StateConnected {
			s.dropped = true
			s.startWindowLocked()
		}
		s.logger.Warn("session_dropped", zap.String("reason", l.Reason))
	case transport.LifecycleRetryAttempt:
		s.attempt = l.Attempt
		s.reconnecting = s.wasConnected && s.dropped
		s.logger.Info("session_retry_attempt", zap.Int("attempt", l.Attempt), zap.Int("max", s.maxAttempts))
	case transport.LifecycleRetrySuccess:
		s.logger.Info("session_retry_success", zap.Int("attempt", l.Attempt))
	case transport.LifecycleRetryExhausted:
		s.reconnecting = false
		s.state = StateDisconnected
		s.logger.Warn("session_retry_exhausted", zap.Int("attempts", s.attempt))
	}
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.emit(snap)
	for _, fn := range hooks {
		fn()
	}
}

func (s *Supervisor) startWindowLocked() {
	s.stopWindowLocked()
	w := &DisconnectionWindow{StartedAt: s.now()}
	s.window = w
	stop := make(chan struct{})
	s.windowStop = stop
	go s.runWindow(w, stop)
}

func (s *Supervisor) stopWindowLocked() {
	if s.windowStop != nil {
		close(s.windowStop)
		s.windowStop = nil
	}
	s.window = nil
}

func (s *Supervisor) runWindow(w *DisconnectionWindow, stop chan struct{}) {
	t := time.NewTicker(s.tick)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			s.mu.Lock()
			if s.window != w {
				s.mu.Unlock()
				return
			}
			w.ElapsedSeconds = int(s.now().Sub(w.StartedAt) / time.Second)
			snap := s.snapshotLocked()
			s.mu.Unlock()
			s.emit(snap)
		}
	}
}

func (s *Supervisor) snapshotLocked() Snapshot {
	snap := Snapshot{
		State:        s.state,
		Reconnecting: s.reconnecting,
		Attempt:      s.attempt,
		MaxAttempts:  s.maxAttempts,
	}
	if s.window != nil {
		w := *s.window
		snap.Window = &w
	}
	return snap
}

func (s *Supervisor) emit(snap Snapshot) {
	s.mu.Lock()
	cbs := append([]stateEntry(nil), s.callbacks...)
	s.mu.Unlock()
	for _, e := range cbs {
		e.cb(snap)
	}
}

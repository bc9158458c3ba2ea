package session

import (
	"context"
	"errors"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/park285/cheese-club-session/internal/transport"
	"github.com/park285/cheese-club-session/internal/transport/transporttest"
)

func TestConnectOpensOnce(t *testing.T) {
	f := transporttest.New()
	sup := NewSupervisor(f)
	defer sup.Detach()

	var states []ConnectionState
	sup.OnStateChange(func(s Snapshot) { states = append(states, s.State) })

	sup.Connect(context.Background())
	sup.Connect(context.Background())

	assert.Equal(t, 1, f.Opens())
	assert.Equal(t, StateConnected, sup.Snapshot().State)
	require.NotEmpty(t, states)
	assert.Equal(t, StateConnecting, states[0])
	assert.Equal(t, StateConnected, states[len(states)-1])
}

func TestFirstConnectFailureIsNotReconnecting(t *testing.T) {
	f := transporttest.New()
	f.OpenErr = errors.New("dial refused")
	sup := NewSupervisor(f)
	defer sup.Detach()

	sup.Connect(context.Background())
	assert.Equal(t, StateConnecting, sup.Snapshot().State)

	f.RetryAttempt(1)
	snap := sup.Snapshot()
	assert.Equal(t, StateConnecting, snap.State)
	assert.False(t, snap.Reconnecting)
	assert.Equal(t, 1, snap.Attempt)
	assert.Nil(t, snap.Window)

	f.Exhaust()
	snap = sup.Snapshot()
	assert.Equal(t, StateDisconnected, snap.State)
	assert.False(t, snap.Reconnecting)
	assert.Nil(t, snap.Window)
}

func TestDropStartsDisconnectionWindow(t *testing.T) {
	f := transporttest.New()
	sup := NewSupervisor(f)
	defer sup.Detach()

	sup.Connect(context.Background())
	require.Equal(t, StateConnected, sup.Snapshot().State)

	f.Drop(transport.ReasonTransportClose)
	snap := sup.Snapshot()
	assert.Equal(t, StateDisconnected, snap.State)
	require.NotNil(t, snap.Window)
	assert.Equal(t, 0, snap.Window.ElapsedSeconds)

	require.Eventually(t, func() bool {
		w := sup.Snapshot().Window
		return w != nil && w.ElapsedSeconds >= 1
	}, 3*time.Second, 50*time.Millisecond)

	f.RetryAttempt(2)
	snap = sup.Snapshot()
	assert.True(t, snap.Reconnecting)
	assert.Equal(t, 2, snap.Attempt)

	f.Reconnect(2)
	snap = sup.Snapshot()
	assert.Equal(t, StateConnected, snap.State)
	assert.False(t, snap.Reconnecting)
	assert.Equal(t, 0, snap.Attempt)
	assert.Nil(t, snap.Window)
}

func TestWindowUsesInjectedClock(t *testing.T) {
	f := transporttest.New()
	start := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	var offset atomicDuration
	now := func() time.Time { return start.Add(offset.Load()) }
	sup := NewSupervisor(f, WithClock(now, 5*time.Millisecond))
	defer sup.Detach()

	sup.Connect(context.Background())
	f.Drop(transport.ReasonPingTimeout)
	offset.Store(42 * time.Second)

	require.Eventually(t, func() bool {
		w := sup.Snapshot().Window
		return w != nil && w.ElapsedSeconds == 42
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, start, sup.Snapshot().Window.StartedAt)
}

func TestExhaustionKeepsWindowUntilManualReconnect(t *testing.T) {
	f := transporttest.New()
	sup := NewSupervisor(f)
	defer sup.Detach()

	sup.Connect(context.Background())
	f.Drop(transport.ReasonTransportError)
	f.RetryAttempt(1)
	f.Exhaust()

	snap := sup.Snapshot()
	assert.Equal(t, StateDisconnected, snap.State)
	assert.False(t, snap.Reconnecting)
	assert.NotNil(t, snap.Window)

	sup.ManualReconnect(context.Background())
	assert.Equal(t, 1, f.Kicks())
	assert.Equal(t, 1, f.Opens(), "manual reconnect reuses the opened handle")

	f.RetryAttempt(1)
	assert.True(t, sup.Snapshot().Reconnecting)
	f.Reconnect(1)
	assert.Equal(t, StateConnected, sup.Snapshot().State)
}

func TestConnectAfterExhaustionStaysDisconnected(t *testing.T) {
	f := transporttest.New()
	sup := NewSupervisor(f)
	defer sup.Detach()

	sup.Connect(context.Background())
	f.Drop(transport.ReasonTransportClose)
	f.Exhaust()

	f.OpenErr = errors.New("dial refused")
	sup.Connect(context.Background())
	assert.Equal(t, 1, f.Opens(), "existing handle is kicked, not reopened")
	assert.Equal(t, 1, f.Kicks())
	assert.Equal(t, StateDisconnected, sup.Snapshot().State)

	f.RetryAttempt(1)
	snap := sup.Snapshot()
	assert.Equal(t, StateDisconnected, snap.State)
	assert.True(t, snap.Reconnecting)
	assert.NotNil(t, snap.Window)

	f.Reconnect(1)
	snap = sup.Snapshot()
	assert.Equal(t, StateConnected, snap.State)
	assert.False(t, snap.Reconnecting)
	assert.Nil(t, snap.Window)
}

func TestManualReconnectWithoutHandleConnects(t *testing.T) {
	f := transporttest.New()
	sup := NewSupervisor(f)
	defer sup.Detach()

	sup.ManualReconnect(context.Background())
	assert.Equal(t, 1, f.Opens())
	assert.Equal(t, 0, f.Kicks())
	assert.Equal(t, StateConnected, sup.Snapshot().State)

	// connected: nothing to do
	sup.ManualReconnect(context.Background())
	assert.Equal(t, 0, f.Kicks())
}

func TestDisconnectClearsDerivedState(t *testing.T) {
	f := transporttest.New()
	sup := NewSupervisor(f)
	defer sup.Detach()

	sup.Connect(context.Background())
	f.Drop(transport.ReasonTransportClose)
	f.RetryAttempt(3)

	sup.Disconnect(context.Background())
	snap := sup.Snapshot()
	assert.Equal(t, 1, f.Closes())
	assert.Equal(t, StateDisconnected, snap.State)
	assert.False(t, snap.Reconnecting)
	assert.Zero(t, snap.Attempt)
	assert.Nil(t, snap.Window)
}

func TestRemoveStateCallback(t *testing.T) {
	f := transporttest.New()
	sup := NewSupervisor(f)
	defer sup.Detach()

	calls := 0
	id := sup.OnStateChange(func(Snapshot) { calls++ })
	sup.RemoveStateCallback(id)
	sup.Connect(context.Background())
	assert.Zero(t, calls)
}

// Random lifecycle sequences must keep reconnecting and the window consistent
// with a simple model of "has been connected since the last Disconnect".
func TestStateInvariantsOverRandomSequences(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 11))
	for round := 0; round < 200; round++ {
		f := transporttest.New()
		sup := NewSupervisor(f)

		connectedBefore := false
		dropOutstanding := false
		for step := 0; step < 30; step++ {
			switch rng.IntN(7) {
			case 0:
				sup.Connect(context.Background())
				if f.Connected() {
					connectedBefore = true
					dropOutstanding = false
				}
			case 1:
				if f.Connected() {
					f.Drop(transport.ReasonTransportClose)
					dropOutstanding = true
				}
			case 2:
				if !f.Connected() && f.Active() {
					f.RetryAttempt(1 + rng.IntN(10))
				}
			case 3:
				if !f.Connected() && f.Active() {
					f.Reconnect(1)
					connectedBefore = true
					dropOutstanding = false
				}
			case 4:
				if !f.Connected() && f.Active() {
					f.Exhaust()
				}
			case 5:
				sup.Disconnect(context.Background())
				connectedBefore = false
				dropOutstanding = false
			case 6:
				if f.OpenErr == nil {
					f.OpenErr = errors.New("dial refused")
				} else {
					f.OpenErr = nil
				}
			}

			snap := sup.Snapshot()
			if snap.Reconnecting {
				require.Equal(t, StateDisconnected, snap.State, "round %d step %d", round, step)
				require.True(t, dropOutstanding, "round %d step %d", round, step)
			}
			wantWindow := snap.State == StateDisconnected && connectedBefore
			require.Equal(t, wantWindow, snap.Window != nil, "round %d step %d: %+v", round, step, snap)
		}
		sup.Disconnect(context.Background())
		sup.Detach()
	}
}

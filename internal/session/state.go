package session

import (
	"context"
	"encoding/json"
	"time"

	"github.com/park285/cheese-club-session/internal/transport"
)

// Transport is the connection handle shared by the supervisor and the facade.
// *transport.Conn satisfies it.
type Transport interface {
	Open(ctx context.Context) error
	Close(ctx context.Context) error
	Connected() bool
	Active() bool
	ReconnectNow()
	On(event transport.Event, fn transport.Handler) int
	Off(event transport.Event, id int)
	OnLifecycle(cb transport.LifecycleCallback) int
	RemoveLifecycleCallback(id int)
	Emit(ctx context.Context, event transport.Event, payload any) error
	EmitWithAck(ctx context.Context, event transport.Event, payload any) (json.RawMessage, error)
}

// ConnectionState of the supervised transport. Exactly one is active.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

func (s ConnectionState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// DisconnectionWindow measures an outage that followed a live connection.
type DisconnectionWindow struct {
	StartedAt      time.Time `json:"startedAt"`
	ElapsedSeconds int       `json:"elapsedSeconds"`
}

// Snapshot is a copy of the supervisor's observable state.
type Snapshot struct {
	State        ConnectionState      `json:"state"`
	Reconnecting bool                 `json:"reconnecting"`
	Attempt      int                  `json:"attempt"`
	MaxAttempts  int                  `json:"maxAttempts"`
	Window       *DisconnectionWindow `json:"window,omitempty"`
}

// StateCallback observes every supervisor state change.
type StateCallback func(Snapshot)

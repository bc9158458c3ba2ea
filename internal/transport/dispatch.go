package transport

import (
	"context"
	"errors"
)

// Dispatch is the outcome of a fire-and-forget send.
type Dispatch int

const (
	DispatchSent Dispatch = iota
	// DispatchSkipped means the handle was not connected; nothing was written.
	DispatchSkipped
	DispatchFailed
)

func (d Dispatch) String() string {
	switch d {
	case DispatchSent:
		return "sent"
	case DispatchSkipped:
		return "skipped"
	case DispatchFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Emitter is the send side of a session channel.
type Emitter interface {
	Connected() bool
	Emit(ctx context.Context, event Event, payload any) error
}

// Send emits event when connected and classifies the outcome. The returned error
// is only set for DispatchFailed.
func Send(ctx context.Context, e Emitter, event Event, payload any) (Dispatch, error) {
	if !e.Connected() {
		return DispatchSkipped, nil
	}
	if err := e.Emit(ctx, event, payload); err != nil {
		if errors.Is(err, ErrNotConnected) {
			return DispatchSkipped, nil
		}
		return DispatchFailed, err
	}
	return DispatchSent, nil
}

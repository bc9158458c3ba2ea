// Package transporttest provides an in-memory session channel for tests.
package transporttest

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/park285/cheese-club-session/internal/transport"
)

// Sent records one outgoing frame.
type Sent struct {
	Event transport.Event
	Data  json.RawMessage
	Ack   bool
}

// AckFunc answers an ack-based emit. Returning ok=false leaves the caller waiting.
type AckFunc func(event transport.Event, data json.RawMessage) (reply json.RawMessage, ok bool)

type handlerEntry struct {
	id int
	fn transport.Handler
}

type lifecycleEntry struct {
	id int
	cb transport.LifecycleCallback
}

// Fake mimics transport.Conn without a network. Open succeeds and reports
// LifecycleOpen unless OpenErr is set; everything else is driven by the test.
type Fake struct {
	mu        sync.Mutex
	connected bool
	retrying  bool
	opens     int
	closes    int
	kicks     int
	sent      []Sent
	nextID    int
	handlers  map[transport.Event][]handlerEntry
	lifecycle []lifecycleEntry

	OpenErr error
	Ack     AckFunc
}

func New() *Fake {
	return &Fake{handlers: make(map[transport.Event][]handlerEntry)}
}

func (f *Fake) Open(ctx context.Context) error {
	f.mu.Lock()
	if f.connected || f.retrying {
		f.mu.Unlock()
		return nil
	}
	f.opens++
	if f.OpenErr != nil {
		f.retrying = true
		err := f.OpenErr
		f.mu.Unlock()
		return err
	}
	f.connected = true
	f.mu.Unlock()
	f.notify(transport.Lifecycle{Kind: transport.LifecycleOpen})
	return nil
}

func (f *Fake) Close(ctx context.Context) error {
	f.mu.Lock()
	f.connected = false
	f.retrying = false
	f.closes++
	f.mu.Unlock()
	return nil
}

func (f *Fake) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *Fake) Active() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected || f.retrying
}

// ReconnectNow counts the kick and, like the real handle, starts a retry
// cycle when nothing is connected or retrying.
func (f *Fake) ReconnectNow() {
	f.mu.Lock()
	f.kicks++
	if !f.connected {
		f.retrying = true
	}
	f.mu.Unlock()
}

func (f *Fake) On(event transport.Event, fn transport.Handler) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.handlers[event] = append(f.handlers[event], handlerEntry{id: f.nextID, fn: fn})
	return f.nextID
}

func (f *Fake) Off(event transport.Event, id int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	list := f.handlers[event]
	for i, h := range list {
		if h.id == id {
			f.handlers[event] = append(list[:i:i], list[i+1:]...)
			return
		}
	}
}

func (f *Fake) OnLifecycle(cb transport.LifecycleCallback) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.lifecycle = append(f.lifecycle, lifecycleEntry{id: f.nextID, cb: cb})
	return f.nextID
}

func (f *Fake) RemoveLifecycleCallback(id int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, e := range f.lifecycle {
		if e.id == id {
			f.lifecycle = append(f.lifecycle[:i:i], f.lifecycle[i+1:]...)
			return
		}
	}
}

func (f *Fake) Emit(ctx context.Context, event transport.Event, payload any) error {
	raw, err := marshal(payload)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return transport.ErrNotConnected
	}
	f.sent = append(f.sent, Sent{Event: event, Data: raw})
	return nil
}

func (f *Fake) EmitWithAck(ctx context.Context, event transport.Event, payload any) (json.RawMessage, error) {
	raw, err := marshal(payload)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	if !f.connected {
		f.mu.Unlock()
		return nil, transport.ErrNotConnected
	}
	f.sent = append(f.sent, Sent{Event: event, Data: raw, Ack: true})
	ack := f.Ack
	f.mu.Unlock()

	if ack != nil {
		if reply, ok := ack(event, raw); ok {
			return reply, nil
		}
	}
	<-ctx.Done()
	return nil, ctx.Err()
}

// Fire delivers a server push to the registered handlers.
func (f *Fake) Fire(event transport.Event, payload any) {
	raw, err := marshal(payload)
	if err != nil {
		panic(err)
	}
	f.mu.Lock()
	list := append([]handlerEntry(nil), f.handlers[event]...)
	f.mu.Unlock()
	for _, h := range list {
		h.fn(raw)
	}
}

// Drop simulates an unexpected loss followed by the start of a retry cycle.
func (f *Fake) Drop(reason string) {
	f.mu.Lock()
	f.connected = false
	f.retrying = true
	f.mu.Unlock()
	f.notify(transport.Lifecycle{Kind: transport.LifecycleDrop, Reason: reason})
}

func (f *Fake) RetryAttempt(n int) {
	f.notify(transport.Lifecycle{Kind: transport.LifecycleRetryAttempt, Attempt: n})
}

// Reconnect reports a successful retry: open, then retry success.
func (f *Fake) Reconnect(attempt int) {
	f.mu.Lock()
	f.connected = true
	f.retrying = false
	f.mu.Unlock()
	f.notify(transport.Lifecycle{Kind: transport.LifecycleOpen})
	f.notify(transport.Lifecycle{Kind: transport.LifecycleRetrySuccess, Attempt: attempt})
}

func (f *Fake) Exhaust() {
	f.mu.Lock()
	f.retrying = false
	f.mu.Unlock()
	f.notify(transport.Lifecycle{Kind: transport.LifecycleRetryExhausted})
}

// SetConnected flips the connection flag without lifecycle notifications.
func (f *Fake) SetConnected(v bool) {
	f.mu.Lock()
	f.connected = v
	f.mu.Unlock()
}

func (f *Fake) Sent() []Sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Sent(nil), f.sent...)
}

// SentEvents lists outgoing event names in order.
func (f *Fake) SentEvents() []transport.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]transport.Event, 0, len(f.sent))
	for _, s := range f.sent {
		out = append(out, s.Event)
	}
	return out
}

func (f *Fake) Handlers(event transport.Event) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.handlers[event])
}

func (f *Fake) Opens() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opens
}

func (f *Fake) Closes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes
}

func (f *Fake) Kicks() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.kicks
}

func (f *Fake) notify(l transport.Lifecycle) {
	f.mu.Lock()
	cbs := append([]lifecycleEntry(nil), f.lifecycle...)
	f.mu.Unlock()
	for _, e := range cbs {
		e.cb(l)
	}
}

func marshal(payload any) (json.RawMessage, error) {
	if payload == nil {
		return nil, nil
	}
	if raw, ok := payload.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(payload)
}

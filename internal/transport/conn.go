package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

var (
	ErrNotConnected = staticErr("transport not connected")
	ErrClosed       = staticErr("transport closed")
)

type staticErr string

func (e staticErr) Error() string { return string(e) }

type handlerEntry struct {
	id int
	fn Handler
}

type lifecycleEntry struct {
	id int
	cb LifecycleCallback
}

// Conn owns one persistent websocket to the session server and re-dials it with
// bounded backoff after unexpected drops. It can be reopened after Close.
type Conn struct {
	url     string
	policy  Policy
	backoff *Backoff
	headers HeaderProvider
	logger  *zap.Logger

	pingInterval time.Duration
	writeTimeout time.Duration

	mu         sync.Mutex
	ws         *websocket.Conn
	gen        uint64
	connecting bool
	retrying   bool
	kick       chan struct{}
	runCtx     context.Context
	runCancel  context.CancelFunc

	writeM sync.Mutex

	cbM          sync.RWMutex
	nextCbID     int
	handlers     map[Event][]handlerEntry
	lifecycleCbs []lifecycleEntry

	pendM   sync.Mutex
	pending map[int64]chan json.RawMessage
	ackSeq  atomic.Int64

	wg sync.WaitGroup
}

type Option func(*Conn)

func WithPolicy(p Policy) Option {
	return func(c *Conn) { c.policy = p.normalized() }
}

func WithHeaderProvider(h HeaderProvider) Option {
	return func(c *Conn) { c.headers = h }
}

func WithLogger(l *zap.Logger) Option {
	return func(c *Conn) {
		if l != nil {
			c.logger = l
		}
	}
}

func WithPingInterval(d time.Duration) Option {
	return func(c *Conn) { c.pingInterval = d }
}

// WithRand replaces the jitter source; tests use it for deterministic delays.
func WithRand(rnd func() float64) Option {
	return func(c *Conn) { c.backoff = NewBackoff(c.policy, rnd) }
}

func New(url string, opts ...Option) *Conn {
	c := &Conn{
		url:          url,
		policy:       DefaultPolicy(),
		logger:       zap.NewNop(),
		pingInterval: 25 * time.Second,
		writeTimeout: 5 * time.Second,
		handlers:     make(map[Event][]handlerEntry),
		pending:      make(map[int64]chan json.RawMessage),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.backoff == nil {
		c.backoff = NewBackoff(c.policy, nil)
	} else {
		c.backoff.policy = c.policy
	}
	return c
}

// Open dials the server. It is a no-op while connected, dialing or retrying.
// A failed first dial is returned and also hands off to the retry loop.
func (c *Conn) Open(ctx context.Context) error {
	c.mu.Lock()
	if c.ws != nil || c.connecting || c.retrying {
		c.mu.Unlock()
		return nil
	}
	if c.runCtx == nil {
		c.runCtx, c.runCancel = context.WithCancel(context.Background())
	}
	runCtx := c.runCtx
	c.connecting = true
	c.mu.Unlock()

	err := c.dial(ctx, runCtx, false)

	c.mu.Lock()
	c.connecting = false
	c.mu.Unlock()

	if err != nil {
		c.logger.Warn("transport_dial_failed", zap.String("url", c.url), zap.Error(err))
		c.startRetry(runCtx, false)
		return err
	}
	return nil
}

// Connected reports whether a live socket is attached.
func (c *Conn) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws != nil
}

// Active reports whether the handle is connected, dialing or retrying.
func (c *Conn) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws != nil || c.connecting || c.retrying
}

// ReconnectNow skips the pending backoff wait, or starts a fresh retry cycle
// with an immediate first attempt when none is running.
func (c *Conn) ReconnectNow() {
	c.mu.Lock()
	if c.ws != nil || c.connecting {
		c.mu.Unlock()
		return
	}
	if c.retrying {
		kick := c.kick
		c.mu.Unlock()
		select {
		case kick <- struct{}{}:
		default:
		}
		return
	}
	if c.runCtx == nil {
		c.runCtx, c.runCancel = context.WithCancel(context.Background())
	}
	runCtx := c.runCtx
	c.mu.Unlock()
	c.startRetry(runCtx, true)
}

// Close tears down the socket and stops retries and goroutines. No lifecycle
// notification is emitted for an explicit close.
func (c *Conn) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.runCancel != nil {
		c.runCancel()
	}
	c.runCtx, c.runCancel = nil, nil
	ws := c.ws
	c.ws = nil
	c.gen++
	c.retrying = false
	c.mu.Unlock()

	if ws != nil {
		_ = ws.Close(websocket.StatusNormalClosure, "client disconnect")
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

// On registers a handler for a pushed event and returns its id.
func (c *Conn) On(event Event, fn Handler) int {
	c.cbM.Lock()
	defer c.cbM.Unlock()
	c.nextCbID++
	c.handlers[event] = append(c.handlers[event], handlerEntry{id: c.nextCbID, fn: fn})
	return c.nextCbID
}

// Off removes one handler by id.
func (c *Conn) Off(event Event, id int) {
	c.cbM.Lock()
	defer c.cbM.Unlock()
	list := c.handlers[event]
	for i, h := range list {
		if h.id == id {
			c.handlers[event] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(c.handlers[event]) == 0 {
		delete(c.handlers, event)
	}
}

func (c *Conn) OnLifecycle(cb LifecycleCallback) int {
	c.cbM.Lock()
	defer c.cbM.Unlock()
	c.nextCbID++
	c.lifecycleCbs = append(c.lifecycleCbs, lifecycleEntry{id: c.nextCbID, cb: cb})
	return c.nextCbID
}

func (c *Conn) RemoveLifecycleCallback(id int) {
	c.cbM.Lock()
	defer c.cbM.Unlock()
	for i, e := range c.lifecycleCbs {
		if e.id == id {
			c.lifecycleCbs = append(c.lifecycleCbs[:i:i], c.lifecycleCbs[i+1:]...)
			break
		}
	}
}

// Emit sends a named event without waiting for an answer.
func (c *Conn) Emit(ctx context.Context, event Event, payload any) error {
	frame, err := newFrame(event, payload)
	if err != nil {
		return err
	}
	return c.write(ctx, frame)
}

// EmitWithAck sends a named event and blocks until the server acks it, ctx ends,
// or the handle is closed. No timeout is imposed here.
func (c *Conn) EmitWithAck(ctx context.Context, event Event, payload any) (json.RawMessage, error) {
	frame, err := newFrame(event, payload)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	runCtx := c.runCtx
	c.mu.Unlock()
	if runCtx == nil {
		return nil, ErrNotConnected
	}

	frame.AckID = c.ackSeq.Add(1)
	ch := make(chan json.RawMessage, 1)
	c.pendM.Lock()
	c.pending[frame.AckID] = ch
	c.pendM.Unlock()
	defer func() {
		c.pendM.Lock()
		delete(c.pending, frame.AckID)
		c.pendM.Unlock()
	}()

	if err := c.write(ctx, frame); err != nil {
		return nil, err
	}
	select {
	case data := <-ch:
		return data, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-runCtx.Done():
		return nil, ErrClosed
	}
}

func newFrame(event Event, payload any) (Frame, error) {
	frame := Frame{Kind: KindEvent, Event: event}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Frame{}, fmt.Errorf("marshal %s payload: %w", event, err)
		}
		frame.Data = raw
	}
	return frame, nil
}

func (c *Conn) write(ctx context.Context, frame Frame) error {
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		return ErrNotConnected
	}
	wctx := ctx
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		wctx, cancel = context.WithTimeout(ctx, c.writeTimeout)
		defer cancel()
	}
	// wsjson.Write is not safe for concurrent writers.
	c.writeM.Lock()
	defer c.writeM.Unlock()
	if err := wsjson.Write(wctx, ws, &frame); err != nil {
		return fmt.Errorf("write %s: %w", frame.Event, err)
	}
	return nil
}

func (c *Conn) dial(ctx, runCtx context.Context, fromRetry bool) error {
	dialCtx, cancel := context.WithTimeout(ctx, c.policy.Timeout)
	defer cancel()
	ws, _, err := websocket.Dial(dialCtx, c.url, &websocket.DialOptions{
		CompressionMode: websocket.CompressionNoContextTakeover,
		HTTPHeader:      c.buildHeaders(),
	})
	if err != nil {
		return err
	}
	ws.SetReadLimit(1 << 20)

	c.mu.Lock()
	if c.runCtx != runCtx || runCtx.Err() != nil {
		c.mu.Unlock()
		_ = ws.Close(websocket.StatusNormalClosure, "closed during dial")
		return ErrClosed
	}
	c.ws = ws
	c.gen++
	gen := c.gen
	if fromRetry {
		c.retrying = false
	}
	c.wg.Add(3)
	c.mu.Unlock()

	done := make(chan struct{})
	q := newEventQueue()
	go c.listen(runCtx, ws, gen, q, done)
	go c.deliver(runCtx, q)
	go c.pingLoop(runCtx, ws, gen, done)

	c.logger.Info("transport_open", zap.String("url", c.url), zap.Uint64("gen", gen))
	c.notify(Lifecycle{Kind: LifecycleOpen})
	return nil
}

// listen resolves acks on the read goroutine and queues pushes for deliver,
// so a handler may itself wait for an ack.
func (c *Conn) listen(runCtx context.Context, ws *websocket.Conn, gen uint64, q *eventQueue, done chan struct{}) {
	defer c.wg.Done()
	defer close(done)
	defer q.close()
	for {
		var frame Frame
		if err := wsjson.Read(runCtx, ws, &frame); err != nil {
			reason := ReasonTransportError
			if websocket.CloseStatus(err) != -1 {
				reason = ReasonTransportClose
			}
			c.drop(runCtx, ws, gen, reason, err)
			return
		}
		if frame.Kind == KindAck {
			c.resolveAck(frame)
			continue
		}
		q.push(frame)
	}
}

func (c *Conn) resolveAck(frame Frame) {
	c.pendM.Lock()
	ch, ok := c.pending[frame.AckID]
	if ok {
		delete(c.pending, frame.AckID)
	}
	c.pendM.Unlock()
	if ok {
		ch <- frame.Data
	} else {
		c.logger.Debug("transport_ack_orphan", zap.Int64("ack_id", frame.AckID))
	}
}

// deliver runs push handlers one frame at a time in arrival order.
func (c *Conn) deliver(runCtx context.Context, q *eventQueue) {
	defer c.wg.Done()
	for {
		frame, ok := q.pop(runCtx)
		if !ok {
			return
		}
		c.dispatch(frame)
	}
}

func (c *Conn) dispatch(frame Frame) {
	c.cbM.RLock()
	list := make([]handlerEntry, len(c.handlers[frame.Event]))
	copy(list, c.handlers[frame.Event])
	c.cbM.RUnlock()
	for _, h := range list {
		if h.fn != nil {
			h.fn(frame.Data)
		}
	}
}

// eventQueue is an unbounded FIFO between the reader and deliver.
type eventQueue struct {
	mu     sync.Mutex
	items  []Frame
	closed bool
	signal chan struct{}
}

func newEventQueue() *eventQueue {
	return &eventQueue{signal: make(chan struct{}, 1)}
}

func (q *eventQueue) push(f Frame) {
	q.mu.Lock()
	q.items = append(q.items, f)
	q.mu.Unlock()
	q.wake()
}

func (q *eventQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.wake()
}

func (q *eventQueue) wake() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// pop blocks for the next frame. It drains what was queued before close and
// gives up at once when runCtx ends.
func (q *eventQueue) pop(runCtx context.Context) (Frame, bool) {
	for {
		if runCtx.Err() != nil {
			return Frame{}, false
		}
		q.mu.Lock()
		if len(q.items) > 0 {
			f := q.items[0]
			q.items[0] = Frame{}
			q.items = q.items[1:]
			q.mu.Unlock()
			return f, true
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return Frame{}, false
		}
		select {
		case <-q.signal:
		case <-runCtx.Done():
			return Frame{}, false
		}
	}
}

func (c *Conn) pingLoop(runCtx context.Context, ws *websocket.Conn, gen uint64, done chan struct{}) {
	defer c.wg.Done()
	if c.pingInterval <= 0 {
		return
	}
	t := time.NewTicker(c.pingInterval)
	defer t.Stop()
	failures := 0
	for {
		select {
		case <-runCtx.Done():
			return
		case <-done:
			return
		case <-t.C:
			ctx, cancel := context.WithTimeout(runCtx, 3*time.Second)
			err := ws.Ping(ctx)
			cancel()
			if err == nil {
				failures = 0
				continue
			}
			failures++
			if failures >= 2 {
				c.drop(runCtx, ws, gen, ReasonPingTimeout, err)
				return
			}
		}
	}
}

// drop detaches ws if it is still the current socket, then reports and retries.
func (c *Conn) drop(runCtx context.Context, ws *websocket.Conn, gen uint64, reason string, cause error) {
	c.mu.Lock()
	if c.gen != gen || c.ws != ws {
		c.mu.Unlock()
		return
	}
	c.ws = nil
	c.mu.Unlock()

	_ = ws.Close(websocket.StatusGoingAway, reason)
	if runCtx.Err() != nil {
		return
	}
	c.logger.Warn("transport_drop", zap.String("reason", reason), zap.Error(cause))
	c.notify(Lifecycle{Kind: LifecycleDrop, Reason: reason})
	c.startRetry(runCtx, false)
}

func (c *Conn) startRetry(runCtx context.Context, immediate bool) {
	if c.policy.MaxAttempts <= 0 {
		c.notify(Lifecycle{Kind: LifecycleRetryExhausted})
		return
	}
	c.mu.Lock()
	if c.retrying || c.runCtx != runCtx || runCtx.Err() != nil {
		c.mu.Unlock()
		return
	}
	c.retrying = true
	kick := make(chan struct{}, 1)
	c.kick = kick
	c.wg.Add(1)
	c.mu.Unlock()

	go c.retryLoop(runCtx, kick, immediate)
}

func (c *Conn) retryLoop(runCtx context.Context, kick chan struct{}, immediate bool) {
	defer c.wg.Done()
	for attempt := 1; attempt <= c.policy.MaxAttempts; attempt++ {
		if !(immediate && attempt == 1) {
			t := time.NewTimer(c.backoff.Duration(attempt))
			select {
			case <-runCtx.Done():
				t.Stop()
				return
			case <-kick:
				t.Stop()
			case <-t.C:
			}
		}

		c.notify(Lifecycle{Kind: LifecycleRetryAttempt, Attempt: attempt})
		err := c.dial(runCtx, runCtx, true)
		if err == nil {
			c.logger.Info("transport_reconnected", zap.Int("attempt", attempt))
			c.notify(Lifecycle{Kind: LifecycleRetrySuccess, Attempt: attempt})
			return
		}
		if runCtx.Err() != nil {
			return
		}
		c.logger.Debug("transport_retry_failed", zap.Int("attempt", attempt), zap.Error(err))
	}

	c.mu.Lock()
	if c.runCtx == runCtx {
		c.retrying = false
	}
	c.mu.Unlock()
	c.logger.Warn("transport_retry_exhausted", zap.Int("attempts", c.policy.MaxAttempts))
	c.notify(Lifecycle{Kind: LifecycleRetryExhausted})
}

func (c *Conn) notify(l Lifecycle) {
	c.cbM.RLock()
	cbs := make([]lifecycleEntry, len(c.lifecycleCbs))
	copy(cbs, c.lifecycleCbs)
	c.cbM.RUnlock()
	for _, e := range cbs {
		if e.cb != nil {
			e.cb(l)
		}
	}
}

func (c *Conn) buildHeaders() http.Header {
	hdr := http.Header{}
	if c.headers == nil {
		return hdr
	}
	for k, v := range c.headers() {
		if strings.TrimSpace(k) == "" || strings.TrimSpace(v) == "" {
			continue
		}
		hdr.Set(k, v)
	}
	return hdr
}

package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

type testServer struct {
	srv      *httptest.Server
	reject   atomic.Bool
	received chan Frame

	mu      sync.Mutex
	conns   []*websocket.Conn
	headers []http.Header
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ts := &testServer{received: make(chan Frame, 64)}
	ts.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ts.reject.Load() {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		ts.mu.Lock()
		ts.conns = append(ts.conns, c)
		ts.headers = append(ts.headers, r.Header.Clone())
		ts.mu.Unlock()

		ctx := context.Background()
		for {
			var f Frame
			if err := wsjson.Read(ctx, c, &f); err != nil {
				return
			}
			ts.received <- f
			if f.AckID != 0 {
				data, _ := json.Marshal(map[string]any{"ok": true, "event": f.Event})
				_ = wsjson.Write(ctx, c, Frame{Kind: KindAck, AckID: f.AckID, Data: data})
			}
		}
	}))
	t.Cleanup(ts.srv.Close)
	return ts
}

func (ts *testServer) url() string {
	return "ws" + strings.TrimPrefix(ts.srv.URL, "http")
}

func (ts *testServer) lastConn(t *testing.T) *websocket.Conn {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		ts.mu.Lock()
		n := len(ts.conns)
		var c *websocket.Conn
		if n > 0 {
			c = ts.conns[n-1]
		}
		ts.mu.Unlock()
		if c != nil {
			return c
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("server never accepted a connection")
	return nil
}

func fastPolicy(attempts int) Policy {
	return Policy{MaxAttempts: attempts, BaseDelay: 10 * time.Millisecond, MaxDelay: 20 * time.Millisecond, Jitter: 0, Timeout: time.Second}
}

func recordLifecycle(c *Conn) <-chan Lifecycle {
	ch := make(chan Lifecycle, 64)
	c.OnLifecycle(func(l Lifecycle) { ch <- l })
	return ch
}

func waitKind(t *testing.T, ch <-chan Lifecycle, kind LifecycleKind) Lifecycle {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case l := <-ch:
			if l.Kind == kind {
				return l
			}
		case <-timeout:
			t.Fatalf("timed out waiting for lifecycle %s", kind)
			return Lifecycle{}
		}
	}
}

func TestOpenEmitAndAck(t *testing.T) {
	ts := newTestServer(t)
	c := New(ts.url(), WithPolicy(fastPolicy(2)))
	defer c.Close(context.Background())

	if err := c.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !c.Connected() {
		t.Fatalf("expected connected")
	}
	// second Open is a no-op
	if err := c.Open(context.Background()); err != nil {
		t.Fatalf("second Open: %v", err)
	}

	if err := c.Emit(context.Background(), EventJoinMatchmaking, map[string]string{"gameType": "blitz"}); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	select {
	case f := <-ts.received:
		if f.Event != EventJoinMatchmaking || f.AckID != 0 {
			t.Fatalf("unexpected frame: %+v", f)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("server did not receive frame")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	data, err := c.EmitWithAck(ctx, EventCheckBetChallengeStatus, map[string]string{"betId": "b1"})
	if err != nil {
		t.Fatalf("EmitWithAck: %v", err)
	}
	var ack struct {
		OK    bool  `json:"ok"`
		Event Event `json:"event"`
	}
	if err := json.Unmarshal(data, &ack); err != nil || !ack.OK || ack.Event != EventCheckBetChallengeStatus {
		t.Fatalf("unexpected ack %s (%v)", string(data), err)
	}
}

func TestPushedEventsReachHandlers(t *testing.T) {
	ts := newTestServer(t)
	c := New(ts.url(), WithPolicy(fastPolicy(2)))
	defer c.Close(context.Background())

	got := make(chan json.RawMessage, 2)
	removed := c.On(EventMatchFound, func(data json.RawMessage) { t.Errorf("removed handler called") })
	c.Off(EventMatchFound, removed)
	c.On(EventMatchFound, func(data json.RawMessage) { got <- data })

	if err := c.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	sc := ts.lastConn(t)
	_ = wsjson.Write(context.Background(), sc, Frame{Kind: KindEvent, Event: EventMatchFound, Data: json.RawMessage(`{"gameId":"g1"}`)})

	select {
	case data := <-got:
		if !strings.Contains(string(data), "g1") {
			t.Fatalf("unexpected payload %s", data)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("handler not called")
	}
}

func TestHandlerCanWaitForAck(t *testing.T) {
	ts := newTestServer(t)
	c := New(ts.url(), WithPolicy(fastPolicy(2)))
	defer c.Close(context.Background())

	type result struct {
		data json.RawMessage
		err  error
	}
	got := make(chan result, 1)
	c.On(EventBetChallengeReceived, func(json.RawMessage) {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		data, err := c.EmitWithAck(ctx, EventCheckBetChallengeStatus, map[string]string{"betId": "b1"})
		got <- result{data, err}
	})

	if err := c.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	sc := ts.lastConn(t)
	_ = wsjson.Write(context.Background(), sc, Frame{Kind: KindEvent, Event: EventBetChallengeReceived, Data: json.RawMessage(`{"id":"b1"}`)})

	select {
	case r := <-got:
		if r.err != nil {
			t.Fatalf("EmitWithAck from handler: %v", r.err)
		}
		if !strings.Contains(string(r.data), string(EventCheckBetChallengeStatus)) {
			t.Fatalf("unexpected ack %s", r.data)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("handler never finished")
	}
}

func TestPushesKeepArrivalOrder(t *testing.T) {
	ts := newTestServer(t)
	c := New(ts.url(), WithPolicy(fastPolicy(2)))
	defer c.Close(context.Background())

	got := make(chan string, 20)
	c.On(EventMatchmakingStatus, func(data json.RawMessage) {
		var p struct {
			N string `json:"n"`
		}
		_ = json.Unmarshal(data, &p)
		got <- p.N
	})
	if err := c.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	sc := ts.lastConn(t)
	want := []string{"1", "2", "3", "4", "5", "6", "7", "8", "9", "10"}
	for _, n := range want {
		_ = wsjson.Write(context.Background(), sc, Frame{Kind: KindEvent, Event: EventMatchmakingStatus, Data: json.RawMessage(`{"n":"` + n + `"}`)})
	}
	for i, w := range want {
		select {
		case n := <-got:
			if n != w {
				t.Fatalf("push %d: got %s want %s", i, n, w)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("push %d never delivered", i)
		}
	}
}

func TestServerCloseTriggersDropAndReconnect(t *testing.T) {
	ts := newTestServer(t)
	c := New(ts.url(), WithPolicy(fastPolicy(3)), WithPingInterval(0))
	defer c.Close(context.Background())
	events := recordLifecycle(c)

	if err := c.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	waitKind(t, events, LifecycleOpen)

	_ = ts.lastConn(t).Close(websocket.StatusGoingAway, "restart")

	drop := waitKind(t, events, LifecycleDrop)
	if drop.Reason != ReasonTransportClose {
		t.Fatalf("expected %q, got %q", ReasonTransportClose, drop.Reason)
	}
	attempt := waitKind(t, events, LifecycleRetryAttempt)
	if attempt.Attempt != 1 {
		t.Fatalf("expected attempt 1, got %d", attempt.Attempt)
	}
	waitKind(t, events, LifecycleOpen)
	success := waitKind(t, events, LifecycleRetrySuccess)
	if success.Attempt != 1 {
		t.Fatalf("expected success on attempt 1, got %d", success.Attempt)
	}
	if !c.Connected() {
		t.Fatalf("expected reconnected")
	}
}

func TestRetryExhaustionAndManualReconnect(t *testing.T) {
	ts := newTestServer(t)
	ts.reject.Store(true)
	c := New(ts.url(), WithPolicy(fastPolicy(2)))
	defer c.Close(context.Background())
	events := recordLifecycle(c)

	if err := c.Open(context.Background()); err == nil {
		t.Fatalf("expected dial error while server rejects")
	}
	waitKind(t, events, LifecycleRetryAttempt)
	waitKind(t, events, LifecycleRetryExhausted)
	if c.Connected() || c.Active() {
		t.Fatalf("expected inactive handle after exhaustion")
	}

	ts.reject.Store(false)
	c.ReconnectNow()
	attempt := waitKind(t, events, LifecycleRetryAttempt)
	if attempt.Attempt != 1 {
		t.Fatalf("expected a fresh cycle starting at 1, got %d", attempt.Attempt)
	}
	waitKind(t, events, LifecycleOpen)
}

func TestHandshakeHeaders(t *testing.T) {
	ts := newTestServer(t)
	c := New(ts.url(), WithHeaderProvider(func() map[string]string {
		return map[string]string{"Authorization": "Bearer tok", " ": "skip", "X-Empty": ""}
	}))
	defer c.Close(context.Background())
	if err := c.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	ts.lastConn(t)
	ts.mu.Lock()
	h := ts.headers[0]
	ts.mu.Unlock()
	if h.Get("Authorization") != "Bearer tok" {
		t.Fatalf("missing auth header: %v", h)
	}
	if h.Get("X-Empty") != "" {
		t.Fatalf("empty header should be skipped")
	}
}

func TestEmitWhileDisconnected(t *testing.T) {
	c := New("ws://127.0.0.1:1/none")
	if err := c.Emit(context.Background(), EventResignGame, nil); err != ErrNotConnected {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	if _, err := c.EmitWithAck(context.Background(), EventCreateBetChallenge, nil); err != ErrNotConnected {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestCloseDoesNotReportDrop(t *testing.T) {
	ts := newTestServer(t)
	c := New(ts.url(), WithPolicy(fastPolicy(2)))
	events := recordLifecycle(c)
	if err := c.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	waitKind(t, events, LifecycleOpen)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	select {
	case l := <-events:
		t.Fatalf("unexpected lifecycle after Close: %s", l.Kind)
	case <-time.After(100 * time.Millisecond):
	}

	// handle is reusable
	if err := c.Open(context.Background()); err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer c.Close(context.Background())
	if !c.Connected() {
		t.Fatalf("expected connected after reopen")
	}
}

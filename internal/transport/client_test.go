package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/mvieira99/inboxsync/internal/bus"
	"github.com/mvieira99/inboxsync/internal/status"
	"go.uber.org/zap"
)

// fakeConn is an in-memory wsConn. Reads block on the inbound channel
// until the test pushes a payload or closes the connection.
type fakeConn struct {
	mu      sync.Mutex
	writes  [][]byte
	inbound chan []byte
	done    chan struct{}
	once    sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound: make(chan []byte, 16),
		done:    make(chan struct{}),
	}
}

func (f *fakeConn) Read(ctx context.Context) (websocket.MessageType, []byte, error) {
	select {
	case data := <-f.inbound:
		return websocket.MessageText, data, nil
	case <-f.done:
		return 0, nil, errors.New("connection closed")
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	}
}

func (f *fakeConn) Write(_ context.Context, _ websocket.MessageType, p []byte) error {
	select {
	case <-f.done:
		return errors.New("connection closed")
	default:
	}
	f.mu.Lock()
	cp := make([]byte, len(p))
	copy(cp, p)
	f.writes = append(f.writes, cp)
	f.mu.Unlock()
	return nil
}

func (f *fakeConn) Close(websocket.StatusCode, string) error {
	f.once.Do(func() { close(f.done) })
	return nil
}

func (f *fakeConn) sentTypes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var types []string
	for _, w := range f.writes {
		var fr Frame
		if err := json.Unmarshal(w, &fr); err == nil {
			types = append(types, fr.Type)
		}
	}
	return types
}

// dialSequence returns a dialFunc that hands out the given conns in
// order, failing with an error for nil entries. Extra dials repeat the
// last entry's behavior.
type dialSequence struct {
	mu    sync.Mutex
	conns []*fakeConn
	calls int
}

func (d *dialSequence) dial(context.Context, string) (wsConn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	i := d.calls
	d.calls++
	if i >= len(d.conns) {
		i = len(d.conns) - 1
	}
	if d.conns[i] == nil {
		return nil, errors.New("dial refused")
	}
	return d.conns[i], nil
}

func (d *dialSequence) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func testClient(t *testing.T, cfg Config, conns ...*fakeConn) (*Client, *dialSequence) {
	t.Helper()
	if cfg.BaseURL == "" {
		cfg.BaseURL = "wss://chat.example.com"
	}
	if cfg.AccountID == 0 {
		cfg.AccountID = 7
	}
	if cfg.Token == nil {
		cfg.Token = func() string { return "tok" }
	}
	c := New(cfg, status.NewMachine(bus.New()), zap.NewNop())
	seq := &dialSequence{conns: conns}
	c.dial = seq.dial
	t.Cleanup(c.Disconnect)
	return c, seq
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", what)
}

func TestEndpointTokenPlacement(t *testing.T) {
	c, _ := testClient(t, Config{BaseURL: "wss://chat.example.com", AccountID: 42, Token: func() string { return "t0k&n" }})
	got := c.endpoint()
	want := "wss://chat.example.com/ws/accounts/42/?token=t0k&n"
	if got != want {
		t.Errorf("endpoint = %q, want %q", got, want)
	}
}

func TestSendWhileDisconnectedQueuesAndFlushesInOrder(t *testing.T) {
	conn := newFakeConn()
	c, _ := testClient(t, Config{AutoReconnect: true}, conn)

	for i := 0; i < 3; i++ {
		data, _ := json.Marshal(map[string]int{"n": i})
		c.Send(Frame{Type: fmt.Sprintf("frame_%d", i), Data: data})
	}

	c.Connect()
	waitFor(t, "outbox flush", func() bool { return len(conn.sentTypes()) == 3 })

	types := conn.sentTypes()
	for i, typ := range types {
		want := fmt.Sprintf("frame_%d", i)
		if typ != want {
			t.Errorf("flushed frame %d type = %q, want %q", i, typ, want)
		}
	}
	if c.State() != status.Connected {
		t.Errorf("state = %s, want connected", c.State())
	}
}

func TestOutboxDropsOldestPastLimit(t *testing.T) {
	conn := newFakeConn()
	c, _ := testClient(t, Config{AutoReconnect: true, OutboxLimit: 2}, conn)

	c.Send(Frame{Type: "first"})
	c.Send(Frame{Type: "second"})
	c.Send(Frame{Type: "third"})

	c.Connect()
	waitFor(t, "outbox flush", func() bool { return len(conn.sentTypes()) == 2 })

	types := conn.sentTypes()
	if types[0] != "second" || types[1] != "third" {
		t.Errorf("flushed = %v, want [second third]", types)
	}
}

func TestBackoffDelayGrowth(t *testing.T) {
	c, _ := testClient(t, Config{ReconnectBase: time.Second, ReconnectMax: 30 * time.Second})

	wants := []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
		16 * time.Second, 30 * time.Second, 30 * time.Second,
	}
	for attempt, want := range wants {
		if got := c.backoffDelay(attempt); got != want {
			t.Errorf("backoffDelay(%d) = %v, want %v", attempt, got, want)
		}
	}
	// Very large attempt values must stay capped, not overflow.
	if got := c.backoffDelay(62); got != 30*time.Second {
		t.Errorf("backoffDelay(62) = %v, want 30s", got)
	}
}

func TestAttemptCounterResetsOnSuccessfulConnect(t *testing.T) {
	conn := newFakeConn()
	// Two failed dials, then success.
	c, seq := testClient(t, Config{
		AutoReconnect: true,
		ReconnectBase: time.Millisecond,
		ReconnectMax:  5 * time.Millisecond,
	}, nil, nil, conn)

	c.Connect()
	waitFor(t, "third dial", func() bool { return seq.dialCount() >= 3 })
	waitFor(t, "connected", func() bool { return c.State() == status.Connected })

	c.mu.Lock()
	attempt := c.attempt
	c.mu.Unlock()
	if attempt != 0 {
		t.Errorf("attempt after successful connect = %d, want 0", attempt)
	}
}

func TestMaxAttemptsTransitionsToError(t *testing.T) {
	c, seq := testClient(t, Config{
		AutoReconnect: true,
		ReconnectBase: time.Millisecond,
		ReconnectMax:  2 * time.Millisecond,
		MaxAttempts:   2,
	}, nil)

	c.Connect()
	waitFor(t, "error state", func() bool { return c.State() == status.Error })

	// Initial connect + 2 retries, then no further automatic dials.
	dials := seq.dialCount()
	time.Sleep(20 * time.Millisecond)
	if seq.dialCount() != dials {
		t.Errorf("dials continued after error state: %d -> %d", dials, seq.dialCount())
	}
}

func TestManualDisconnectSuppressesReconnect(t *testing.T) {
	conn := newFakeConn()
	c, seq := testClient(t, Config{
		AutoReconnect: true,
		ReconnectBase: time.Millisecond,
	}, conn)

	c.Connect()
	waitFor(t, "connected", func() bool { return c.State() == status.Connected })

	c.Disconnect()
	if c.State() != status.Disconnected {
		t.Errorf("state = %s, want disconnected", c.State())
	}

	time.Sleep(30 * time.Millisecond)
	if seq.dialCount() != 1 {
		t.Errorf("dials after manual disconnect = %d, want 1", seq.dialCount())
	}
}

func TestAbnormalCloseSchedulesReconnect(t *testing.T) {
	first := newFakeConn()
	second := newFakeConn()
	c, seq := testClient(t, Config{
		AutoReconnect: true,
		ReconnectBase: time.Millisecond,
		ReconnectMax:  5 * time.Millisecond,
	}, first, second)

	c.Connect()
	waitFor(t, "connected", func() bool { return c.State() == status.Connected })

	// Simulate the server dropping the socket.
	_ = first.Close(websocket.StatusAbnormalClosure, "gone")

	waitFor(t, "redial", func() bool { return seq.dialCount() >= 2 })
	waitFor(t, "reconnected", func() bool { return c.State() == status.Connected })
}

func TestHeartbeatCadenceAndSilenceAfterDisconnect(t *testing.T) {
	conn := newFakeConn()
	c, _ := testClient(t, Config{
		AutoReconnect:     false,
		HeartbeatInterval: 20 * time.Millisecond,
	}, conn)

	c.Connect()
	waitFor(t, "connected", func() bool { return c.State() == status.Connected })

	waitFor(t, "pings", func() bool {
		pings := 0
		for _, typ := range conn.sentTypes() {
			if typ == FramePing {
				pings++
			}
		}
		return pings >= 2
	})

	c.Disconnect()
	before := len(conn.sentTypes())
	time.Sleep(60 * time.Millisecond)
	if after := len(conn.sentTypes()); after != before {
		t.Errorf("frames sent after disconnect: %d -> %d", before, after)
	}
}

func TestPongIsNeverForwarded(t *testing.T) {
	conn := newFakeConn()
	c, _ := testClient(t, Config{AutoReconnect: false}, conn)

	var mu sync.Mutex
	var seen []string
	c.SetFrameHandler(func(f Frame) {
		mu.Lock()
		seen = append(seen, f.Type)
		mu.Unlock()
	})

	c.Connect()
	waitFor(t, "connected", func() bool { return c.State() == status.Connected })

	conn.inbound <- []byte(`{"type":"pong"}`)
	conn.inbound <- []byte(`{"type":"message.new","data":{"id":1}}`)

	waitFor(t, "forwarded frame", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 1
	})

	mu.Lock()
	defer mu.Unlock()
	if seen[0] != "message.new" {
		t.Errorf("forwarded = %v, want [message.new]", seen)
	}
}

func TestMalformedFrameDropped(t *testing.T) {
	conn := newFakeConn()
	c, _ := testClient(t, Config{AutoReconnect: false}, conn)

	var mu sync.Mutex
	var seen []string
	c.SetFrameHandler(func(f Frame) {
		mu.Lock()
		seen = append(seen, f.Type)
		mu.Unlock()
	})

	c.Connect()
	waitFor(t, "connected", func() bool { return c.State() == status.Connected })

	conn.inbound <- []byte(`{not json`)
	conn.inbound <- []byte(`{"type":"conversation.new"}`)

	waitFor(t, "valid frame after garbage", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 1 && seen[0] == "conversation.new"
	})
}

func TestWakeConnectsImmediately(t *testing.T) {
	conn := newFakeConn()
	// First dial fails; backoff is far longer than the test runtime so
	// only Wake can explain a second dial.
	c, seq := testClient(t, Config{
		AutoReconnect: true,
		ReconnectBase: time.Minute,
		ReconnectMax:  time.Minute,
	}, nil, conn)

	c.Connect()
	waitFor(t, "failed dial", func() bool { return seq.dialCount() == 1 && c.State() == status.Disconnected })

	c.Wake()
	waitFor(t, "wake dial", func() bool { return seq.dialCount() >= 2 })
	waitFor(t, "connected", func() bool { return c.State() == status.Connected })
}

func TestConnectIsNoOpWhileConnected(t *testing.T) {
	conn := newFakeConn()
	c, seq := testClient(t, Config{AutoReconnect: false}, conn)

	c.Connect()
	waitFor(t, "connected", func() bool { return c.State() == status.Connected })

	c.Connect()
	time.Sleep(20 * time.Millisecond)
	if seq.dialCount() != 1 {
		t.Errorf("dials = %d, want 1", seq.dialCount())
	}
}

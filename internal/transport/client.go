package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/mvieira99/inboxsync/internal/status"
	"go.uber.org/zap"
)

const (
	defaultHeartbeatInterval = 30 * time.Second
	defaultReconnectBase     = time.Second
	defaultReconnectMax      = 30 * time.Second
	defaultOutboxLimit       = 256

	dialTimeout  = 15 * time.Second
	writeTimeout = 10 * time.Second

	// reconnectNowDelay is the short pause Reconnect inserts between
	// tearing down the old socket and dialing the new one.
	reconnectNowDelay = 250 * time.Millisecond

	// maxBackoffShift caps the bit-shift exponent so the computed
	// delay can never overflow time.Duration.
	maxBackoffShift = 20
)

// wsConn abstracts the WebSocket connection so the client can be
// tested without a real server. *websocket.Conn satisfies it.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

type dialFunc func(ctx context.Context, url string) (wsConn, error)

func dialWebSocket(ctx context.Context, url string) (wsConn, error) {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Config holds the parameters for one account's connection.
type Config struct {
	// BaseURL is the WebSocket origin, e.g. "wss://chat.example.com".
	BaseURL string
	// AccountID selects the per-account endpoint path.
	AccountID int
	// Token returns the current bearer token. It is called on every
	// connect attempt so a rotated token is picked up automatically.
	Token func() string

	HeartbeatInterval time.Duration
	ReconnectBase     time.Duration
	ReconnectMax      time.Duration
	// MaxAttempts bounds consecutive failed reconnects; 0 means
	// unbounded. Exceeding it parks the client in the error state
	// until Reconnect is called.
	MaxAttempts int
	// OutboxLimit bounds the queue of frames awaiting transmission
	// while disconnected. The oldest frame is dropped on overflow.
	OutboxLimit int
	// AutoReconnect enables reconnection after abnormal closes and
	// wake-triggered connects.
	AutoReconnect bool
}

// Client maintains one logical duplex connection to the server:
// automatic reconnection with exponential backoff, keep-alive pings,
// and FIFO buffering of frames sent while disconnected. It knows
// nothing about domain semantics, only framed messages.
type Client struct {
	cfg     Config
	machine *status.Machine
	logger  *zap.Logger
	dial    dialFunc
	onFrame func(Frame)

	mu             sync.Mutex
	conn           wsConn
	connCancel     context.CancelFunc
	connecting     bool
	manualClose    bool
	attempt        int
	outbox         []Frame
	reconnectTimer *time.Timer

	// gen increments on every connection handover so callbacks from a
	// socket that has already been replaced are ignored.
	gen int

	// wmu serializes writes; coder/websocket allows one writer at a time.
	wmu sync.Mutex
}

// New creates a client. The machine owns the observable connection
// state; the logger is used for protocol warnings and lifecycle info.
func New(cfg Config, machine *status.Machine, logger *zap.Logger) *Client {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}
	if cfg.ReconnectBase <= 0 {
		cfg.ReconnectBase = defaultReconnectBase
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = defaultReconnectMax
	}
	if cfg.OutboxLimit <= 0 {
		cfg.OutboxLimit = defaultOutboxLimit
	}
	return &Client{
		cfg:     cfg,
		machine: machine,
		logger:  logger,
		dial:    dialWebSocket,
	}
}

// SetFrameHandler registers the callback invoked for every inbound
// frame except pong. Must be called before Connect.
func (c *Client) SetFrameHandler(fn func(Frame)) {
	c.onFrame = fn
}

// State returns the current connection state.
func (c *Client) State() status.State {
	return c.machine.Current()
}

// Connect opens the connection. No-op if a socket is already open or a
// dial is in flight. Clears the manual-disconnect flag.
func (c *Client) Connect() {
	c.mu.Lock()
	if c.conn != nil || c.connecting {
		c.mu.Unlock()
		return
	}
	c.manualClose = false
	c.connecting = true
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	c.mu.Unlock()

	_ = c.machine.Transition(status.Connecting)
	go c.establish()
}

// Disconnect closes the connection intentionally. No reconnection
// occurs until Connect or Reconnect is called again.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.manualClose = true
	c.connecting = false
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	conn := c.conn
	c.conn = nil
	c.gen++
	if c.connCancel != nil {
		c.connCancel()
		c.connCancel = nil
	}
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	_ = c.machine.Transition(status.Disconnected)
}

// Reconnect resets the backoff counter and forces a fresh connection,
// bypassing any pending backoff wait. Used for "retry now".
func (c *Client) Reconnect() {
	c.mu.Lock()
	c.attempt = 0
	c.mu.Unlock()

	c.Disconnect()
	time.AfterFunc(reconnectNowDelay, c.Connect)
}

// Wake triggers an immediate connect attempt if the connection is down
// and auto-reconnect is enabled. The daemon calls this when the process
// resumes after a suspension, bounding how stale the view becomes.
func (c *Client) Wake() {
	c.mu.Lock()
	if !c.cfg.AutoReconnect || c.manualClose || c.conn != nil || c.connecting {
		c.mu.Unlock()
		return
	}
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	c.mu.Unlock()

	c.logger.Info("wake: connecting immediately")
	c.Connect()
}

// Send transmits a frame if connected, otherwise queues it FIFO for
// delivery after the next successful connect. Never fails synchronously.
func (c *Client) Send(f Frame) {
	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		if len(c.outbox) >= c.cfg.OutboxLimit {
			dropped := c.outbox[0]
			c.outbox = c.outbox[1:]
			c.logger.Warn("outbox full, dropping oldest frame",
				zap.String("type", dropped.Type),
				zap.Int("limit", c.cfg.OutboxLimit))
		}
		c.outbox = append(c.outbox, f)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	c.writeFrame(conn, f)
}

func (c *Client) endpoint() string {
	base := strings.TrimRight(c.cfg.BaseURL, "/")
	u := fmt.Sprintf("%s/ws/accounts/%d/", base, c.cfg.AccountID)
	sep := "?"
	if strings.Contains(u, "?") {
		sep = "&"
	}
	token := ""
	if c.cfg.Token != nil {
		token = c.cfg.Token()
	}
	return u + sep + "token=" + token
}

func (c *Client) establish() {
	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	conn, err := c.dial(ctx, c.endpoint())
	cancel()

	if err != nil {
		c.logger.Warn("connect failed", zap.Error(err))
		c.mu.Lock()
		c.connecting = false
		manual := c.manualClose
		c.mu.Unlock()
		if !manual && c.cfg.AutoReconnect {
			c.scheduleReconnect()
		} else {
			_ = c.machine.Transition(status.Disconnected)
		}
		return
	}

	c.mu.Lock()
	if c.manualClose {
		// Disconnect raced the dial; drop the fresh socket.
		c.mu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "client disconnect")
		return
	}
	c.conn = conn
	c.connecting = false
	c.attempt = 0
	c.gen++
	gen := c.gen
	connCtx, connCancel := context.WithCancel(context.Background())
	c.connCancel = connCancel
	pending := c.outbox
	c.outbox = nil
	c.mu.Unlock()

	_ = c.machine.Transition(status.Connected)
	c.logger.Info("connected", zap.Int("flushing", len(pending)))

	// Drain the outbox in original order before anything else is sent.
	for _, f := range pending {
		c.writeFrame(conn, f)
	}

	go c.readLoop(conn, gen)
	go c.heartbeatLoop(connCtx, conn)
}

func (c *Client) readLoop(conn wsConn, gen int) {
	for {
		_, data, err := conn.Read(context.Background())
		if err != nil {
			c.handleClose(gen, err)
			return
		}

		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.logger.Warn("dropping malformed frame", zap.Error(err))
			continue
		}
		if f.Type == FramePong {
			// Liveness confirmation only; never forwarded.
			continue
		}
		if c.onFrame != nil {
			c.onFrame(f)
		}
	}
}

func (c *Client) heartbeatLoop(ctx context.Context, conn wsConn) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.writeFrame(conn, Frame{Type: FramePing})
		}
	}
}

func (c *Client) handleClose(gen int, err error) {
	c.mu.Lock()
	if gen != c.gen {
		// A newer connection already replaced this one.
		c.mu.Unlock()
		return
	}
	c.gen++
	c.conn = nil
	if c.connCancel != nil {
		c.connCancel()
		c.connCancel = nil
	}
	manual := c.manualClose
	c.mu.Unlock()

	if manual {
		return
	}

	c.logger.Warn("connection lost", zap.Error(err))
	if c.cfg.AutoReconnect {
		c.scheduleReconnect()
	} else {
		_ = c.machine.Transition(status.Disconnected)
	}
}

func (c *Client) scheduleReconnect() {
	_ = c.machine.Transition(status.Disconnected)

	c.mu.Lock()
	if c.manualClose {
		c.mu.Unlock()
		return
	}
	if c.cfg.MaxAttempts > 0 && c.attempt >= c.cfg.MaxAttempts {
		attempts := c.attempt
		c.mu.Unlock()
		c.logger.Error("reconnect attempts exhausted", zap.Int("attempts", attempts))
		_ = c.machine.Transition(status.Error)
		return
	}
	delay := c.backoffDelay(c.attempt)
	c.attempt++
	attempt := c.attempt
	c.reconnectTimer = time.AfterFunc(delay, c.Connect)
	c.mu.Unlock()

	c.logger.Info("reconnect scheduled",
		zap.Duration("delay", delay),
		zap.Int("attempt", attempt))
}

// backoffDelay computes min(base * 2^attempt, max).
func (c *Client) backoffDelay(attempt int) time.Duration {
	if attempt > maxBackoffShift {
		return c.cfg.ReconnectMax
	}
	d := c.cfg.ReconnectBase << uint(attempt)
	if d <= 0 || d > c.cfg.ReconnectMax {
		return c.cfg.ReconnectMax
	}
	return d
}

func (c *Client) writeFrame(conn wsConn, f Frame) {
	payload, err := json.Marshal(f)
	if err != nil {
		c.logger.Warn("failed to encode frame", zap.Error(err), zap.String("type", f.Type))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	c.wmu.Lock()
	err = conn.Write(ctx, websocket.MessageText, payload)
	c.wmu.Unlock()
	if err != nil {
		// The read loop observes the broken socket and drives
		// reconnection; the frame itself is lost.
		c.logger.Warn("write failed", zap.Error(err), zap.String("type", f.Type))
	}
}

// Package gateway implements the websocket client for the chat-bot
// gateway: it streams inbound events, answers liveness probes, and
// carries echo-correlated action calls.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/opqbot/opqbot/internal/event"
	"github.com/opqbot/opqbot/internal/metrics"
)

// Monitor receives connection-lifecycle signals. Probe and SessionUp are
// deliberately separate methods so a liveness probe can never be wired to
// the connect path by accident.
type Monitor interface {
	Connecting()
	SessionUp()
	SessionDown(err error)
	Probe()
}

// NopMonitor discards all signals.
type NopMonitor struct{}

func (NopMonitor) Connecting()       {}
func (NopMonitor) SessionUp()        {}
func (NopMonitor) SessionDown(error) {}
func (NopMonitor) Probe()            {}

// conn is the minimal transport surface the client needs; *wsConn wraps
// the real websocket, tests substitute their own.
type conn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close() error
}

type wsConn struct {
	c *websocket.Conn
}

func (w *wsConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := w.c.Read(ctx)
	return data, err
}

func (w *wsConn) Write(ctx context.Context, data []byte) error {
	return w.c.Write(ctx, websocket.MessageText, data)
}

func (w *wsConn) Close() error {
	return w.c.Close(websocket.StatusNormalClosure, "")
}

// Backoff is the reconnect curve: Initial multiplied per consecutive
// failure, capped at Max.
type Backoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier int
}

func (b Backoff) delay(failures int) time.Duration {
	if b.Initial <= 0 {
		b.Initial = time.Second
	}
	if b.Max <= 0 {
		b.Max = time.Minute
	}
	if b.Multiplier <= 1 {
		b.Multiplier = 2
	}
	d := b.Initial
	for i := 1; i < failures; i++ {
		d *= time.Duration(b.Multiplier)
		if d > b.Max {
			return b.Max
		}
	}
	if d > b.Max {
		return b.Max
	}
	return d
}

type Options struct {
	URL         string
	AccessToken string
	Bots        []int64
	Backoff     Backoff
	Monitor     Monitor
	// InboxSize bounds the raw event channel (default 256).
	InboxSize int
	// CallTimeout bounds the attach handshake calls made on connect.
	CallTimeout time.Duration
}

// Client maintains the gateway connection. A single reader goroutine
// demultiplexes frames: call replies go to their waiters, probes and
// session notices go to the monitor, everything else is an inbound event.
type Client struct {
	opts    Options
	monitor Monitor
	inbox   chan event.RawEvent

	mu   sync.Mutex
	conn conn

	waitMu  sync.Mutex
	waiters map[string]chan json.RawMessage

	dedup *dedupeRing

	dial func(ctx context.Context) (conn, error)
}

func New(opts Options) *Client {
	if opts.Monitor == nil {
		opts.Monitor = NopMonitor{}
	}
	if opts.InboxSize <= 0 {
		opts.InboxSize = 256
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 10 * time.Second
	}
	c := &Client{
		opts:    opts,
		monitor: opts.Monitor,
		inbox:   make(chan event.RawEvent, opts.InboxSize),
		waiters: make(map[string]chan json.RawMessage),
		dedup:   newDedupeRing(1024),
	}
	c.dial = c.dialWebsocket
	return c
}

// Events is the stream of raw inbound events, shared with the webhook
// intake.
func (c *Client) Events() <-chan event.RawEvent { return c.inbox }

// Inject feeds a raw event into the stream from an alternative source
// (the webhook endpoint). Blocks when the inbox is full.
func (c *Client) Inject(ctx context.Context, raw event.RawEvent) error {
	select {
	case c.inbox <- raw:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) dialWebsocket(ctx context.Context) (conn, error) {
	header := http.Header{}
	if c.opts.AccessToken != "" {
		header.Set("Authorization", "Bearer "+c.opts.AccessToken)
	}
	wc, _, err := websocket.Dial(ctx, c.opts.URL, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return nil, fmt.Errorf("dial gateway %s: %w", c.opts.URL, err)
	}
	wc.SetReadLimit(4 * 1024 * 1024)
	return &wsConn{c: wc}, nil
}

// Run connects and keeps the connection alive until ctx is done,
// reconnecting with exponential backoff. It never returns except on
// cancellation.
func (c *Client) Run(ctx context.Context) error {
	failures := 0
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		c.monitor.Connecting()
		metrics.ConnectionState.Set(1)

		cn, err := c.dial(ctx)
		if err != nil {
			failures++
			metrics.ConnectionState.Set(0)
			c.monitor.SessionDown(err)
			delay := c.opts.Backoff.delay(failures)
			log.Printf("gateway: connect failed (attempt %d, retrying in %s): %v", failures, delay, err)
			select {
			case <-time.After(delay):
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		failures = 0

		c.mu.Lock()
		c.conn = cn
		c.mu.Unlock()

		c.attachBots(ctx)
		err = c.readLoop(ctx, cn)

		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		_ = cn.Close()

		metrics.ConnectionState.Set(0)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.monitor.SessionDown(err)
		log.Printf("gateway: connection lost: %v", err)
	}
}

// attachBots binds each configured bot id to this connection. Failures
// are logged, not fatal: the gateway may re-deliver the session notice
// and the bind is retried on the next connect.
func (c *Client) attachBots(ctx context.Context) {
	for _, bot := range c.opts.Bots {
		callCtx, cancel := context.WithTimeout(ctx, c.opts.CallTimeout)
		_, err := c.Call(callCtx, "attach", map[string]any{"bot": bot})
		cancel()
		if err != nil {
			log.Printf("gateway: attach bot %d: %v", bot, err)
		}
	}
}

func (c *Client) readLoop(ctx context.Context, cn conn) error {
	for {
		data, err := cn.Read(ctx)
		if err != nil {
			return err
		}
		c.handleFrame(ctx, data)
	}
}

func (c *Client) handleFrame(ctx context.Context, data []byte) {
	fr, err := classify(data)
	if err != nil {
		log.Printf("gateway: dropping malformed frame: %v", err)
		return
	}

	switch fr.kind {
	case frameReply:
		c.deliverReply(fr.echo, fr.raw)
	case frameProbe:
		metrics.Probes.Inc()
		c.monitor.Probe()
	case frameSession:
		metrics.ConnectionState.Set(2)
		c.monitor.SessionUp()
	case frameIgnored:
	case frameEvent:
		if id := messageID(fr.event); id != "" && c.dedup.seen(id) {
			log.Printf("gateway: duplicate message %s, skipping", id)
			return
		}
		select {
		case c.inbox <- fr.event:
		case <-ctx.Done():
		}
	}
}

func (c *Client) deliverReply(echo string, raw []byte) {
	c.waitMu.Lock()
	waiter := c.waiters[echo]
	delete(c.waiters, echo)
	c.waitMu.Unlock()
	if waiter == nil {
		log.Printf("gateway: reply for unknown echo %s", echo)
		return
	}
	waiter <- raw
}

type callFrame struct {
	Action string         `json:"action"`
	Params map[string]any `json:"params,omitempty"`
	Echo   string         `json:"echo"`
}

// Call performs one echo-correlated action invocation and returns the raw
// response frame. The executor interprets the return code.
func (c *Client) Call(ctx context.Context, action string, params map[string]any) (json.RawMessage, error) {
	c.mu.Lock()
	cn := c.conn
	c.mu.Unlock()
	if cn == nil {
		return nil, fmt.Errorf("call %s: not connected", action)
	}

	echo := uuid.NewString()
	waiter := make(chan json.RawMessage, 1)
	c.waitMu.Lock()
	c.waiters[echo] = waiter
	c.waitMu.Unlock()
	defer func() {
		c.waitMu.Lock()
		delete(c.waiters, echo)
		c.waitMu.Unlock()
	}()

	payload, err := json.Marshal(callFrame{Action: action, Params: params, Echo: echo})
	if err != nil {
		return nil, fmt.Errorf("marshal %s call: %w", action, err)
	}
	if err := cn.Write(ctx, payload); err != nil {
		return nil, fmt.Errorf("write %s call: %w", action, err)
	}

	select {
	case raw := <-waiter:
		return raw, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// dedupeRing remembers the last n message ids; the gateway re-delivers
// recent frames after a reconnect.
type dedupeRing struct {
	mu   sync.Mutex
	set  map[string]struct{}
	ring []string
	idx  int
}

func newDedupeRing(n int) *dedupeRing {
	return &dedupeRing{
		set:  make(map[string]struct{}, n),
		ring: make([]string, n),
	}
}

// seen records id and reports whether it was already present.
func (d *dedupeRing) seen(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.set[id]; ok {
		return true
	}
	if old := d.ring[d.idx]; old != "" {
		delete(d.set, old)
	}
	d.ring[d.idx] = id
	d.idx = (d.idx + 1) % len(d.ring)
	d.set[id] = struct{}{}
	return false
}

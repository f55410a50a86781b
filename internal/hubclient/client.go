package hubclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/ambulance-dispatch/internal/models"
)

var (
	ErrNotConnected     = errors.New("hubclient: not connected")
	ErrRelayUnreachable = errors.New("hubclient: relay unreachable")
	ErrClosed           = errors.New("hubclient: closed")
)

const writeWait = 10 * time.Second

type Config struct {
	URL               string
	Token             string
	ReconnectAttempts int
	ReconnectDelay    time.Duration
	// OutboxSize bounds frames held while disconnected; the oldest go first.
	OutboxSize int
	Dialer     *websocket.Dialer
}

// ConnectionEvent reports a change in relay connectivity. Err is set to
// ErrRelayUnreachable once reconnect attempts are exhausted.
type ConnectionEvent struct {
	Connected bool
	Err       error
}

type Handler func(models.Envelope)

// Token identifies a subscription for Unsubscribe.
type Token uint64

// Client is a relay connection shared by everything in one app process.
type Client struct {
	cfg    Config
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	writeMu sync.Mutex

	mu        sync.Mutex
	conn      *websocket.Conn
	closed    bool
	handlers  map[models.MessageType]map[Token]Handler
	nextToken Token
	listeners map[Token]func(ConnectionEvent)
	outbox    [][]byte
}

func New(cfg Config, logger *slog.Logger) *Client {
	if cfg.ReconnectAttempts <= 0 {
		cfg.ReconnectAttempts = 5
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 3 * time.Second
	}
	if cfg.OutboxSize <= 0 {
		cfg.OutboxSize = 256
	}
	if cfg.Dialer == nil {
		cfg.Dialer = &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		cfg:       cfg,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
		handlers:  make(map[models.MessageType]map[Token]Handler),
		listeners: make(map[Token]func(ConnectionEvent)),
	}
}

// Connect dials the relay and starts reading. Later drops reconnect on
// their own.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.conn != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	if err := c.install(conn); err != nil {
		return err
	}
	c.wg.Add(1)
	go c.readLoop(conn)
	return nil
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if c.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	conn, _, err := c.cfg.Dialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		return nil, fmt.Errorf("connecting to relay: %w", err)
	}
	return conn, nil
}

func (c *Client) install(conn *websocket.Conn) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close()
		return ErrClosed
	}
	c.conn = conn
	pending := c.outbox
	c.outbox = nil
	c.mu.Unlock()

	c.logger.Info("relay connected", "url", c.cfg.URL)
	c.notify(ConnectionEvent{Connected: true})
	for i, frame := range pending {
		if err := c.write(conn, frame); err != nil {
			c.requeue(pending[i:])
			break
		}
	}
	return nil
}

func (c *Client) requeue(frames [][]byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, f := range frames {
		c.enqueueLocked(f)
	}
}

func (c *Client) enqueueLocked(frame []byte) {
	if len(c.outbox) >= c.cfg.OutboxSize {
		c.outbox = c.outbox[1:]
		c.logger.Warn("relay outbox full, dropping oldest frame")
	}
	c.outbox = append(c.outbox, frame)
}

func (c *Client) readLoop(conn *websocket.Conn) {
	defer c.wg.Done()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if c.isClosed() {
				return
			}
			c.logger.Warn("relay read failed", "error", err)
			c.drop(conn)
			next, ok := c.reconnect()
			if !ok {
				return
			}
			conn = next
			continue
		}
		env, err := models.ParseEnvelope(data)
		if err != nil {
			c.logger.Debug("ignoring relay frame", "error", err)
			continue
		}
		c.dispatch(env)
	}
}

func (c *Client) drop(conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
	_ = conn.Close()
	c.notify(ConnectionEvent{Connected: false})
}

func (c *Client) reconnect() (*websocket.Conn, bool) {
	for attempt := 1; attempt <= c.cfg.ReconnectAttempts; attempt++ {
		select {
		case <-c.ctx.Done():
			return nil, false
		case <-time.After(c.cfg.ReconnectDelay):
		}
		conn, err := c.dial(c.ctx)
		if err != nil {
			c.logger.Warn("relay reconnect failed", "attempt", attempt, "error", err)
			continue
		}
		if err := c.install(conn); err != nil {
			return nil, false
		}
		return conn, true
	}
	c.logger.Error("relay unreachable", "attempts", c.cfg.ReconnectAttempts)
	c.notify(ConnectionEvent{Connected: false, Err: ErrRelayUnreachable})
	return nil, false
}

func (c *Client) dispatch(env models.Envelope) {
	c.mu.Lock()
	subs := make([]Handler, 0, len(c.handlers[env.Type]))
	for _, h := range c.handlers[env.Type] {
		subs = append(subs, h)
	}
	c.mu.Unlock()
	for _, h := range subs {
		h(env)
	}
}

func (c *Client) notify(ev ConnectionEvent) {
	c.mu.Lock()
	fns := make([]func(ConnectionEvent), 0, len(c.listeners))
	for _, fn := range c.listeners {
		fns = append(fns, fn)
	}
	c.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

func (c *Client) write(conn *websocket.Conn, frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, frame)
}

// Send frames payload as typ. While disconnected the frame waits in the
// outbox and goes out after the next successful connect.
func (c *Client) Send(typ models.MessageType, payload any) error {
	env, err := models.NewEnvelope(typ, payload)
	if err != nil {
		return err
	}
	frame, err := json.Marshal(env)
	if err != nil {
		return err
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	conn := c.conn
	if conn == nil {
		c.enqueueLocked(frame)
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()
	if err := c.write(conn, frame); err != nil {
		// the read loop notices the broken connection and reconnects
		c.requeue([][]byte{frame})
	}
	return nil
}

// Publish writes env now or fails. Offline replay uses it so a failed send
// stays in the durable queue instead of the outbox.
func (c *Client) Publish(env models.Envelope) error {
	frame, err := json.Marshal(env)
	if err != nil {
		return err
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	return c.write(conn, frame)
}

func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

func (c *Client) Subscribe(typ models.MessageType, h Handler) Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextToken++
	if c.handlers[typ] == nil {
		c.handlers[typ] = make(map[Token]Handler)
	}
	c.handlers[typ][c.nextToken] = h
	return c.nextToken
}

func (c *Client) Unsubscribe(typ models.MessageType, t Token) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.handlers[typ], t)
}

// OnConnectionChange registers fn and returns a function that removes it.
func (c *Client) OnConnectionChange(fn func(ConnectionEvent)) func() {
	c.mu.Lock()
	c.nextToken++
	t := c.nextToken
	c.listeners[t] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.listeners, t)
		c.mu.Unlock()
	}
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	c.cancel()
	var err error
	if conn != nil {
		c.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = conn.Close()
	}
	c.wg.Wait()
	return err
}

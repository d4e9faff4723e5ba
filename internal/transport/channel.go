// Package transport owns the realtime connection to the coordination
// server: one websocket, emit-with-acknowledgement, named inbound
// event subscriptions, and bounded automatic reconnection with capped
// exponential backoff.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"github.com/segmentio/encoding/json"

	"github.com/pollsync/pollsync/internal/events"
)

// Status is the observable connection state.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusReconnecting Status = "reconnecting"
	StatusError        Status = "error"
	StatusFailed       Status = "failed"
)

var (
	// ErrNotConnected is returned by Emit when the socket is down.
	// Callers surface it as a notification; it is never a panic path.
	ErrNotConnected = errors.New("not connected")
	// ErrReconnectFailed is returned once the retry budget is spent.
	ErrReconnectFailed = errors.New("reconnect attempts exhausted")
)

// Handler consumes the payload of a named inbound event.
type Handler func(data json.RawMessage)

// AckFunc consumes the payload of an acknowledgement frame.
type AckFunc func(data json.RawMessage)

// Options configures the channel's retry policy and socket deadlines.
type Options struct {
	MaxReconnectAttempts int
	ReconnectDelay       time.Duration
	ReconnectDelayMax    time.Duration
	HandshakeTimeout     time.Duration
	WriteTimeout         time.Duration
	ReadTimeout          time.Duration
	PingInterval         time.Duration
	MaxMessageSize       int64
}

// DefaultOptions mirrors the retry policy the reference deployment
// runs with: 5 attempts, 1s initial delay, 5s cap.
func DefaultOptions() Options {
	return Options{
		MaxReconnectAttempts: 5,
		ReconnectDelay:       time.Second,
		ReconnectDelayMax:    5 * time.Second,
		HandshakeTimeout:     20 * time.Second,
		WriteTimeout:         10 * time.Second,
		ReadTimeout:          60 * time.Second,
		PingInterval:         30 * time.Second,
		MaxMessageSize:       64 * 1024,
	}
}

// Channel is a single realtime connection. Inbound handlers execute in
// arrival order on the read goroutine; there is no ordering guarantee
// across a reconnect, which is why the peer resends a full snapshot.
type Channel struct {
	endpoint string
	opts     Options
	clock    clockwork.Clock
	dialer   *websocket.Dialer

	mu       sync.Mutex
	conn     *websocket.Conn
	status   Status
	onStatus func(Status)
	handlers map[events.EventType][]Handler
	acks     map[string]AckFunc
	closing  bool

	writeMu sync.Mutex
}

// NewChannel creates a disconnected channel for the given endpoint.
func NewChannel(endpoint string, opts Options, clock clockwork.Clock) *Channel {
	return &Channel{
		endpoint: endpoint,
		opts:     opts,
		clock:    clock,
		dialer: &websocket.Dialer{
			HandshakeTimeout: opts.HandshakeTimeout,
		},
		status:   StatusDisconnected,
		handlers: make(map[events.EventType][]Handler),
		acks:     make(map[string]AckFunc),
	}
}

// OnStatusChange registers the status observer. Must be set before
// Connect so no transition is missed.
func (c *Channel) OnStatusChange(fn func(Status)) {
	c.mu.Lock()
	c.onStatus = fn
	c.mu.Unlock()
}

// Status returns the current connection status.
func (c *Channel) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// On registers a handler for a named inbound event. Handlers for one
// event type run in registration order.
func (c *Channel) On(event events.EventType, h Handler) {
	c.mu.Lock()
	c.handlers[event] = append(c.handlers[event], h)
	c.mu.Unlock()
}

// RemoveAllHandlers deregisters every handler and pending ack. Called
// on teardown before the socket closes so no callback can fire against
// torn-down state.
func (c *Channel) RemoveAllHandlers() {
	c.mu.Lock()
	c.handlers = make(map[events.EventType][]Handler)
	c.acks = make(map[string]AckFunc)
	c.mu.Unlock()
}

// Connect establishes the channel, retrying within the configured
// budget. It returns nil once connected, ErrReconnectFailed after
// exhausting the budget, or the context error if cancelled.
func (c *Channel) Connect(ctx context.Context) error {
	c.setStatus(StatusConnecting)
	return c.connectLoop(ctx, StatusConnecting)
}

// connectLoop drives the bounded retry policy. retryStatus is the
// status published between attempts (connecting on first dial,
// reconnecting after a transient loss).
func (c *Channel) connectLoop(ctx context.Context, retryStatus Status) error {
	for attempt := 0; attempt <= c.opts.MaxReconnectAttempts; attempt++ {
		if attempt > 0 {
			delay := backoffDelay(attempt, c.opts.ReconnectDelay, c.opts.ReconnectDelayMax)
			log.Info().
				Int("attempt", attempt).
				Dur("delay", delay).
				Str("endpoint", c.endpoint).
				Msg("waiting before connection attempt")
			select {
			case <-ctx.Done():
				c.setStatus(StatusDisconnected)
				return ctx.Err()
			case <-c.clock.After(delay):
			}
			c.setStatus(retryStatus)
		}

		if c.isClosing() {
			return ErrNotConnected
		}

		conn, _, err := c.dialer.DialContext(ctx, c.endpoint, nil)
		if err != nil {
			log.Warn().Err(err).Int("attempt", attempt).Msg("dial failed")
			c.setStatus(StatusError)
			continue
		}

		c.attach(conn)
		c.setStatus(StatusConnected)
		log.Info().Str("endpoint", c.endpoint).Msg("channel connected")
		return nil
	}

	c.setStatus(StatusFailed)
	log.Error().
		Int("attempts", c.opts.MaxReconnectAttempts).
		Msg("connection attempts exhausted")
	return ErrReconnectFailed
}

// attach installs a live socket and starts its pumps.
func (c *Channel) attach(conn *websocket.Conn) {
	conn.SetReadLimit(c.opts.MaxMessageSize)
	conn.SetReadDeadline(c.clock.Now().Add(c.opts.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(c.clock.Now().Add(c.opts.ReadTimeout))
		return nil
	})

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	go c.readPump(conn)
	go c.pingPump(conn)
}

// Emit sends a named event. When ack is non-nil the peer's
// acknowledgement of this frame is delivered to it. Fails fast with
// ErrNotConnected while the socket is down; no frame is queued.
func (c *Channel) Emit(event events.EventType, payload interface{}, ack AckFunc) error {
	c.mu.Lock()
	conn := c.conn
	connected := c.status == StatusConnected && conn != nil
	c.mu.Unlock()
	if !connected {
		log.Debug().Str("event", string(event)).Msg("emit while disconnected")
		return ErrNotConnected
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode %s payload: %w", event, err)
	}
	env := events.Envelope{
		ID:        uuid.New().String(),
		Type:      event,
		Timestamp: c.clock.Now(),
		Data:      data,
	}
	if ack != nil {
		c.mu.Lock()
		c.acks[env.ID] = ack
		c.mu.Unlock()
	}

	frame, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to encode %s frame: %w", event, err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(c.clock.Now().Add(c.opts.WriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("failed to write %s frame: %w", event, err)
	}
	return nil
}

// Dispose deregisters all handlers and closes the connection. The
// channel cannot be reused afterwards.
func (c *Channel) Dispose() {
	c.mu.Lock()
	c.closing = true
	conn := c.conn
	c.conn = nil
	c.handlers = make(map[events.EventType][]Handler)
	c.acks = make(map[string]AckFunc)
	c.mu.Unlock()

	if conn != nil {
		c.writeMu.Lock()
		conn.SetWriteDeadline(c.clock.Now().Add(c.opts.WriteTimeout))
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		conn.Close()
	}
	c.setStatus(StatusDisconnected)
}

// readPump decodes envelopes and dispatches them in arrival order.
func (c *Channel) readPump(conn *websocket.Conn) {
	defer conn.Close()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if c.isClosing() {
				return
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn().Err(err).Msg("connection lost")
			}
			c.handleLoss(conn)
			return
		}
		conn.SetReadDeadline(c.clock.Now().Add(c.opts.ReadTimeout))

		var env events.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			log.Warn().Err(err).Msg("discarding malformed frame")
			continue
		}
		c.dispatch(&env)
	}
}

// dispatch routes a frame to its ack callback or event handlers.
func (c *Channel) dispatch(env *events.Envelope) {
	if env.Ack != "" {
		c.mu.Lock()
		ack := c.acks[env.Ack]
		delete(c.acks, env.Ack)
		c.mu.Unlock()
		if ack != nil {
			ack(env.Data)
		}
		return
	}

	c.mu.Lock()
	handlers := append([]Handler(nil), c.handlers[env.Type]...)
	c.mu.Unlock()
	for _, h := range handlers {
		h(env.Data)
	}
}

// pingPump keeps the socket alive with protocol-level pings.
func (c *Channel) pingPump(conn *websocket.Conn) {
	ticker := c.clock.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()

	for range ticker.Chan() {
		c.mu.Lock()
		current := c.conn
		c.mu.Unlock()
		if current != conn {
			return
		}
		c.writeMu.Lock()
		conn.SetWriteDeadline(c.clock.Now().Add(c.opts.WriteTimeout))
		err := conn.WriteMessage(websocket.PingMessage, nil)
		c.writeMu.Unlock()
		if err != nil {
			return
		}
	}
}

// handleLoss reacts to an unexpected disconnect by entering the
// bounded reconnect loop. Pending acks are dropped: their frames may
// never have reached the peer, and the post-reconnect snapshot is the
// catch-up mechanism.
func (c *Channel) handleLoss(conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn != conn {
		// A newer socket already replaced this one.
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.acks = make(map[string]AckFunc)
	c.mu.Unlock()

	c.setStatus(StatusReconnecting)
	go c.connectLoop(context.Background(), StatusReconnecting)
}

func (c *Channel) isClosing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closing
}

func (c *Channel) setStatus(s Status) {
	c.mu.Lock()
	if c.status == s {
		c.mu.Unlock()
		return
	}
	c.status = s
	fn := c.onStatus
	c.mu.Unlock()

	log.Debug().Str("status", string(s)).Msg("connection status changed")
	if fn != nil {
		fn(s)
	}
}

// backoffDelay returns the wait before the given 1-based attempt:
// doubling from the initial delay, capped at max.
func backoffDelay(attempt int, initial, max time.Duration) time.Duration {
	delay := initial
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}

package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/enterpannet/rode-trip/internal/observability"
	"github.com/enterpannet/rode-trip/internal/protocol"
	"github.com/enterpannet/rode-trip/internal/reliability"
)

// ErrNotConnected is returned by Send when no websocket is open. The payload
// is dropped, never queued.
var ErrNotConnected = errors.New("signaling channel not connected")

// TokenSource supplies the ephemeral auth token appended to the dial URL.
// Tokens are single-use, so a fresh one is fetched before every dial.
type TokenSource interface {
	SessionToken(ctx context.Context) (string, error)
}

// Handler receives each decoded inbound event. Handlers run on the read
// goroutine and must not block.
type Handler func(evt any)

type Options struct {
	URL         string
	UserID      string
	Tokens      TokenSource
	BaseDelay   time.Duration
	MaxAttempts int
	Clock       clock.Clock
	Log         zerolog.Logger
	Metrics     *observability.Metrics
}

// Channel maintains one websocket to the relay and transparently reconnects
// after abnormal closures. Reconnect delays grow linearly with the attempt
// number; after MaxAttempts consecutive failures the channel gives up until
// the next explicit Connect.
type Channel struct {
	opts Options

	mu         sync.Mutex
	conn       *websocket.Conn
	deliberate bool
	generation int

	handlerMu sync.Mutex
	handlers  []Handler

	sendMu sync.Mutex
}

func New(opts Options) (*Channel, error) {
	if opts.URL == "" {
		return nil, errors.New("signaling URL is required")
	}
	if opts.Tokens == nil {
		return nil, errors.New("token source is required")
	}
	if opts.MaxAttempts <= 0 {
		return nil, errors.New("max reconnect attempts must be positive")
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	return &Channel{opts: opts}, nil
}

// Subscribe registers a handler for inbound events. All handlers see every
// event; subscription order is dispatch order.
func (c *Channel) Subscribe(h Handler) {
	c.handlerMu.Lock()
	c.handlers = append(c.handlers, h)
	c.handlerMu.Unlock()
}

// Connect dials the relay and starts the read loop. The supplied context
// bounds the whole connection lifetime including reconnect waits. Calling
// Connect while a websocket is already open is a no-op.
func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		return nil
	}
	c.deliberate = false
	c.generation++
	gen := c.generation
	c.mu.Unlock()

	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	c.setConn(gen, conn)

	go c.run(ctx, gen, conn)
	return nil
}

// Disconnect closes the websocket without reconnecting.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	c.deliberate = true
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn == nil {
		return
	}
	deadline := c.opts.Clock.Now().Add(time.Second)
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	_ = conn.Close()
}

// Connected reports whether a websocket is currently open.
func (c *Channel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Send marshals the event and writes it to the relay. Events sent while
// disconnected are counted and dropped.
func (c *Channel) Send(v any) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		if c.opts.Metrics != nil {
			c.opts.Metrics.WSDroppedSends.Inc()
		}
		return ErrNotConnected
	}

	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	c.sendMu.Lock()
	err = conn.WriteMessage(websocket.TextMessage, payload)
	c.sendMu.Unlock()
	if err != nil {
		return fmt.Errorf("write event: %w", err)
	}

	if c.opts.Metrics != nil {
		if t, ok := protocol.TypeOf(v); ok {
			c.opts.Metrics.WSMessages.WithLabelValues("out", string(t)).Inc()
		}
	}
	return nil
}

func (c *Channel) dial(ctx context.Context) (*websocket.Conn, error) {
	token, err := c.opts.Tokens.SessionToken(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch session token: %w", err)
	}

	u, err := url.Parse(c.opts.URL)
	if err != nil {
		return nil, fmt.Errorf("parse signaling URL: %w", err)
	}
	q := u.Query()
	q.Set("token", token)
	if c.opts.UserID != "" {
		q.Set("user_id", c.opts.UserID)
	}
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial relay: %w", err)
	}
	return conn, nil
}

func (c *Channel) setConn(gen int, conn *websocket.Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.generation != gen || c.deliberate {
		conn.Close()
		return false
	}
	c.conn = conn
	return true
}

func (c *Channel) clearConn(gen int) {
	c.mu.Lock()
	if c.generation == gen {
		c.conn = nil
	}
	c.mu.Unlock()
}

func (c *Channel) run(ctx context.Context, gen int, conn *websocket.Conn) {
	for {
		c.readAll(conn)
		c.clearConn(gen)

		c.mu.Lock()
		deliberate := c.deliberate || c.generation != gen
		c.mu.Unlock()
		if deliberate || ctx.Err() != nil {
			return
		}

		conn = c.redial(ctx, gen)
		if conn == nil {
			return
		}
	}
}

// readAll drains the connection until a read error.
func (c *Channel) readAll(conn *websocket.Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.opts.Log.Warn().Err(err).Msg("signaling connection lost")
			}
			conn.Close()
			return
		}
		c.dispatch(raw)
	}
}

func (c *Channel) dispatch(raw []byte) {
	evt, err := protocol.ParseServerEvent(raw)
	if err != nil {
		if errors.Is(err, protocol.ErrUnknownEventType) {
			c.opts.Log.Debug().Str("payload", string(raw)).Msg("dropping unknown event")
		} else {
			c.opts.Log.Warn().Err(err).Msg("dropping malformed event")
		}
		return
	}

	if c.opts.Metrics != nil {
		if t, ok := protocol.TypeOf(evt); ok {
			c.opts.Metrics.WSMessages.WithLabelValues("in", string(t)).Inc()
		}
	}

	c.handlerMu.Lock()
	handlers := make([]Handler, len(c.handlers))
	copy(handlers, c.handlers)
	c.handlerMu.Unlock()

	for _, h := range handlers {
		h(evt)
	}
}

// redial retries the dial with linearly growing delays. It returns nil when
// the attempt budget is spent or the context ends.
func (c *Channel) redial(ctx context.Context, gen int) *websocket.Conn {
	for attempt := 1; attempt <= c.opts.MaxAttempts; attempt++ {
		delay := reliability.LinearBackoff(attempt, c.opts.BaseDelay, 0)
		select {
		case <-ctx.Done():
			return nil
		case <-c.opts.Clock.After(delay):
		}

		if c.opts.Metrics != nil {
			c.opts.Metrics.ReconnectAttempts.Inc()
		}
		conn, err := c.dial(ctx)
		if err != nil {
			c.opts.Log.Warn().Err(err).Int("attempt", attempt).Msg("reconnect failed")
			continue
		}
		if !c.setConn(gen, conn) {
			return nil
		}
		c.opts.Log.Info().Int("attempt", attempt).Msg("signaling reconnected")
		return conn
	}
	c.opts.Log.Error().Int("attempts", c.opts.MaxAttempts).Msg("signaling reconnect budget exhausted")
	return nil
}

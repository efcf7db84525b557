// Package wschannel implements session.Channel over a gorilla/websocket
// client connection.
package wschannel

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/streamchat/pkg/session"
)

var (
	ErrNotConnected     = errors.New("websocket not connected")
	ErrClosed           = errors.New("websocket channel closed")
	ErrAlreadyConnected = errors.New("websocket already connected")
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultWriteTimeout     = 10 * time.Second
	defaultEventBuffer      = 256
)

type Channel struct {
	url              string
	header           http.Header
	handshakeTimeout time.Duration
	writeTimeout     time.Duration
	logger           zerolog.Logger

	events chan session.ChannelEvent
	done   chan struct{}

	mu        sync.Mutex
	conn      *websocket.Conn
	dialed    bool
	closed    bool
	closeOnce sync.Once
}

var _ session.Channel = (*Channel)(nil)

type Option func(*Channel)

func WithHandshakeTimeout(d time.Duration) Option {
	return func(c *Channel) {
		if d > 0 {
			c.handshakeTimeout = d
		}
	}
}

func WithWriteTimeout(d time.Duration) Option {
	return func(c *Channel) {
		c.writeTimeout = d
	}
}

func WithHeader(h http.Header) Option {
	return func(c *Channel) {
		c.header = h.Clone()
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(c *Channel) {
		c.logger = logger
	}
}

func WithEventBuffer(n int) Option {
	return func(c *Channel) {
		if n >= 0 {
			c.events = make(chan session.ChannelEvent, n)
		}
	}
}

func New(url string, opts ...Option) *Channel {
	c := &Channel{
		url:              url,
		handshakeTimeout: defaultHandshakeTimeout,
		writeTimeout:     defaultWriteTimeout,
		logger:           log.Logger,
		events:           make(chan session.ChannelEvent, defaultEventBuffer),
		done:             make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With().Str("component", "wschannel").Str("url", url).Logger()
	return c
}

func (c *Channel) Events() <-chan session.ChannelEvent {
	return c.events
}

// Connect dials the endpoint, emits EventOpened and starts the read loop.
func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.dialed {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.dialed = true
	c.mu.Unlock()

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: c.handshakeTimeout,
	}
	conn, resp, err := dialer.DialContext(ctx, c.url, c.header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		c.finish(session.ChannelEvent{Kind: session.EventErrored, Err: err})
		return errors.Wrapf(err, "dial %s", c.url)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close()
		return ErrClosed
	}
	c.conn = conn
	c.mu.Unlock()

	c.logger.Info().Msg("websocket connected")
	c.emit(session.ChannelEvent{Kind: session.EventOpened})
	go c.readLoop(conn)
	return nil
}

func (c *Channel) readLoop(conn *websocket.Conn) {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			c.finish(c.terminalEvent(err))
			return
		}
		if msgType != websocket.TextMessage {
			c.logger.Debug().Int("type", msgType).Msg("ignoring non-text frame")
			continue
		}
		if !c.emit(session.ChannelEvent{Kind: session.EventTextReceived, Payload: string(data)}) {
			// closed locally while the consumer lagged; the feed still ends
			c.finish(session.ChannelEvent{Kind: session.EventClosed})
			return
		}
	}
}

func (c *Channel) terminalEvent(err error) session.ChannelEvent {
	c.mu.Lock()
	closedLocally := c.closed
	c.mu.Unlock()

	if closedLocally || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		c.logger.Info().Msg("websocket closed")
		return session.ChannelEvent{Kind: session.EventClosed}
	}
	c.logger.Warn().Err(err).Msg("websocket read failed")
	return session.ChannelEvent{Kind: session.EventErrored, Err: err}
}

// emit delivers an event in order. It gives up once the channel is closed
// locally so the reader never blocks on a consumer that has stopped.
func (c *Channel) emit(ev session.ChannelEvent) bool {
	select {
	case c.events <- ev:
		return true
	case <-c.done:
		return false
	}
}

// finish emits the terminal event and closes the feed, exactly once.
func (c *Channel) finish(ev session.ChannelEvent) {
	c.closeOnce.Do(func() {
		select {
		case c.events <- ev:
		default:
			// buffer full: wait for the consumer unless we were closed locally
			select {
			case c.events <- ev:
			case <-c.done:
			}
		}
		close(c.events)
	})
}

// Send writes text as a single text frame.
func (c *Channel) Send(text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.conn == nil {
		return ErrNotConnected
	}
	if c.writeTimeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return errors.Wrap(err, "set write deadline")
		}
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, []byte(text)); err != nil {
		return errors.Wrap(err, "write message")
	}
	return nil
}

// Close sends a close frame best-effort and closes the socket. Safe to call
// more than once and before Connect.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	close(c.done)
	c.mu.Unlock()

	if conn == nil {
		c.finish(session.ChannelEvent{Kind: session.EventClosed})
		return nil
	}

	deadline := time.Now().Add(time.Second)
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if err := conn.WriteControl(websocket.CloseMessage, msg, deadline); err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		c.logger.Debug().Err(err).Msg("close frame not sent")
	}
	// the read loop observes the closed socket and finishes the feed
	return conn.Close()
}

// Package session binds one Channel to one conversation.Machine.
//
// The Controller is the only writer of both the connection state and the
// transcript. Channel events, user sends, connect and teardown are serialized
// under a single mutex, so the merge rules in package conversation run
// without any further locking.
//
//	Idle --opened--> Open --closed--> Closed
//	                      --errored-> Errored
//	any  --Close()-> Closed
//
// Nothing leaves Closed or Errored. Reconnecting means building a new
// Controller around a new Channel; the old transcript and accumulator are
// dropped with it.
package session

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/streamchat/pkg/conversation"
	"github.com/go-go-golems/streamchat/pkg/stream"
)

const maxLoggedPayload = 256

type Controller struct {
	id        string
	logger    zerolog.Logger
	listeners []Listener

	mu         sync.Mutex
	channel    Channel
	events     <-chan ChannelEvent
	machine    *conversation.Machine
	state      ConnectionState
	connecting bool
	unsent     []int
	seq        uint64
}

type Option func(*Controller)

func WithLogger(logger zerolog.Logger) Option {
	return func(c *Controller) {
		c.logger = logger
	}
}

// WithListener registers a snapshot observer. May be given more than once.
func WithListener(l Listener) Option {
	return func(c *Controller) {
		if l != nil {
			c.listeners = append(c.listeners, l)
		}
	}
}

func WithID(id string) Option {
	return func(c *Controller) {
		if strings.TrimSpace(id) != "" {
			c.id = id
		}
	}
}

func NewController(ch Channel, opts ...Option) *Controller {
	c := &Controller{
		id:      uuid.NewString(),
		logger:  log.Logger,
		channel: ch,
		machine: conversation.NewMachine(),
		state:   StateIdle,
	}
	for _, opt := range opts {
		opt(c)
	}
	if ch != nil {
		c.events = ch.Events()
	}
	c.logger = c.logger.With().Str("component", "session").Str("session_id", c.id).Logger()
	return c
}

func (c *Controller) ID() string {
	return c.id
}

// Connect opens the channel. Only valid once, from Idle. The transition to
// Open happens when the channel reports EventOpened.
func (c *Controller) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state.Terminal() || c.channel == nil {
		c.mu.Unlock()
		return ErrSessionEnded
	}
	if c.state != StateIdle || c.connecting {
		c.mu.Unlock()
		return ErrAlreadyActive
	}
	c.connecting = true
	ch := c.channel
	c.mu.Unlock()

	c.logger.Debug().Msg("connecting channel")
	err := ch.Connect(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.connecting = false
	if err != nil {
		if !c.state.Terminal() {
			c.logger.Error().Err(err).Msg("channel connect failed")
			c.transitionLocked(StateErrored)
		}
		return errors.Wrap(err, "connect channel")
	}
	return nil
}

// Run feeds channel events into HandleEvent until the feed is closed or ctx
// is done.
func (c *Controller) Run(ctx context.Context) error {
	c.mu.Lock()
	events := c.events
	c.mu.Unlock()
	if events == nil {
		return nil
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				c.logger.Debug().Msg("channel event feed closed")
				return nil
			}
			c.HandleEvent(ev)
		}
	}
}

// HandleEvent applies one channel event. Events arriving after the session
// reached Closed or Errored are dropped.
func (c *Controller) HandleEvent(ev ChannelEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state.Terminal() {
		c.logger.Debug().
			Str("event", ev.Kind.String()).
			Str("state", c.state.String()).
			Msg("dropping channel event after session end")
		return
	}

	switch ev.Kind {
	case EventOpened:
		if c.state == StateOpen {
			return
		}
		c.transitionLocked(StateOpen)

	case EventTextReceived:
		c.applyPayloadLocked(ev.Payload)

	case EventClosed:
		if c.machine.Streaming() {
			c.logger.Warn().Int("partial_len", len(c.machine.Accumulator())).Msg("channel closed mid-reply")
		}
		c.transitionLocked(StateClosed)

	case EventErrored:
		c.logger.Error().Err(ev.Err).Bool("mid_reply", c.machine.Streaming()).Msg("channel errored")
		c.transitionLocked(StateErrored)

	default:
		c.logger.Warn().Int("kind", int(ev.Kind)).Msg("unknown channel event")
	}
}

func (c *Controller) applyPayloadLocked(raw string) {
	ev := stream.Decode(raw)
	switch ev.Kind {
	case stream.KindDelta:
		c.machine.ApplyDelta(ev.Text)
	case stream.KindCompletion:
		if !c.machine.Streaming() && c.machine.Accumulator()+ev.Text == "" {
			c.logger.Debug().Msg("empty completion with no reply in progress")
		}
		c.machine.ApplyCompletion(ev.Text)
	default:
		c.machine.ApplyMalformed()
		c.logger.Warn().Err(ev.Err).Str("payload", truncate(raw, maxLoggedPayload)).Msg("ignoring malformed payload")
		return
	}
	c.notifyLocked()
}

// SendUserMessage records text in the transcript and then hands it to the
// channel. Blank input is ignored. While the channel is not open the call
// fails with ErrNotConnected and nothing is recorded. When the channel
// rejects the write the message stays in the transcript, is marked unsent,
// and a *SendError is returned.
func (c *Controller) SendUserMessage(text string) error {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateOpen || c.channel == nil {
		c.logger.Warn().Str("state", c.state.String()).Msg("send attempted while channel not open")
		return ErrNotConnected
	}

	c.machine.SubmitUserMessage(trimmed)
	index := c.machine.Len() - 1

	if err := c.channel.Send(trimmed); err != nil {
		c.unsent = append(c.unsent, index)
		c.logger.Error().Err(err).Int("index", index).Msg("failed to send user message")
		c.notifyLocked()
		return &SendError{Index: index, Err: err}
	}
	c.notifyLocked()
	return nil
}

// Close tears the session down. The channel is closed if still held and
// released; the state becomes Closed whatever it was before.
func (c *Controller) Close() error {
	c.mu.Lock()
	ch := c.channel
	c.channel = nil
	if c.state != StateClosed {
		c.transitionLocked(StateClosed)
	}
	c.mu.Unlock()

	// the close handshake may block on the network; events arriving
	// meanwhile are dropped because the state is already terminal
	if ch == nil {
		return nil
	}
	if err := ch.Close(); err != nil {
		return errors.Wrap(err, "close channel")
	}
	return nil
}

func (c *Controller) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) Transcript() []conversation.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.machine.Transcript()
}

func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Controller) snapshotLocked() Snapshot {
	var unsent []int
	if len(c.unsent) > 0 {
		unsent = append([]int(nil), c.unsent...)
	}
	return Snapshot{
		SessionID: c.id,
		Seq:       c.seq,
		State:     c.state,
		Messages:  c.machine.Transcript(),
		Streaming: c.machine.Streaming(),
		Unsent:    unsent,
	}
}

func (c *Controller) transitionLocked(next ConnectionState) {
	c.logger.Debug().Str("from", c.state.String()).Str("to", next.String()).Msg("connection state")
	c.state = next
	c.notifyLocked()
}

func (c *Controller) notifyLocked() {
	c.seq++
	if len(c.listeners) == 0 {
		return
	}
	snap := c.snapshotLocked()
	for _, l := range c.listeners {
		l(snap)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

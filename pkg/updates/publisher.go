// Package updates fans controller snapshots out over watermill so renderers
// and external tools can follow the transcript without touching the
// controller.
package updates

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/streamchat/pkg/session"
)

const DefaultTopic = "streamchat.transcript"

const (
	metadataSessionID = "session_id"
	metadataSeq       = "seq"
)

type Publisher struct {
	topic   string
	targets []message.Publisher
	logger  zerolog.Logger
}

type PublisherOption func(*Publisher)

func WithTopic(topic string) PublisherOption {
	return func(p *Publisher) {
		if topic != "" {
			p.topic = topic
		}
	}
}

func WithLogger(logger zerolog.Logger) PublisherOption {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// WithTarget adds another watermill publisher. Nil targets are skipped.
func WithTarget(pub message.Publisher) PublisherOption {
	return func(p *Publisher) {
		if pub != nil {
			p.targets = append(p.targets, pub)
		}
	}
}

func NewPublisher(opts ...PublisherOption) *Publisher {
	p := &Publisher{
		topic:  DefaultTopic,
		logger: log.Logger,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With().Str("component", "updates").Str("topic", p.topic).Logger()
	return p
}

func (p *Publisher) Topic() string {
	return p.topic
}

// Publish sends snap to every target. All targets are attempted; the first
// error is returned.
func (p *Publisher) Publish(snap session.Snapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return errors.Wrap(err, "marshal snapshot")
	}
	var firstErr error
	for _, target := range p.targets {
		msg := message.NewMessage(uuid.NewString(), payload)
		msg.Metadata.Set(metadataSessionID, snap.SessionID)
		msg.Metadata.Set(metadataSeq, strconv.FormatUint(snap.Seq, 10))
		if err := target.Publish(p.topic, msg); err != nil && firstErr == nil {
			firstErr = errors.Wrap(err, "publish snapshot")
		}
	}
	return firstErr
}

// Listener adapts the publisher to a session.Listener. Publish failures are
// logged and never reach the controller.
func (p *Publisher) Listener() session.Listener {
	return func(snap session.Snapshot) {
		if err := p.Publish(snap); err != nil {
			p.logger.Warn().Err(err).Uint64("seq", snap.Seq).Msg("snapshot not published")
		}
	}
}

// Decode parses a snapshot published by Publisher.
func Decode(msg *message.Message) (session.Snapshot, error) {
	var snap session.Snapshot
	if msg == nil {
		return snap, errors.New("nil message")
	}
	if err := json.Unmarshal(msg.Payload, &snap); err != nil {
		return snap, errors.Wrap(err, "unmarshal snapshot")
	}
	return snap, nil
}

// NewGoChannel returns an in-process pub/sub for snapshots. Publishing does
// not wait for subscribers to ack.
func NewGoChannel(logger zerolog.Logger) *gochannel.GoChannel {
	return gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer: 1024,
	}, NewWatermillLogger(logger))
}

// Subscribe calls fn for every snapshot on topic until ctx is done or the
// subscription closes.
func Subscribe(ctx context.Context, sub message.Subscriber, topic string, fn func(session.Snapshot) error) error {
	if topic == "" {
		topic = DefaultTopic
	}
	ch, err := sub.Subscribe(ctx, topic)
	if err != nil {
		return errors.Wrapf(err, "subscribe %s", topic)
	}
	return Consume(ctx, ch, fn)
}

// Consume drains an already established subscription. Messages that fail to
// decode are acked and skipped; an fn error nacks the message and stops.
func Consume(ctx context.Context, ch <-chan *message.Message, fn func(session.Snapshot) error) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			snap, err := Decode(msg)
			if err != nil {
				log.Warn().Err(err).Str("component", "updates").Str("uuid", msg.UUID).Msg("dropping undecodable snapshot")
				msg.Ack()
				continue
			}
			if err := fn(snap); err != nil {
				msg.Nack()
				return errors.Wrap(err, "handle snapshot")
			}
			msg.Ack()
		}
	}
}

// Package redisstream mirrors transcript snapshots into a Redis stream
// through watermill, so tools outside the chat process can follow along.
package redisstream

import (
	"context"

	"github.com/ThreeDotsLabs/watermill/message"
	rstream "github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/go-go-golems/streamchat/pkg/updates"
)

// BuildPublisher returns a watermill publisher writing to Redis Streams, or
// nil when the mirror is disabled.
func BuildPublisher(s Settings, logger zerolog.Logger) (message.Publisher, error) {
	if !s.Enabled {
		return nil, nil
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}

	client := redis.NewClient(&redis.Options{Addr: s.Addr})
	pub, err := rstream.NewPublisher(rstream.PublisherConfig{
		Client:     client,
		Marshaller: rstream.DefaultMarshallerUnmarshaller{},
	}, updates.NewWatermillLogger(logger))
	if err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "create redis stream publisher")
	}
	logger.Info().Str("addr", s.Addr).Str("stream", s.Stream).Msg("mirroring transcript to redis stream")
	return pub, nil
}

// Ping checks the configured Redis server is reachable.
func Ping(ctx context.Context, s Settings) error {
	client := redis.NewClient(&redis.Options{Addr: s.Addr})
	defer func() { _ = client.Close() }()
	if err := client.Ping(ctx).Err(); err != nil {
		return errors.Wrapf(err, "ping redis at %s", s.Addr)
	}
	return nil
}

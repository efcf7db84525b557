package redisstream

import (
	"strings"

	"github.com/pkg/errors"
)

// Settings holds the Redis Streams mirror configuration.
type Settings struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Addr    string `mapstructure:"addr" yaml:"addr"`
	Stream  string `mapstructure:"stream" yaml:"stream"`
}

func DefaultSettings() Settings {
	return Settings{
		Enabled: false,
		Addr:    "localhost:6379",
		Stream:  "streamchat.transcript",
	}
}

func (s Settings) Validate() error {
	if !s.Enabled {
		return nil
	}
	if strings.TrimSpace(s.Addr) == "" {
		return errors.New("redis mirror enabled without an address")
	}
	if strings.TrimSpace(s.Stream) == "" {
		return errors.New("redis mirror enabled without a stream name")
	}
	return nil
}

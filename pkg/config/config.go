// Package config loads streamchat settings from flags, environment, a YAML
// config file and built-in defaults, in that order of precedence.
package config

import (
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/go-go-golems/streamchat/pkg/redisstream"
)

const (
	AppName   = "streamchat"
	EnvPrefix = "STREAMCHAT"
	// LegacyURLEnv is consulted when STREAMCHAT_URL is unset.
	LegacyURLEnv = "WEBSOCKET_URL"
)

type LogSettings struct {
	Level      string `mapstructure:"level" yaml:"level"`
	Format     string `mapstructure:"format" yaml:"format"`
	WithCaller bool   `mapstructure:"with_caller" yaml:"with_caller"`
}

type SimSettings struct {
	Addr      string        `mapstructure:"addr" yaml:"addr"`
	ChunkSize int           `mapstructure:"chunk_size" yaml:"chunk_size"`
	Delay     time.Duration `mapstructure:"delay" yaml:"delay"`
}

type Settings struct {
	URL              string               `mapstructure:"url" yaml:"url"`
	HandshakeTimeout time.Duration        `mapstructure:"handshake_timeout" yaml:"handshake_timeout"`
	WriteTimeout     time.Duration        `mapstructure:"write_timeout" yaml:"write_timeout"`
	Markdown         bool                 `mapstructure:"markdown" yaml:"markdown"`
	Log              LogSettings          `mapstructure:"log" yaml:"log"`
	Redis            redisstream.Settings `mapstructure:"redis" yaml:"redis"`
	Sim              SimSettings          `mapstructure:"sim" yaml:"sim"`
}

func Defaults() Settings {
	return Settings{
		URL:              "ws://localhost:8080/ws",
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     5 * time.Second,
		Log: LogSettings{
			Level:  "info",
			Format: "console",
		},
		Redis: redisstream.DefaultSettings(),
		Sim: SimSettings{
			Addr:      ":8080",
			ChunkSize: 4,
			Delay:     40 * time.Millisecond,
		},
	}
}

// FlagKeys maps CLI flag names to their settings keys.
var FlagKeys = map[string]string{
	"url":               "url",
	"handshake-timeout": "handshake_timeout",
	"write-timeout":     "write_timeout",
	"markdown":          "markdown",
	"log-level":         "log.level",
	"log-format":        "log.format",
	"with-caller":       "log.with_caller",
	"redis-enabled":     "redis.enabled",
	"redis-addr":        "redis.addr",
	"redis-stream":      "redis.stream",
	"addr":              "sim.addr",
	"chunk-size":        "sim.chunk_size",
	"delay":             "sim.delay",
}

// NewViper returns a viper instance with defaults and environment binding
// set up. Nested keys map to env vars with underscores, e.g. redis.addr is
// STREAMCHAT_REDIS_ADDR.
func NewViper() (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	d := Defaults()
	v.SetDefault("url", d.URL)
	v.SetDefault("handshake_timeout", d.HandshakeTimeout)
	v.SetDefault("write_timeout", d.WriteTimeout)
	v.SetDefault("markdown", d.Markdown)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("log.with_caller", d.Log.WithCaller)
	v.SetDefault("redis.enabled", d.Redis.Enabled)
	v.SetDefault("redis.addr", d.Redis.Addr)
	v.SetDefault("redis.stream", d.Redis.Stream)
	v.SetDefault("sim.addr", d.Sim.Addr)
	v.SetDefault("sim.chunk_size", d.Sim.ChunkSize)
	v.SetDefault("sim.delay", d.Sim.Delay)

	if err := v.BindEnv("url", EnvPrefix+"_URL", LegacyURLEnv); err != nil {
		return nil, errors.Wrap(err, "bind url env")
	}
	return v, nil
}

// BindFlags binds every flag of fs that has an entry in FlagKeys. Flags only
// override lower layers when set explicitly.
func BindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	var err error
	fs.VisitAll(func(f *pflag.Flag) {
		key, ok := FlagKeys[f.Name]
		if !ok || err != nil {
			return
		}
		if bindErr := v.BindPFlag(key, f); bindErr != nil {
			err = errors.Wrapf(bindErr, "bind flag %s", f.Name)
		}
	})
	return err
}

// Load reads the config file and decodes the merged settings. An explicit
// configFile must exist; otherwise streamchat.yaml is looked up in the
// working directory and $HOME/.streamchat and may be absent.
func Load(v *viper.Viper, configFile string) (Settings, error) {
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName(AppName)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/." + AppName)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return Settings{}, errors.Wrap(err, "read config file")
		}
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return Settings{}, errors.Wrap(err, "decode settings")
	}
	return s, nil
}

// Validate checks the settings needed to open a chat session.
func (s Settings) Validate() error {
	u, err := url.Parse(strings.TrimSpace(s.URL))
	if err != nil {
		return errors.Wrapf(err, "parse url %q", s.URL)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return errors.Errorf("url %q: scheme must be ws or wss", s.URL)
	}
	if u.Host == "" {
		return errors.Errorf("url %q: missing host", s.URL)
	}
	switch s.Log.Format {
	case "console", "json":
	default:
		return errors.Errorf("unknown log format %q", s.Log.Format)
	}
	return s.Redis.Validate()
}

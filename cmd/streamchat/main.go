package main

import (
	"io"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/streamchat/pkg/config"
)

var (
	configFile string
	settings   = config.Defaults()
)

var rootCmd = &cobra.Command{
	Use:          "streamchat",
	Short:        "streamchat is a terminal client for streaming chat assistants",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		v, err := config.NewViper()
		if err != nil {
			return err
		}
		if err := config.BindFlags(v, cmd.Flags()); err != nil {
			return err
		}
		s, err := config.Load(v, configFile)
		if err != nil {
			return err
		}
		settings = s
		// reinitialize the logger now that flags, env and file are merged
		return initLogger(settings.Log)
	},
}

func initLogger(s config.LogSettings) error {
	level, err := zerolog.ParseLevel(s.Level)
	if err != nil {
		return errors.Wrapf(err, "parse log level %q", s.Level)
	}
	zerolog.SetGlobalLevel(level)

	var w io.Writer = os.Stderr
	switch s.Format {
	case "", "console":
		w = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}
	case "json":
	default:
		return errors.Errorf("unknown log format %q", s.Format)
	}

	logCtx := zerolog.New(w).With().Timestamp()
	if s.WithCaller {
		logCtx = logCtx.Caller()
	}
	log.Logger = logCtx.Logger()
	return nil
}

func main() {
	d := config.Defaults()
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&configFile, "config", "", "Path to a streamchat.yaml config file")
	pf.String("log-level", d.Log.Level, "Log level (trace, debug, info, warn, error)")
	pf.String("log-format", d.Log.Format, "Log format (console, json)")
	pf.Bool("with-caller", d.Log.WithCaller, "Include caller (file:line) in logs")

	rootCmd.AddCommand(newChatCommand())
	rootCmd.AddCommand(newAssistantSimCommand())
	rootCmd.AddCommand(newConfigCommand())

	err := rootCmd.Execute()
	cobra.CheckErr(err)
}

package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/streamchat/pkg/config"
	"github.com/go-go-golems/streamchat/pkg/redisstream"
	"github.com/go-go-golems/streamchat/pkg/render"
	"github.com/go-go-golems/streamchat/pkg/session"
	"github.com/go-go-golems/streamchat/pkg/transport/wschannel"
	"github.com/go-go-golems/streamchat/pkg/updates"
)

func newChatCommand() *cobra.Command {
	d := config.Defaults()
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Open a chat session against a streaming assistant endpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runChat(ctx, settings, os.Stdin, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}

	f := cmd.Flags()
	f.String("url", d.URL, "WebSocket endpoint of the assistant (env STREAMCHAT_URL or WEBSOCKET_URL)")
	f.Duration("handshake-timeout", d.HandshakeTimeout, "WebSocket handshake timeout")
	f.Duration("write-timeout", d.WriteTimeout, "Timeout for a single outbound frame")
	f.Bool("markdown", d.Markdown, "Render finished assistant replies as markdown")
	f.Bool("redis-enabled", d.Redis.Enabled, "Mirror transcript snapshots to a Redis stream")
	f.String("redis-addr", d.Redis.Addr, "Redis address for the transcript mirror")
	f.String("redis-stream", d.Redis.Stream, "Redis stream name for the transcript mirror")
	return cmd
}

func runChat(ctx context.Context, s config.Settings, in io.Reader, out, errOut io.Writer) error {
	if err := s.Validate(); err != nil {
		return err
	}
	logger := log.Logger

	bus := updates.NewGoChannel(logger)
	defer func() { _ = bus.Close() }()

	// subscribe before the first snapshot is published, gochannel drops
	// messages for topics nobody listens on yet
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	snapshots, err := bus.Subscribe(runCtx, updates.DefaultTopic)
	if err != nil {
		return errors.Wrap(err, "subscribe to transcript updates")
	}

	local := updates.NewPublisher(updates.WithTarget(bus), updates.WithLogger(logger))
	opts := []session.Option{
		session.WithLogger(logger),
		session.WithListener(local.Listener()),
	}

	mirror, err := buildMirror(ctx, s.Redis)
	if err != nil {
		return err
	}
	if mirror != nil {
		defer func() { _ = mirror.Close() }()
		opts = append(opts, session.WithListener(
			updates.NewPublisher(
				updates.WithTopic(s.Redis.Stream),
				updates.WithTarget(mirror),
				updates.WithLogger(logger),
			).Listener(),
		))
	}

	ch := wschannel.New(s.URL,
		wschannel.WithHandshakeTimeout(s.HandshakeTimeout),
		wschannel.WithWriteTimeout(s.WriteTimeout),
		wschannel.WithLogger(logger),
	)
	ctrl := session.NewController(ch, opts...)
	defer func() { _ = ctrl.Close() }()

	renderer := render.NewRenderer(out, render.WithMarkdown(s.Markdown))
	interactive := false
	if f, ok := in.(*os.File); ok {
		interactive = isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	}

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		// the session is over once the event feed ends
		defer cancel()
		if err := ctrl.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return updates.Consume(gctx, snapshots, renderer.Render)
	})

	lines := readLines(gctx, in)
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case line, ok := <-lines:
				if !ok {
					logger.Debug().Msg("input closed, leaving chat")
					return ctrl.Close()
				}
				if err := ctrl.SendUserMessage(line); err != nil {
					_, _ = fmt.Fprintf(errOut, "error: %v\n", err)
				}
			}
		}
	})

	if interactive {
		_, _ = fmt.Fprintln(errOut, "Type a message and press Enter. Ctrl-D leaves the chat.")
	}
	connectErr := ctrl.Connect(gctx)
	if connectErr != nil {
		cancel()
	}

	err = g.Wait()
	// the bus consumer is gone; show the final state directly, then again
	// after teardown
	if renderErr := renderer.Render(ctrl.Snapshot()); renderErr != nil && err == nil {
		err = renderErr
	}
	_ = ctrl.Close()
	if renderErr := renderer.Render(ctrl.Snapshot()); renderErr != nil && err == nil {
		err = renderErr
	}
	if connectErr != nil {
		return connectErr
	}
	return err
}

func buildMirror(ctx context.Context, s redisstream.Settings) (message.Publisher, error) {
	if !s.Enabled {
		return nil, nil
	}
	if err := redisstream.Ping(ctx, s); err != nil {
		return nil, err
	}
	return redisstream.BuildPublisher(s, log.Logger)
}

// readLines delivers input lines until EOF or ctx is done. A read already
// blocked on a terminal is not interrupted.
func readLines(ctx context.Context, in io.Reader) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil {
			log.Warn().Err(err).Msg("reading input failed")
		}
	}()
	return lines
}

package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/streamchat/pkg/assistantsim"
	"github.com/go-go-golems/streamchat/pkg/config"
)

func newAssistantSimCommand() *cobra.Command {
	d := config.Defaults()
	cmd := &cobra.Command{
		Use:   "assistant-sim",
		Short: "Serve a simulated assistant that streams echo replies over WebSocket",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			ln, err := net.Listen("tcp", settings.Sim.Addr)
			if err != nil {
				return errors.Wrapf(err, "listen on %s", settings.Sim.Addr)
			}
			return serveSim(ctx, ln, settings.Sim)
		},
	}

	f := cmd.Flags()
	f.String("addr", d.Sim.Addr, "Listen address")
	f.Int("chunk-size", d.Sim.ChunkSize, "Runes per streamed delta")
	f.Duration("delay", d.Sim.Delay, "Pause between deltas")
	return cmd
}

// serveSim serves the simulated assistant on /ws until ctx is done.
func serveSim(ctx context.Context, ln net.Listener, s config.SimSettings) error {
	logger := log.Logger.With().Str("component", "assistant-sim").Logger()
	sim := assistantsim.NewServer(
		assistantsim.WithChunkSize(s.ChunkSize),
		assistantsim.WithDelay(s.Delay),
		assistantsim.WithLogger(log.Logger),
	)

	mux := http.NewServeMux()
	mux.Handle("/ws", sim)
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str("addr", ln.Addr().String()).Msg("assistant simulator listening on /ws")
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "serve")
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down assistant simulator")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		// hijacked websocket connections are not tracked by Shutdown
		sim.Close()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

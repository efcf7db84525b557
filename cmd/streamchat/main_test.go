package main

import (
	"bytes"
	"context"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/streamchat/pkg/config"
)

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func startSim(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- serveSim(ctx, ln, config.SimSettings{ChunkSize: 3, Delay: time.Millisecond}) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})
	return "ws://" + ln.Addr().String() + "/ws"
}

func TestRunChat_EndToEnd(t *testing.T) {
	log.Logger = zerolog.Nop()
	url := startSim(t)

	s := config.Defaults()
	s.URL = url

	inR, inW := io.Pipe()
	out := &lockedBuffer{}
	errOut := &lockedBuffer{}

	done := make(chan error, 1)
	go func() { done <- runChat(context.Background(), s, inR, out, errOut) }()

	_, err := io.WriteString(inW, "hi\n")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "You said: hi\n")
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, inW.Close())
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("chat did not exit after input closed")
	}

	require.Contains(t, out.String(), "[connection open]")
	require.Contains(t, out.String(), "[connection closed]")
	require.Empty(t, errOut.String())
}

func TestRunChat_ConnectFailure(t *testing.T) {
	log.Logger = zerolog.Nop()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	s := config.Defaults()
	s.URL = "ws://" + addr + "/ws"

	inR, inW := io.Pipe()
	defer func() { _ = inW.Close() }()
	out := &lockedBuffer{}

	err = runChat(context.Background(), s, inR, out, io.Discard)
	require.Error(t, err)
	require.Contains(t, err.Error(), "connect channel")
	require.Contains(t, out.String(), "[connection errored]")
}

func TestRunChat_RejectsBadURL(t *testing.T) {
	s := config.Defaults()
	s.URL = "http://example.com"
	err := runChat(context.Background(), s, strings.NewReader(""), io.Discard, io.Discard)
	require.ErrorContains(t, err, "scheme must be ws or wss")
}

func TestInitLogger(t *testing.T) {
	defer zerolog.SetGlobalLevel(zerolog.TraceLevel)
	prev := log.Logger
	defer func() { log.Logger = prev }()

	require.NoError(t, initLogger(config.LogSettings{Level: "warn", Format: "json"}))
	require.Equal(t, zerolog.WarnLevel, zerolog.GlobalLevel())

	require.Error(t, initLogger(config.LogSettings{Level: "loud", Format: "json"}))
	require.Error(t, initLogger(config.LogSettings{Level: "info", Format: "xml"}))
}

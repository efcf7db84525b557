package wschannel

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/streamchat/pkg/session"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

// newTestServer upgrades every request and hands the connection to handle.
func newTestServer(t *testing.T, handle func(conn *websocket.Conn)) (*httptest.Server, string) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer func() { _ = conn.Close() }()
		handle(conn)
	}))
	return srv, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func nextEvent(t *testing.T, ch <-chan session.ChannelEvent) session.ChannelEvent {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "event feed closed early")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for channel event")
		return session.ChannelEvent{}
	}
}

func requireFeedClosed(t *testing.T, ch <-chan session.ChannelEvent) {
	t.Helper()
	select {
	case _, ok := <-ch:
		require.False(t, ok, "expected closed event feed")
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for feed to close")
	}
}

func TestChannel_SendAndReceive(t *testing.T) {
	srv, url := newTestServer(t, func(conn *websocket.Conn) {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"value":"echo:`+string(data)+`"}`))
		}
	})
	defer srv.Close()

	c := New(url, WithLogger(zerolog.Nop()))
	require.NoError(t, c.Connect(context.Background()))
	require.Equal(t, session.EventOpened, nextEvent(t, c.Events()).Kind)

	require.NoError(t, c.Send("hi"))
	ev := nextEvent(t, c.Events())
	require.Equal(t, session.EventTextReceived, ev.Kind)
	require.Equal(t, `{"value":"echo:hi"}`, ev.Payload)

	require.NoError(t, c.Close())
	require.Equal(t, session.EventClosed, nextEvent(t, c.Events()).Kind)
	requireFeedClosed(t, c.Events())

	require.ErrorIs(t, c.Send("late"), ErrClosed)
	require.NoError(t, c.Close())
}

func TestChannel_PreservesOrder(t *testing.T) {
	const n = 50
	srv, url := newTestServer(t, func(conn *websocket.Conn) {
		for i := 0; i < n; i++ {
			_ = conn.WriteMessage(websocket.TextMessage, []byte{byte('a' + i%26)})
		}
		_, _, _ = conn.ReadMessage()
	})
	defer srv.Close()

	c := New(url, WithLogger(zerolog.Nop()), WithEventBuffer(1))
	require.NoError(t, c.Connect(context.Background()))
	require.Equal(t, session.EventOpened, nextEvent(t, c.Events()).Kind)

	for i := 0; i < n; i++ {
		ev := nextEvent(t, c.Events())
		require.Equal(t, string([]byte{byte('a' + i%26)}), ev.Payload)
	}
	require.NoError(t, c.Close())
}

func TestChannel_PeerNormalClose(t *testing.T) {
	srv, url := newTestServer(t, func(conn *websocket.Conn) {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_, _, _ = conn.ReadMessage()
	})
	defer srv.Close()

	c := New(url, WithLogger(zerolog.Nop()))
	require.NoError(t, c.Connect(context.Background()))
	require.Equal(t, session.EventOpened, nextEvent(t, c.Events()).Kind)
	require.Equal(t, session.EventClosed, nextEvent(t, c.Events()).Kind)
	requireFeedClosed(t, c.Events())
}

func TestChannel_PeerDropIsError(t *testing.T) {
	srv, url := newTestServer(t, func(conn *websocket.Conn) {
		_ = conn.UnderlyingConn().Close()
	})
	defer srv.Close()

	c := New(url, WithLogger(zerolog.Nop()))
	require.NoError(t, c.Connect(context.Background()))
	require.Equal(t, session.EventOpened, nextEvent(t, c.Events()).Kind)

	ev := nextEvent(t, c.Events())
	require.Equal(t, session.EventErrored, ev.Kind)
	require.Error(t, ev.Err)
	requireFeedClosed(t, c.Events())
}

func TestChannel_CloseWhileReaderBlocked(t *testing.T) {
	sent := make(chan struct{})
	srv, url := newTestServer(t, func(conn *websocket.Conn) {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"value":"A"}`))
		close(sent)
		_, _, _ = conn.ReadMessage()
	})
	defer srv.Close()

	// one slot, filled by EventOpened, so the reader blocks on the frame
	c := New(url, WithLogger(zerolog.Nop()), WithEventBuffer(1))
	require.NoError(t, c.Connect(context.Background()))
	<-sent
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, c.Close())

	var kinds []session.EventKind
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-c.Events():
			if !ok {
				require.Equal(t, session.EventOpened, kinds[0])
				require.NotContains(t, kinds, session.EventErrored)
				return
			}
			kinds = append(kinds, ev.Kind)
		case <-timeout:
			t.Fatalf("event feed not closed after Close, got %v", kinds)
		}
	}
}

func TestChannel_DialFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	srv.Close()

	c := New(url, WithLogger(zerolog.Nop()), WithHandshakeTimeout(time.Second))
	require.Error(t, c.Connect(context.Background()))

	ev := nextEvent(t, c.Events())
	require.Equal(t, session.EventErrored, ev.Kind)
	requireFeedClosed(t, c.Events())
	require.ErrorIs(t, c.Connect(context.Background()), ErrAlreadyConnected)
}

func TestChannel_SendBeforeConnect(t *testing.T) {
	c := New("ws://127.0.0.1:1/none", WithLogger(zerolog.Nop()))
	require.ErrorIs(t, c.Send("x"), ErrNotConnected)

	require.NoError(t, c.Close())
	require.Equal(t, session.EventClosed, nextEvent(t, c.Events()).Kind)
	require.ErrorIs(t, c.Connect(context.Background()), ErrClosed)
}

func TestChannel_DrivesController(t *testing.T) {
	srv, url := newTestServer(t, func(conn *websocket.Conn) {
		_, _, err := conn.ReadMessage()
		if err != nil {
			return
		}
		for _, frame := range []string{`{"value":"Hel"}`, `oops`, `{"value":"lo"}`, `{"completed":true,"value":"!"}`} {
			_ = conn.WriteMessage(websocket.TextMessage, []byte(frame))
		}
		_, _, _ = conn.ReadMessage()
	})
	defer srv.Close()

	c := New(url, WithLogger(zerolog.Nop()))
	ctrl := session.NewController(c, session.WithLogger(zerolog.Nop()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = ctrl.Run(ctx) }()

	require.NoError(t, ctrl.Connect(ctx))
	require.Eventually(t, func() bool { return ctrl.State() == session.StateOpen }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, ctrl.SendUserMessage("hi"))

	require.Eventually(t, func() bool {
		snap := ctrl.Snapshot()
		return len(snap.Messages) == 2 && !snap.Streaming
	}, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, "Hello!", ctrl.Transcript()[1].Text)

	require.NoError(t, ctrl.Close())
	require.Equal(t, session.StateClosed, ctrl.State())
}

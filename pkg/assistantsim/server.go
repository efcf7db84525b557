// Package assistantsim is a stand-in assistant backend. It accepts WebSocket
// connections and answers every text frame with a streamed reply: a series
// of {"value": chunk} deltas followed by {"completed": true, "value": ""}.
package assistantsim

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/streamchat/pkg/stream"
)

// Responder computes the full reply for one prompt.
type Responder func(prompt string) string

// EchoResponder is the default Responder.
func EchoResponder(prompt string) string {
	return "You said: " + prompt
}

type Server struct {
	responder Responder
	chunkSize int
	delay     time.Duration
	logger    zerolog.Logger
	upgrader  websocket.Upgrader
	pool      *connectionPool

	ctx    context.Context
	cancel context.CancelFunc
}

type Option func(*Server)

func WithResponder(r Responder) Option {
	return func(s *Server) {
		if r != nil {
			s.responder = r
		}
	}
}

// WithChunkSize sets how many runes go into each delta.
func WithChunkSize(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.chunkSize = n
		}
	}
}

func WithDelay(d time.Duration) Option {
	return func(s *Server) {
		if d >= 0 {
			s.delay = d
		}
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

func NewServer(opts ...Option) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		responder: EchoResponder,
		chunkSize: 4,
		logger:    log.Logger,
		upgrader:  websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With().Str("component", "assistantsim").Logger()
	s.pool = newConnectionPool(5*time.Second, s.logger)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	s.pool.Add(conn)
	defer s.pool.Remove(conn)
	s.logger.Info().Str("remote", conn.RemoteAddr().String()).Msg("client connected")

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug().Err(err).Msg("client read ended")
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		if !s.reply(conn, string(data)) {
			return
		}
	}
}

// reply streams the answer for prompt. Returns false once the connection is
// unusable or the server is shutting down.
func (s *Server) reply(conn wsConn, prompt string) bool {
	answer := s.responder(prompt)
	for _, chunk := range Chunk(answer, s.chunkSize) {
		frame, err := stream.Encode(stream.NewDelta(chunk))
		if err != nil {
			s.logger.Error().Err(err).Msg("encode delta")
			return false
		}
		if !s.pool.Send(conn, frame) {
			return false
		}
		if s.delay > 0 {
			select {
			case <-time.After(s.delay):
			case <-s.ctx.Done():
				return false
			}
		}
	}
	frame, err := stream.Encode(stream.NewCompletion(""))
	if err != nil {
		s.logger.Error().Err(err).Msg("encode completion")
		return false
	}
	return s.pool.Send(conn, frame)
}

// Count reports live connections.
func (s *Server) Count() int {
	return s.pool.Count()
}

// Close stops in-flight replies and closes every connection.
func (s *Server) Close() {
	s.cancel()
	s.pool.CloseAll()
}

// Chunk splits text into pieces of at most size runes. Empty text yields no
// chunks.
func Chunk(text string, size int) []string {
	if size <= 0 {
		size = 1
	}
	runes := []rune(text)
	var out []string
	for len(runes) > 0 {
		n := size
		if n > len(runes) {
			n = len(runes)
		}
		out = append(out, string(runes[:n]))
		runes = runes[n:]
	}
	return out
}

package session

import (
	"context"
)

type EventKind int

const (
	EventOpened EventKind = iota
	EventTextReceived
	EventClosed
	EventErrored
)

func (k EventKind) String() string {
	switch k {
	case EventOpened:
		return "opened"
	case EventTextReceived:
		return "text_received"
	case EventClosed:
		return "closed"
	case EventErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// ChannelEvent is one notification from a Channel. Payload is set for
// EventTextReceived, Err for EventErrored.
type ChannelEvent struct {
	Kind    EventKind
	Payload string
	Err     error
}

// Channel is a bidirectional message connection to the assistant.
//
// Implementations deliver events on Events() strictly in arrival order and
// close the feed after a terminal EventClosed or EventErrored. Send is
// fire-and-forget: replies arrive later as EventTextReceived.
type Channel interface {
	Connect(ctx context.Context) error
	Send(text string) error
	Events() <-chan ChannelEvent
	Close() error
}

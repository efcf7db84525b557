package session

import (
	"github.com/pkg/errors"

	"github.com/go-go-golems/streamchat/pkg/conversation"
)

type ConnectionState int

const (
	StateIdle ConnectionState = iota
	StateOpen
	StateClosed
	StateErrored
)

func (s ConnectionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	case StateErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further events will be dispatched.
func (s ConnectionState) Terminal() bool {
	return s == StateClosed || s == StateErrored
}

func (s ConnectionState) MarshalText() ([]byte, error) {
	if s < StateIdle || s > StateErrored {
		return nil, errors.Errorf("unknown connection state %d", int(s))
	}
	return []byte(s.String()), nil
}

func (s *ConnectionState) UnmarshalText(b []byte) error {
	switch string(b) {
	case "idle":
		*s = StateIdle
	case "open":
		*s = StateOpen
	case "closed":
		*s = StateClosed
	case "errored":
		*s = StateErrored
	default:
		return errors.Errorf("unknown connection state %q", string(b))
	}
	return nil
}

// Snapshot is the observable state of a Controller after one mutation.
// Seq grows by one per mutation so consumers can discard stale copies.
type Snapshot struct {
	SessionID string                 `json:"session_id"`
	Seq       uint64                 `json:"seq"`
	State     ConnectionState        `json:"state"`
	Messages  []conversation.Message `json:"messages"`
	Streaming bool                   `json:"streaming"`
	// Unsent holds transcript indexes of user messages whose send failed.
	Unsent []int `json:"unsent,omitempty"`
}

// IsUnsent reports whether the message at index i failed to send.
func (s Snapshot) IsUnsent(i int) bool {
	for _, u := range s.Unsent {
		if u == i {
			return true
		}
	}
	return false
}

// Listener observes snapshots. It runs under the Controller's lock and must
// not call back into the Controller.
type Listener func(Snapshot)

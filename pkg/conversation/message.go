package conversation

import (
	"github.com/pkg/errors"
)

type Sender int

const (
	SenderUser Sender = iota
	SenderAssistant
)

func (s Sender) String() string {
	switch s {
	case SenderUser:
		return "user"
	case SenderAssistant:
		return "assistant"
	default:
		return "unknown"
	}
}

func (s Sender) MarshalText() ([]byte, error) {
	switch s {
	case SenderUser, SenderAssistant:
		return []byte(s.String()), nil
	default:
		return nil, errors.Errorf("unknown sender %d", int(s))
	}
}

func (s *Sender) UnmarshalText(b []byte) error {
	switch string(b) {
	case "user":
		*s = SenderUser
	case "assistant":
		*s = SenderAssistant
	default:
		return errors.Errorf("unknown sender %q", string(b))
	}
	return nil
}

// Message is one transcript entry.
type Message struct {
	Sender Sender `json:"sender"`
	Text   string `json:"text"`
}

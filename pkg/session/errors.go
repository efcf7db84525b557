package session

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	ErrNotConnected  = errors.New("channel not ready")
	ErrSessionEnded  = errors.New("session ended, a new session is required")
	ErrAlreadyActive = errors.New("session already connecting or open")
	ErrSendFailed    = errors.New("send failed")
)

// SendError reports a user message that was recorded in the transcript but
// could not be handed to the channel.
type SendError struct {
	Index int
	Err   error
}

func (e *SendError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("message %d recorded but not sent: %v", e.Index, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

func (e *SendError) Is(target error) bool { return target == ErrSendFailed }

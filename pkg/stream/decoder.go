// Package stream decodes the assistant's wire payloads into typed events.
//
// Every inbound frame is a JSON object with two optional fields:
//
//	{"completed": false, "value": "Hel"}   -> Delta("Hel")
//	{"completed": true,  "value": "!"}     -> Completion("!")
//
// Anything else decodes to a Malformed event. Decode never panics and has no
// side effects; callers decide whether to log.
package stream

import (
	"bytes"
	"encoding/json"

	"github.com/pkg/errors"
)

type Kind int

const (
	KindMalformed Kind = iota
	KindDelta
	KindCompletion
)

func (k Kind) String() string {
	switch k {
	case KindDelta:
		return "delta"
	case KindCompletion:
		return "completion"
	case KindMalformed:
		return "malformed"
	default:
		return "unknown"
	}
}

// Event is the decoded form of one inbound payload.
// Err is only set for KindMalformed and explains why the payload was rejected.
type Event struct {
	Kind Kind
	Text string
	Err  error
}

func NewDelta(text string) Event {
	return Event{Kind: KindDelta, Text: text}
}

func NewCompletion(text string) Event {
	return Event{Kind: KindCompletion, Text: text}
}

func NewMalformed(err error) Event {
	if err == nil {
		err = ErrNoActionableField
	}
	return Event{Kind: KindMalformed, Err: err}
}

var (
	ErrNotAnObject       = errors.New("payload is not a JSON object")
	ErrNoActionableField = errors.New("payload has neither completed flag nor value")
)

// payload mirrors the wire shape. Pointers distinguish absent from zero.
type payload struct {
	Completed *bool   `json:"completed,omitempty"`
	Value     *string `json:"value,omitempty"`
}

// Decode parses one raw inbound payload.
func Decode(raw string) Event {
	trimmed := bytes.TrimSpace([]byte(raw))
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return NewMalformed(ErrNotAnObject)
	}

	var p payload
	if err := json.Unmarshal(trimmed, &p); err != nil {
		return NewMalformed(errors.Wrap(err, "decode payload"))
	}

	value := ""
	if p.Value != nil {
		value = *p.Value
	}

	if p.Completed != nil && *p.Completed {
		return NewCompletion(value)
	}
	if value != "" {
		return NewDelta(value)
	}
	return NewMalformed(ErrNoActionableField)
}

// Encode renders a Delta or Completion into its wire form.
func Encode(ev Event) ([]byte, error) {
	switch ev.Kind {
	case KindDelta:
		if ev.Text == "" {
			return nil, errors.New("delta requires a non-empty value")
		}
		return json.Marshal(payload{Value: &ev.Text})
	case KindCompletion:
		completed := true
		return json.Marshal(payload{Completed: &completed, Value: &ev.Text})
	default:
		return nil, errors.Errorf("cannot encode %s event", ev.Kind)
	}
}

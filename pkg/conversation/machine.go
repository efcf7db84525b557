// Package conversation holds the transcript of one chat and reconciles the
// assistant's token stream into it.
//
// A Machine owns two pieces of state: the ordered transcript and the
// accumulator, the concatenation of every delta received since the last
// completion. At most one assistant message accepts deltas at a time. The
// Machine is not safe for concurrent use; its owner serializes calls.
package conversation

import (
	"github.com/go-go-golems/streamchat/pkg/stream"
)

type Machine struct {
	transcript  []Message
	accumulator string
	// streaming is true while the last transcript entry is an assistant
	// message that has not seen its completion yet.
	streaming bool
}

func NewMachine() *Machine {
	return &Machine{}
}

// SubmitUserMessage appends a user message. text must already be trimmed;
// empty text is ignored. The accumulator is left untouched.
func (m *Machine) SubmitUserMessage(text string) []Message {
	if text == "" {
		return m.Transcript()
	}
	m.transcript = append(m.transcript, Message{Sender: SenderUser, Text: text})
	m.streaming = false
	return m.Transcript()
}

// ApplyDelta merges a fragment into the in-progress assistant message,
// opening a new one when there is none.
func (m *Machine) ApplyDelta(fragment string) []Message {
	combined := m.accumulator + fragment
	if m.streaming {
		m.transcript[len(m.transcript)-1].Text = combined
	} else {
		m.transcript = append(m.transcript, Message{Sender: SenderAssistant, Text: combined})
		m.streaming = true
	}
	m.accumulator = combined
	return m.Transcript()
}

// ApplyCompletion finalizes the in-progress assistant message with the last
// fragment and re-arms the machine for the next reply. A completion with no
// in-progress message never touches an existing entry; it only appends a
// finalized assistant message when it carries text. This differs from an
// update-only rule that would rewrite a trailing assistant entry and drop
// text arriving without a preceding delta.
func (m *Machine) ApplyCompletion(finalFragment string) []Message {
	combined := m.accumulator + finalFragment
	switch {
	case m.streaming:
		m.transcript[len(m.transcript)-1].Text = combined
	case combined != "":
		m.transcript = append(m.transcript, Message{Sender: SenderAssistant, Text: combined})
	}
	m.accumulator = ""
	m.streaming = false
	return m.Transcript()
}

// ApplyMalformed is a no-op.
func (m *Machine) ApplyMalformed() []Message {
	return m.Transcript()
}

// Apply routes a decoded stream event to its transition.
func (m *Machine) Apply(ev stream.Event) []Message {
	switch ev.Kind {
	case stream.KindDelta:
		return m.ApplyDelta(ev.Text)
	case stream.KindCompletion:
		return m.ApplyCompletion(ev.Text)
	default:
		return m.ApplyMalformed()
	}
}

// Transcript returns a copy of the transcript.
func (m *Machine) Transcript() []Message {
	out := make([]Message, len(m.transcript))
	copy(out, m.transcript)
	return out
}

func (m *Machine) Accumulator() string {
	return m.accumulator
}

// Streaming reports whether the last entry is an unfinished assistant message.
func (m *Machine) Streaming() bool {
	return m.streaming
}

func (m *Machine) Len() int {
	return len(m.transcript)
}

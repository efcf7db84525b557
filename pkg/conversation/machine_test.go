package conversation

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/streamchat/pkg/stream"
)

func user(text string) Message      { return Message{Sender: SenderUser, Text: text} }
func assistant(text string) Message { return Message{Sender: SenderAssistant, Text: text} }

func applyAll(m *Machine, evs ...stream.Event) []Message {
	var out []Message
	for _, ev := range evs {
		out = m.Apply(ev)
	}
	return out
}

func TestMachine_DeltasThenCompletion(t *testing.T) {
	m := NewMachine()
	got := applyAll(m, stream.NewDelta("Hel"), stream.NewDelta("lo"), stream.NewCompletion("!"))

	require.Equal(t, []Message{assistant("Hello!")}, got)
	require.Equal(t, "", m.Accumulator())
	require.False(t, m.Streaming())
}

func TestMachine_UserThenDelta(t *testing.T) {
	m := NewMachine()
	m.SubmitUserMessage("hi")
	got := m.ApplyDelta("Hey")

	require.Equal(t, []Message{user("hi"), assistant("Hey")}, got)
	require.True(t, m.Streaming())
}

func TestMachine_ChunkInvariance(t *testing.T) {
	chunkings := [][]string{
		{"The quick brown fox"},
		{"The ", "quick ", "brown ", "fox"},
		{"T", "he quick bro", "wn fox"},
	}
	for _, chunks := range chunkings {
		m := NewMachine()
		for _, c := range chunks {
			m.ApplyDelta(c)
		}
		got := m.ApplyCompletion(" jumps")
		require.Equal(t, []Message{assistant("The quick brown fox jumps")}, got)
	}
}

func TestMachine_DeltaAfterCompletionStartsNewEntry(t *testing.T) {
	m := NewMachine()
	applyAll(m, stream.NewDelta("one"), stream.NewCompletion(""))
	got := m.ApplyDelta("two")

	require.Equal(t, []Message{assistant("one"), assistant("two")}, got)
	require.Equal(t, "two", m.Accumulator())
}

func TestMachine_SubmitLeavesAccumulatorAlone(t *testing.T) {
	m := NewMachine()
	m.ApplyDelta("partial")
	got := m.SubmitUserMessage("interrupt")

	require.Equal(t, "partial", m.Accumulator())
	require.Equal(t, []Message{assistant("partial"), user("interrupt")}, got)
	require.False(t, m.Streaming())

	// The next delta opens a new entry and carries the accumulator, the
	// earlier partial entry is not replaced.
	got = m.ApplyDelta(" more")
	require.Equal(t, []Message{assistant("partial"), user("interrupt"), assistant("partial more")}, got)
}

func TestMachine_SubmitIgnoresEmpty(t *testing.T) {
	m := NewMachine()
	require.Empty(t, m.SubmitUserMessage(""))
	require.Equal(t, 0, m.Len())
}

func TestMachine_MalformedIsNoop(t *testing.T) {
	m := NewMachine()
	m.SubmitUserMessage("hi")
	m.ApplyDelta("par")
	before := m.Transcript()
	acc := m.Accumulator()

	got := m.Apply(stream.Decode("not json"))

	require.Equal(t, before, got)
	require.Equal(t, acc, m.Accumulator())
	require.True(t, m.Streaming())
}

func TestMachine_EmptyCompletionOnIdleIsNoop(t *testing.T) {
	m := NewMachine()
	m.SubmitUserMessage("hi")
	before := m.Transcript()

	got := m.ApplyCompletion("")
	require.Equal(t, before, got)
	require.Equal(t, "", m.Accumulator())

	empty := NewMachine()
	require.Empty(t, empty.ApplyCompletion(""))
}

func TestMachine_CompletionNeverMutatesUserEntry(t *testing.T) {
	m := NewMachine()
	m.SubmitUserMessage("hi")
	got := m.ApplyCompletion("whole reply")

	require.Equal(t, []Message{user("hi"), assistant("whole reply")}, got)
}

func TestMachine_CompletionAfterFinalizedDoesNotRewrite(t *testing.T) {
	m := NewMachine()
	applyAll(m, stream.NewDelta("first"), stream.NewCompletion("."))
	got := m.ApplyCompletion("")

	require.Equal(t, []Message{assistant("first.")}, got)
}

func TestMachine_CompletionUsesCurrentAccumulator(t *testing.T) {
	m := NewMachine()
	m.ApplyDelta("a")
	m.ApplyDelta("b")
	m.ApplyDelta("c")
	got := m.ApplyCompletion("d")
	require.Equal(t, []Message{assistant("abcd")}, got)
}

func TestMachine_Determinism(t *testing.T) {
	seq := []stream.Event{
		stream.NewDelta("x"),
		stream.NewMalformed(nil),
		stream.NewDelta("y"),
		stream.NewCompletion("z"),
		stream.NewCompletion(""),
		stream.NewDelta("again"),
	}
	a, b := NewMachine(), NewMachine()
	a.SubmitUserMessage("q")
	b.SubmitUserMessage("q")
	ra := applyAll(a, seq...)
	rb := applyAll(b, seq...)

	require.Equal(t, ra, rb)
	require.Equal(t, a.Accumulator(), b.Accumulator())
	require.Equal(t, a.Streaming(), b.Streaming())
}

func TestMachine_TranscriptIsACopy(t *testing.T) {
	m := NewMachine()
	m.ApplyDelta("keep")
	got := m.Transcript()
	got[0].Text = "changed"

	require.Equal(t, "keep", m.Transcript()[0].Text)
}

func TestMessage_JSON(t *testing.T) {
	b, err := json.Marshal([]Message{user("hi"), assistant("yo")})
	require.NoError(t, err)
	require.JSONEq(t, `[{"sender":"user","text":"hi"},{"sender":"assistant","text":"yo"}]`, string(b))

	var back []Message
	require.NoError(t, json.Unmarshal(b, &back))
	require.Equal(t, []Message{user("hi"), assistant("yo")}, back)

	var s Sender
	require.Error(t, s.UnmarshalText([]byte("robot")))
}

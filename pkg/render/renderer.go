// Package render prints transcript snapshots to a line-oriented terminal.
//
// It only ever appends to its writer: streaming assistant text is written as
// the new suffix arrives, and a message is terminated with a newline once it
// is final. In markdown mode assistant replies are held back until they are
// final and then rendered with glamour.
package render

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/pkg/errors"

	"github.com/go-go-golems/streamchat/pkg/conversation"
	"github.com/go-go-golems/streamchat/pkg/session"
)

var (
	userLabelStyle      = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#5FAFFF"))
	assistantLabelStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#AFD75F"))
	statusStyle         = lipgloss.NewStyle().Faint(true)
	unsentStyle         = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF5F5F"))
)

const markdownStyle = "dark"

type Renderer struct {
	w        io.Writer
	markdown bool

	mu       sync.Mutex
	started  bool
	lastSeq  uint64
	state    session.ConnectionState
	printed  []printedMessage
	openLine bool
}

type printedMessage struct {
	text        string
	final       bool
	unsent      bool
	deferred    bool
	interrupted bool
}

type Option func(*Renderer)

func WithMarkdown(enabled bool) Option {
	return func(r *Renderer) {
		r.markdown = enabled
	}
}

func NewRenderer(w io.Writer, opts ...Option) *Renderer {
	r := &Renderer{w: w, state: session.StateIdle}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Render writes whatever changed since the last snapshot. Snapshots that are
// not newer than the last one rendered are ignored.
func (r *Renderer) Render(snap session.Snapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.started && snap.Seq <= r.lastSeq {
		return nil
	}
	r.started = true
	r.lastSeq = snap.Seq

	// a reply still streaming when the session ends will never complete
	interrupted := snap.Streaming && snap.State.Terminal()
	for i, msg := range snap.Messages {
		last := i == len(snap.Messages)-1
		inProgress := snap.Streaming && last && !interrupted
		if err := r.renderMessage(i, msg, inProgress, snap.IsUnsent(i)); err != nil {
			return err
		}
		if last && interrupted && !r.printed[i].interrupted {
			r.printed[i].interrupted = true
			if err := r.writeln(unsentStyle.Render("  (interrupted)")); err != nil {
				return err
			}
		}
	}

	if snap.State != r.state {
		r.state = snap.State
		if err := r.status(fmt.Sprintf("[connection %s]", snap.State)); err != nil {
			return err
		}
	}
	return nil
}

func (r *Renderer) renderMessage(i int, msg conversation.Message, inProgress, unsent bool) error {
	if i >= len(r.printed) {
		r.printed = append(r.printed, printedMessage{})
		if r.markdown && msg.Sender == conversation.SenderAssistant {
			r.printed[i].deferred = true
		} else if err := r.startMessage(msg.Sender); err != nil {
			return err
		}
	}

	p := &r.printed[i]
	if p.final {
		if unsent && !p.unsent {
			p.unsent = true
			return r.writeln(unsentStyle.Render("  (unsent)"))
		}
		return nil
	}

	if p.deferred {
		if inProgress {
			return nil
		}
		p.deferred = false
		p.final = true
		p.text = msg.Text
		return r.writeMarkdown(msg.Text)
	}

	switch {
	case strings.HasPrefix(msg.Text, p.text):
		if err := r.write(msg.Text[len(p.text):]); err != nil {
			return err
		}
	default:
		// text was replaced rather than extended; reprint the whole message
		if err := r.endLine(); err != nil {
			return err
		}
		if err := r.startMessage(msg.Sender); err != nil {
			return err
		}
		if err := r.write(msg.Text); err != nil {
			return err
		}
	}
	p.text = msg.Text

	if !inProgress {
		p.final = true
		if err := r.endLine(); err != nil {
			return err
		}
		if unsent {
			p.unsent = true
			return r.writeln(unsentStyle.Render("  (unsent)"))
		}
	}
	return nil
}

func (r *Renderer) startMessage(sender conversation.Sender) error {
	if err := r.endLine(); err != nil {
		return err
	}
	label := assistantLabelStyle.Render("Assistant:")
	if sender == conversation.SenderUser {
		label = userLabelStyle.Render("You:")
	}
	return r.write(label + " ")
}

func (r *Renderer) writeMarkdown(text string) error {
	if err := r.startMessage(conversation.SenderAssistant); err != nil {
		return err
	}
	out, err := glamour.Render(text, markdownStyle)
	if err != nil {
		return errors.Wrap(err, "render markdown")
	}
	if err := r.write("\n" + strings.TrimRight(out, "\n")); err != nil {
		return err
	}
	return r.endLine()
}

func (r *Renderer) status(line string) error {
	if err := r.endLine(); err != nil {
		return err
	}
	return r.writeln(statusStyle.Render(line))
}

func (r *Renderer) write(s string) error {
	if s == "" {
		return nil
	}
	if _, err := io.WriteString(r.w, s); err != nil {
		return errors.Wrap(err, "write transcript")
	}
	r.openLine = !strings.HasSuffix(s, "\n")
	return nil
}

func (r *Renderer) writeln(s string) error {
	return r.write(s + "\n")
}

func (r *Renderer) endLine() error {
	if !r.openLine {
		return nil
	}
	return r.write("\n")
}

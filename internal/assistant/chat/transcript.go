// Package chat holds the conversation transcript and the streaming
// controller that materializes assistant replies chunk by chunk.
package chat

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Sender identifies who produced a transcript message.
type Sender string

const (
	SenderUser      Sender = "user"
	SenderAssistant Sender = "assistant"
	SenderSystem    Sender = "system"
)

// Message is one transcript entry.  A message is mutable only while Loading;
// once finalized it never changes again.
type Message struct {
	ID        string
	Sender    Sender
	Text      string
	Timestamp time.Time
	Loading   bool
	Error     bool
}

// NewMessage creates a finalized message.
func NewMessage(sender Sender, text string) Message {
	return Message{
		ID:        uuid.NewString(),
		Sender:    sender,
		Text:      text,
		Timestamp: time.Now(),
	}
}

// NewLoadingMessage creates the placeholder an in-flight exchange streams
// into.
func NewLoadingMessage(sender Sender) Message {
	m := NewMessage(sender, "")
	m.Loading = true
	return m
}

// Transcript is an ordered message sequence.  All mutations are pure
// functions returning a new sequence: append-only, except for in-place
// replacement of the single currently-loading message.
type Transcript []Message

// Append returns a new transcript with m added at the end.
func (t Transcript) Append(m Message) Transcript {
	out := make(Transcript, len(t), len(t)+1)
	copy(out, t)
	return append(out, m)
}

// WithText returns a new transcript where the message with the given id has
// its text replaced, keeping it loading.  Unknown ids leave the transcript
// unchanged (same contents, fresh copy).
func (t Transcript) WithText(id, text string) Transcript {
	out := make(Transcript, len(t))
	copy(out, t)
	for i := range out {
		if out[i].ID == id {
			out[i].Text = text
			out[i].Loading = true
		}
	}
	return out
}

// Finalized returns a new transcript where the message with the given id is
// marked complete with the given text and error flag.
func (t Transcript) Finalized(id, text string, isError bool) Transcript {
	out := make(Transcript, len(t))
	copy(out, t)
	for i := range out {
		if out[i].ID == id {
			out[i].Text = text
			out[i].Loading = false
			out[i].Error = isError
		}
	}
	return out
}

// HistoryEntry is the role/text shape the backend expects for conversation
// history.
type HistoryEntry struct {
	Role  string        `json:"role"`
	Parts []HistoryPart `json:"parts"`
}

// HistoryPart wraps one text fragment of a history entry.
type HistoryPart struct {
	Text string `json:"text"`
}

// History converts the finalized messages to the backend's history shape.
// Loading messages are excluded; system notices are treated as model turns.
func (t Transcript) History() []HistoryEntry {
	out := make([]HistoryEntry, 0, len(t))
	for _, m := range t {
		if m.Loading {
			continue
		}
		role := "model"
		if m.Sender == SenderUser {
			role = "user"
		}
		out = append(out, HistoryEntry{Role: role, Parts: []HistoryPart{{Text: m.Text}}})
	}
	return out
}

// Log is the shared transcript holder.  Every mutation applies a pure
// Transcript function to the current sequence and swaps in the result, so
// readers always observe a consistent snapshot.
type Log struct {
	mu sync.Mutex
	t  Transcript
}

// NewLog creates an empty transcript log.
func NewLog() *Log {
	return &Log{}
}

// Snapshot returns the current sequence.  The returned slice is never
// mutated afterwards.
func (l *Log) Snapshot() Transcript {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.t
}

// Append adds a message and returns it back for convenience.
func (l *Log) Append(m Message) Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.t = l.t.Append(m)
	return m
}

// SetText replaces the text of the loading message with the given id.
func (l *Log) SetText(id, text string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.t = l.t.WithText(id, text)
}

// Finalize marks the message with the given id complete.
func (l *Log) Finalize(id, text string, isError bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.t = l.t.Finalized(id, text, isError)
}

// Replace swaps the whole sequence (new chat greeting, history load).
func (l *Log) Replace(t Transcript) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.t = t
}

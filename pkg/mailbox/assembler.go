package mailbox

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/golang/glog"
)

// ErrMessageTooLarge rejects a message exceeding Assembler.MaxSize.
var ErrMessageTooLarge = errors.New("message too large")

// Sink receives assembled messages.
type Sink interface {
	StoreMessage(*Message) error
}

// SinkFunc is the func form of Sink.
type SinkFunc func(*Message) error

// StoreMessage implements Sink.
func (f SinkFunc) StoreMessage(msg *Message) error {
	return f(msg)
}

// Sinks stores messages into every Sink, stopping at the first error.
type Sinks []Sink

// StoreMessage implements Sink.
func (s Sinks) StoreMessage(msg *Message) error {
	for _, sink := range s {
		if err := sink.StoreMessage(msg); err != nil {
			return err
		}
	}
	return nil
}

// Assembler joins message lines into complete messages and hands them
// to a Sink. Chunks are lines without the CRLF terminator.
type Assembler struct {
	Sink Sink
	// MaxSize is the maximum raw size of a message, 0 is unlimited.
	MaxSize int

	sessionID string
	seq       int
	started   bool
	buf       bytes.Buffer
	held      error
	stored    int
}

// NewAssembler creates an Assembler.
func NewAssembler(sink Sink) *Assembler {
	return &Assembler{Sink: sink}
}

// SessionStarted resets the Assembler for a new session.
func (a *Assembler) SessionStarted(sessionID string) {
	a.discard()
	a.sessionID = sessionID
	a.held = nil
	a.stored = 0
}

// Stored returns the number of messages stored in this session.
func (a *Assembler) Stored() int {
	return a.stored
}

// MessageStarted implements retrieval.MessageStarter.
func (a *Assembler) MessageStarted(seq int) {
	if err := a.Flush(); err != nil && a.held == nil {
		a.held = err
	}
	a.seq, a.started = seq, true
}

// HandleChunk implements retrieval.ChunkHandler.
func (a *Assembler) HandleChunk(seq int, data []byte) error {
	if err := a.held; err != nil {
		a.held = nil
		return err
	}
	if !a.started || seq != a.seq {
		if err := a.Flush(); err != nil {
			return err
		}
		a.seq, a.started = seq, true
	}
	if a.MaxSize > 0 && a.buf.Len()+len(data)+2 > a.MaxSize {
		return fmt.Errorf("%w: message %d exceeds %d bytes", ErrMessageTooLarge, seq, a.MaxSize)
	}
	a.buf.Write(data)
	a.buf.WriteString("\r\n")
	return nil
}

// FinishSession implements retrieval.SessionFinisher. A partial message
// of a failed session is discarded.
func (a *Assembler) FinishSession(succeeded bool) error {
	if !succeeded {
		a.discard()
		return nil
	}
	if err := a.held; err != nil {
		a.held = nil
		a.discard()
		return err
	}
	return a.Flush()
}

// Flush stores the message being assembled, if any.
func (a *Assembler) Flush() error {
	if !a.started {
		return nil
	}
	raw := make([]byte, a.buf.Len())
	copy(raw, a.buf.Bytes())
	seq := a.seq
	a.discard()

	msg, err := Parse(seq, raw)
	if err != nil {
		glog.Warningf("%v, storing raw", err)
		msg = &Message{Seq: seq, Raw: raw}
	}
	msg.SessionID = a.sessionID
	glog.V(1).Infof("message %s", msg)
	if a.Sink == nil {
		a.stored++
		return nil
	}
	if err := a.Sink.StoreMessage(msg); err != nil {
		return fmt.Errorf("store message %d: %w", seq, err)
	}
	a.stored++
	return nil
}

func (a *Assembler) discard() {
	a.buf.Reset()
	a.started = false
	a.seq = 0
}

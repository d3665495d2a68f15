package retrieval

import (
	"fmt"
	"time"
)

// Session is the single in-flight retrieval attempt.
type Session struct {
	ID          string
	Host        string
	Address     Address
	Credentials Credentials
	Retention   RetentionPolicy
	StartedAt   time.Time

	// LinkTicks counts ticks spent waiting for the link.
	LinkTicks int
	// Ticks counts all ticks spent on the session.
	Ticks int
	// Messages counts distinct message sequence numbers seen.
	Messages int

	cursor cursor
}

// CurrentMessage returns the sequence number of the message being
// streamed, false before the first chunk.
func (s *Session) CurrentMessage() (int, bool) {
	return s.cursor.seq, s.cursor.started
}

// cursor tracks the message currently streaming to the consumer.
type cursor struct {
	seq     int
	started bool
}

// advance moves to seq and reports whether a new message starts.
func (c *cursor) advance(seq int) (bool, error) {
	if c.started {
		if seq == c.seq {
			return false, nil
		}
		if seq < c.seq {
			return false, fmt.Errorf("%w: %d after %d", ErrSequenceRegressed, seq, c.seq)
		}
	}
	c.seq, c.started = seq, true
	return true, nil
}

// Outcome is the structured result of a finished retrieval.
type Outcome struct {
	SessionID string
	Host      string
	// Cause is CauseNone when the retrieval succeeded.
	Cause Cause
	// Err is a *FailureError when the retrieval failed.
	Err      error
	Messages int
	Ticks    int
	Elapsed  time.Duration
}

// Succeeded indicates the retrieval completed successfully.
func (o *Outcome) Succeeded() bool {
	return o.Cause == CauseNone
}

func (o *Outcome) String() string {
	if o.Succeeded() {
		return fmt.Sprintf("session %s: succeeded, %d message(s) in %d tick(s)", o.SessionID, o.Messages, o.Ticks)
	}
	return fmt.Sprintf("session %s: failed after %d tick(s): %v", o.SessionID, o.Ticks, o.Err)
}

// Result is returned by every Advance call.
type Result struct {
	State State
	// Outcome is set only on the tick delivering the terminal result.
	Outcome *Outcome
}

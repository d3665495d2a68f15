package fetcher

import (
	"time"

	fx "github.com/robotalks/pop.go/pkg/framework"
	"github.com/robotalks/pop.go/pkg/retrieval"
)

// Fetch requests a retrieval. It is posted to the loop running the
// Fetcher; requests arriving while a retrieval is active are queued.
type Fetch struct {
	Request retrieval.Request
}

// CancelFetch cancels the active retrieval and drops queued ones.
type CancelFetch struct {
	Reason string
}

// Submit posts a Fetch from any goroutine.
func Submit(ctl fx.LoopControl, req retrieval.Request) {
	ctl.PostEvent(Fetch{Request: req})
	ctl.TriggerNext()
}

// Abort posts a CancelFetch from any goroutine.
func Abort(ctl fx.LoopControl, reason string) {
	ctl.PostEvent(CancelFetch{Reason: reason})
	ctl.TriggerNext()
}

// The events below are added to the iteration by the Fetcher so
// controllers at lower priorities see them in the same tick.

// Started is emitted when a retrieval was accepted.
type Started struct {
	SessionID string
	Host      string
	Username  string
	Retention retrieval.RetentionPolicy
	Time      time.Time
}

// StateChanged is emitted on every orchestrator transition.
type StateChanged struct {
	SessionID string
	From, To  retrieval.State
	Tick      int
	Time      time.Time
}

// MessageStarted is emitted before the first chunk of a message.
type MessageStarted struct {
	SessionID string
	Seq       int
	Time      time.Time
}

// Finished is emitted once with the outcome of a retrieval.
type Finished struct {
	Outcome *retrieval.Outcome
	Time    time.Time
}

// Rejected is emitted when a Fetch could not start.
type Rejected struct {
	Request retrieval.Request
	Err     error
	Time    time.Time
}

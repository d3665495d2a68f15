package events

import (
	"fmt"
	"time"

	"github.com/robotalks/pop.go/pkg/fetcher"
	fx "github.com/robotalks/pop.go/pkg/framework"
)

// Kind is the type of an Event.
type Kind string

// Event kinds.
const (
	SessionStarted  Kind = "session.started"
	StateChanged    Kind = "state.changed"
	MessageStarted  Kind = "message.started"
	SessionFinished Kind = "session.finished"
	FetchRejected   Kind = "fetch.rejected"
)

// Event is the published form of a retrieval event.
type Event struct {
	Kind      Kind
	SessionID string
	// Source identifies the publishing device.
	Source string
	Time   time.Time

	Host  string
	From  string
	State string
	Seq   int
	Cause string
	Error string

	Messages int
	Ticks    int
}

func (e *Event) String() string {
	switch e.Kind {
	case SessionStarted:
		return fmt.Sprintf("[%s] %s %s", e.SessionID, e.Kind, e.Host)
	case StateChanged:
		return fmt.Sprintf("[%s] %s %s -> %s", e.SessionID, e.Kind, e.From, e.State)
	case MessageStarted:
		return fmt.Sprintf("[%s] %s %d", e.SessionID, e.Kind, e.Seq)
	case SessionFinished:
		if e.Cause == "" {
			return fmt.Sprintf("[%s] %s ok, %d message(s) in %d tick(s)", e.SessionID, e.Kind, e.Messages, e.Ticks)
		}
		return fmt.Sprintf("[%s] %s %s: %s", e.SessionID, e.Kind, e.Cause, e.Error)
	case FetchRejected:
		return fmt.Sprintf("%s %s: %s", e.Kind, e.Host, e.Error)
	}
	return fmt.Sprintf("[%s] %s", e.SessionID, e.Kind)
}

// FromLoopEvent converts events emitted by the fetcher.
func FromLoopEvent(ev fx.Event) (*Event, bool) {
	switch e := ev.(type) {
	case *fetcher.Started:
		return &Event{
			Kind:      SessionStarted,
			SessionID: e.SessionID,
			Time:      e.Time,
			Host:      e.Host,
		}, true
	case *fetcher.StateChanged:
		return &Event{
			Kind:      StateChanged,
			SessionID: e.SessionID,
			Time:      e.Time,
			From:      e.From.String(),
			State:     e.To.String(),
			Ticks:     e.Tick,
		}, true
	case *fetcher.MessageStarted:
		return &Event{
			Kind:      MessageStarted,
			SessionID: e.SessionID,
			Time:      e.Time,
			Seq:       e.Seq,
		}, true
	case *fetcher.Finished:
		o := e.Outcome
		ev := &Event{
			Kind:      SessionFinished,
			SessionID: o.SessionID,
			Time:      e.Time,
			Host:      o.Host,
			Messages:  o.Messages,
			Ticks:     o.Ticks,
		}
		if !o.Succeeded() {
			ev.Cause = o.Cause.String()
			ev.State = "failed"
			if o.Err != nil {
				ev.Error = o.Err.Error()
			}
		} else {
			ev.State = "succeeded"
		}
		return ev, true
	case *fetcher.Rejected:
		ev := &Event{Kind: FetchRejected, Time: e.Time, Host: e.Request.Host}
		if e.Err != nil {
			ev.Error = e.Err.Error()
		}
		return ev, true
	}
	return nil, false
}

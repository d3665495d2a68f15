package framework

import (
	"context"
	"time"
)

// Named is an abstraction for things with a name.
type Named interface {
	Name() string
}

// Runnable defines a generic interface for background runners.
type Runnable interface {
	Run(context.Context) error
}

// Event is anything posted between controllers of a loop.
// Events posted during an iteration are visible from the next one.
type Event interface{}

// Controller is ticked once per loop iteration.
type Controller interface {
	Control(ControlContext) error
}

// ControlFunc is the func form of Controller.
type ControlFunc func(ControlContext) error

// Control implements Controller.
func (f ControlFunc) Control(cc ControlContext) error {
	return f(cc)
}

// TimeSource provides the time for controlling logic.
type TimeSource interface {
	Time() time.Time
}

// ControlContext provides the context of the current iteration.
type ControlContext interface {
	TimeSource
	// Context retrieves context.Context.
	Context() context.Context
	// Tick is the iteration number, starting from 1.
	Tick() uint64
	// PriorityLevel gets the current priority level.
	PriorityLevel() int
	// Events retrieves the events collected when this iteration started.
	Events() EventQueue

	LoopControl
}

// PriorityLevels is the total levels of priorities.
const PriorityLevels int = 16

// Predefined priority levels. Controllers at lower levels run first.
const (
	PrLvTop    int = 0
	PrLvHigh   int = 4
	PrLvNormal int = 8
	PrLvLow    int = 12
	PrLvIdle   int = PriorityLevels - 1

	// PrLvInput is for controllers accepting requests (shell, signals).
	PrLvInput = PrLvHigh
	// PrLvControl is for controllers driving state machines.
	PrLvControl = PrLvNormal
	// PrLvOutput is for controllers forwarding results.
	PrLvOutput = PrLvLow
)

// LoopControl exposes access to the controlling loop.
// It is safe to use from any goroutine.
type LoopControl interface {
	// PostEvent enqueues the event for the next iteration.
	PostEvent(Event)
	// TriggerNext schedules the next iteration to be executed
	// immediately after the current iteration.
	TriggerNext()
	// Stop ends the loop after the current iteration.
	Stop()
}

// EventQueue provides read/write access to the events of an iteration.
type EventQueue interface {
	// ProcessEvents uses a processor to examine all events.
	ProcessEvents(EventProcessor)
	// AddEvents appends events visible to later controllers of the
	// same iteration.
	AddEvents(evs ...Event)
}

// EventProcessor is used by EventQueue to process events.
type EventProcessor interface {
	ProcessEvent(EventContext)
}

// ProcessEventFunc is the func form of EventProcessor.
type ProcessEventFunc func(EventContext)

// ProcessEvent implements EventProcessor.
func (f ProcessEventFunc) ProcessEvent(ec EventContext) {
	f(ec)
}

// EventContext provides context for the current event.
type EventContext interface {
	// CurrentEvent gets the event being processed.
	CurrentEvent() Event
	// EventTaken removes the event from the queue.
	EventTaken()
	// StopProcessing indicates no need to examine further events.
	StopProcessing()
}

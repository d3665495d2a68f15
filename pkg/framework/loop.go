package framework

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/golang/glog"
)

// DefaultInterval is the tick interval used when Loop.Interval is zero.
const DefaultInterval = 100 * time.Millisecond

// Loop ticks controllers at a fixed interval from a single goroutine.
type Loop struct {
	Interval time.Duration

	controllers [PriorityLevels][]Controller
	runners     []Runnable

	events eventList
	lock   sync.Mutex
	tick   uint64

	wakeUpCh chan struct{}
	stopCh   chan struct{}
	initOnce sync.Once
	stopOnce sync.Once
}

// LoopAdder provides specific logic to add components to loop.
type LoopAdder interface {
	AddToLoop(*Loop)
}

type loopIteration struct {
	*Loop
	ctx           context.Context
	time          time.Time
	tick          uint64
	priorityLevel int
	events        eventList
}

type eventList struct {
	head *eventItem
	tail *eventItem
}

type eventItem struct {
	ev   Event
	next *eventItem
}

func (l *eventList) append(item *eventItem) {
	if l.head == nil {
		l.head = item
	} else {
		l.tail.next = item
	}
	l.tail = item
}

func (l *eventList) splice(src *eventList) {
	l.head, l.tail = src.head, src.tail
	src.head, src.tail = nil, nil
}

func (l *eventList) concat(lst *eventList) {
	if lst.head == nil {
		return
	}
	if l.head == nil {
		l.head = lst.head
	} else {
		l.tail.next = lst.head
	}
	l.tail = lst.tail
}

type loopCtxKeyType struct{}

var loopCtxKey loopCtxKeyType

// LoopCtlFrom gets LoopControl from the context passed to runners.
func LoopCtlFrom(ctx context.Context) LoopControl {
	return ctx.Value(loopCtxKey).(LoopControl)
}

// NewLoop creates a Loop.
func NewLoop() *Loop {
	return &Loop{Interval: DefaultInterval}
}

func (l *Loop) setup() {
	l.initOnce.Do(func() {
		l.wakeUpCh = make(chan struct{}, 1)
		l.stopCh = make(chan struct{})
	})
}

// Add adds LoopAdders.
func (l *Loop) Add(adders ...LoopAdder) *Loop {
	for _, adder := range adders {
		adder.AddToLoop(l)
	}
	return l
}

// AddController registers controllers to the loop. Controllers which are
// also Runnable are started with the loop.
func (l *Loop) AddController(priorityLevel int, ctls ...Controller) *Loop {
	l.controllers[priorityLevel] = append(l.controllers[priorityLevel], ctls...)
	for _, ctl := range ctls {
		if runner, ok := ctl.(Runnable); ok {
			l.runners = append(l.runners, runner)
		}
	}
	return l
}

// AddRunnable adds Runnable implementions.
func (l *Loop) AddRunnable(runnables ...Runnable) *Loop {
	l.runners = append(l.runners, runnables...)
	return l
}

// Run implements Runnable. It returns nil when stopped with Stop and
// ctx.Err() when ctx is done.
func (l *Loop) Run(ctx context.Context) error {
	l.setup()
	runCtx, cancel := context.WithCancel(context.WithValue(ctx, loopCtxKey, LoopControl(l)))
	runner := NewRunnerWith(runCtx)
	runner.Go(l.runners...)
	defer func() {
		cancel()
		if err := runner.Wait(); err != nil {
			glog.Warningf("runner error: %v", err)
		}
	}()

	interval := l.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.stopCh:
			return nil
		case <-ticker.C:
		case <-l.wakeUpCh:
		}
		l.runIteration(runCtx)
		select {
		case <-l.stopCh:
			return nil
		default:
		}
	}
}

// RunOrFail is intended to be used in main to simply run the loop.
func (l *Loop) RunOrFail() {
	if err := l.Run(context.Background()); err != nil && err != context.Canceled {
		log.Fatalln(err)
	}
}

// Ticks returns the number of iterations executed so far.
func (l *Loop) Ticks() uint64 {
	l.lock.Lock()
	defer l.lock.Unlock()
	return l.tick
}

// PostEvent implements LoopControl.
func (l *Loop) PostEvent(ev Event) {
	l.lock.Lock()
	l.events.append(&eventItem{ev: ev})
	l.lock.Unlock()
}

// TriggerNext implements LoopControl.
func (l *Loop) TriggerNext() {
	l.setup()
	select {
	case l.wakeUpCh <- struct{}{}:
	default:
	}
}

// Stop implements LoopControl.
func (l *Loop) Stop() {
	l.setup()
	l.stopOnce.Do(func() { close(l.stopCh) })
}

func (l *Loop) runIteration(ctx context.Context) {
	iter := &loopIteration{Loop: l, time: time.Now()}
	l.lock.Lock()
	l.tick++
	iter.tick = l.tick
	iter.events.splice(&l.events)
	l.lock.Unlock()
	iter.ctx = ctx
	for i := 0; i < PriorityLevels; i++ {
		iter.priorityLevel = i
		for _, ctl := range l.controllers[i] {
			if err := ctl.Control(iter); err != nil {
				glog.Errorf("controller error: %v", err)
			}
		}
	}
	// events nobody took are dropped with the iteration.
	if iter.events.head != nil && glog.V(3) {
		glog.Infof("tick %d: dropping unprocessed events", iter.tick)
	}
}

func (t *loopIteration) Context() context.Context { return t.ctx }
func (t *loopIteration) Time() time.Time          { return t.time }
func (t *loopIteration) Tick() uint64             { return t.tick }
func (t *loopIteration) PriorityLevel() int       { return t.priorityLevel }
func (t *loopIteration) Events() EventQueue       { return t }

type eventContext struct {
	item  *eventItem
	taken bool
	stop  bool
}

func (c *eventContext) CurrentEvent() Event { return c.item.ev }
func (c *eventContext) EventTaken()         { c.taken = true }
func (c *eventContext) StopProcessing()     { c.stop = true }

// ProcessEvents implements EventQueue.
func (t *loopIteration) ProcessEvents(proc EventProcessor) {
	var evs, remains eventList
	evs.splice(&t.events)
	for evs.head != nil {
		ec := &eventContext{item: evs.head}
		evs.head = evs.head.next
		ec.item.next = nil
		proc.ProcessEvent(ec)
		if !ec.taken {
			remains.append(ec.item)
		}
		if ec.stop {
			remains.concat(&evs)
			break
		}
	}
	remains.concat(&t.events)
	t.events = remains
}

// AddEvents implements EventQueue.
func (t *loopIteration) AddEvents(evs ...Event) {
	for _, ev := range evs {
		t.events.append(&eventItem{ev: ev})
	}
}

package fetcher

import (
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"

	fx "github.com/robotalks/pop.go/pkg/framework"
	"github.com/robotalks/pop.go/pkg/retrieval"
)

// Config bounds retrievals from the caller side.
type Config struct {
	// TickBudget is the maximum ticks a retrieval may take, 0 is unbounded.
	TickBudget int
	// Deadline is the maximum wall-clock time of a retrieval, 0 is none.
	Deadline time.Duration
	// LinkTickLimit overrides the tick limit waiting for the link when
	// non-zero. Negative means unbounded.
	LinkTickLimit int
	// MaxQueued limits queued requests. 0 means DefaultMaxQueued.
	MaxQueued int
}

// DefaultMaxQueued is the default number of requests allowed to wait.
const DefaultMaxQueued = 8

// Status is a snapshot of the Fetcher safe to read from any goroutine.
type Status struct {
	State     retrieval.State
	SessionID string
	Host      string
	Messages  int
	Ticks     int
	Queued    int
	Last      *retrieval.Outcome
	Completed int
}

// Fetcher drives an Orchestrator from a loop controller.
type Fetcher struct {
	Config
	// OnOutcome is called from the loop goroutine with every outcome.
	OnOutcome func(*retrieval.Outcome)
	// StopWhenDone stops the loop once an outcome was delivered and
	// nothing is queued.
	StopWhenDone bool

	orch   *retrieval.Orchestrator
	queue  []retrieval.Request
	starts []int

	lock   sync.Mutex
	status Status
}

// New creates a Fetcher. consumer may be nil.
func New(stack retrieval.NetworkStack, engine retrieval.ProtocolEngine, consumer retrieval.ChunkHandler, conf Config) *Fetcher {
	f := &Fetcher{Config: conf}
	consumers := retrieval.Consumers{&startRecorder{f}}
	if consumer != nil {
		consumers = append(consumers, consumer)
	}
	f.orch = retrieval.New(stack, engine, consumers)
	if conf.LinkTickLimit != 0 {
		f.orch.LinkTickLimit = conf.LinkTickLimit
	}
	return f
}

// Orchestrator exposes the underlying orchestrator.
func (f *Fetcher) Orchestrator() *retrieval.Orchestrator {
	return f.orch
}

// AddToLoop implements LoopAdder.
func (f *Fetcher) AddToLoop(l *fx.Loop) {
	l.AddController(fx.PrLvControl, f)
}

// Status returns the latest snapshot.
func (f *Fetcher) Status() Status {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.status
}

// Control implements Controller.
func (f *Fetcher) Control(cc fx.ControlContext) error {
	var errs fx.AggregatedError
	var cancelled bool
	cc.Events().ProcessEvents(fx.ProcessEventFunc(func(ec fx.EventContext) {
		switch ev := ec.CurrentEvent().(type) {
		case Fetch:
			ec.EventTaken()
			errs.Add(f.enqueue(cc, ev.Request))
		case *Fetch:
			ec.EventTaken()
			errs.Add(f.enqueue(cc, ev.Request))
		case CancelFetch:
			ec.EventTaken()
			cancelled = f.cancel(ev.Reason) || cancelled
		case *CancelFetch:
			ec.EventTaken()
			cancelled = f.cancel(ev.Reason) || cancelled
		}
	}))

	// a cancelled outcome is reported before anything new starts.
	if !cancelled && !f.orch.State().IsActive() {
		errs.Add(f.startNext(cc))
	}
	f.enforceBounds(cc.Time())

	prev := f.orch.State()
	session := f.orch.Session()
	res := f.orch.Advance()
	f.emitStarts(cc, session)
	if res.State != prev && session != nil {
		cc.Events().AddEvents(&StateChanged{
			SessionID: session.ID,
			From:      prev,
			To:        res.State,
			Tick:      session.Ticks,
			Time:      cc.Time(),
		})
	}
	if res.Outcome != nil {
		f.deliver(cc, res.Outcome)
	}
	f.updateStatus(res.Outcome)

	if f.StopWhenDone && res.Outcome != nil && len(f.queue) == 0 {
		cc.Stop()
	}
	return errs.Aggregate()
}

func (f *Fetcher) enqueue(cc fx.ControlContext, req retrieval.Request) error {
	err := validate(req)
	if err == nil {
		limit := f.MaxQueued
		if limit <= 0 {
			limit = DefaultMaxQueued
		}
		if len(f.queue) >= limit {
			err = fmt.Errorf("too many queued requests (%d)", len(f.queue))
		}
	}
	if err != nil {
		cc.Events().AddEvents(&Rejected{Request: req, Err: err, Time: cc.Time()})
		return err
	}
	f.queue = append(f.queue, req)
	return nil
}

func validate(req retrieval.Request) error {
	if req.Host == "" {
		return retrieval.ErrEmptyHost
	}
	if !req.Retention.IsValid() {
		return retrieval.ErrInvalidRetention
	}
	return nil
}

func (f *Fetcher) startNext(cc fx.ControlContext) error {
	if len(f.queue) == 0 {
		return nil
	}
	req := f.queue[0]
	f.queue = f.queue[1:]
	if err := f.orch.StartRetrieval(req); err != nil {
		cc.Events().AddEvents(&Rejected{Request: req, Err: err, Time: cc.Time()})
		return err
	}
	s := f.orch.Session()
	cc.Events().AddEvents(&Started{
		SessionID: s.ID,
		Host:      s.Host,
		Username:  s.Credentials.Username,
		Retention: s.Retention,
		Time:      cc.Time(),
	}, &StateChanged{
		SessionID: s.ID,
		From:      retrieval.Idle,
		To:        f.orch.State(),
		Time:      cc.Time(),
	})
	return nil
}

func (f *Fetcher) cancel(reason string) bool {
	if n := len(f.queue); n > 0 {
		glog.Infof("dropping %d queued request(s)", n)
		f.queue = nil
	}
	if f.orch.Cancel() {
		glog.Infof("retrieval cancelled: %s", reason)
		return true
	}
	return false
}

func (f *Fetcher) enforceBounds(now time.Time) {
	s := f.orch.Session()
	if s == nil || !f.orch.State().IsActive() {
		return
	}
	if f.TickBudget > 0 && s.Ticks >= f.TickBudget {
		f.orch.Cancel()
		glog.Warningf("session %s: tick budget %d exhausted", s.ID, f.TickBudget)
		return
	}
	if f.Deadline > 0 && now.Sub(s.StartedAt) >= f.Deadline {
		f.orch.Cancel()
		glog.Warningf("session %s: deadline %s exceeded", s.ID, f.Deadline)
	}
}

func (f *Fetcher) emitStarts(cc fx.ControlContext, s *retrieval.Session) {
	if len(f.starts) == 0 || s == nil {
		f.starts = f.starts[:0]
		return
	}
	evs := make([]fx.Event, len(f.starts))
	for n, seq := range f.starts {
		evs[n] = &MessageStarted{SessionID: s.ID, Seq: seq, Time: cc.Time()}
	}
	f.starts = f.starts[:0]
	cc.Events().AddEvents(evs...)
}

func (f *Fetcher) deliver(cc fx.ControlContext, outcome *retrieval.Outcome) {
	glog.Info(outcome.String())
	cc.Events().AddEvents(&Finished{Outcome: outcome, Time: cc.Time()})
	if fn := f.OnOutcome; fn != nil {
		fn(outcome)
	}
}

func (f *Fetcher) updateStatus(outcome *retrieval.Outcome) {
	st := Status{State: f.orch.State(), Queued: len(f.queue)}
	if s := f.orch.Session(); s != nil {
		st.SessionID, st.Host = s.ID, s.Host
		st.Messages, st.Ticks = s.Messages, s.Ticks
	}
	f.lock.Lock()
	defer f.lock.Unlock()
	st.Last, st.Completed = f.status.Last, f.status.Completed
	if outcome != nil {
		st.Last = outcome
		st.Completed++
	}
	f.status = st
}

// startRecorder collects message starts during Advance so they can be
// emitted as events afterwards.
type startRecorder struct {
	f *Fetcher
}

func (r *startRecorder) HandleChunk(int, []byte) error { return nil }

func (r *startRecorder) MessageStarted(seq int) {
	r.f.starts = append(r.f.starts, seq)
}

package fetcher

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	fx "github.com/robotalks/pop.go/pkg/framework"
	"github.com/robotalks/pop.go/pkg/retrieval"
)

type upStack struct{}

func (upStack) Init() error                      { return nil }
func (upStack) LinkStatus() retrieval.LinkStatus { return retrieval.LinkUp }
func (upStack) Resolve(host string) (retrieval.Address, error) {
	return retrieval.Address{Host: host, IP: net.IPv4(127, 0, 0, 1)}, nil
}

// scriptEngine delivers the chunk script in the first step and then
// stays Pending for pending steps before succeeding. Negative pending
// never finishes.
type scriptEngine struct {
	handler   retrieval.ChunkHandler
	seqs      []int
	pending   int
	steps     int
	abandoned int
}

func (e *scriptEngine) HandleChunks(h retrieval.ChunkHandler) { e.handler = h }

func (e *scriptEngine) BeginSession(retrieval.Address, retrieval.Credentials, retrieval.RetentionPolicy) {
	e.steps = 0
}

func (e *scriptEngine) AdvanceSession() (retrieval.Progress, error) {
	e.steps++
	if e.steps == 1 {
		for _, seq := range e.seqs {
			if err := e.handler.HandleChunk(seq, []byte("line")); err != nil {
				return retrieval.Pending, nil
			}
		}
	}
	if e.pending < 0 || e.steps <= e.pending {
		return retrieval.Pending, nil
	}
	return retrieval.Success, nil
}

func (e *scriptEngine) AbandonSession() { e.abandoned++ }

type eventRecorder struct {
	events []fx.Event
	stopOn func(fx.Event) bool
}

func (r *eventRecorder) Control(cc fx.ControlContext) error {
	cc.Events().ProcessEvents(fx.ProcessEventFunc(func(ec fx.EventContext) {
		ev := ec.CurrentEvent()
		r.events = append(r.events, ev)
		if r.stopOn != nil && r.stopOn(ev) {
			cc.Stop()
		}
	}))
	return nil
}

func (r *eventRecorder) finished() (outcomes []*retrieval.Outcome) {
	for _, ev := range r.events {
		if fin, ok := ev.(*Finished); ok {
			outcomes = append(outcomes, fin.Outcome)
		}
	}
	return
}

var testRequest = retrieval.Request{
	Host:        "mail.domain.com",
	Credentials: retrieval.Credentials{Username: "myname", Secret: "secret"},
	Retention:   retrieval.Preserve,
}

func runLoop(t *testing.T, f *Fetcher, rec *eventRecorder, before func(*fx.Loop)) {
	loop := &fx.Loop{Interval: time.Millisecond}
	loop.Add(f)
	loop.AddController(fx.PrLvOutput, rec)
	if before != nil {
		before(loop)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, loop.Run(ctx))
}

func TestFetcherSuccess(t *testing.T) {
	engine := &scriptEngine{seqs: []int{1, 1, 2}, pending: 2}
	f := New(upStack{}, engine, nil, Config{})
	f.StopWhenDone = true
	var outcomes []*retrieval.Outcome
	f.OnOutcome = func(o *retrieval.Outcome) { outcomes = append(outcomes, o) }
	rec := &eventRecorder{}
	runLoop(t, f, rec, func(l *fx.Loop) { Submit(l, testRequest) })

	require.Len(t, outcomes, 1)
	require.True(t, outcomes[0].Succeeded())
	require.Equal(t, 2, outcomes[0].Messages)
	require.Equal(t, outcomes, rec.finished())

	var kinds []string
	var seqs []int
	var states []retrieval.State
	for _, ev := range rec.events {
		switch e := ev.(type) {
		case *Started:
			kinds = append(kinds, "started")
			require.Equal(t, "myname", e.Username)
		case *StateChanged:
			states = append(states, e.To)
		case *MessageStarted:
			seqs = append(seqs, e.Seq)
		case *Finished:
			kinds = append(kinds, "finished")
		}
	}
	require.Equal(t, []string{"started", "finished"}, kinds)
	require.Equal(t, []int{1, 2}, seqs)
	require.Equal(t, []retrieval.State{
		retrieval.WaitingForLink,
		retrieval.Resolving,
		retrieval.SessionStarting,
		retrieval.Polling,
		retrieval.Succeeded,
	}, states)

	st := f.Status()
	require.Equal(t, 1, st.Completed)
	require.Same(t, outcomes[0], st.Last)
}

func TestFetcherBounds(t *testing.T) {
	testCases := []struct {
		name string
		conf Config
	}{
		{"tick budget", Config{TickBudget: 6}},
		{"deadline", Config{Deadline: 50 * time.Millisecond}},
		{"link ticks", Config{LinkTickLimit: 3}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			engine := &scriptEngine{pending: -1}
			var stack retrieval.NetworkStack = upStack{}
			if tc.conf.LinkTickLimit > 0 {
				stack = downStack{}
			}
			f := New(stack, engine, nil, tc.conf)
			f.StopWhenDone = true
			rec := &eventRecorder{}
			runLoop(t, f, rec, func(l *fx.Loop) { Submit(l, testRequest) })
			outcomes := rec.finished()
			require.Len(t, outcomes, 1)
			if tc.conf.LinkTickLimit > 0 {
				require.Equal(t, retrieval.CauseLinkNeverCameUp, outcomes[0].Cause)
				require.Equal(t, 3, outcomes[0].Ticks)
				return
			}
			require.Equal(t, retrieval.CauseCancelled, outcomes[0].Cause)
			require.Equal(t, 1, engine.abandoned)
			if tc.conf.TickBudget > 0 {
				require.Equal(t, tc.conf.TickBudget, outcomes[0].Ticks)
			}
		})
	}
}

type downStack struct{ upStack }

func (downStack) LinkStatus() retrieval.LinkStatus { return retrieval.LinkComingUp }

func TestFetcherQueue(t *testing.T) {
	engine := &scriptEngine{seqs: []int{1}, pending: 1}
	f := New(upStack{}, engine, nil, Config{})
	f.StopWhenDone = true
	rec := &eventRecorder{}
	second := testRequest
	second.Host = "pop.other.org"
	runLoop(t, f, rec, func(l *fx.Loop) {
		Submit(l, testRequest)
		Submit(l, second)
	})
	outcomes := rec.finished()
	require.Len(t, outcomes, 2)
	require.Equal(t, "mail.domain.com", outcomes[0].Host)
	require.Equal(t, "pop.other.org", outcomes[1].Host)
	require.NotEqual(t, outcomes[0].SessionID, outcomes[1].SessionID)
	require.Equal(t, 2, f.Status().Completed)
}

func TestFetcherRejected(t *testing.T) {
	f := New(upStack{}, &scriptEngine{}, nil, Config{})
	rec := &eventRecorder{stopOn: func(ev fx.Event) bool {
		_, ok := ev.(*Rejected)
		return ok
	}}
	runLoop(t, f, rec, func(l *fx.Loop) {
		Submit(l, retrieval.Request{Host: "h"})
	})
	require.NotEmpty(t, rec.events)
	rejected := rec.events[len(rec.events)-1].(*Rejected)
	require.ErrorIs(t, rejected.Err, retrieval.ErrInvalidRetention)
	require.Equal(t, retrieval.Idle, f.Status().State)
}

func TestFetcherAbort(t *testing.T) {
	engine := &scriptEngine{pending: -1}
	f := New(upStack{}, engine, nil, Config{})
	f.StopWhenDone = true
	rec := &eventRecorder{}
	runLoop(t, f, rec, func(l *fx.Loop) {
		Submit(l, testRequest)
		l.AddController(fx.PrLvInput, fx.ControlFunc(func(cc fx.ControlContext) error {
			if f.Status().State == retrieval.Polling && cc.Tick() > 8 {
				Abort(cc, "test")
			}
			return nil
		}))
	})
	outcomes := rec.finished()
	require.Len(t, outcomes, 1)
	require.Equal(t, retrieval.CauseCancelled, outcomes[0].Cause)
	require.Equal(t, 1, engine.abandoned)
}

func TestFetcherCancelThenFetch(t *testing.T) {
	engine := &scriptEngine{pending: -1}
	f := New(upStack{}, engine, nil, Config{})
	f.StopWhenDone = true
	rec := &eventRecorder{}
	second := testRequest
	second.Host = "pop.other.org"
	var aborted bool
	runLoop(t, f, rec, func(l *fx.Loop) {
		Submit(l, testRequest)
		l.AddController(fx.PrLvInput, fx.ControlFunc(func(cc fx.ControlContext) error {
			if !aborted && f.Status().State == retrieval.Polling && cc.Tick() > 8 {
				aborted = true
				engine.pending = 1
				Abort(cc, "test")
				Submit(cc, second)
			}
			return nil
		}))
	})
	outcomes := rec.finished()
	require.Len(t, outcomes, 2)
	require.Equal(t, retrieval.CauseCancelled, outcomes[0].Cause)
	require.Equal(t, "mail.domain.com", outcomes[0].Host)
	require.True(t, outcomes[1].Succeeded())
	require.Equal(t, "pop.other.org", outcomes[1].Host)
}

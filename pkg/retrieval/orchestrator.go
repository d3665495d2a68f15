package retrieval

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang/glog"
	"github.com/google/uuid"
)

// DefaultLinkTickLimit is the default bound on ticks spent waiting for
// the network link.
const DefaultLinkTickLimit = 600

// SessionStarter is optionally implemented by a ChunkHandler to learn
// about a new session before any of its chunks.
type SessionStarter interface {
	SessionStarted(sessionID string)
}

// SessionFinisher is optionally implemented by a ChunkHandler to learn
// how the session ended. Returning an error when succeeded is true turns
// the outcome into a consumer rejection.
type SessionFinisher interface {
	FinishSession(succeeded bool) error
}

// Orchestrator drives one retrieval at a time through its states.
// It is not safe for concurrent use; all calls must come from the
// thread ticking Advance.
type Orchestrator struct {
	// LinkTickLimit bounds the ticks spent in WaitingForLink.
	// Zero or negative means unbounded.
	LinkTickLimit int
	// Now is the clock, defaults to time.Now.
	Now func() time.Time

	stack    NetworkStack
	engine   ProtocolEngine
	consumer ChunkHandler

	state    State
	session  *Session
	outcome  *Outcome
	reported bool
	begun    bool
	// consumer finished with success.
	delivered bool
}

// New creates an Orchestrator and registers its chunk callback with the
// engine. consumer may be nil.
func New(stack NetworkStack, engine ProtocolEngine, consumer ChunkHandler) *Orchestrator {
	o := &Orchestrator{
		LinkTickLimit: DefaultLinkTickLimit,
		Now:           time.Now,
		stack:         stack,
		engine:        engine,
		consumer:      consumer,
	}
	engine.HandleChunks(chunkReceiver{o})
	return o
}

// chunkReceiver is the handler registered with the engine.
type chunkReceiver struct {
	o *Orchestrator
}

func (r chunkReceiver) HandleChunk(seq int, data []byte) error {
	return r.o.handleChunk(seq, data)
}

func (r chunkReceiver) CompleteDelivery() error {
	return r.o.completeDelivery()
}

// State returns the current state.
func (o *Orchestrator) State() State {
	return o.state
}

// Session returns the active or terminal session, nil when idle.
func (o *Orchestrator) Session() *Session {
	return o.session
}

// StartRetrieval starts a new session. It never blocks; progress happens
// in Advance.
func (o *Orchestrator) StartRetrieval(req Request) error {
	if o.state.IsActive() {
		return ErrAlreadyInProgress
	}
	if req.Host == "" {
		return ErrEmptyHost
	}
	if !req.Retention.IsValid() {
		return ErrInvalidRetention
	}
	if err := o.stack.Init(); err != nil {
		return fmt.Errorf("initialize network stack: %w", err)
	}
	if o.outcome != nil && !o.reported {
		glog.Warningf("unreported outcome discarded: %v", o.outcome)
	}
	o.reset()
	o.session = &Session{
		ID:          uuid.NewString(),
		Host:        req.Host,
		Address:     Address{Host: req.Host},
		Credentials: req.Credentials,
		Retention:   req.Retention,
		StartedAt:   o.now(),
	}
	glog.Infof("session %s: retrieving %s@%s (%s)", o.session.ID, req.Credentials.Username, req.Host, req.Retention)
	if starter, ok := o.consumer.(SessionStarter); ok {
		starter.SessionStarted(o.session.ID)
	}
	o.transit(WaitingForLink)
	return nil
}

// Advance performs one step. The Outcome of a finished session is
// returned once; the next call resets to Idle.
func (o *Orchestrator) Advance() Result {
	switch o.state {
	case Idle:
		return Result{State: Idle}
	case Succeeded, Failed:
		if !o.reported {
			o.reported = true
			return Result{State: o.state, Outcome: o.outcome}
		}
		o.reset()
		return Result{State: Idle}
	}

	o.session.Ticks++
	switch o.state {
	case WaitingForLink:
		o.waitForLink()
	case Resolving:
		o.resolve()
	case SessionStarting:
		o.beginSession()
	case Polling:
		o.poll()
	}
	if o.state.IsTerminal() {
		o.reported = true
		return Result{State: o.state, Outcome: o.outcome}
	}
	return Result{State: o.state}
}

// Cancel aborts the active session. The Failed outcome is reported by
// the next Advance. It returns false when there is nothing to cancel.
func (o *Orchestrator) Cancel() bool {
	if !o.state.IsActive() {
		return false
	}
	if o.state == Resolving {
		if canceler, ok := o.stack.(ResolveCanceler); ok {
			canceler.CancelResolve(o.session.Host)
		}
	}
	o.abandon(CauseCancelled, ErrCancelled)
	return true
}

func (o *Orchestrator) waitForLink() {
	status := o.stack.LinkStatus()
	if status == LinkUp {
		o.transit(Resolving)
		return
	}
	o.session.LinkTicks++
	if o.LinkTickLimit > 0 && o.session.LinkTicks >= o.LinkTickLimit {
		o.fail(CauseLinkNeverCameUp, fmt.Errorf("%w: still %s after %d ticks", ErrLinkNeverCameUp, status, o.session.LinkTicks))
	}
}

func (o *Orchestrator) resolve() {
	addr, err := o.stack.Resolve(o.session.Host)
	switch {
	case errors.Is(err, ErrResolvePending):
	case err != nil:
		o.fail(CauseResolutionFailed, err)
	case !addr.IsResolved():
		o.fail(CauseResolutionFailed, fmt.Errorf("no address for %q", o.session.Host))
	default:
		if addr.Host == "" {
			addr.Host = o.session.Host
		}
		o.session.Address = addr
		glog.V(1).Infof("session %s: resolved %s", o.session.ID, addr)
		o.transit(SessionStarting)
	}
}

func (o *Orchestrator) beginSession() {
	s := o.session
	o.engine.BeginSession(s.Address, s.Credentials, s.Retention)
	o.begun = true
	o.transit(Polling)
}

func (o *Orchestrator) poll() {
	progress, err := o.engine.AdvanceSession()
	if o.state != Polling {
		// rejected while chunks were delivered.
		return
	}
	switch progress {
	case Pending:
	case Success:
		o.succeed()
	case Timeout:
		if err == nil {
			err = errors.New("session timed out")
		}
		o.fail(CauseTimeout, err)
	case ProtocolError:
		if err == nil {
			err = errors.New("protocol error")
		}
		o.fail(CauseProtocolError, err)
	default:
		o.fail(CauseProtocolError, fmt.Errorf("unexpected progress %v", progress))
	}
}

func (o *Orchestrator) handleChunk(seq int, data []byte) error {
	if o.state != Polling {
		return ErrNotPolling
	}
	s := o.session
	started, err := s.cursor.advance(seq)
	if err != nil {
		o.abandon(CauseProtocolError, err)
		return err
	}
	if started {
		s.Messages++
		glog.V(1).Infof("session %s: receiving message %d", s.ID, seq)
		if starter, ok := o.consumer.(MessageStarter); ok {
			starter.MessageStarted(seq)
		}
	}
	if glog.V(2) {
		glog.Infof("session %s: message %d chunk %d bytes", s.ID, seq, len(data))
	}
	if o.consumer == nil {
		return nil
	}
	if err := o.consumer.HandleChunk(seq, data); err != nil {
		o.abandon(CauseConsumerRejected, err)
		return err
	}
	return nil
}

// completeDelivery finishes the consumer before the engine commits.
func (o *Orchestrator) completeDelivery() error {
	if o.state != Polling {
		return ErrNotPolling
	}
	if o.delivered {
		return nil
	}
	if err := o.finishConsumer(); err != nil {
		o.abandon(CauseConsumerRejected, err)
		return err
	}
	return nil
}

func (o *Orchestrator) finishConsumer() error {
	o.delivered = true
	if finisher, ok := o.consumer.(SessionFinisher); ok {
		return finisher.FinishSession(true)
	}
	return nil
}

func (o *Orchestrator) succeed() {
	if !o.delivered {
		if err := o.finishConsumer(); err != nil {
			o.fail(CauseConsumerRejected, err)
			return
		}
	}
	o.finish(CauseNone, nil)
	o.transit(Succeeded)
}

func (o *Orchestrator) abandon(cause Cause, err error) {
	if o.begun {
		o.engine.AbandonSession()
	}
	o.fail(cause, err)
}

func (o *Orchestrator) fail(cause Cause, err error) {
	if finisher, ok := o.consumer.(SessionFinisher); ok {
		if ferr := finisher.FinishSession(false); ferr != nil {
			glog.Warningf("session %s: consumer cleanup: %v", o.session.ID, ferr)
		}
	}
	o.finish(cause, &FailureError{Cause: cause, Err: err})
	glog.Warningf("session %s: %v", o.session.ID, o.outcome.Err)
	o.transit(Failed)
}

func (o *Orchestrator) finish(cause Cause, err error) {
	s := o.session
	o.outcome = &Outcome{
		SessionID: s.ID,
		Host:      s.Host,
		Cause:     cause,
		Messages:  s.Messages,
		Ticks:     s.Ticks,
		Elapsed:   o.now().Sub(s.StartedAt),
	}
	if err != nil {
		o.outcome.Err = err
	}
	o.reported = false
}

func (o *Orchestrator) transit(state State) {
	glog.V(1).Infof("session %s: %s -> %s", o.session.ID, o.state, state)
	o.state = state
}

func (o *Orchestrator) reset() {
	o.state = Idle
	o.session = nil
	o.outcome = nil
	o.reported = false
	o.begun = false
	o.delivered = false
}

func (o *Orchestrator) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

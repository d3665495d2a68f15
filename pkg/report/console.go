// Package report prints retrieval progress for humans.
package report

import (
	"fmt"
	"io"
	"sync"

	"github.com/robotalks/pop.go/pkg/fetcher"
	fx "github.com/robotalks/pop.go/pkg/framework"
	"github.com/robotalks/pop.go/pkg/retrieval"
)

// Console writes message lines as they arrive and one line per phase
// and outcome. It is both a ChunkHandler and an output controller.
type Console struct {
	Out io.Writer
	// Quiet suppresses message lines, only phases and outcomes are printed.
	Quiet bool

	lock    sync.Mutex
	lastSeq int
}

// NewConsole creates a Console.
func NewConsole(out io.Writer) *Console {
	return &Console{Out: out}
}

// AddToLoop implements LoopAdder.
func (c *Console) AddToLoop(l *fx.Loop) {
	l.AddController(fx.PrLvOutput, c)
}

// SessionStarted implements SessionStarter.
func (c *Console) SessionStarted(string) {
	c.lock.Lock()
	c.lastSeq = 0
	c.lock.Unlock()
}

// MessageStarted implements MessageStarter.
func (c *Console) MessageStarted(seq int) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.startMessage(seq)
}

// HandleChunk implements ChunkHandler.
func (c *Console) HandleChunk(seq int, data []byte) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if seq != c.lastSeq {
		c.startMessage(seq)
	}
	if !c.Quiet {
		fmt.Fprintf(c.Out, "MSG_DATA> '%s'\n", data)
	}
	return nil
}

func (c *Console) startMessage(seq int) {
	c.lastSeq = seq
	if !c.Quiet {
		fmt.Fprintf(c.Out, "RECEIVING MESSAGE <%d>\n", seq)
	}
}

// Control implements Controller.
func (c *Console) Control(cc fx.ControlContext) error {
	cc.Events().ProcessEvents(fx.ProcessEventFunc(func(ec fx.EventContext) {
		switch ev := ec.CurrentEvent().(type) {
		case *fetcher.Started:
			fmt.Fprintf(c.Out, "Fetching mail from %s as %s...\n", ev.Host, ev.Username)
		case *fetcher.StateChanged:
			if line := phaseLine(ev.To); line != "" {
				fmt.Fprintln(c.Out, line)
			}
		case *fetcher.Finished:
			fmt.Fprintln(c.Out, OutcomeLine(ev.Outcome))
		case *fetcher.Rejected:
			fmt.Fprintf(c.Out, "Fetch rejected: %v\n", ev.Err)
		}
	}))
	return nil
}

func phaseLine(state retrieval.State) string {
	switch state {
	case retrieval.WaitingForLink:
		return "Waiting for the network..."
	case retrieval.Resolving:
		return "Resolving name..."
	case retrieval.SessionStarting:
		return "Starting POP3 session..."
	case retrieval.Polling:
		return "Receiving mail..."
	}
	return ""
}

// OutcomeLine describes an outcome in one line.
func OutcomeLine(o *retrieval.Outcome) string {
	switch o.Cause {
	case retrieval.CauseNone:
		return fmt.Sprintf("POP was successful! %d message(s) received.", o.Messages)
	case retrieval.CauseTimeout:
		return "POP timed out!"
	case retrieval.CauseCancelled:
		return "POP was cancelled."
	}
	return fmt.Sprintf("POP failed: %v", o.Err)
}

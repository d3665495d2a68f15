package events

import (
	"context"
	"io"

	"github.com/golang/glog"

	fx "github.com/robotalks/pop.go/pkg/framework"
)

// PacketReader reads packets in bytes.
type PacketReader interface {
	ReadPacket() ([]byte, error)
}

// PacketWriter writes packets in bytes.
type PacketWriter interface {
	WritePacket([]byte) error
}

// DefaultQueueSize is the number of packets buffered by a Publisher.
const DefaultQueueSize = 64

// Publisher forwards retrieval events to packet writers. It is a loop
// controller at output level: events are encoded on the loop goroutine
// and written from Run, so a slow transport never stalls a tick.
type Publisher struct {
	// Source is stamped on every event.
	Source string

	writers []PacketWriter
	pktCh   chan []byte
}

// NewPublisher creates a Publisher.
func NewPublisher(source string, writers ...PacketWriter) *Publisher {
	return &Publisher{
		Source:  source,
		writers: writers,
		pktCh:   make(chan []byte, DefaultQueueSize),
	}
}

// Add adds writers. Must be called before the loop runs.
func (p *Publisher) Add(writers ...PacketWriter) *Publisher {
	p.writers = append(p.writers, writers...)
	return p
}

// Writers returns the registered writers.
func (p *Publisher) Writers() []PacketWriter {
	return p.writers
}

// AddToLoop implements LoopAdder. Writers which are Runnable are started
// with the loop.
func (p *Publisher) AddToLoop(l *fx.Loop) {
	l.AddController(fx.PrLvOutput, p)
	for _, w := range p.writers {
		if r, ok := w.(fx.Runnable); ok {
			l.AddRunnable(r)
		}
	}
}

// Control implements Controller.
func (p *Publisher) Control(cc fx.ControlContext) error {
	cc.Events().ProcessEvents(fx.ProcessEventFunc(func(ec fx.EventContext) {
		ev, ok := FromLoopEvent(ec.CurrentEvent())
		if !ok {
			return
		}
		ev.Source = p.Source
		pkt, err := ev.Encode()
		if err != nil {
			glog.Errorf("encode %s: %v", ev.Kind, err)
			return
		}
		select {
		case p.pktCh <- pkt:
		default:
			glog.Warningf("publish queue full, %s dropped", ev.Kind)
		}
	}))
	return nil
}

// Run implements Runnable.
func (p *Publisher) Run(ctx context.Context) error {
	defer p.close()
	for {
		select {
		case pkt := <-p.pktCh:
			p.write(pkt)
		case <-ctx.Done():
			p.drain()
			return nil
		}
	}
}

// Publish encodes and writes an event synchronously.
func (p *Publisher) Publish(ev *Event) error {
	if ev.Source == "" {
		ev.Source = p.Source
	}
	pkt, err := ev.Encode()
	if err != nil {
		return err
	}
	return p.writePacket(pkt)
}

func (p *Publisher) writePacket(pkt []byte) error {
	errs := &fx.AggregatedError{}
	for _, w := range p.writers {
		errs.Add(w.WritePacket(pkt))
	}
	return errs.Aggregate()
}

func (p *Publisher) write(pkt []byte) {
	if err := p.writePacket(pkt); err != nil {
		glog.Warningf("publish: %v", err)
	}
}

func (p *Publisher) drain() {
	for {
		select {
		case pkt := <-p.pktCh:
			p.write(pkt)
		default:
			return
		}
	}
}

func (p *Publisher) close() {
	for _, w := range p.writers {
		if c, ok := w.(io.Closer); ok {
			if err := c.Close(); err != nil {
				glog.Warningf("close writer: %v", err)
			}
		}
	}
}

package pop3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang/glog"
	gopop3 "github.com/knadh/go-pop3"

	"github.com/robotalks/pop.go/pkg/retrieval"
)

// Default settings.
const (
	DefaultPort             = 110
	DefaultTLSPort          = 995
	DefaultDialTimeout      = 10 * time.Second
	DefaultSessionTimeout   = 5 * time.Minute
	DefaultMaxChunksPerTick = 64
)

var (
	errNoSession      = errors.New("no session")
	errSessionTimeout = errors.New("session timed out")
)

// Config configures the Engine.
type Config struct {
	// Port defaults to 110, or 995 with TLS.
	Port          int
	TLS           bool
	TLSSkipVerify bool
	DialTimeout   time.Duration
	// SessionTimeout bounds a whole session, 0 uses the default.
	SessionTimeout time.Duration
	// MaxChunksPerTick bounds chunks delivered by one AdvanceSession.
	MaxChunksPerTick int
}

// Mailbox is the part of a POP3 connection used by the Engine.
// *gopop3.Conn implements it.
type Mailbox interface {
	Auth(user, password string) error
	List(msgID int) ([]gopop3.MessageID, error)
	RetrRaw(msgID int) (*bytes.Buffer, error)
	Dele(msgID ...int) error
	Quit() error
}

// DialFunc connects to a mailbox. The connection must be released once
// ctx is done.
type DialFunc func(ctx context.Context, addr retrieval.Address) (Mailbox, error)

// Engine implements retrieval.ProtocolEngine with a POP3 client running
// in a background goroutine per session.
type Engine struct {
	Config
	// Dial defaults to a go-pop3 connection.
	Dial DialFunc
	// Now is the clock for the session timeout.
	Now func() time.Time

	handler retrieval.ChunkHandler
	session *session
}

// New creates an Engine.
func New(conf Config) *Engine {
	e := &Engine{Config: conf, Now: time.Now}
	e.Dial = e.dialPOP3
	return e
}

// HandleChunks implements retrieval.ProtocolEngine.
func (e *Engine) HandleChunks(h retrieval.ChunkHandler) {
	e.handler = h
}

// BeginSession implements retrieval.ProtocolEngine.
func (e *Engine) BeginSession(addr retrieval.Address, creds retrieval.Credentials, retention retrieval.RetentionPolicy) {
	e.AbandonSession()
	timeout := e.SessionTimeout
	if timeout <= 0 {
		timeout = DefaultSessionTimeout
	}
	limit := e.MaxChunksPerTick
	if limit <= 0 {
		limit = DefaultMaxChunksPerTick
	}
	s := &session{
		deadline: e.now().Add(timeout),
		timeout:  timeout,
		limit:    limit,
		chunkCh:  make(chan chunk, limit),
		commitCh: make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	s.ctx, s.cancel = context.WithTimeout(context.Background(), timeout)
	e.session = s
	dial := e.Dial
	if dial == nil {
		dial = e.dialPOP3
	}
	glog.V(1).Infof("pop3: session with %s as %s, %s", addr, creds.Username, retention)
	go s.run(dial, addr, creds, retention)
}

// AdvanceSession implements retrieval.ProtocolEngine.
func (e *Engine) AdvanceSession() (retrieval.Progress, error) {
	s := e.session
	if s == nil {
		return retrieval.ProtocolError, errNoSession
	}
	if s.finished {
		return s.progress, s.err
	}
deliver:
	for n := 0; n < s.limit; n++ {
		var c chunk
		select {
		case c = <-s.chunkCh:
		default:
			break deliver
		}
		if c.final {
			// QUIT applies deletions, hold it until the consumer
			// has everything.
			if completer, ok := e.handler.(retrieval.DeliveryCompleter); ok {
				if err := completer.CompleteDelivery(); err != nil {
					if e.session == s {
						e.AbandonSession()
					}
					return retrieval.Pending, nil
				}
				if e.session != s {
					return retrieval.Pending, nil
				}
			}
			close(s.commitCh)
			break
		}
		if glog.V(2) {
			glog.Infof("pop3: message %d: %q", c.seq, c.data)
		}
		if e.handler == nil {
			continue
		}
		if err := e.handler.HandleChunk(c.seq, c.data); err != nil {
			// the orchestrator abandons the session.
			return retrieval.Pending, nil
		}
		if e.session != s {
			return retrieval.Pending, nil
		}
	}

	select {
	case <-s.doneCh:
		if len(s.chunkCh) > 0 {
			return retrieval.Pending, nil
		}
		return s.finish(s.result())
	default:
	}
	if e.now().After(s.deadline) {
		s.cancel()
		return s.finish(retrieval.Timeout, fmt.Errorf("%w after %s", errSessionTimeout, s.timeout))
	}
	return retrieval.Pending, nil
}

// AbandonSession implements retrieval.ProtocolEngine. The session is
// dropped without QUIT so the server keeps all messages.
func (e *Engine) AbandonSession() {
	if s := e.session; s != nil {
		s.cancel()
		e.session = nil
		glog.V(1).Info("pop3: session abandoned")
	}
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Engine) port() int {
	if e.Port > 0 {
		return e.Port
	}
	if e.TLS {
		return DefaultTLSPort
	}
	return DefaultPort
}

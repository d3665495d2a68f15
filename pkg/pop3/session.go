package pop3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/golang/glog"

	"github.com/robotalks/pop.go/pkg/retrieval"
)

type chunk struct {
	seq   int
	data  []byte
	final bool
}

// session is one POP3 transaction. run owns the connection; the tick
// thread only reads chunkCh and watches doneCh.
type session struct {
	ctx      context.Context
	cancel   context.CancelFunc
	deadline time.Time
	timeout  time.Duration
	limit    int

	chunkCh  chan chunk
	commitCh chan struct{}
	doneCh   chan struct{}
	runErr   error

	finished bool
	progress retrieval.Progress
	err      error
}

func (s *session) run(dial DialFunc, addr retrieval.Address, creds retrieval.Credentials, retention retrieval.RetentionPolicy) {
	defer close(s.doneCh)
	s.runErr = s.retrieve(dial, addr, creds, retention)
	// releases the connection.
	s.cancel()
	if s.runErr != nil {
		glog.V(1).Infof("pop3: session ended: %v", s.runErr)
	}
}

func (s *session) retrieve(dial DialFunc, addr retrieval.Address, creds retrieval.Credentials, retention retrieval.RetentionPolicy) error {
	mbox, err := dial(s.ctx, addr)
	if err != nil {
		return err
	}
	if err := mbox.Auth(creds.Username, creds.Secret); err != nil {
		return fmt.Errorf("authenticate %s: %w", creds.Username, err)
	}
	msgs, err := mbox.List(0)
	if err != nil {
		return fmt.Errorf("list messages: %w", err)
	}
	glog.V(1).Infof("pop3: %d message(s) on %s", len(msgs), addr)
	for _, m := range msgs {
		raw, err := mbox.RetrRaw(m.ID)
		if err != nil {
			return fmt.Errorf("retrieve message %d: %w", m.ID, err)
		}
		for _, line := range splitLines(raw.Bytes()) {
			if err := s.send(chunk{seq: m.ID, data: line}); err != nil {
				return err
			}
		}
		// DELE only marks; nothing is removed before QUIT.
		if retention == retrieval.Delete {
			if err := mbox.Dele(m.ID); err != nil {
				return fmt.Errorf("delete message %d: %w", m.ID, err)
			}
		}
	}
	if err := s.send(chunk{final: true}); err != nil {
		return err
	}
	// QUIT only after every chunk was accepted.
	select {
	case <-s.commitCh:
	case <-s.ctx.Done():
		return s.ctx.Err()
	}
	if err := mbox.Quit(); err != nil {
		return fmt.Errorf("quit: %w", err)
	}
	return nil
}

func (s *session) send(c chunk) error {
	select {
	case s.chunkCh <- c:
		return nil
	case <-s.ctx.Done():
		return s.ctx.Err()
	}
}

func (s *session) result() (retrieval.Progress, error) {
	err := s.runErr
	switch {
	case err == nil:
		return retrieval.Success, nil
	case errors.Is(s.ctx.Err(), context.DeadlineExceeded):
		return retrieval.Timeout, fmt.Errorf("%w after %s: %v", errSessionTimeout, s.timeout, err)
	case isTimeout(err):
		return retrieval.Timeout, err
	}
	return retrieval.ProtocolError, err
}

func (s *session) finish(progress retrieval.Progress, err error) (retrieval.Progress, error) {
	s.finished, s.progress, s.err = true, progress, err
	return progress, err
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// splitLines splits a message into lines without CRLF.
func splitLines(raw []byte) [][]byte {
	if len(raw) == 0 {
		return nil
	}
	if bytes.HasSuffix(raw, []byte("\n")) {
		raw = raw[:len(raw)-1]
	}
	lines := bytes.Split(raw, []byte("\n"))
	for n, line := range lines {
		lines[n] = bytes.TrimSuffix(line, []byte("\r"))
	}
	return lines
}

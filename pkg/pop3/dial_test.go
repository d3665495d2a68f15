package pop3

import (
	"bufio"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/robotalks/pop.go/pkg/retrieval"
)

// popServer is a minimal POP3 server on a loopback port.
type popServer struct {
	ln    net.Listener
	msgs  []string
	block bool

	retrCh   chan struct{}
	closedCh chan struct{}

	lock     sync.Mutex
	commands []string
}

func startPopServer(t *testing.T, block bool, msgs ...string) *popServer {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := &popServer{
		ln:       ln,
		msgs:     msgs,
		block:    block,
		retrCh:   make(chan struct{}, 1),
		closedCh: make(chan struct{}),
	}
	t.Cleanup(func() { ln.Close() })
	go s.serve()
	return s
}

func (s *popServer) port() int {
	return s.ln.Addr().(*net.TCPAddr).Port
}

func (s *popServer) received() []string {
	s.lock.Lock()
	defer s.lock.Unlock()
	return append([]string(nil), s.commands...)
}

func (s *popServer) serve() {
	conn, err := s.ln.Accept()
	if err != nil {
		return
	}
	defer close(s.closedCh)
	defer conn.Close()
	r := bufio.NewReader(conn)
	reply := func(lines ...string) {
		fmt.Fprint(conn, strings.Join(lines, "\r\n")+"\r\n")
	}
	reply("+OK ready")
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		s.lock.Lock()
		s.commands = append(s.commands, fields[0])
		s.lock.Unlock()
		switch fields[0] {
		case "LIST":
			lines := []string{"+OK"}
			for n, msg := range s.msgs {
				lines = append(lines, fmt.Sprintf("%d %d", n+1, len(msg)))
			}
			reply(append(lines, ".")...)
		case "RETR":
			if s.block {
				s.retrCh <- struct{}{}
				continue
			}
			var id int
			fmt.Sscan(fields[1], &id)
			msg := strings.TrimSuffix(s.msgs[id-1], "\r\n")
			reply("+OK", msg, ".")
		case "QUIT":
			reply("+OK bye")
			return
		default:
			reply("+OK")
		}
	}
}

func newDialEngine(t *testing.T, srv *popServer) *testEngine {
	te := &testEngine{t: t}
	te.engine = New(Config{Port: srv.port(), DialTimeout: time.Second})
	te.engine.HandleChunks(te)
	return te
}

var loopbackAddr = retrieval.Address{Host: "localhost", IP: net.IPv4(127, 0, 0, 1)}

func TestEngineDialRetrieve(t *testing.T) {
	srv := startPopServer(t, false, msg1, msg2)
	te := newDialEngine(t, srv)
	te.engine.BeginSession(loopbackAddr, testCreds, retrieval.Delete)
	var progress retrieval.Progress
	var err error
	for i := 0; i < 5000 && progress == retrieval.Pending; i++ {
		progress, err = te.engine.AdvanceSession()
		time.Sleep(time.Millisecond)
	}
	require.NoError(t, err)
	require.Equal(t, retrieval.Success, progress)
	require.Len(t, te.chunks, 8)
	require.Equal(t, received{2, "line 2"}, te.chunks[7])
	select {
	case <-srv.closedCh:
	case <-time.After(2 * time.Second):
		t.Fatal("server connection not closed")
	}
	require.Equal(t, []string{
		"USER", "PASS", "NOOP", "LIST", "RETR", "DELE", "RETR", "DELE", "QUIT",
	}, srv.received())
}

func TestEngineDialAbandonUnblocksRead(t *testing.T) {
	srv := startPopServer(t, true, msg1)
	te := newDialEngine(t, srv)
	te.engine.BeginSession(loopbackAddr, testCreds, retrieval.Delete)
	s := te.engine.session

	select {
	case <-srv.retrCh:
	case <-time.After(2 * time.Second):
		t.Fatal("RETR never sent")
	}
	progress, err := te.engine.AdvanceSession()
	require.NoError(t, err)
	require.Equal(t, retrieval.Pending, progress)

	te.engine.AbandonSession()
	select {
	case <-s.doneCh:
	case <-time.After(2 * time.Second):
		t.Fatal("session goroutine still blocked")
	}
	require.Error(t, s.runErr)
	select {
	case <-srv.closedCh:
	case <-time.After(2 * time.Second):
		t.Fatal("server connection not closed")
	}
	require.NotContains(t, srv.received(), "QUIT")
}

func TestEngineDialRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	te := &testEngine{t: t}
	te.engine = New(Config{Port: port, DialTimeout: time.Second})
	te.engine.HandleChunks(te)
	te.engine.BeginSession(loopbackAddr, testCreds, retrieval.Preserve)
	var progress retrieval.Progress
	for i := 0; i < 5000 && progress == retrieval.Pending; i++ {
		progress, err = te.engine.AdvanceSession()
		time.Sleep(time.Millisecond)
	}
	require.Equal(t, retrieval.ProtocolError, progress)
	require.ErrorContains(t, err, "connect localhost(127.0.0.1)")
}

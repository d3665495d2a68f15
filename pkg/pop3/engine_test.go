package pop3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	gopop3 "github.com/knadh/go-pop3"
	"github.com/stretchr/testify/require"

	"github.com/robotalks/pop.go/pkg/mailbox"
	"github.com/robotalks/pop.go/pkg/retrieval"
)

type fakeMailbox struct {
	ctx     context.Context
	lock    sync.Mutex
	msgs    []string
	authErr error
	listErr error
	block   bool
	user    string
	pass    string
	deleted []int
	quit    bool
}

func (m *fakeMailbox) Auth(user, password string) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.user, m.pass = user, password
	return m.authErr
}

func (m *fakeMailbox) List(int) ([]gopop3.MessageID, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	ids := make([]gopop3.MessageID, len(m.msgs))
	for n, msg := range m.msgs {
		ids[n] = gopop3.MessageID{ID: n + 1, Size: len(msg)}
	}
	return ids, nil
}

func (m *fakeMailbox) RetrRaw(id int) (*bytes.Buffer, error) {
	if m.block {
		<-m.ctx.Done()
		return nil, fmt.Errorf("read: %w", m.ctx.Err())
	}
	return bytes.NewBufferString(m.msgs[id-1]), nil
}

func (m *fakeMailbox) Dele(ids ...int) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.deleted = append(m.deleted, ids...)
	return nil
}

func (m *fakeMailbox) Quit() error {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.quit = true
	return nil
}

func (m *fakeMailbox) state() ([]int, bool) {
	m.lock.Lock()
	defer m.lock.Unlock()
	return append([]int(nil), m.deleted...), m.quit
}

type received struct {
	seq  int
	line string
}

type testEngine struct {
	t         *testing.T
	engine    *Engine
	mbox      *fakeMailbox
	chunks    []received
	reject    func(received) error
	complete  func() error
	completed int
	addr      retrieval.Address
}

func (te *testEngine) HandleChunk(seq int, data []byte) error {
	r := received{seq: seq, line: string(data)}
	if te.reject != nil {
		if err := te.reject(r); err != nil {
			return err
		}
	}
	te.chunks = append(te.chunks, r)
	return nil
}

func (te *testEngine) CompleteDelivery() error {
	te.completed++
	if te.complete != nil {
		return te.complete()
	}
	return nil
}

var (
	testAddr  = retrieval.Address{Host: "mail.domain.com", IP: net.IPv4(10, 10, 6, 1)}
	testCreds = retrieval.Credentials{Username: "myname", Secret: "mypassword"}
)

func newTestEngine(t *testing.T, conf Config, msgs ...string) *testEngine {
	te := &testEngine{t: t, mbox: &fakeMailbox{msgs: msgs}}
	te.engine = New(conf)
	te.engine.Dial = func(ctx context.Context, addr retrieval.Address) (Mailbox, error) {
		te.mbox.ctx = ctx
		te.addr = addr
		return te.mbox, nil
	}
	te.engine.HandleChunks(te)
	return te
}

func (te *testEngine) run(retention retrieval.RetentionPolicy) (retrieval.Progress, error) {
	te.engine.BeginSession(testAddr, testCreds, retention)
	for i := 0; i < 5000; i++ {
		progress, err := te.engine.AdvanceSession()
		if progress != retrieval.Pending {
			return progress, err
		}
		time.Sleep(time.Millisecond)
	}
	te.t.Fatal("session never finished")
	return retrieval.Pending, nil
}

const (
	msg1 = "Subject: one\r\n\r\nfirst\r\n"
	msg2 = "Subject: two\r\nFrom: a@b\r\n\r\nline 1\r\nline 2\r\n"
)

func TestEngineRetrieve(t *testing.T) {
	testCases := []struct {
		retention retrieval.RetentionPolicy
		deleted   []int
	}{
		{retrieval.Preserve, nil},
		{retrieval.Delete, []int{1, 2}},
	}
	for _, tc := range testCases {
		t.Run(tc.retention.String(), func(t *testing.T) {
			te := newTestEngine(t, Config{}, msg1, msg2)
			progress, err := te.run(tc.retention)
			require.NoError(t, err)
			require.Equal(t, retrieval.Success, progress)
			require.Equal(t, []received{
				{1, "Subject: one"}, {1, ""}, {1, "first"},
				{2, "Subject: two"}, {2, "From: a@b"}, {2, ""}, {2, "line 1"}, {2, "line 2"},
			}, te.chunks)
			deleted, quit := te.mbox.state()
			require.Equal(t, tc.deleted, deleted)
			require.True(t, quit)
			require.Equal(t, "myname", te.mbox.user)
			require.Equal(t, "mypassword", te.mbox.pass)
			require.Equal(t, testAddr, te.addr)
			require.Equal(t, 1, te.completed)

			// repeated calls keep reporting the result.
			progress, err = te.engine.AdvanceSession()
			require.NoError(t, err)
			require.Equal(t, retrieval.Success, progress)
		})
	}
}

func TestEngineEmptyMailbox(t *testing.T) {
	te := newTestEngine(t, Config{})
	progress, err := te.run(retrieval.Delete)
	require.NoError(t, err)
	require.Equal(t, retrieval.Success, progress)
	require.Empty(t, te.chunks)
}

func TestEngineMaxChunksPerTick(t *testing.T) {
	te := newTestEngine(t, Config{MaxChunksPerTick: 2}, msg2)
	te.engine.BeginSession(testAddr, testCreds, retrieval.Preserve)
	var progress retrieval.Progress
	for i := 0; i < 5000 && progress == retrieval.Pending; i++ {
		before := len(te.chunks)
		var err error
		progress, err = te.engine.AdvanceSession()
		require.NoError(t, err)
		require.LessOrEqual(t, len(te.chunks)-before, 2)
		time.Sleep(time.Millisecond)
	}
	require.Equal(t, retrieval.Success, progress)
	require.Len(t, te.chunks, 5)
}

func TestEngineFailures(t *testing.T) {
	testCases := []struct {
		name     string
		setup    func(*testEngine)
		progress retrieval.Progress
		contains string
	}{
		{
			"auth",
			func(te *testEngine) { te.mbox.authErr = errors.New("-ERR invalid password") },
			retrieval.ProtocolError, "invalid password",
		},
		{
			"dial",
			func(te *testEngine) {
				te.engine.Dial = func(context.Context, retrieval.Address) (Mailbox, error) {
					return nil, errors.New("connection refused")
				}
			},
			retrieval.ProtocolError, "connection refused",
		},
		{
			"network timeout",
			func(te *testEngine) { te.mbox.listErr = &net.OpError{Op: "read", Err: timeoutErr{}} },
			retrieval.Timeout, "i/o timeout",
		},
		{
			"session timeout",
			func(te *testEngine) {
				te.engine.SessionTimeout = 20 * time.Millisecond
				te.mbox.block = true
			},
			retrieval.Timeout, "session timed out",
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			te := newTestEngine(t, Config{}, msg1)
			tc.setup(te)
			progress, err := te.run(retrieval.Delete)
			require.Equal(t, tc.progress, progress)
			require.ErrorContains(t, err, tc.contains)
			_, quit := te.mbox.state()
			require.False(t, quit)
		})
	}
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestEngineAbandon(t *testing.T) {
	te := newTestEngine(t, Config{}, msg1, msg2)
	te.reject = func(r received) error {
		if r.seq == 2 {
			te.engine.AbandonSession()
			return errors.New("rejected")
		}
		return nil
	}
	te.engine.BeginSession(testAddr, testCreds, retrieval.Delete)
	for i := 0; i < 5000 && te.engine.session != nil; i++ {
		progress, _ := te.engine.AdvanceSession()
		require.Equal(t, retrieval.Pending, progress)
		time.Sleep(time.Millisecond)
	}
	require.Nil(t, te.engine.session)
	require.Len(t, te.chunks, 3)

	// QUIT never happens, so DELE is not committed.
	time.Sleep(10 * time.Millisecond)
	_, quit := te.mbox.state()
	require.False(t, quit)

	progress, err := te.engine.AdvanceSession()
	require.Equal(t, retrieval.ProtocolError, progress)
	require.Error(t, err)
}

func TestEngineDeliveryRejected(t *testing.T) {
	te := newTestEngine(t, Config{}, msg1, msg2)
	te.complete = func() error { return errors.New("disk full") }
	progress, err := te.run(retrieval.Delete)
	require.Equal(t, retrieval.ProtocolError, progress)
	require.ErrorIs(t, err, errNoSession)
	require.Equal(t, 1, te.completed)
	require.Len(t, te.chunks, 8)
	deleted, quit := te.mbox.state()
	require.Equal(t, []int{1, 2}, deleted)
	// marked but never committed.
	require.False(t, quit)
}

func TestSplitLines(t *testing.T) {
	testCases := []struct {
		in  string
		out []string
	}{
		{"", nil},
		{"a", []string{"a"}},
		{"a\r\n", []string{"a"}},
		{"a\r\n\r\nb\r\n", []string{"a", "", "b"}},
		{"a\nb\n\n", []string{"a", "b", ""}},
	}
	for _, tc := range testCases {
		t.Run(fmt.Sprintf("%q", tc.in), func(t *testing.T) {
			var out []string
			for _, line := range splitLines([]byte(tc.in)) {
				out = append(out, string(line))
			}
			require.Equal(t, tc.out, out)
		})
	}
}

// TestRetrievalWithEngine runs the orchestrator over the engine into an
// assembler to check the pieces fit together.
func TestRetrievalWithEngine(t *testing.T) {
	te := newTestEngine(t, Config{}, msg1, msg2)
	var msgs []*mailbox.Message
	asm := mailbox.NewAssembler(mailbox.SinkFunc(func(m *mailbox.Message) error {
		msgs = append(msgs, m)
		return nil
	}))
	orch := retrieval.New(staticStack{}, te.engine, asm)
	require.NoError(t, orch.StartRetrieval(retrieval.Request{
		Host:        "10.10.6.1",
		Credentials: testCreds,
		Retention:   retrieval.Delete,
	}))
	var res retrieval.Result
	for i := 0; i < 5000 && res.Outcome == nil; i++ {
		res = orch.Advance()
		time.Sleep(time.Millisecond)
	}
	require.NotNil(t, res.Outcome)
	require.True(t, res.Outcome.Succeeded(), "%v", res.Outcome.Err)
	require.Equal(t, 2, res.Outcome.Messages)
	require.Len(t, msgs, 2)
	require.Equal(t, "one", msgs[0].Subject)
	require.Equal(t, "two", msgs[1].Subject)
	require.Equal(t, msg2, string(msgs[1].Raw))
	require.Equal(t, res.Outcome.SessionID, msgs[1].SessionID)
	deleted, quit := te.mbox.state()
	require.Equal(t, []int{1, 2}, deleted)
	require.True(t, quit)
}

type staticStack struct{}

func (staticStack) Init() error                      { return nil }
func (staticStack) LinkStatus() retrieval.LinkStatus { return retrieval.LinkUp }
func (staticStack) Resolve(host string) (retrieval.Address, error) {
	return retrieval.Address{Host: host, IP: net.ParseIP(host)}, nil
}

func TestRetrievalRejectedAtLastMessage(t *testing.T) {
	te := newTestEngine(t, Config{}, msg1, msg2)
	var msgs []*mailbox.Message
	asm := mailbox.NewAssembler(mailbox.SinkFunc(func(m *mailbox.Message) error {
		if m.Seq == 2 {
			return errors.New("disk full")
		}
		msgs = append(msgs, m)
		return nil
	}))
	orch := retrieval.New(staticStack{}, te.engine, asm)
	require.NoError(t, orch.StartRetrieval(retrieval.Request{
		Host:        "10.10.6.1",
		Credentials: testCreds,
		Retention:   retrieval.Delete,
	}))
	var res retrieval.Result
	for i := 0; i < 5000 && res.Outcome == nil; i++ {
		res = orch.Advance()
		time.Sleep(time.Millisecond)
	}
	require.NotNil(t, res.Outcome)
	require.Equal(t, retrieval.CauseConsumerRejected, res.Outcome.Cause)
	require.ErrorContains(t, res.Outcome.Err, "store message 2: disk full")
	require.Len(t, msgs, 1)
	// message 2 stays on the server.
	_, quit := te.mbox.state()
	require.False(t, quit)
}

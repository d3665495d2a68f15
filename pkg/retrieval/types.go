package retrieval

import (
	"fmt"
	"net"
	"strings"
)

// State is the lifecycle phase of the orchestrator.
type State int

// States of the orchestrator.
const (
	Idle State = iota
	WaitingForLink
	Resolving
	SessionStarting
	Polling
	Succeeded
	Failed
)

var stateNames = [...]string{
	Idle:            "idle",
	WaitingForLink:  "waiting-for-link",
	Resolving:       "resolving",
	SessionStarting: "session-starting",
	Polling:         "polling",
	Succeeded:       "succeeded",
	Failed:          "failed",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// IsTerminal indicates the state carries an outcome.
func (s State) IsTerminal() bool {
	return s == Succeeded || s == Failed
}

// IsActive indicates a session occupies the orchestrator.
func (s State) IsActive() bool {
	return s != Idle && !s.IsTerminal()
}

// LinkStatus is the readiness of the network interface.
type LinkStatus int

// Link statuses.
const (
	LinkDown LinkStatus = iota
	LinkComingUp
	LinkUp
)

func (s LinkStatus) String() string {
	switch s {
	case LinkUp:
		return "up"
	case LinkComingUp:
		return "coming-up"
	default:
		return "down"
	}
}

// Progress is the result of one non-blocking protocol step.
type Progress int

// Protocol progress results.
const (
	Pending Progress = iota
	Success
	Timeout
	ProtocolError
)

func (p Progress) String() string {
	switch p {
	case Pending:
		return "pending"
	case Success:
		return "success"
	case Timeout:
		return "timeout"
	case ProtocolError:
		return "protocol-error"
	}
	return fmt.Sprintf("progress(%d)", int(p))
}

// RetentionPolicy decides what happens to messages on the server after
// they are downloaded.
type RetentionPolicy int

// Retention policies. The zero value is not a valid policy.
const (
	Preserve RetentionPolicy = iota + 1
	Delete
)

func (p RetentionPolicy) String() string {
	switch p {
	case Preserve:
		return "preserve"
	case Delete:
		return "delete"
	}
	return fmt.Sprintf("retention(%d)", int(p))
}

// IsValid indicates p is a known policy.
func (p RetentionPolicy) IsValid() bool {
	return p == Preserve || p == Delete
}

// Set implements flag.Value.
func (p *RetentionPolicy) Set(val string) error {
	policy, err := ParseRetentionPolicy(val)
	if err != nil {
		return err
	}
	*p = policy
	return nil
}

// ParseRetentionPolicy parses "preserve" or "delete".
func ParseRetentionPolicy(val string) (RetentionPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "preserve", "keep":
		return Preserve, nil
	case "delete":
		return Delete, nil
	}
	return 0, fmt.Errorf("invalid retention policy %q (want preserve or delete)", val)
}

// Address is a resolved network address of the target host.
type Address struct {
	// Host is the name the address was resolved from.
	Host string
	IP   net.IP
}

// IsResolved indicates the address carries an IP.
func (a Address) IsResolved() bool {
	return a.IP != nil
}

func (a Address) String() string {
	if a.IP == nil {
		return a.Host
	}
	if a.Host == "" || a.Host == a.IP.String() {
		return a.IP.String()
	}
	return a.Host + "(" + a.IP.String() + ")"
}

// Credentials is the opaque account credential pair.
type Credentials struct {
	Username string
	Secret   string
}

// String never reveals the secret.
func (c Credentials) String() string {
	return c.Username + ":***"
}

// Request describes one retrieval.
type Request struct {
	Host        string
	Credentials Credentials
	Retention   RetentionPolicy
}

// NetworkStack is the network collaborator of the orchestrator.
type NetworkStack interface {
	// Init performs one-time setup. It must be idempotent.
	Init() error
	// LinkStatus reports the readiness of the network interface.
	LinkStatus() LinkStatus
	// Resolve returns ErrResolvePending while resolution is in flight.
	Resolve(host string) (Address, error)
}

// ResolveCanceler is optionally implemented by a NetworkStack to drop a
// lookup the orchestrator stopped polling.
type ResolveCanceler interface {
	CancelResolve(host string)
}

// ProtocolEngine is the mail protocol collaborator of the orchestrator.
type ProtocolEngine interface {
	// HandleChunks registers the receiver of message chunks. Chunks are
	// delivered only from within AdvanceSession.
	HandleChunks(ChunkHandler)
	// BeginSession starts a session; it doesn't wait for anything.
	BeginSession(addr Address, creds Credentials, retention RetentionPolicy)
	// AdvanceSession performs one non-blocking step. The error carries
	// details for Timeout and ProtocolError.
	AdvanceSession() (Progress, error)
	// AbandonSession drops the current session, best effort.
	AbandonSession()
}

// ChunkHandler receives message data. A returned error rejects the
// whole session.
type ChunkHandler interface {
	HandleChunk(seq int, data []byte) error
}

// HandleChunkFunc is the func form of ChunkHandler.
type HandleChunkFunc func(seq int, data []byte) error

// HandleChunk implements ChunkHandler.
func (f HandleChunkFunc) HandleChunk(seq int, data []byte) error {
	return f(seq, data)
}

// MessageStarter is optionally implemented by a ChunkHandler to be
// notified once when a new message sequence number shows up, before its
// first chunk.
type MessageStarter interface {
	MessageStarted(seq int)
}

// DeliveryCompleter is implemented by the ChunkHandler an Orchestrator
// registers with its engine. An engine deferring destructive effects,
// like deletions applied by POP3 QUIT, calls CompleteDelivery after the
// last chunk and commits only when it returns nil. On error the session
// is rejected and must be dropped without commit.
type DeliveryCompleter interface {
	CompleteDelivery() error
}

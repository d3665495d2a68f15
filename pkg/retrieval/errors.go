package retrieval

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyInProgress is returned by StartRetrieval when a session
	// is active. It indicates a programming error of the caller.
	ErrAlreadyInProgress = errors.New("retrieval already in progress")
	// ErrEmptyHost is returned by StartRetrieval without a host.
	ErrEmptyHost = errors.New("host must not be empty")
	// ErrInvalidRetention is returned by StartRetrieval with an unknown
	// retention policy.
	ErrInvalidRetention = errors.New("invalid retention policy")
	// ErrResolvePending is returned by NetworkStack.Resolve while name
	// resolution is still in flight.
	ErrResolvePending = errors.New("resolve pending")
	// ErrNotPolling refuses chunks delivered outside of Polling.
	ErrNotPolling = errors.New("not polling")
	// ErrSequenceRegressed indicates the engine went back to an earlier
	// message sequence number.
	ErrSequenceRegressed = errors.New("message sequence number regressed")
	// ErrCancelled is the underlying error of a cancelled session.
	ErrCancelled = errors.New("cancelled")
	// ErrLinkNeverCameUp is the underlying error when the link tick
	// limit is exhausted.
	ErrLinkNeverCameUp = errors.New("network link never came up")
)

// Cause classifies a failed retrieval.
type Cause int

// Failure causes.
const (
	CauseNone Cause = iota
	CauseLinkNeverCameUp
	CauseResolutionFailed
	CauseTimeout
	CauseProtocolError
	CauseConsumerRejected
	CauseCancelled
)

var causeNames = [...]string{
	CauseNone:             "none",
	CauseLinkNeverCameUp:  "link-never-came-up",
	CauseResolutionFailed: "resolution-failed",
	CauseTimeout:          "timeout",
	CauseProtocolError:    "protocol-error",
	CauseConsumerRejected: "consumer-rejected",
	CauseCancelled:        "cancelled",
}

func (c Cause) String() string {
	if c >= 0 && int(c) < len(causeNames) {
		return causeNames[c]
	}
	return fmt.Sprintf("cause(%d)", int(c))
}

// FailureError wraps the error behind a failed retrieval.
type FailureError struct {
	Cause Cause
	Err   error
}

// Error implements error.
func (e *FailureError) Error() string {
	if e.Err == nil {
		return e.Cause.String()
	}
	return e.Cause.String() + ": " + e.Err.Error()
}

// Unwrap returns the underlying error.
func (e *FailureError) Unwrap() error {
	return e.Err
}

// CauseOf extracts the Cause from an error, CauseNone if err isn't a
// FailureError.
func CauseOf(err error) Cause {
	var fe *FailureError
	if errors.As(err, &fe) {
		return fe.Cause
	}
	return CauseNone
}

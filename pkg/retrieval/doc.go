// Package retrieval provides the poll-driven mail retrieval orchestrator.
package retrieval

// The orchestrator never blocks and owns no goroutines. A caller ticks
// Advance at a regular cadence; each tick performs at most one step of
// the sequence below and returns control:
//
//	Idle -> WaitingForLink -> Resolving -> SessionStarting -> Polling
//	                                                            |
//	                                       Succeeded | Failed <-+
//
// Terminal states report their Outcome exactly once and fall back to
// Idle on the following tick, so a new retrieval may always be started.
//
// Network Stack and Protocol Engine are collaborators behind interfaces;
// see packages netstack and pop3 for host implementations.

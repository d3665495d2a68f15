package retrieval

import (
	fx "github.com/robotalks/pop.go/pkg/framework"
)

// Consumers fans chunks out to multiple handlers in order.
// The first handler error stops delivery and rejects the chunk.
type Consumers []ChunkHandler

// HandleChunk implements ChunkHandler.
func (c Consumers) HandleChunk(seq int, data []byte) error {
	for _, h := range c {
		if err := h.HandleChunk(seq, data); err != nil {
			return err
		}
	}
	return nil
}

// SessionStarted implements SessionStarter.
func (c Consumers) SessionStarted(sessionID string) {
	for _, h := range c {
		if starter, ok := h.(SessionStarter); ok {
			starter.SessionStarted(sessionID)
		}
	}
}

// MessageStarted implements MessageStarter.
func (c Consumers) MessageStarted(seq int) {
	for _, h := range c {
		if starter, ok := h.(MessageStarter); ok {
			starter.MessageStarted(seq)
		}
	}
}

// FinishSession implements SessionFinisher.
func (c Consumers) FinishSession(succeeded bool) error {
	var errs fx.AggregatedError
	for _, h := range c {
		if finisher, ok := h.(SessionFinisher); ok {
			errs.Add(finisher.FinishSession(succeeded))
		}
	}
	return errs.Aggregate()
}

package emit

import "context"

// Emitter receives observability events from the engine and worker.
//
// Implementations should be non-blocking and thread-safe: the engine calls
// Emit from whichever goroutine is handling a task transition, and must
// never be slowed down or crashed by a misbehaving backend.
type Emitter interface {
	// Emit sends a single event. Must not panic; implementations should log
	// and swallow delivery errors internally.
	Emit(event Event)

	// EmitBatch sends multiple events in one call, preserving order.
	// Returns an error only on catastrophic (e.g. configuration) failures.
	EmitBatch(ctx context.Context, events []Event) error

	// Flush blocks until all buffered events are delivered or ctx is done.
	Flush(ctx context.Context) error
}

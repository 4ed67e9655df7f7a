package emit

import (
	"context"
	"sync"
)

// BufferedEmitter accumulates events in memory and forwards them to an
// underlying Emitter in batches, either when the buffer fills or on Flush,
// instead of calling the backend once per task transition.
type BufferedEmitter struct {
	mu       sync.Mutex
	next     Emitter
	buf      []Event
	capacity int
}

// NewBufferedEmitter wraps next, flushing automatically once capacity
// events have accumulated. A capacity of 0 disables automatic flushing
// (only explicit Flush calls deliver events).
func NewBufferedEmitter(next Emitter, capacity int) *BufferedEmitter {
	return &BufferedEmitter{next: next, capacity: capacity}
}

func (b *BufferedEmitter) Emit(event Event) {
	b.mu.Lock()
	b.buf = append(b.buf, event)
	full := b.capacity > 0 && len(b.buf) >= b.capacity
	b.mu.Unlock()

	if full {
		_ = b.Flush(context.Background())
	}
}

func (b *BufferedEmitter) EmitBatch(_ context.Context, events []Event) error {
	b.mu.Lock()
	b.buf = append(b.buf, events...)
	b.mu.Unlock()
	return nil
}

// Flush delivers all buffered events to the underlying emitter in one call
// and clears the buffer, even if delivery fails.
func (b *BufferedEmitter) Flush(ctx context.Context) error {
	b.mu.Lock()
	pending := b.buf
	b.buf = nil
	b.mu.Unlock()

	if len(pending) == 0 {
		return nil
	}
	return b.next.EmitBatch(ctx, pending)
}

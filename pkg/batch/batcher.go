// Package batch coalesces small writes into periodic bulk submissions.
// The presence repository uses it to turn roster touch storms into one
// redis pipeline per interval.
package batch

import (
	"context"
	"sync"
	"time"
)

// Operation is a single deferrable write. Execute runs it standalone when a
// caller bypasses batching.
type Operation interface {
	Execute(ctx context.Context) error
}

// Processor submits an accumulated batch, typically as one pipeline.
type Processor interface {
	ProcessBatch(ctx context.Context, operations []Operation) error
}

// Batcher accumulates operations and hands them to its Processor whenever
// the queue reaches size or the interval elapses, whichever comes first.
type Batcher struct {
	size      int
	interval  time.Duration
	processor Processor

	mu    sync.Mutex
	queue []Operation

	wake     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func NewBatcher(size int, interval time.Duration, processor Processor) *Batcher {
	b := &Batcher{
		size:      size,
		interval:  interval,
		processor: processor,
		queue:     make([]Operation, 0, size),
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	go b.loop()
	return b
}

// Add enqueues one operation. A full queue wakes the submit loop instead of
// blocking the caller.
func (b *Batcher) Add(op Operation) error {
	b.mu.Lock()
	b.queue = append(b.queue, op)
	full := len(b.queue) >= b.size
	b.mu.Unlock()

	if full {
		select {
		case b.wake <- struct{}{}:
		default:
		}
	}
	return nil
}

// Flush submits everything queued so far.
func (b *Batcher) Flush(ctx context.Context) error {
	b.mu.Lock()
	if len(b.queue) == 0 {
		b.mu.Unlock()
		return nil
	}
	pending := b.queue
	b.queue = make([]Operation, 0, b.size)
	b.mu.Unlock()

	return b.processor.ProcessBatch(ctx, pending)
}

// PendingCount returns how many operations await submission.
func (b *Batcher) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// Stop halts the submit loop after one final flush. Safe to call twice.
func (b *Batcher) Stop() {
	b.stopOnce.Do(func() { close(b.done) })
}

func (b *Batcher) loop() {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
		case <-b.wake:
		case <-b.done:
			_ = b.Flush(context.Background())
			return
		}
		_ = b.Flush(context.Background())
	}
}

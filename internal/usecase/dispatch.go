package usecase

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/semaphore"

	"convo-relay/internal/domain"
)

// Dispatcher owns the per-key FIFO queues and guarantees exactly one drain
// loop per key. Queues and drain flags live behind one mutex so the
// check-then-start on a previously idle key is atomic. Independent keys
// drain fully concurrently, bounded by a global semaphore.
type Dispatcher struct {
	mu     sync.Mutex
	queues map[string][]domain.TurnRecord
	active map[string]bool

	sem     *semaphore.Weighted
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
	process func(ctx context.Context, rec domain.TurnRecord) error
}

// NewDispatcher creates a Dispatcher running turns through process.
// maxActive bounds how many keys may be mid-turn at once.
func NewDispatcher(maxActive int64, process func(ctx context.Context, rec domain.TurnRecord) error) *Dispatcher {
	if maxActive <= 0 {
		maxActive = 16
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		queues:  make(map[string][]domain.TurnRecord),
		active:  make(map[string]bool),
		sem:     semaphore.NewWeighted(maxActive),
		ctx:     ctx,
		cancel:  cancel,
		process: process,
	}
}

// Enqueue appends the record to its key's queue and returns immediately. A
// drain goroutine is started only when none is running for the key.
func (d *Dispatcher) Enqueue(rec domain.TurnRecord) {
	d.mu.Lock()
	defer d.mu.Unlock()

	key := rec.EndUserKey
	d.queues[key] = append(d.queues[key], rec)
	if d.active[key] {
		return
	}
	d.active[key] = true
	d.wg.Add(1)
	go d.drain(key)
}

// drain pops the oldest record for the key and runs it to a terminal
// outcome (success, permanent failure, or retries exhausted) before popping
// the next. The empty check and the active-flag clear happen under the same
// lock as Enqueue's append, so a record arriving at that instant either
// lands in this loop or starts a fresh one, never neither.
func (d *Dispatcher) drain(key string) {
	defer d.wg.Done()
	for {
		d.mu.Lock()
		q := d.queues[key]
		if len(q) == 0 {
			delete(d.queues, key)
			d.active[key] = false
			d.mu.Unlock()
			return
		}
		rec := q[0]
		d.queues[key] = q[1:]
		d.mu.Unlock()

		if err := d.sem.Acquire(d.ctx, 1); err != nil {
			slog.Warn("dispatcher closing, turn abandoned",
				"end_user_key", key, "turn_id", rec.TurnID)
			d.mu.Lock()
			d.active[key] = false
			d.mu.Unlock()
			return
		}
		if err := d.process(d.ctx, rec); err != nil {
			slog.Error("turn permanently failed",
				"end_user_key", key,
				"turn_id", rec.TurnID,
				"code", CodeOf(err),
				"err", err)
		}
		d.sem.Release(1)
	}
}

// QueueDepth reports the number of records waiting for a key. Used by
// tests and the status path.
func (d *Dispatcher) QueueDepth(key string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queues[key])
}

// Close stops accepting drain work and waits for running drains to finish
// their current turn.
func (d *Dispatcher) Close() {
	d.cancel()
	d.wg.Wait()
}

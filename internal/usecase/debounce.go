package usecase

import (
	"context"
	"sync"
	"time"

	"convo-relay/internal/domain"
)

type pendingTurn struct {
	rec   domain.TurnRecord
	timer *time.Timer
}

// Debouncer coalesces bursts of updates per end-user key into one turn.
// Each update overwrites the pending record and resets the quiet timer;
// only when a key stays quiet for the full window is the surviving record
// enqueued. The store snapshot written on every update is a cross-process
// mirror whose TTL is purely self-cleaning; expiry triggers nothing.
type Debouncer struct {
	store   StateStore
	window  time.Duration
	enqueue func(domain.TurnRecord)

	mu      sync.Mutex
	pending map[string]*pendingTurn
	stopped bool
}

// NewDebouncer creates a Debouncer feeding quiet keys into enqueue.
func NewDebouncer(store StateStore, window time.Duration, enqueue func(domain.TurnRecord)) *Debouncer {
	return &Debouncer{
		store:   store,
		window:  window,
		enqueue: enqueue,
		pending: make(map[string]*pendingTurn),
	}
}

// Observe records one inbound update. It reports whether this started a
// fresh quiet window (created) or reset a running one. Store unavailability
// surfaces as a transient infrastructure error.
func (d *Debouncer) Observe(ctx context.Context, rec domain.TurnRecord) (created bool, err error) {
	created, err = d.store.RecordUpdate(ctx, rec, d.window)
	if err != nil {
		return false, newError(ErrorTransientInfra, "debounce_store_unavailable", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		// Shutdown has flushed the pending map; hand the record straight
		// to the queue rather than dropping it.
		d.enqueue(rec)
		return created, nil
	}

	key := rec.EndUserKey
	if p, ok := d.pending[key]; ok {
		p.rec = rec
		p.timer.Reset(d.window)
		return created, nil
	}
	p := &pendingTurn{rec: rec}
	p.timer = time.AfterFunc(d.window, func() { d.fire(key) })
	d.pending[key] = p
	return created, nil
}

// fire runs when a key has been quiet for the full window: the last-seen
// record wins and is enqueued as one turn.
func (d *Debouncer) fire(key string) {
	d.mu.Lock()
	p, ok := d.pending[key]
	if !ok {
		d.mu.Unlock()
		return
	}
	delete(d.pending, key)
	rec := p.rec
	d.mu.Unlock()

	d.enqueue(rec)
}

// Stop cancels all quiet timers and flushes pending records to the queue
// so an in-flight burst is not lost across shutdown.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	d.stopped = true
	flushed := make([]domain.TurnRecord, 0, len(d.pending))
	for key, p := range d.pending {
		p.timer.Stop()
		flushed = append(flushed, p.rec)
		delete(d.pending, key)
	}
	d.mu.Unlock()

	for _, rec := range flushed {
		d.enqueue(rec)
	}
}

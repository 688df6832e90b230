package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"convo-relay/internal/domain"
)

func record(key, turnID string) domain.TurnRecord {
	return domain.TurnRecord{TurnID: turnID, EndUserKey: key, ThreadRef: "t", AgentRef: "a", MessageText: "m"}
}

func TestDispatcher_StrictFIFOPerKey(t *testing.T) {
	var mu sync.Mutex
	var order []string
	running := 0
	maxRunning := 0

	d := NewDispatcher(8, func(_ context.Context, rec domain.TurnRecord) error {
		mu.Lock()
		running++
		if running > maxRunning {
			maxRunning = running
		}
		order = append(order, rec.TurnID)
		mu.Unlock()

		time.Sleep(2 * time.Millisecond)

		mu.Lock()
		running--
		mu.Unlock()
		return nil
	})
	defer d.Close()

	var want []string
	for i := 0; i < 8; i++ {
		id := fmt.Sprintf("turn-%d", i)
		want = append(want, id)
		d.Enqueue(record("c1", id))
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 8
	}, time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, want, order, "records must drain in exact enqueue order")
	require.Equal(t, 1, maxRunning, "one key must never run two turns at once")
}

func TestDispatcher_IndependentKeysRunConcurrently(t *testing.T) {
	both := make(chan struct{})
	var once sync.Once
	var mu sync.Mutex
	started := map[string]bool{}

	d := NewDispatcher(8, func(_ context.Context, rec domain.TurnRecord) error {
		mu.Lock()
		started[rec.EndUserKey] = true
		if len(started) == 2 {
			once.Do(func() { close(both) })
		}
		mu.Unlock()
		<-both // each key blocks until the other has started
		return nil
	})
	defer d.Close()

	d.Enqueue(record("c1", "t1"))
	d.Enqueue(record("c2", "t2"))

	select {
	case <-both:
	case <-time.After(time.Second):
		t.Fatal("independent keys did not drain concurrently")
	}
}

func TestDispatcher_OneDrainPerKeyUnderConcurrentEnqueues(t *testing.T) {
	var mu sync.Mutex
	processed := 0

	d := NewDispatcher(4, func(_ context.Context, _ domain.TurnRecord) error {
		mu.Lock()
		processed++
		mu.Unlock()
		return nil
	})
	defer d.Close()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			d.Enqueue(record("c1", fmt.Sprintf("turn-%d", n)))
		}(i)
	}
	wg.Wait()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return processed == 50
	}, 2*time.Second, time.Millisecond)
	require.Zero(t, d.QueueDepth("c1"))
}

func TestDispatcher_ProcessErrorDoesNotStopDrain(t *testing.T) {
	var mu sync.Mutex
	var order []string

	d := NewDispatcher(4, func(_ context.Context, rec domain.TurnRecord) error {
		mu.Lock()
		order = append(order, rec.TurnID)
		mu.Unlock()
		if rec.TurnID == "bad" {
			return errors.New("permanent failure")
		}
		return nil
	})
	defer d.Close()

	d.Enqueue(record("c1", "bad"))
	d.Enqueue(record("c1", "good"))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 2
	}, time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"bad", "good"}, order)
}

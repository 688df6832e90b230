package usecase

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"convo-relay/internal/domain"
)

type enqueueCapture struct {
	mu   sync.Mutex
	recs []domain.TurnRecord
}

func (c *enqueueCapture) add(rec domain.TurnRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recs = append(c.recs, rec)
}

func (c *enqueueCapture) records() []domain.TurnRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.TurnRecord, len(c.recs))
	copy(out, c.recs)
	return out
}

func debounceRec(key, text string) domain.TurnRecord {
	return domain.TurnRecord{TurnID: "t-" + text, EndUserKey: key, ThreadRef: "th", AgentRef: "ag", MessageText: text}
}

func TestDebouncer_BurstYieldsOneRecordWithLastFields(t *testing.T) {
	sink := &enqueueCapture{}
	d := NewDebouncer(&fakeStore{}, 30*time.Millisecond, sink.add)
	defer d.Stop()

	for _, text := range []string{"one", "two", "three"} {
		_, err := d.Observe(context.Background(), debounceRec("c1", text))
		require.NoError(t, err)
		time.Sleep(5 * time.Millisecond) // well inside the window
	}

	require.Eventually(t, func() bool {
		return len(sink.records()) == 1
	}, time.Second, 2*time.Millisecond)

	// Quiet period passed with no further fire.
	time.Sleep(50 * time.Millisecond)
	recs := sink.records()
	require.Len(t, recs, 1)
	require.Equal(t, "three", recs[0].MessageText)
}

func TestDebouncer_SpacedUpdatesYieldTwoRecords(t *testing.T) {
	sink := &enqueueCapture{}
	d := NewDebouncer(&fakeStore{}, 20*time.Millisecond, sink.add)
	defer d.Stop()

	_, err := d.Observe(context.Background(), debounceRec("c1", "one"))
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond) // past the window
	_, err = d.Observe(context.Background(), debounceRec("c1", "two"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(sink.records()) == 2
	}, time.Second, 2*time.Millisecond)

	recs := sink.records()
	require.Equal(t, "one", recs[0].MessageText)
	require.Equal(t, "two", recs[1].MessageText)
}

func TestDebouncer_KeysAreIndependent(t *testing.T) {
	sink := &enqueueCapture{}
	d := NewDebouncer(&fakeStore{}, 20*time.Millisecond, sink.add)
	defer d.Stop()

	_, err := d.Observe(context.Background(), debounceRec("c1", "a"))
	require.NoError(t, err)
	_, err = d.Observe(context.Background(), debounceRec("c2", "b"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(sink.records()) == 2
	}, time.Second, 2*time.Millisecond)
}

func TestDebouncer_CreatedVsRefreshedComesFromStore(t *testing.T) {
	d := NewDebouncer(&fakeStore{}, 50*time.Millisecond, func(domain.TurnRecord) {})
	defer d.Stop()

	created, err := d.Observe(context.Background(), debounceRec("c1", "a"))
	require.NoError(t, err)
	require.True(t, created)

	created, err = d.Observe(context.Background(), debounceRec("c1", "b"))
	require.NoError(t, err)
	require.False(t, created)
}

func TestDebouncer_StopFlushesPending(t *testing.T) {
	sink := &enqueueCapture{}
	d := NewDebouncer(&fakeStore{}, time.Hour, sink.add)

	_, err := d.Observe(context.Background(), debounceRec("c1", "pending"))
	require.NoError(t, err)
	d.Stop()

	recs := sink.records()
	require.Len(t, recs, 1)
	require.Equal(t, "pending", recs[0].MessageText)

	// Observes after Stop bypass the dead timer map.
	_, err = d.Observe(context.Background(), debounceRec("c2", "late"))
	require.NoError(t, err)
	require.Len(t, sink.records(), 2)
}

package debounce

import (
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu      sync.Mutex
	batches [][]string
}

func (r *recorder) emit(batch []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, batch)
}

func (r *recorder) snapshot() [][]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]string(nil), r.batches...)
}

func mergeSets(pending, next []string) []string {
	seen := make(map[string]struct{}, len(pending)+len(next))
	merged := make([]string, 0, len(pending)+len(next))
	for _, value := range append(append([]string{}, pending...), next...) {
		if _, ok := seen[value]; ok {
			continue
		}
		seen[value] = struct{}{}
		merged = append(merged, value)
	}
	sort.Strings(merged)
	return merged
}

func TestBurstYieldsSingleEmission(t *testing.T) {
	rec := &recorder{}
	coalescer := New(50*time.Millisecond, mergeSets, rec.emit)

	for _, serviceID := range []string{"42", "7", "42", "9"} {
		coalescer.Trigger([]string{serviceID})
		time.Sleep(5 * time.Millisecond)
	}

	require.Eventually(t, func() bool { return len(rec.snapshot()) == 1 }, time.Second, 10*time.Millisecond)
	time.Sleep(80 * time.Millisecond)

	batches := rec.snapshot()
	require.Len(t, batches, 1)
	assert.Equal(t, []string{"42", "7", "9"}, batches[0])
}

func TestSeparateBurstsEmitSeparately(t *testing.T) {
	rec := &recorder{}
	coalescer := New(20*time.Millisecond, mergeSets, rec.emit)

	coalescer.Trigger([]string{"a"})
	require.Eventually(t, func() bool { return len(rec.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	coalescer.Trigger([]string{"b"})
	require.Eventually(t, func() bool { return len(rec.snapshot()) == 2 }, time.Second, 5*time.Millisecond)

	batches := rec.snapshot()
	assert.Equal(t, []string{"a"}, batches[0])
	assert.Equal(t, []string{"b"}, batches[1])
}

func TestFlushEmitsImmediately(t *testing.T) {
	rec := &recorder{}
	coalescer := New(time.Hour, nil, rec.emit)

	coalescer.Trigger([]string{"first"})
	coalescer.Trigger([]string{"latest"})
	coalescer.Flush()

	batches := rec.snapshot()
	require.Len(t, batches, 1)
	assert.Equal(t, []string{"latest"}, batches[0])

	coalescer.Flush()
	assert.Len(t, rec.snapshot(), 1)
}

func TestStopDiscardsPending(t *testing.T) {
	rec := &recorder{}
	coalescer := New(10*time.Millisecond, nil, rec.emit)

	coalescer.Trigger([]string{"dropped"})
	coalescer.Stop()
	coalescer.Trigger([]string{"ignored"})
	time.Sleep(40 * time.Millisecond)

	assert.Empty(t, rec.snapshot())
}

func TestZeroWindowEmitsSynchronously(t *testing.T) {
	rec := &recorder{}
	coalescer := New(0, nil, rec.emit)
	coalescer.Trigger([]string{"now"})
	assert.Len(t, rec.snapshot(), 1)
}

func TestContinuousBurstStillEmitsWithinMaxWait(t *testing.T) {
	rec := &recorder{}
	coalescer := New(50*time.Millisecond, mergeSets, rec.emit, WithMaxWait(120*time.Millisecond))

	for range 15 {
		coalescer.Trigger([]string{"42"})
		time.Sleep(20 * time.Millisecond)
	}

	assert.GreaterOrEqual(t, len(rec.snapshot()), 2, "a burst that never goes quiet must not hold its emission forever")
	require.Eventually(t, func() bool { return len(rec.snapshot()) >= 3 }, time.Second, 10*time.Millisecond)
}

func TestMaxWaitCanBeDisabled(t *testing.T) {
	rec := &recorder{}
	coalescer := New(60*time.Millisecond, mergeSets, rec.emit, WithMaxWait(0))

	for range 8 {
		coalescer.Trigger([]string{"7"})
		time.Sleep(15 * time.Millisecond)
	}
	assert.Empty(t, rec.snapshot())

	require.Eventually(t, func() bool { return len(rec.snapshot()) == 1 }, time.Second, 10*time.Millisecond)
}

// Package debounce coalesces bursts of triggers into a single delayed emission.
package debounce

import (
	"sync"
	"time"
)

// DefaultMaxWaitWindows bounds a burst to this many windows unless WithMaxWait says otherwise.
const DefaultMaxWaitWindows = 5

// MergeFunc folds a new trigger payload into the pending one.
type MergeFunc[T any] func(pending, next T) T

// Option adjusts a Coalescer.
type Option func(*options)

type options struct {
	maxWait time.Duration
	clock   func() time.Time
}

// WithMaxWait caps how long a continuous burst can hold back its emission. Zero or less removes the cap.
func WithMaxWait(maxWait time.Duration) Option {
	return func(o *options) {
		o.maxWait = maxWait
	}
}

// Coalescer emits once per quiet window: every Trigger restarts the timer, and the payloads of a burst are
// merged so the single emission carries all of them. A burst that never goes quiet still emits once the max wait
// since its first trigger has passed.
type Coalescer[T any] struct {
	window  time.Duration
	maxWait time.Duration
	clock   func() time.Time
	merge   MergeFunc[T]
	emit    func(T)

	mu      sync.Mutex
	timer   *time.Timer
	pending T
	armedAt time.Time
	armed   bool
	stopped bool
}

// New returns a Coalescer. A nil merge keeps the latest payload.
func New[T any](window time.Duration, merge MergeFunc[T], emit func(T), opts ...Option) *Coalescer[T] {
	if merge == nil {
		merge = func(_, next T) T { return next }
	}
	settings := options{maxWait: DefaultMaxWaitWindows * window, clock: time.Now}
	for _, opt := range opts {
		opt(&settings)
	}
	return &Coalescer[T]{
		window:  window,
		maxWait: settings.maxWait,
		clock:   settings.clock,
		merge:   merge,
		emit:    emit,
	}
}

// Trigger records payload and (re)arms the window.
func (c *Coalescer[T]) Trigger(payload T) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	if c.armed {
		c.pending = c.merge(c.pending, payload)
	} else {
		c.pending = payload
		c.armed = true
		c.armedAt = c.clock()
	}
	if c.window <= 0 {
		merged, ok := c.takeLocked()
		c.mu.Unlock()
		if ok {
			c.emitPayload(merged)
		}
		return
	}
	defer c.mu.Unlock()
	delay := c.delayLocked()
	if c.timer == nil {
		c.timer = time.AfterFunc(delay, c.fire)
		return
	}
	c.timer.Reset(delay)
}

// delayLocked is the quiet window, shortened so the burst's emission never passes its max wait.
func (c *Coalescer[T]) delayLocked() time.Duration {
	if c.maxWait <= 0 {
		return c.window
	}
	remaining := c.armedAt.Add(c.maxWait).Sub(c.clock())
	if remaining < 0 {
		return 0
	}
	if remaining < c.window {
		return remaining
	}
	return c.window
}

// Flush emits a pending payload immediately.
func (c *Coalescer[T]) Flush() {
	c.mu.Lock()
	if c.timer != nil {
		c.timer.Stop()
	}
	payload, ok := c.takeLocked()
	c.mu.Unlock()
	if ok {
		c.emitPayload(payload)
	}
}

// Stop discards any pending payload and ignores later triggers.
func (c *Coalescer[T]) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = true
	c.armed = false
	if c.timer != nil {
		c.timer.Stop()
	}
}

func (c *Coalescer[T]) fire() {
	c.mu.Lock()
	payload, ok := c.takeLocked()
	c.mu.Unlock()
	if ok {
		c.emitPayload(payload)
	}
}

func (c *Coalescer[T]) takeLocked() (T, bool) {
	var zero T
	if !c.armed || c.stopped {
		return zero, false
	}
	payload := c.pending
	c.pending = zero
	c.armed = false
	return payload, true
}

func (c *Coalescer[T]) emitPayload(payload T) {
	if c.emit != nil {
		c.emit(payload)
	}
}

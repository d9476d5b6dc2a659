package cache

import (
	"context"
	"errors"
)

var errMissingCache = errors.New("cache: backing cache is required")

// Loader fetches the value for a key on a cache miss.
type Loader[T any] func(ctx context.Context) (T, error)

// future is what the cache stores: every caller that finds it waits on the same load.
type future[T any] struct {
	done  chan struct{}
	value T
	err   error
}

// Resolver memoizes loads of T in a Cache. Concurrent Resolve calls for the same fresh key share one
// loader invocation; a failed load is evicted so the next call retries.
type Resolver[T any] struct {
	cache Cache
}

// NewResolver binds a Resolver to backing.
func NewResolver[T any](backing Cache) (*Resolver[T], error) {
	if backing == nil {
		return nil, errMissingCache
	}
	return &Resolver[T]{cache: backing}, nil
}

// Resolve returns the cached value for key or runs loader once to produce it.
// The loader runs detached from ctx cancellation; a cancelled caller stops waiting but the load still completes for others.
func (r *Resolver[T]) Resolve(ctx context.Context, key Key, loader Loader[T]) (T, error) {
	for {
		if existing, ok := r.cache.Get(key); ok {
			if shared, ok := existing.(*future[T]); ok {
				return shared.wait(ctx)
			}
			r.cache.Invalidate(key)
		}

		pending := &future[T]{done: make(chan struct{})}
		if err := r.cache.Add(key, pending); err != nil {
			continue
		}

		go r.load(context.WithoutCancel(ctx), key, pending, loader)
		return pending.wait(ctx)
	}
}

// Peek returns a completed value for key without triggering a load.
func (r *Resolver[T]) Peek(key Key) (T, bool) {
	var zero T
	existing, ok := r.cache.Get(key)
	if !ok {
		return zero, false
	}
	shared, ok := existing.(*future[T])
	if !ok {
		return zero, false
	}
	select {
	case <-shared.done:
		if shared.err != nil {
			return zero, false
		}
		return shared.value, true
	default:
		return zero, false
	}
}

// Prime stores an already known value for key.
func (r *Resolver[T]) Prime(key Key, value T) {
	resolved := &future[T]{done: make(chan struct{}), value: value}
	close(resolved.done)
	r.cache.Set(key, resolved)
}

func (r *Resolver[T]) load(ctx context.Context, key Key, pending *future[T], loader Loader[T]) {
	defer close(pending.done)
	defer func() {
		if recovered := recover(); recovered != nil {
			pending.err = &PanicError{Value: recovered}
			r.evict(key, pending)
		}
	}()

	pending.value, pending.err = loader(ctx)
	if pending.err != nil {
		r.evict(key, pending)
	}
}

// evict removes key only while it still holds pending, so a newer entry is never dropped.
func (r *Resolver[T]) evict(key Key, pending *future[T]) {
	if existing, ok := r.cache.Get(key); ok && existing == any(pending) {
		r.cache.Invalidate(key)
	}
}

func (f *future[T]) wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// PanicError reports a loader that panicked.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return "cache: loader panicked"
}

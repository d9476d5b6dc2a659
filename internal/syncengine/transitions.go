package syncengine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/fieldsync/internal/store"
	"github.com/cenkalti/backoff/v4"
	"github.com/looplab/fsm"
)

const (
	eventDispatch = "dispatch"
	eventComplete = "complete"
	eventFail     = "fail"
	eventRetry    = "retry"
	// eventRelease returns a mutation whose result was discarded to the queue.
	eventRelease = "release"
)

// ErrInvalidTransition indicates a status change the mutation lifecycle does not allow.
var ErrInvalidTransition = errors.New("syncengine: invalid mutation transition")

var mutationTransitions = fsm.Events{
	{Name: eventDispatch, Src: []string{string(store.StatusPending)}, Dst: string(store.StatusInFlight)},
	{Name: eventComplete, Src: []string{string(store.StatusInFlight)}, Dst: string(store.StatusDone)},
	{Name: eventFail, Src: []string{string(store.StatusInFlight)}, Dst: string(store.StatusFailed)},
	{Name: eventRetry, Src: []string{string(store.StatusFailed)}, Dst: string(store.StatusPending)},
	{Name: eventRelease, Src: []string{string(store.StatusInFlight)}, Dst: string(store.StatusPending)},
}

func transition(current store.MutationStatus, event string) (store.MutationStatus, error) {
	machine := fsm.NewFSM(string(current), mutationTransitions, nil)
	if err := machine.Event(context.Background(), event); err != nil {
		return current, fmt.Errorf("%w: %s from %s: %v", ErrInvalidTransition, event, current, err)
	}
	return store.MutationStatus(machine.Current()), nil
}

// RetryPolicy bounds how failed mutations are retried.
type RetryPolicy struct {
	Initial     time.Duration
	MaxInterval time.Duration
	MaxAttempts int
}

// DefaultRetryPolicy retries with exponential backoff from 5s up to 5m, eight attempts in total.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Initial: 5 * time.Second, MaxInterval: 5 * time.Minute, MaxAttempts: 8}
}

func (p RetryPolicy) normalized() RetryPolicy {
	defaults := DefaultRetryPolicy()
	if p.Initial <= 0 {
		p.Initial = defaults.Initial
	}
	if p.MaxInterval < p.Initial {
		p.MaxInterval = p.Initial
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = defaults.MaxAttempts
	}
	return p
}

// Delay returns the wait before the next attempt after attempts failures.
func (p RetryPolicy) Delay(attempts int) time.Duration {
	schedule := backoff.NewExponentialBackOff()
	schedule.InitialInterval = p.Initial
	schedule.MaxInterval = p.MaxInterval
	schedule.Multiplier = 2
	schedule.RandomizationFactor = 0
	schedule.MaxElapsedTime = 0
	schedule.Reset()

	delay := schedule.NextBackOff()
	for attempt := 1; attempt < attempts; attempt++ {
		delay = schedule.NextBackOff()
	}
	return delay
}

// Exhausted reports whether attempts used up the budget.
func (p RetryPolicy) Exhausted(attempts int) bool {
	return attempts >= p.MaxAttempts
}

// Package breaker implements a three-state circuit breaker around a single
// downstream dependency. Failures are tracked over a rolling window of recent
// calls; once the failure ratio trips the breaker, calls short-circuit with
// ErrOpen until the reset timeout elapses, after which exactly one trial call
// is let through.
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"
)

type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	}
	return "unknown"
}

// ErrOpen is returned without invoking the dependency while the circuit is
// open or while the half-open trial slot is taken.
var ErrOpen = errors.New("circuit breaker is open")

type Settings struct {
	// CallTimeout bounds each attempted call. Zero disables the bound.
	CallTimeout time.Duration
	// WindowSize is the number of recent call outcomes kept.
	WindowSize int
	// MinCalls is the minimum number of recorded outcomes before the
	// breaker may trip.
	MinCalls int
	// FailureRatio trips the breaker when failures/recorded >= ratio.
	FailureRatio float64
	// ResetTimeout is the cooldown before a half-open trial is allowed.
	ResetTimeout time.Duration
	// IsFailure classifies errors. Nil counts every non-nil error.
	IsFailure func(error) bool
	// OnStateChange observes transitions.
	OnStateChange func(from, to State)
}

type Breaker[T any] struct {
	settings Settings
	now      func() time.Time

	mu       sync.Mutex
	state    State
	outcomes []bool // true = failure
	next     int
	recorded int
	failures int
	openedAt time.Time
	trial    bool
}

func New[T any](s Settings) *Breaker[T] {
	if s.WindowSize <= 0 {
		s.WindowSize = 20
	}
	if s.MinCalls <= 0 {
		s.MinCalls = 5
	}
	if s.FailureRatio <= 0 {
		s.FailureRatio = 0.5
	}
	if s.ResetTimeout <= 0 {
		s.ResetTimeout = 30 * time.Second
	}
	return &Breaker[T]{
		settings: s,
		now:      time.Now,
		outcomes: make([]bool, s.WindowSize),
	}
}

func (b *Breaker[T]) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

type callResult[T any] struct {
	value T
	err   error
}

// Call invokes fn through the breaker. When the circuit is open the zero
// value and ErrOpen are returned immediately; the caller decides on a
// fallback.
func (b *Breaker[T]) Call(ctx context.Context, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	if err := b.admit(); err != nil {
		return zero, err
	}

	callCtx := ctx
	cancel := func() {}
	if b.settings.CallTimeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, b.settings.CallTimeout)
	}
	defer cancel()

	ch := make(chan callResult[T], 1)
	go func() {
		v, err := fn(callCtx)
		ch <- callResult[T]{value: v, err: err}
	}()

	var res callResult[T]
	select {
	case res = <-ch:
	case <-callCtx.Done():
		res = callResult[T]{err: callCtx.Err()}
	}

	b.record(res.err)
	return res.value, res.err
}

func (b *Breaker[T]) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Open:
		if b.now().Sub(b.openedAt) < b.settings.ResetTimeout {
			return ErrOpen
		}
		b.transition(HalfOpen)
		b.trial = true
	case HalfOpen:
		if b.trial {
			return ErrOpen
		}
		b.trial = true
	}
	return nil
}

func (b *Breaker[T]) record(err error) {
	failed := err != nil
	if failed && b.settings.IsFailure != nil {
		failed = b.settings.IsFailure(err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == HalfOpen {
		b.trial = false
		if failed {
			b.open()
		} else {
			b.reset()
			b.transition(Closed)
		}
		return
	}

	if b.recorded == len(b.outcomes) && b.outcomes[b.next] {
		b.failures--
	}
	b.outcomes[b.next] = failed
	b.next = (b.next + 1) % len(b.outcomes)
	if b.recorded < len(b.outcomes) {
		b.recorded++
	}
	if failed {
		b.failures++
	}

	if b.state == Closed && b.recorded >= b.settings.MinCalls {
		ratio := float64(b.failures) / float64(b.recorded)
		if ratio >= b.settings.FailureRatio {
			b.open()
		}
	}
}

func (b *Breaker[T]) open() {
	b.reset()
	b.openedAt = b.now()
	b.transition(Open)
}

func (b *Breaker[T]) reset() {
	for i := range b.outcomes {
		b.outcomes[i] = false
	}
	b.next = 0
	b.recorded = 0
	b.failures = 0
}

func (b *Breaker[T]) transition(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	if b.settings.OnStateChange != nil {
		b.settings.OnStateChange(from, to)
	}
}

package breaker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

var errBoom = errors.New("boom")

func failing(ctx context.Context) (int, error) { return 0, errBoom }

func succeeding(ctx context.Context) (int, error) { return 42, nil }

func newTestBreaker(t *testing.T) *Breaker[int] {
	t.Helper()
	return New[int](Settings{
		WindowSize:   10,
		MinCalls:     4,
		FailureRatio: 0.5,
		ResetTimeout: time.Minute,
	})
}

func TestBreaker_TripsAfterFailureRatio(t *testing.T) {
	b := newTestBreaker(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		if _, err := b.Call(ctx, failing); !errors.Is(err, errBoom) {
			t.Fatalf("call %d: expected errBoom, got %v", i, err)
		}
	}

	if b.State() != Open {
		t.Fatalf("expected Open after 4/4 failures, got %s", b.State())
	}

	var invoked atomic.Int32
	_, err := b.Call(ctx, func(ctx context.Context) (int, error) {
		invoked.Add(1)
		return 0, nil
	})
	if !errors.Is(err, ErrOpen) {
		t.Fatalf("expected ErrOpen while open, got %v", err)
	}
	if invoked.Load() != 0 {
		t.Error("dependency must not be invoked while the circuit is open")
	}
}

func TestBreaker_StaysClosedBelowRatio(t *testing.T) {
	b := newTestBreaker(t)
	ctx := context.Background()

	for i := 0; i < 7; i++ {
		b.Call(ctx, succeeding)
	}
	for i := 0; i < 3; i++ {
		b.Call(ctx, failing)
	}

	if b.State() != Closed {
		t.Fatalf("3/10 failures should not trip a 0.5 ratio, state=%s", b.State())
	}
}

func TestBreaker_HalfOpenSingleTrial(t *testing.T) {
	b := newTestBreaker(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		b.Call(ctx, failing)
	}
	if b.State() != Open {
		t.Fatalf("expected Open, got %s", b.State())
	}

	// Move the clock past the reset timeout.
	b.now = func() time.Time { return time.Now().Add(2 * time.Minute) }

	release := make(chan struct{})
	trialStarted := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		_, err := b.Call(ctx, func(ctx context.Context) (int, error) {
			close(trialStarted)
			<-release
			return 1, nil
		})
		done <- err
	}()

	<-trialStarted
	if b.State() != HalfOpen {
		t.Fatalf("expected HalfOpen during trial, got %s", b.State())
	}

	// A second call while the trial is in flight must short-circuit.
	if _, err := b.Call(ctx, succeeding); !errors.Is(err, ErrOpen) {
		t.Fatalf("expected ErrOpen for second half-open call, got %v", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("trial call failed: %v", err)
	}
	if b.State() != Closed {
		t.Fatalf("successful trial should close the circuit, got %s", b.State())
	}
}

func TestBreaker_FailedTrialReopens(t *testing.T) {
	b := newTestBreaker(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		b.Call(ctx, failing)
	}
	b.now = func() time.Time { return time.Now().Add(2 * time.Minute) }

	if _, err := b.Call(ctx, failing); !errors.Is(err, errBoom) {
		t.Fatalf("expected trial to run and fail, got %v", err)
	}
	if b.State() != Open {
		t.Fatalf("failed trial should reopen the circuit, got %s", b.State())
	}
}

func TestBreaker_IsFailureClassifier(t *testing.T) {
	errBusiness := errors.New("not found")
	b := New[int](Settings{
		WindowSize:   10,
		MinCalls:     2,
		FailureRatio: 0.5,
		ResetTimeout: time.Minute,
		IsFailure:    func(err error) bool { return !errors.Is(err, errBusiness) },
	})
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		b.Call(ctx, func(ctx context.Context) (int, error) { return 0, errBusiness })
	}
	if b.State() != Closed {
		t.Fatalf("classified-out errors must not trip the breaker, got %s", b.State())
	}
}

func TestBreaker_CallTimeout(t *testing.T) {
	b := New[int](Settings{
		CallTimeout:  20 * time.Millisecond,
		WindowSize:   10,
		MinCalls:     5,
		FailureRatio: 0.5,
		ResetTimeout: time.Minute,
	})

	start := time.Now()
	_, err := b.Call(context.Background(), func(ctx context.Context) (int, error) {
		select {
		case <-time.After(5 * time.Second):
			return 1, nil
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("call was not bounded by the timeout, took %s", elapsed)
	}
}

func TestBreaker_StateChangeHook(t *testing.T) {
	var transitions []State
	s := Settings{
		WindowSize:   10,
		MinCalls:     2,
		FailureRatio: 0.5,
		ResetTimeout: time.Minute,
		OnStateChange: func(from, to State) {
			transitions = append(transitions, to)
		},
	}
	b := New[int](s)
	ctx := context.Background()

	b.Call(ctx, failing)
	b.Call(ctx, failing)
	b.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	b.Call(ctx, succeeding)

	want := []State{Open, HalfOpen, Closed}
	if len(transitions) != len(want) {
		t.Fatalf("expected transitions %v, got %v", want, transitions)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Fatalf("transition %d: expected %s, got %s", i, want[i], transitions[i])
		}
	}
}

package poller_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"stepforge/internal/poller"
)

func TestOnErrorMultipliesUpToMax(t *testing.T) {
	p := poller.Policy{Base: time.Second, Max: 5 * time.Second, Factor: 2}
	state := p.Initial()
	want := []time.Duration{2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second}
	for i, expected := range want {
		state = p.OnError(state)
		if state.Interval != expected || state.ErrorCount != i+1 {
			t.Fatalf("step %d: got %+v, want interval %v", i, state, expected)
		}
	}
	if reset := p.OnSuccess(state); reset.Interval != time.Second || reset.ErrorCount != 0 {
		t.Fatalf("expected reset, got %+v", reset)
	}
}

func TestPolicyNormalizesZeroValues(t *testing.T) {
	var p poller.Policy
	if state := p.Initial(); state.Interval != time.Second {
		t.Fatalf("expected 1s default, got %v", state.Interval)
	}
}

func TestRunStopsWhenDone(t *testing.T) {
	p := poller.Policy{Base: time.Millisecond, Max: 4 * time.Millisecond, Factor: 2}
	calls := 0
	var seen []int
	err := poller.Run(context.Background(), p, func(context.Context) (bool, error) {
		calls++
		if calls == 2 {
			return false, errors.New("flaky")
		}
		return calls >= 4, nil
	}, func(s poller.State, err error) bool {
		seen = append(seen, s.ErrorCount)
		return true
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if calls != 4 || len(seen) != 1 || seen[0] != 1 {
		t.Fatalf("unexpected calls=%d errors=%v", calls, seen)
	}
}

func TestRunReturnsWhenErrorHandlerGivesUp(t *testing.T) {
	p := poller.Policy{Base: time.Millisecond}
	boom := errors.New("boom")
	err := poller.Run(context.Background(), p, func(context.Context) (bool, error) {
		return false, boom
	}, func(s poller.State, _ error) bool { return s.ErrorCount < 3 })
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
}

func TestRunHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := poller.Policy{Base: time.Hour}
	err := poller.Run(ctx, p, func(context.Context) (bool, error) {
		cancel()
		return false, nil
	}, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
}

// Package poller drives a periodic fetch with multiplicative backoff on
// errors. A success resets the interval to its base; each consecutive error
// multiplies it, up to a ceiling.
package poller

import (
	"context"
	"time"
)

// State is the backoff state between polls.
type State struct {
	Interval   time.Duration
	ErrorCount int
}

// Policy bounds the interval.
type Policy struct {
	Base   time.Duration
	Max    time.Duration
	Factor float64
}

// DefaultPolicy polls every two seconds and backs off to thirty.
func DefaultPolicy() Policy {
	return Policy{Base: 2 * time.Second, Max: 30 * time.Second, Factor: 2}
}

func (p Policy) normalized() Policy {
	if p.Base <= 0 {
		p.Base = time.Second
	}
	if p.Max < p.Base {
		p.Max = p.Base
	}
	if p.Factor < 1 {
		p.Factor = 2
	}
	return p
}

// Initial returns the starting state for p.
func (p Policy) Initial() State {
	p = p.normalized()
	return State{Interval: p.Base}
}

// OnSuccess resets the interval.
func (p Policy) OnSuccess(State) State {
	return p.Initial()
}

// OnError lengthens the interval, capped at Max.
func (p Policy) OnError(s State) State {
	p = p.normalized()
	next := time.Duration(float64(s.Interval) * p.Factor)
	if s.Interval <= 0 {
		next = p.Base
	}
	if next > p.Max {
		next = p.Max
	}
	return State{Interval: next, ErrorCount: s.ErrorCount + 1}
}

// Fetch performs one poll. done stops the loop after a successful fetch.
type Fetch func(ctx context.Context) (done bool, err error)

// Run calls fetch until it reports done, ctx ends, or onError returns false
// for an error, which Run then returns. A nil onError retries forever.
func Run(ctx context.Context, p Policy, fetch Fetch, onError func(State, error) bool) error {
	state := p.Initial()
	for {
		done, err := fetch(ctx)
		switch {
		case err != nil:
			state = p.OnError(state)
			if onError != nil && !onError(state, err) {
				return err
			}
		case done:
			return nil
		default:
			state = p.OnSuccess(state)
		}

		timer := time.NewTimer(state.Interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

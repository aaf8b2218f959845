// Copyright 2026 The Atelier Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"sort"
	"sync"
	"time"
)

// NewFake returns a Fake clock frozen at start. Time moves only when
// Advance is called; waits registered through After and NewTicker fire
// when the clock passes their deadline.
//
// Fake is safe for concurrent use.
func NewFake(start time.Time) *Fake {
	f := &Fake{now: start}
	f.registered = sync.NewCond(&f.mu)
	return f
}

// Fake is a deterministic Clock for tests.
type Fake struct {
	mu         sync.Mutex
	now        time.Time
	waiters    []*fakeWaiter
	registered *sync.Cond
}

type fakeWaiter struct {
	at      time.Time
	ch      chan time.Time
	period  time.Duration // non-zero for tickers; rescheduled after firing
	stopped bool
}

// Now returns the frozen current time.
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// After registers a one-shot wait. A non-positive d delivers
// immediately without registering.
func (f *Fake) After(d time.Duration) <-chan time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()

	ch := make(chan time.Time, 1)
	if d <= 0 {
		ch <- f.now
		return ch
	}
	f.waiters = append(f.waiters, &fakeWaiter{at: f.now.Add(d), ch: ch})
	f.registered.Broadcast()
	return ch
}

// NewTicker registers a periodic wait. Panics if d <= 0.
func (f *Fake) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: non-positive ticker interval")
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	ch := make(chan time.Time, 1)
	w := &fakeWaiter{at: f.now.Add(d), ch: ch, period: d}
	f.waiters = append(f.waiters, w)
	f.registered.Broadcast()

	return &Ticker{
		C: ch,
		stop: func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			w.stopped = true
		},
	}
}

// Advance moves the clock forward by d, firing every waiter whose
// deadline falls inside the window, in deadline order. Tickers fire
// once per elapsed period; deliveries that would overflow a waiter's
// channel are dropped, matching time.Ticker.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	target := f.now
	f.mu.Unlock()

	for {
		due := f.takeDue(target)
		if len(due) == 0 {
			return
		}
		sort.Slice(due, func(i, j int) bool { return due[i].at.Before(due[j].at) })
		for _, w := range due {
			select {
			case w.ch <- target:
			default:
			}
		}
	}
}

// takeDue removes waiters due at or before target, reschedules tickers
// for their next period, and returns what should fire this round.
func (f *Fake) takeDue(target time.Time) []*fakeWaiter {
	f.mu.Lock()
	defer f.mu.Unlock()

	var due, keep []*fakeWaiter
	for _, w := range f.waiters {
		switch {
		case w.stopped:
		case w.at.After(target):
			keep = append(keep, w)
		default:
			due = append(due, w)
		}
	}
	for _, w := range due {
		if w.period > 0 {
			w.at = w.at.Add(w.period)
			keep = append(keep, w)
		}
	}
	f.waiters = keep
	return due
}

// BlockUntil waits until at least n waits are registered and pending.
// It closes the race between a goroutine reaching its After/ticker
// call and the test advancing the clock:
//
//	go session.reconnectLoop(ctx)
//	fake.BlockUntil(1)            // backoff wait registered
//	fake.Advance(time.Second)     // fires it deterministically
func (f *Fake) BlockUntil(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for f.pending() < n {
		f.registered.Wait()
	}
}

func (f *Fake) pending() int {
	count := 0
	for _, w := range f.waiters {
		if !w.stopped {
			count++
		}
	}
	return count
}

// Copyright 2026 The Atelier Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock abstracts time for code that sleeps, ticks, or backs
// off. Production code injects Real(); tests inject a Fake and advance
// it deterministically.
package clock

import "time"

// Clock is the time surface used by the agent: reading the current
// time, one-shot waits, and periodic ticks. Anything that would call
// time.Now, time.After, or time.NewTicker takes a Clock instead.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that receives once, after d has
	// elapsed. A non-positive d delivers immediately.
	After(d time.Duration) <-chan time.Time

	// NewTicker returns a Ticker delivering on C every d. Panics if
	// d <= 0, matching time.NewTicker.
	NewTicker(d time.Duration) *Ticker
}

// Ticker delivers periodic ticks on C. The channel has capacity 1;
// ticks a slow consumer misses are dropped, matching time.Ticker.
type Ticker struct {
	C <-chan time.Time

	stop func()
}

// Stop turns the ticker off. C is not closed and receives nothing
// further.
func (t *Ticker) Stop() { t.stop() }

// Real returns a Clock backed by the time package.
func Real() Clock { return sysClock{} }

type sysClock struct{}

func (sysClock) Now() time.Time { return time.Now() }

func (sysClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

func (sysClock) NewTicker(d time.Duration) *Ticker {
	ticker := time.NewTicker(d)
	return &Ticker{C: ticker.C, stop: ticker.Stop}
}

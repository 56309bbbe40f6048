// Copyright (c) 2016 The OpenAFD Authors. All rights reserved.
// SPDX-License-Identifier: MIT

package trl

import (
	"time"
)

// A Limiter paces one worker's writes to its trl_per_process budget. After
// each chunk the worker calls Limit with the chunk size; the limiter
// compares how long the bytes so far should have taken against how long
// they did take and sleeps the difference. A running sleep-adjust carries
// the oversleep of one round into the next so the achieved rate converges
// on the budget instead of drifting below it.
//
// Not safe for concurrent use; a worker is single threaded.
type Limiter struct {
	limit       int64 // bytes per second, 0 disables pacing
	chunkBytes  int64
	start       time.Time
	sleepAdjust time.Duration

	// Injectable for tests.
	now   func() time.Time
	sleep func(time.Duration)
}

// NewLimiter returns a limiter for the given budget in bytes per second.
func NewLimiter(limit int64) *Limiter {
	return &Limiter{
		limit: limit,
		now:   time.Now,
		sleep: time.Sleep,
	}
}

// SetLimit installs a new budget and restarts the accounting window. The
// governor changes budgets whenever the active transfer set changes, so
// old accumulation must not be charged against the new rate.
func (l *Limiter) SetLimit(limit int64) {
	l.limit = limit
	l.chunkBytes = 0
	l.start = time.Time{}
	l.sleepAdjust = 0
}

// Limit accounts n transferred bytes and sleeps as needed to hold the
// budget.
func (l *Limiter) Limit(n int64) {
	if l.limit <= 0 || n <= 0 {
		return
	}
	now := l.now()
	if l.start.IsZero() {
		l.start = now
		l.chunkBytes = n
		return
	}
	if now.Before(l.start) {
		// The clock went backwards (clock step, counter wrap). Re-anchor
		// and start a fresh window rather than sleeping for garbage.
		l.start = now
		l.chunkBytes = n
		l.sleepAdjust = 0
		return
	}

	l.chunkBytes += n
	elapsed := now.Sub(l.start)
	expected := time.Duration(l.chunkBytes * int64(time.Second) / l.limit)
	if expected <= elapsed {
		l.sleepAdjust = 0
		return
	}
	d := expected - elapsed - l.sleepAdjust
	if d <= 0 {
		l.sleepAdjust = 0
		return
	}
	before := l.now()
	l.sleep(d)
	overslept := l.now().Sub(before) - d
	if overslept < 0 {
		overslept = 0
	}
	l.sleepAdjust = overslept
}

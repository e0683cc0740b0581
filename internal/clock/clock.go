// Package clock abstracts wall time so control loops can run against a manual
// clock in tests.
package clock

import (
	"context"
	"sync"
	"time"
)

// Clock provides the current time and a cancellable sleep.
type Clock interface {
	Now() time.Time
	// Sleep blocks for d or until ctx is done, returning ctx.Err() in the latter case.
	Sleep(ctx context.Context, d time.Duration) error
}

// Real is the wall clock.
type Real struct{}

// Now returns time.Now().
func (Real) Now() time.Time { return time.Now() }

// Sleep waits for d using a timer.
func (Real) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Manual is a clock that only advances when slept on or advanced explicitly.
// Sleep returns immediately after moving the clock forward, so loops driven by
// it run as fast as the CPU allows. OnSleep, if set, runs after every advance
// while no lock is held; tests use it to inject sensor changes between ticks.
type Manual struct {
	mu     sync.Mutex
	now    time.Time
	sleeps int

	OnSleep func(now time.Time)
}

// NewManual returns a manual clock starting at start.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

// Now returns the current manual time.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Sleep advances the clock by d.
func (m *Manual) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	m.now = m.now.Add(d)
	m.sleeps++
	now := m.now
	hook := m.OnSleep
	m.mu.Unlock()
	if hook != nil {
		hook(now)
	}
	return ctx.Err()
}

// Advance moves the clock forward without counting a sleep.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	m.now = m.now.Add(d)
	m.mu.Unlock()
}

// Sleeps reports how many times Sleep was called.
func (m *Manual) Sleeps() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sleeps
}

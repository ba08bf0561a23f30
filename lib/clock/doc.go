// Copyright 2026 The Ephemera Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides an injectable time abstraction for testability.
//
// Production code accepts a Clock interface parameter instead of calling
// time.Now, time.After, time.NewTicker, time.AfterFunc, or time.Sleep
// directly. In production, Real() provides the standard library
// behavior. In tests, Fake() provides a deterministic clock that
// advances only when Advance is called.
//
// # Wiring Pattern
//
// Components take a Clock in their config and fall back to Real when
// it is nil:
//
//	server := rendezvous.NewServer(rendezvous.Config{
//	    GraceWindow: 2 * time.Minute,
//	    Clock:       clock.Real(),
//	})
//
// In tests, a FakeClock makes grace windows, sweeps, reconnect
// backoff, and delivery delays deterministic:
//
//	c := clock.Fake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
//	server := rendezvous.NewServer(rendezvous.Config{
//	    GraceWindow: 2 * time.Minute,
//	    Clock:       c,
//	})
//	// ... register a user, then drop its websocket ...
//	c.Advance(2 * time.Minute) // grace elapses, the slot is evicted
//
// # FakeClock Synchronization
//
// When a goroutine calls Sleep, After, NewTicker, or AfterFunc on a
// FakeClock, it registers a pending timer. Use WaitForTimers to block
// until a specific number of timers are registered before calling
// Advance. This eliminates the race between timer registration and
// time advancement that plagues tests using time.Sleep for
// synchronization.
package clock

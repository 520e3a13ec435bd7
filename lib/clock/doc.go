// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides an injectable time source.
//
// Components that sleep, debounce, or back off hold a Clock instead of
// calling the time package. Real() forwards to the time package;
// Fake() stands still until the test calls Advance:
//
//	fake := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	connection := hub.New(hub.Config{Clock: fake, ...})
//	// ... drop the connection ...
//	fake.WaitForTimers(1)         // reconnect delay registered
//	fake.Advance(2 * time.Second) // fire it
//
// WaitForTimers closes the race between a goroutine registering a
// timer and the test advancing past it.
package clock

// Copyright 2026 The Telegram Copilot Bridge Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock abstracts time for testability. Production code
// injects Real(); tests inject a Fake with deterministic control.
// Every component that reads the current time (message timestamps,
// retention decisions, retry backoff) takes a Clock instead of
// calling the time package directly.
package clock

import "time"

// Clock provides the current time and sleeping.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// Sleep pauses the current goroutine for at least duration d.
	Sleep(d time.Duration)
}

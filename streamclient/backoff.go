package streamclient

import "time"

// Backoff yields base, 2*base, 4*base ... for MaxAttempts consecutive
// failures, then reports that retries are exhausted.
type Backoff struct {
	Base        time.Duration
	MaxAttempts int

	attempt int
}

// Next returns the delay before the next attempt, or false once
// MaxAttempts delays have been handed out since the last Reset.
func (b *Backoff) Next() (time.Duration, bool) {
	if b.attempt >= b.MaxAttempts {
		return 0, false
	}
	b.attempt++
	return b.Base << (b.attempt - 1), true
}

// Reset starts the sequence over
func (b *Backoff) Reset() {
	b.attempt = 0
}

// Attempt is the number of delays handed out since the last Reset
func (b *Backoff) Attempt() int {
	return b.attempt
}

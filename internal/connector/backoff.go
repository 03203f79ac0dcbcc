// ABOUTME: Exponential backoff for reconnection attempts to the native process.
// ABOUTME: Delays double from an initial value up to a cap and reset on success.

package connector

import "time"

// Default reconnection delays.
const (
	DefaultReconnectInitial = time.Second
	DefaultReconnectMax     = 30 * time.Second
)

type backoff struct {
	initial time.Duration
	max     time.Duration
	current time.Duration
}

func newBackoff(initial, max time.Duration) *backoff {
	if initial <= 0 {
		initial = DefaultReconnectInitial
	}
	if max < initial {
		max = initial
	}
	return &backoff{initial: initial, max: max, current: initial}
}

// next returns the delay to wait before the upcoming attempt.
func (b *backoff) next() time.Duration {
	d := b.current
	b.current *= 2
	if b.current > b.max {
		b.current = b.max
	}
	return min(d, b.max)
}

func (b *backoff) reset() {
	b.current = b.initial
}

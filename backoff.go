package notify

import "time"

// Reconnect defaults.
const (
	DefaultReconnectDelay    = 3 * time.Second
	DefaultMaxReconnectDelay = 30 * time.Second
	DefaultBackoffFactor     = 1.5
)

// backoff hands out reconnect delays. Each call to next returns the current
// delay and grows it by factor, capped at max. reset restores the initial delay.
type backoff struct {
	initial time.Duration
	max     time.Duration
	factor  float64
	current time.Duration
	attempt int
}

func newBackoff(initial, max time.Duration, factor float64) *backoff {
	return &backoff{initial: initial, max: max, factor: factor, current: initial}
}

func (b *backoff) next() time.Duration {
	d := b.current
	grown := time.Duration(float64(b.current) * b.factor)
	if grown > b.max {
		grown = b.max
	}
	b.current = grown
	b.attempt++
	return d
}

func (b *backoff) reset() {
	b.current = b.initial
	b.attempt = 0
}

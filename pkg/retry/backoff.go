// Package retry provides bounded exponential backoff. Two concerns are kept
// separate: poll backoff for an idle queue, and retry backoff for transient
// datastore errors. Jitter is deterministic, seeded by the caller's identity,
// so replays of the same schedule are reproducible.
package retry

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"
)

// Policy bounds an exponential backoff schedule.
type Policy struct {
	BaseMs      int64
	MaxMs       int64
	MaxJitterMs int64
	MaxAttempts int
}

// Delay returns the backoff for attempt (0-based): base * 2^attempt capped at
// MaxMs, plus deterministic jitter derived from seed.
func (p Policy) Delay(seed string, attempt int) time.Duration {
	factor := int64(1)
	if attempt > 0 {
		if attempt > 30 {
			factor = 1 << 30
		} else {
			factor = 1 << attempt
		}
	}

	delay := p.BaseMs * factor
	if delay > p.MaxMs {
		delay = p.MaxMs
	}
	return time.Duration(delay+p.jitter(seed, attempt)) * time.Millisecond
}

func (p Policy) jitter(seed string, attempt int) int64 {
	if p.MaxJitterMs <= 0 {
		return 0
	}
	hash := sha256.Sum256([]byte(fmt.Sprintf("%s:%d", seed, attempt)))
	basis := binary.BigEndian.Uint64(hash[:8])
	return int64(basis % uint64(p.MaxJitterMs))
}

// Poll is a resettable truncated exponential backoff for queue polling:
// it starts at min, doubles on each empty poll up to max, and resets to min
// on any successful claim.
type Poll struct {
	min     time.Duration
	max     time.Duration
	current time.Duration
}

// NewPoll returns a poll backoff over [min, max].
func NewPoll(min, max time.Duration) *Poll {
	if min <= 0 {
		min = time.Second
	}
	if max < min {
		max = min
	}
	return &Poll{min: min, max: max, current: min}
}

// Next returns the current delay and doubles it for the next call.
func (p *Poll) Next() time.Duration {
	d := p.current
	p.current *= 2
	if p.current > p.max {
		p.current = p.max
	}
	return d
}

// Reset returns the schedule to its minimum.
func (p *Poll) Reset() {
	p.current = p.min
}

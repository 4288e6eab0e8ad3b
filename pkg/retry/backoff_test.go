package retry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDelayGrowsAndCaps(t *testing.T) {
	p := Policy{BaseMs: 100, MaxMs: 5000, MaxAttempts: 10}

	assert.Equal(t, 100*time.Millisecond, p.Delay("call-1", 0))
	assert.Equal(t, 200*time.Millisecond, p.Delay("call-1", 1))
	assert.Equal(t, 400*time.Millisecond, p.Delay("call-1", 2))
	// Capped at MaxMs from attempt 6 on.
	assert.Equal(t, 5*time.Second, p.Delay("call-1", 6))
	assert.Equal(t, 5*time.Second, p.Delay("call-1", 40))
}

func TestDelayJitterDeterministic(t *testing.T) {
	p := Policy{BaseMs: 100, MaxMs: 5000, MaxJitterMs: 50, MaxAttempts: 5}

	d1 := p.Delay("call-a", 3)
	d2 := p.Delay("call-a", 3)
	assert.Equal(t, d1, d2, "same seed and attempt must give the same delay")

	base := 800 * time.Millisecond
	assert.GreaterOrEqual(t, d1, base)
	assert.Less(t, d1, base+50*time.Millisecond)
}

func TestPollDoublesAndResets(t *testing.T) {
	p := NewPoll(time.Second, 8*time.Second)

	assert.Equal(t, 1*time.Second, p.Next())
	assert.Equal(t, 2*time.Second, p.Next())
	assert.Equal(t, 4*time.Second, p.Next())
	assert.Equal(t, 8*time.Second, p.Next())
	assert.Equal(t, 8*time.Second, p.Next(), "stays at max")

	p.Reset()
	assert.Equal(t, 1*time.Second, p.Next())
}

func TestPollDefaults(t *testing.T) {
	p := NewPoll(0, 0)
	assert.Equal(t, time.Second, p.Next())
}

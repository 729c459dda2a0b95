package comm

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// Functions

// TestBackoffDelays pins the exponential schedule.
func TestBackoffDelays(t *testing.T) {

	b := NewBackoff(300*time.Millisecond, 5*time.Second)
	b.jitter = func(time.Duration) time.Duration { return 0 }

	want := []time.Duration{
		300 * time.Millisecond,
		600 * time.Millisecond,
		1200 * time.Millisecond,
		2400 * time.Millisecond,
		4800 * time.Millisecond,
		5 * time.Second,
		5 * time.Second,
	}

	for i, w := range want {
		if got := b.NextBackOff(); got != w {
			t.Fatalf("[comm.TestBackoffDelays] Expected delay %v for retry %d but got %v\n", w, i, got)
		}
	}

	b.Reset()
	assert.Equal(t, 300*time.Millisecond, b.NextBackOff())

	// Huge exponents must not overflow.
	assert.Equal(t, 5*time.Second, b.Delay(200))
}

// TestBackoffJitter keeps jitter within one base delay.
func TestBackoffJitter(t *testing.T) {

	b := NewBackoff(0, 0)
	assert.Equal(t, DefaultBackoffBase, b.Base)
	assert.Equal(t, DefaultBackoffCap, b.Cap)

	for i := 0; i < 50; i++ {

		b.Reset()
		d := b.NextBackOff()

		assert.True(t, d >= b.Base && d < 2*b.Base, "delay %v out of range", d)
	}
}

// ABOUTME: Tests for the health score, RTT smoothing and the bucketed error window.
// ABOUTME: Checks clamping and monotonicity across error counts and RTT buckets.

package agent

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestScore(t *testing.T) {
	tests := []struct {
		name   string
		errors int
		rtt    time.Duration
		leased bool
		want   int
	}{
		{"idle healthy clamps to 100", 0, 0, false, 100},
		{"leased healthy", 0, 0, true, 100},
		{"one error leased", 1, 0, true, 90},
		{"error cap", 10, 0, true, 60},
		{"rtt over 200ms", 0, 201 * time.Millisecond, true, 90},
		{"rtt over 500ms", 0, 900 * time.Millisecond, false, 85},
		{"rtt over 1s", 0, 2 * time.Second, true, 70},
		{"worst case", 100, 5 * time.Second, true, 30},
		{"negative errors treated as zero", -3, 0, true, 100},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Score(tt.errors, tt.rtt, tt.leased))
		})
	}
}

func TestScoreMonotonic(t *testing.T) {
	rtts := []time.Duration{0, 250 * time.Millisecond, 600 * time.Millisecond, 1500 * time.Millisecond}
	for _, leased := range []bool{false, true} {
		for _, rtt := range rtts {
			prev := 101
			for errs := 0; errs < 10; errs++ {
				s := Score(errs, rtt, leased)
				assert.LessOrEqual(t, s, prev)
				assert.GreaterOrEqual(t, s, 0)
				assert.LessOrEqual(t, s, 100)
				prev = s
			}
		}
		for errs := 0; errs < 6; errs++ {
			prev := 101
			for _, rtt := range rtts {
				s := Score(errs, rtt, leased)
				assert.LessOrEqual(t, s, prev)
				prev = s
			}
		}
	}
}

func TestSmoothRTT(t *testing.T) {
	assert.Equal(t, 300*time.Millisecond, smoothRTT(0, 300*time.Millisecond))
	assert.Equal(t, 120*time.Millisecond, smoothRTT(100*time.Millisecond, 200*time.Millisecond))
}

func TestErrorWindow(t *testing.T) {
	var w errorWindow
	start := time.Unix(1_000_000, 0)

	w.add(start)
	w.add(start)
	w.add(start.Add(30 * time.Second))
	assert.Equal(t, 3, w.count(start.Add(30*time.Second)))

	// first two age out, third remains
	assert.Equal(t, 1, w.count(start.Add(60*time.Second)))
	assert.Equal(t, 0, w.count(start.Add(91*time.Second)))

	// a bucket reused a full lap later starts from zero
	w.add(start.Add(60 * time.Second))
	assert.Equal(t, 2, w.count(start.Add(60*time.Second)))
}

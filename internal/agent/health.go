// ABOUTME: Health score used to rank idle candidates during allocation.
// ABOUTME: Ranking only; a zero score never makes an agent ineligible.

package agent

import "time"

// RTT smoothing weights.
const (
	rttKeep   = 0.8
	rttSample = 0.2
)

// Score computes the 0..100 health ranking for an agent.
func Score(recentErrors int, rtt time.Duration, leased bool) int {
	score := 100
	score -= min(40, 10*max(0, recentErrors))

	switch {
	case rtt > time.Second:
		score -= 30
	case rtt > 500*time.Millisecond:
		score -= 20
	case rtt > 200*time.Millisecond:
		score -= 10
	}

	if !leased {
		score += 5
	}
	return max(0, min(100, score))
}

func smoothRTT(prev, sample time.Duration) time.Duration {
	if prev == 0 {
		return sample
	}
	return time.Duration(rttKeep*float64(prev) + rttSample*float64(sample))
}

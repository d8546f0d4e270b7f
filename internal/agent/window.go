// ABOUTME: Bucketed ring counting events in the trailing sixty seconds.
// ABOUTME: Feeds the recent-error term of the health score.

package agent

import "time"

const windowBuckets = 60

type bucket struct {
	sec   int64
	count int
}

// errorWindow counts events per wall-clock second in a fixed ring.
// A bucket whose second is older than the window is treated as empty.
type errorWindow struct {
	buckets [windowBuckets]bucket
}

func (w *errorWindow) add(now time.Time) {
	sec := now.Unix()
	b := &w.buckets[mod(sec, windowBuckets)]
	if b.sec != sec {
		b.sec = sec
		b.count = 0
	}
	b.count++
}

func (w *errorWindow) count(now time.Time) int {
	sec := now.Unix()
	total := 0
	for _, b := range w.buckets {
		if age := sec - b.sec; b.count > 0 && age >= 0 && age < windowBuckets {
			total += b.count
		}
	}
	return total
}

func mod(a, n int64) int64 {
	m := a % n
	if m < 0 {
		m += n
	}
	return m
}

// ABOUTME: Fleet-wide circuit breaker around remote dispatch, built on sony/gobreaker.
// ABOUTME: Only transport failures count; worker-reported errors leave the breaker alone.

package rpc

import (
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"
)

// ErrCircuitOpen is returned while the breaker is shedding load.
var ErrCircuitOpen = errors.New("circuit-open")

// BreakerSettings configures the fleet breaker. Window is a fixed
// interval: counts start from zero at the end of each one while closed.
type BreakerSettings struct {
	ErrorThresholdPercent int
	MinRequests           uint32
	Window                time.Duration
	CoolDown              time.Duration
}

// BreakerStatus is a snapshot for the admin API.
type BreakerStatus struct {
	State    string `json:"state"`
	Requests uint32 `json:"requests"`
	Failures uint32 `json:"failures"`
}

// Breaker wraps gobreaker for json results.
type Breaker struct {
	cb     *gobreaker.CircuitBreaker[json.RawMessage]
	logger *slog.Logger
}

// NewBreaker creates the fleet breaker.
func NewBreaker(s BreakerSettings, logger *slog.Logger) *Breaker {
	b := &Breaker{logger: logger}
	b.cb = gobreaker.NewCircuitBreaker[json.RawMessage](gobreaker.Settings{
		Name:        "fleet-rpc",
		MaxRequests: 1,
		Interval:    s.Window,
		Timeout:     s.CoolDown,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return shouldTrip(c, s.MinRequests, s.ErrorThresholdPercent)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		},
		IsSuccessful: isBreakerSuccess,
	})
	return b
}

// Execute runs fn unless the breaker is open.
func (b *Breaker) Execute(fn func() (json.RawMessage, error)) (json.RawMessage, error) {
	res, err := b.cb.Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, ErrCircuitOpen
	}
	return res, err
}

// Status reports the current state and counts.
func (b *Breaker) Status() BreakerStatus {
	c := b.cb.Counts()
	return BreakerStatus{
		State:    b.cb.State().String(),
		Requests: c.Requests,
		Failures: c.TotalFailures,
	}
}

func shouldTrip(c gobreaker.Counts, minRequests uint32, thresholdPercent int) bool {
	if c.Requests == 0 || c.Requests < minRequests {
		return false
	}
	return uint64(c.TotalFailures)*100 >= uint64(thresholdPercent)*uint64(c.Requests)
}

func isBreakerSuccess(err error) bool {
	return err == nil || !(errors.Is(err, ErrAgentOffline) || errors.Is(err, ErrAgentTimeout))
}

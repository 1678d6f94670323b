// Package tbclock implements the deterministic round clock:
// pure arithmetic mapping round indices to durations
// and to absolute instants relative to a level's baseline.
//
// The baseline of a level is the time its predecessor decided.
package tbclock

import (
	"errors"
	"fmt"
	"time"
)

// Config holds the two protocol constants the clock derives everything from.
type Config struct {
	// BaseDuration is the duration of round 0.
	BaseDuration time.Duration

	// Increment is added to each successive round's duration.
	Increment time.Duration
}

// Clock computes round boundaries for a level.
// The zero value is not usable; use [New].
type Clock struct {
	base, inc time.Duration
}

// New validates cfg and returns a Clock.
func New(cfg Config) (Clock, error) {
	if cfg.BaseDuration <= 0 {
		return Clock{}, fmt.Errorf("base round duration must be positive, got %s", cfg.BaseDuration)
	}
	if cfg.Increment < 0 {
		return Clock{}, errors.New("round duration increment must not be negative")
	}
	return Clock{base: cfg.BaseDuration, inc: cfg.Increment}, nil
}

// RoundDuration returns the duration of round r: base + r*increment.
// Durations are monotonically non-decreasing in r.
func (c Clock) RoundDuration(r uint32) time.Duration {
	return c.base + time.Duration(r)*c.inc
}

// StartOfRound returns when round r opens,
// given the level's baseline instant:
// the baseline plus the durations of all prior rounds.
func (c Clock) StartOfRound(baseline time.Time, r uint32) time.Time {
	// Sum of base + i*inc for i in [0, r).
	n := time.Duration(r)
	total := n*c.base + c.inc*(n*(n-1)/2)
	return baseline.Add(total)
}

// EndOfRound returns when round r closes.
func (c Clock) EndOfRound(baseline time.Time, r uint32) time.Time {
	return c.StartOfRound(baseline, r).Add(c.RoundDuration(r))
}

// RoundAt returns the round index open at instant now.
// It is monotone in now, and returns 0 for any instant
// at or before the baseline.
func (c Clock) RoundAt(baseline time.Time, now time.Time) uint32 {
	if !now.After(baseline) {
		return 0
	}

	var r uint32
	for {
		end := c.EndOfRound(baseline, r)
		if now.Before(end) {
			return r
		}
		r++
	}
}

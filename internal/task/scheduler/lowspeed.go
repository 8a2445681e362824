package scheduler

import (
	"fmt"
	"math/rand/v2"
	"time"
)

// MinPollInterval is the floor, in seconds, applied to every drawn interval
// so a misconfigured range cannot hammer the upstream API.
const MinPollInterval = 30

// Range is an inclusive interval range in seconds.
type Range struct {
	Min int `json:"min" yaml:"min"`
	Max int `json:"max" yaml:"max"`
}

func (r Range) floored() Range {
	if r.Min < MinPollInterval {
		r.Min = MinPollInterval
	}
	if r.Max < r.Min {
		r.Max = r.Min
	}
	return r
}

// Draw picks a value uniformly from the floored range.
func (r Range) Draw(rng *rand.Rand) int {
	r = r.floored()
	span := r.Max - r.Min + 1
	if span <= 1 {
		return r.Min
	}
	if rng == nil {
		return r.Min + rand.IntN(span)
	}
	return r.Min + rng.IntN(span)
}

func (r Range) String() string { return fmt.Sprintf("%d-%ds", r.Min, r.Max) }

// LowSpeedPolicy widens polling intervals during off-peak hours.
//
// Inside [StartHour, EndHour) the next interval is drawn from Low, otherwise
// from Normal. Windows may wrap past midnight (22 → 8). The policy is off
// when StartHour == EndHour.
type LowSpeedPolicy struct {
	Enabled   bool  `json:"enabled" yaml:"enabled"`
	StartHour int   `json:"start_hour" yaml:"start_hour"`
	EndHour   int   `json:"end_hour" yaml:"end_hour"`
	Low       Range `json:"low" yaml:"low"`
	Normal    Range `json:"normal" yaml:"normal"`
}

func (p LowSpeedPolicy) Active() bool {
	return p.Enabled && p.StartHour != p.EndHour
}

func (p LowSpeedPolicy) InWindow(hour int) bool {
	if p.StartHour == p.EndHour {
		return false
	}
	if p.StartHour < p.EndHour {
		return hour >= p.StartHour && hour < p.EndHour
	}
	return hour >= p.StartHour || hour < p.EndHour
}

// Next returns the interval in seconds for the cycle after now. When the
// policy is inactive base is returned unchanged.
func (p LowSpeedPolicy) Next(now time.Time, rng *rand.Rand, base int) int {
	if !p.Active() {
		return base
	}
	if p.InWindow(now.Hour()) {
		return p.Low.Draw(rng)
	}
	return p.Normal.Draw(rng)
}

func (p LowSpeedPolicy) Validate() error {
	if p.StartHour < 0 || p.StartHour > 23 || p.EndHour < 0 || p.EndHour > 23 {
		return fmt.Errorf("low-speed hours must be within 0..23, got %d..%d", p.StartHour, p.EndHour)
	}
	if p.Low.Max != 0 && p.Low.Max < p.Low.Min {
		return fmt.Errorf("low-speed range max < min (%s)", p.Low)
	}
	if p.Normal.Max != 0 && p.Normal.Max < p.Normal.Min {
		return fmt.Errorf("normal range max < min (%s)", p.Normal)
	}
	return nil
}

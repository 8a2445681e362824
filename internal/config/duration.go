package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"dynbot/internal/task/scheduler"
)

func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// Dur parses a validated duration field, falling back to def.
func Dur(raw string, def time.Duration) time.Duration {
	d, err := ParseDurationField("", raw)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// ParsePair parses the "a-b" notation used by the low-speed settings.
func ParsePair(raw string) (int, int, error) {
	a, b, ok := strings.Cut(strings.TrimSpace(raw), "-")
	if !ok {
		return 0, 0, fmt.Errorf("invalid range %q: want a-b", raw)
	}
	x, err := strconv.Atoi(strings.TrimSpace(a))
	if err != nil {
		return 0, 0, fmt.Errorf("invalid range %q: %w", raw, err)
	}
	y, err := strconv.Atoi(strings.TrimSpace(b))
	if err != nil {
		return 0, 0, fmt.Errorf("invalid range %q: %w", raw, err)
	}
	return x, y, nil
}

// Policy converts the low-speed section. Ranges are floored by the
// policy itself; equal window bounds turn it off.
func (c LowSpeedConfig) Policy() (scheduler.LowSpeedPolicy, error) {
	p := scheduler.LowSpeedPolicy{Enabled: c.Enabled}
	var err error
	if p.StartHour, p.EndHour, err = ParsePair(c.Window); err != nil {
		return scheduler.LowSpeedPolicy{}, fmt.Errorf("check.low_speed.window: %w", err)
	}
	if p.Low.Min, p.Low.Max, err = ParsePair(c.LowRange); err != nil {
		return scheduler.LowSpeedPolicy{}, fmt.Errorf("check.low_speed.low_range: %w", err)
	}
	if p.Normal.Min, p.Normal.Max, err = ParsePair(c.NormalRange); err != nil {
		return scheduler.LowSpeedPolicy{}, fmt.Errorf("check.low_speed.normal_range: %w", err)
	}
	if err := p.Validate(); err != nil {
		return scheduler.LowSpeedPolicy{}, fmt.Errorf("check.low_speed: %w", err)
	}
	return p, nil
}

// Location resolves Timezone.
func (c *Config) Location() (*time.Location, error) {
	tz := strings.TrimSpace(c.Timezone)
	if tz == "" || strings.EqualFold(tz, "local") {
		return time.Local, nil
	}
	return time.LoadLocation(tz)
}

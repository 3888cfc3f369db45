package config

import (
	"fmt"
	"strings"
	"time"
)

const (
	DefaultPollInterval = time.Minute
	DefaultOfflineGrace = 2 * time.Minute
	// MinPollInterval keeps a typo like "1ms" from hammering Helix.
	MinPollInterval = time.Second
)

// ParseDurationField parses a non-negative Go duration. Empty is 0.
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

// ParseTimeout reads a timeout where 0 and empty both mean def.
func ParseTimeout(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d == 0 {
		return def, nil
	}
	return d, nil
}

// PollDurations returns the tick interval and offline grace period.
//
// An unset field takes its default. An explicit grace of 0 is kept: the
// stream ends at the first poll after the one that missed it. The
// interval must be at least MinPollInterval.
func (t TwitchConfig) PollDurations() (interval, grace time.Duration, err error) {
	interval = DefaultPollInterval
	if strings.TrimSpace(t.PollInterval) != "" {
		if interval, err = ParseDurationField("twitch.poll_interval", t.PollInterval); err != nil {
			return 0, 0, err
		}
		if interval < MinPollInterval {
			return 0, 0, fmt.Errorf("twitch.poll_interval: must be at least %s, got %s", MinPollInterval, interval)
		}
	}
	grace = DefaultOfflineGrace
	if strings.TrimSpace(t.OfflineGracePeriod) != "" {
		if grace, err = ParseDurationField("twitch.offline_grace_period", t.OfflineGracePeriod); err != nil {
			return 0, 0, err
		}
	}
	return interval, grace, nil
}

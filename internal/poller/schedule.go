package poller

import (
	"fmt"
	"time"

	"relaybot/internal/config"
)

// Schedule picks the poll interval for the next tick.
type Schedule struct {
	Active       time.Duration
	Peak         time.Duration
	Default      time.Duration
	ActiveWindow time.Duration
	PeakWindows  []config.Window
}

// ScheduleFromConfig builds a Schedule from the poller config section.
func ScheduleFromConfig(c config.PollerConfig) (Schedule, error) {
	s := Schedule{
		Active:       config.Seconds(c.ActiveIntervalSeconds),
		Peak:         config.Seconds(c.PeakIntervalSeconds),
		Default:      config.Seconds(c.DefaultIntervalSeconds),
		ActiveWindow: time.Duration(c.ActiveWindowMinutes) * time.Minute,
	}
	for _, raw := range c.PeakWindows {
		w, err := config.ParseWindow(raw)
		if err != nil {
			return Schedule{}, fmt.Errorf("poller schedule: %w", err)
		}
		s.PeakWindows = append(s.PeakWindows, w)
	}
	return s, nil
}

// Interval returns the active interval while the user spoke within the
// active window, the peak interval inside a peak window, and the default
// interval otherwise.
func (s Schedule) Interval(now, lastUser time.Time) time.Duration {
	if !lastUser.IsZero() && now.Sub(lastUser) < s.ActiveWindow {
		return s.Active
	}
	for _, w := range s.PeakWindows {
		if w.Contains(now) {
			return s.Peak
		}
	}
	return s.Default
}

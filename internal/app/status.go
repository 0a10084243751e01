package app

import (
	"time"

	"relaybot/internal/bus"
	"relaybot/internal/domain"
	"relaybot/internal/poller"
)

// Status is the diagnostics snapshot returned by GetStatus and served on
// GET /status.
type Status struct {
	Version           string                 `json:"version"`
	StartedAt         time.Time              `json:"startedAt"`
	UptimeSeconds     int64                  `json:"uptimeSeconds"`
	ActiveProvider    domain.Transport       `json:"activeProvider"`
	PreferredProvider domain.Transport       `json:"preferredProvider"`
	ProviderSwitches  int                    `json:"providerSwitches"`
	LastSwitch        time.Time              `json:"lastSwitch,omitempty"`
	Providers         []domain.ProviderState `json:"providers"`
	Polling           PollingStatus          `json:"polling"`
	Processed         int64                  `json:"processed"`
	Errors            int64                  `json:"errors"`
	QueueDepth        int                    `json:"queueDepth"`
	ClaimsHeld        int                    `json:"claimsHeld"`
	LastUserMessage   time.Time              `json:"lastUserMessage,omitempty"`
	AlertCooldowns    map[string]time.Time   `json:"alertCooldowns,omitempty"`
	RecentEvents      []bus.Event            `json:"recentEvents,omitempty"`
}

// PollingStatus is the poller part of Status.
type PollingStatus struct {
	State               poller.State `json:"state"`
	IntervalSeconds     float64      `json:"intervalSeconds"`
	Cursor              time.Time    `json:"cursor,omitempty"`
	LastPoll            time.Time    `json:"lastPoll,omitempty"`
	Ticks               int64        `json:"ticks"`
	Failures            int64        `json:"failures"`
	ConsecutiveFailures int          `json:"consecutiveFailures"`
	Fetched             int64        `json:"fetched"`
	Admitted            int64        `json:"admitted"`
}

// GetStatus reports connection state, the active provider, polling cadence
// and counters.
func (s *Service) GetStatus() Status {
	s.mu.Lock()
	started := s.startedAt
	s.mu.Unlock()

	switches, lastSwitch := s.router.Switches()
	processed, failed := s.orch.Counters()
	ps := s.poller.Status()

	st := Status{
		Version:           s.version,
		StartedAt:         started,
		ActiveProvider:    s.router.Active(),
		PreferredProvider: s.router.Preferred(),
		ProviderSwitches:  switches,
		LastSwitch:        lastSwitch,
		Providers:         s.router.States(),
		Polling: PollingStatus{
			State:               ps.State,
			IntervalSeconds:     ps.Interval.Seconds(),
			Cursor:              ps.Cursor,
			LastPoll:            ps.LastPoll,
			Ticks:               ps.Ticks,
			Failures:            ps.Failures,
			ConsecutiveFailures: ps.ConsecutiveFailures,
			Fetched:             ps.Fetched,
			Admitted:            ps.Admitted,
		},
		Processed:       processed,
		Errors:          failed,
		QueueDepth:      s.queue.Len(),
		ClaimsHeld:      s.ledger.Len(),
		LastUserMessage: s.orch.LastUserMessage(),
		AlertCooldowns:  s.alerts.Cooldowns(),
		RecentEvents:    s.events.Recent(recentEvents),
	}
	if !started.IsZero() {
		st.UptimeSeconds = int64(time.Since(started).Seconds())
	}
	return st
}

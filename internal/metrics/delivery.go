package metrics

import (
	"fmt"
	"time"
)

// Delivery groups the counters the delivery engine reports. One instance is
// built per service from its own collector.
type Delivery struct {
	c *MetricsCollector

	ClaimConflicts   *Counter
	Replies          *Counter
	FailureNotices   *Counter
	AIFailures       *Counter
	AILatency        *Histogram
	PollTicks        *Counter
	PollFailures     *Counter
	PollInterval     *Gauge
	AlertsFired      *Counter
	AlertsSuppressed *Counter
	InFlight         *Gauge
	HardSplits       *Counter
}

// NewDelivery registers the delivery metrics on c.
func NewDelivery(c *MetricsCollector) *Delivery {
	return &Delivery{
		c:                c,
		ClaimConflicts:   c.Counter("relaybot_claim_conflicts_total", "Inbound messages dropped because another path owns them", ""),
		Replies:          c.Counter("relaybot_replies_total", "Replies delivered to the user", ""),
		FailureNotices:   c.Counter("relaybot_failure_notices_total", "Failure notices sent instead of a reply", ""),
		AIFailures:       c.Counter("relaybot_ai_failures_total", "AI backend errors and timeouts", ""),
		AILatency:        c.Histogram("relaybot_ai_latency_seconds", "AI backend latency in seconds", "", []float64{0.5, 1, 2, 5, 10, 30, 60, 120}),
		PollTicks:        c.Counter("relaybot_poll_ticks_total", "Cloud poll ticks", ""),
		PollFailures:     c.Counter("relaybot_poll_failures_total", "Cloud poll ticks that failed", ""),
		PollInterval:     c.Gauge("relaybot_poll_interval_seconds", "Current adaptive poll interval", ""),
		AlertsFired:      c.Counter("relaybot_alerts_fired_total", "Alerts delivered", ""),
		AlertsSuppressed: c.Counter("relaybot_alerts_suppressed_total", "Alerts skipped by cooldown", ""),
		InFlight:         c.Gauge("relaybot_conversations_in_flight", "Inbound messages currently being handled", ""),
		HardSplits:       c.Counter("relaybot_hard_splits_total", "Replies that needed a mid-paragraph hard split", ""),
	}
}

// Collector returns the underlying collector.
func (d *Delivery) Collector() *MetricsCollector { return d.c }

// Inbound counts an admitted inbound message by ingestion path.
func (d *Delivery) Inbound(owner string) {
	d.c.Counter("relaybot_inbound_total", "Inbound messages admitted", label("owner", owner)).Inc()
}

// Sent counts a successful send on a transport.
func (d *Delivery) Sent(transport string) {
	d.c.Counter("relaybot_sends_total", "Outbound sends", label("transport", transport)).Inc()
}

// SendFailed counts a failed send on a transport.
func (d *Delivery) SendFailed(transport string) {
	d.c.Counter("relaybot_send_failures_total", "Outbound send failures", label("transport", transport)).Inc()
}

// Event counts an internal event by type.
func (d *Delivery) Event(typ string) {
	d.c.Counter("relaybot_events_total", "Internal delivery events", label("type", typ)).Inc()
}

// ObserveAI records one backend call.
func (d *Delivery) ObserveAI(elapsed time.Duration, err error) {
	d.AILatency.Observe(elapsed.Seconds())
	if err != nil {
		d.AIFailures.Inc()
	}
}

// SetPollInterval updates the poll interval gauge.
func (d *Delivery) SetPollInterval(iv time.Duration) {
	d.PollInterval.Set(int64(iv / time.Second))
}

func label(k, v string) string {
	return fmt.Sprintf("%s=%q", k, v)
}

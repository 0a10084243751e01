package bus

import (
	"log/slog"
	"sync"
	"time"
)

const defaultHistory = 1000

// Event is one internal delivery event.
type Event struct {
	Type      string         `json:"type"`   // e.g. "provider.switched", "alert.fired"
	Source    string         `json:"source"` // originating component
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// EventBus keeps a bounded history of internal events for diagnostics and
// fans each one out to its watchers.
type EventBus struct {
	mu       sync.RWMutex
	history  []Event
	limit    int
	watchers []func(Event)
	logger   *slog.Logger
}

func NewEventBus(logger *slog.Logger) *EventBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventBus{limit: defaultHistory, logger: logger}
}

// Watch registers fn for every event emitted from now on. Watchers run on
// the emitting goroutine and must not block.
func (eb *EventBus) Watch(fn func(Event)) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.watchers = append(eb.watchers, fn)
}

// Emit records ev and notifies the watchers. A panicking watcher is logged
// and does not affect the others.
func (eb *EventBus) Emit(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	eb.mu.Lock()
	if len(eb.history) >= eb.limit {
		eb.history = append(eb.history[:0], eb.history[len(eb.history)-eb.limit+1:]...)
	}
	eb.history = append(eb.history, ev)
	watchers := eb.watchers
	eb.mu.Unlock()

	for _, fn := range watchers {
		eb.notify(fn, ev)
	}
}

func (eb *EventBus) notify(fn func(Event), ev Event) {
	defer func() {
		if r := recover(); r != nil {
			eb.logger.Error("event watcher panic", "event", ev.Type, "panic", r)
		}
	}()
	fn(ev)
}

// Replay returns recorded events of eventType ("*" for all) at or after
// since, oldest first.
func (eb *EventBus) Replay(eventType string, since time.Time) []Event {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	var out []Event
	for _, ev := range eb.history {
		if ev.Timestamp.Before(since) {
			continue
		}
		if eventType == "*" || ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}

// Recent returns up to n most recent events, newest last.
func (eb *EventBus) Recent(n int) []Event {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	if n <= 0 || n > len(eb.history) {
		n = len(eb.history)
	}
	out := make([]Event, n)
	copy(out, eb.history[len(eb.history)-n:])
	return out
}

// Well-known event types.
const (
	EventProviderSwitched = "provider.switched"
	EventMessageReplied   = "message.replied"
	EventMessageFailed    = "message.failed"
	EventAlertFired       = "alert.fired"
	EventAlertSuppressed  = "alert.suppressed"
	EventPollFailed       = "poll.failed"
	EventClaimConflict    = "claim.conflict"
)

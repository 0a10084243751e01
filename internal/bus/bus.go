package bus

import (
	"log/slog"
	"sync"
	"time"

	"relaybot/internal/domain"
)

const publishTimeout = 10 * time.Second

// InMemoryBus is the bounded inbound queue between ingestion paths and the
// orchestrator. Only admitted messages (both claims held) are published.
type InMemoryBus struct {
	inbound chan domain.InboundEvent
	mu      sync.RWMutex
	closed  bool
	logger  *slog.Logger
	timeout time.Duration
}

// New creates a new InMemoryBus with the given buffer size.
func New(bufferSize int, logger *slog.Logger) *InMemoryBus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &InMemoryBus{
		inbound: make(chan domain.InboundEvent, bufferSize),
		logger:  logger,
		timeout: publishTimeout,
	}
}

// Publish enqueues ev. It blocks up to 10 seconds if the bus is full and
// reports whether the event was delivered.
func (b *InMemoryBus) Publish(ev domain.InboundEvent) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		b.logger.Warn("attempted to publish to closed bus", "id", ev.Message.ID)
		return false
	}

	select {
	case b.inbound <- ev:
		return true
	default:
		b.logger.Warn("inbound bus full, waiting...", "id", ev.Message.ID, "owner", ev.Owner)
		timer := time.NewTimer(b.timeout)
		defer timer.Stop()
		select {
		case b.inbound <- ev:
			b.logger.Info("message delivered after wait", "id", ev.Message.ID)
			return true
		case <-timer.C:
			b.logger.Error("message dropped: bus full",
				"id", ev.Message.ID,
				"from", ev.Message.From,
				"waited", b.timeout,
			)
			return false
		}
	}
}

// Subscribe returns the consumer side. It is closed by Close.
func (b *InMemoryBus) Subscribe() <-chan domain.InboundEvent {
	return b.inbound
}

// Len returns the number of queued events.
func (b *InMemoryBus) Len() int {
	return len(b.inbound)
}

func (b *InMemoryBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.closed {
		b.closed = true
		close(b.inbound)
	}
}

package poller

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"relaybot/internal/bus"
	"relaybot/internal/domain"
	"relaybot/internal/ledger"
	"relaybot/internal/metrics"
)

// Source lists inbound messages from the cloud transport.
type Source interface {
	Ready() bool
	ListInbound(ctx context.Context, sentAfter time.Time) ([]domain.InboundMessage, error)
}

// SeenStore persists the bounded set of already-handled message ids.
type SeenStore interface {
	LoadSeen(ctx context.Context, limit int) ([]string, error)
	MarkSeen(ctx context.Context, ids []string, retain int) error
}

// Gate admits a message for processing if no other path owns it.
type Gate interface {
	Admit(msg domain.InboundMessage, owner domain.ClaimOwner) ledger.Admission
}

// Activity reports when the user last wrote, on any path.
type Activity interface {
	LastUserMessage() time.Time
}

// Receiver is told when a transport delivered inbound traffic.
type Receiver interface {
	OnReceive(t domain.Transport)
}

type State string

const (
	StateStopped State = "stopped"
	StateRunning State = "running"
)

type Config struct {
	Source          Source
	Seen            SeenStore
	Gate            Gate
	Activity        Activity
	Receiver        Receiver
	Schedule        Schedule
	Lookback        time.Duration
	SeenRetention   int
	FailureLogEvery int
	Now             func() time.Time
	Metrics         *metrics.Delivery
	Events          *bus.EventBus
	Logger          *slog.Logger
}

// Status is a snapshot of the poller for diagnostics.
type Status struct {
	State               State         `json:"state"`
	Interval            time.Duration `json:"interval"`
	Cursor              time.Time     `json:"cursor"`
	LastPoll            time.Time     `json:"lastPoll"`
	Ticks               int64         `json:"ticks"`
	Failures            int64         `json:"failures"`
	ConsecutiveFailures int           `json:"consecutiveFailures"`
	Fetched             int64         `json:"fetched"`
	Admitted            int64         `json:"admitted"`
}

// Poller drives the cloud transport on an adaptive timer. Each tick queries
// messages sent after the cursor, skips ids already seen, and offers the rest
// to the gate oldest-first.
type Poller struct {
	cfg    Config
	now    func() time.Time
	logger *slog.Logger

	mu        sync.Mutex
	state     State
	cursor    time.Time
	seen      map[string]struct{}
	seenOrder []string
	lastUser  time.Time
	status    Status
}

func New(cfg Config) *Poller {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.SeenRetention <= 0 {
		cfg.SeenRetention = 500
	}
	if cfg.FailureLogEvery <= 0 {
		cfg.FailureLogEvery = 20
	}
	if cfg.Lookback <= 0 {
		cfg.Lookback = 3 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		cfg:    cfg,
		now:    cfg.Now,
		logger: logger.With("component", "poller"),
		state:  StateStopped,
		seen:   make(map[string]struct{}),
	}
}

// Run polls until ctx is cancelled. It refuses to start unless the cloud
// transport verified its credentials.
func (p *Poller) Run(ctx context.Context) error {
	if err := p.start(ctx); err != nil {
		return err
	}
	defer func() {
		p.mu.Lock()
		p.state = StateStopped
		p.mu.Unlock()
	}()

	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("poller stopped")
			return nil
		case <-timer.C:
			p.tick(ctx)
			timer.Reset(p.nextInterval())
		}
	}
}

// start moves STOPPED to RUNNING, seeds the cursor and loads the seen set.
func (p *Poller) start(ctx context.Context) error {
	if p.cfg.Source == nil || !p.cfg.Source.Ready() {
		return fmt.Errorf("poller: %w: cloud transport not initialized", domain.ErrNotReady)
	}

	p.mu.Lock()
	if p.state == StateRunning {
		p.mu.Unlock()
		return fmt.Errorf("poller already running")
	}
	p.state = StateRunning
	p.cursor = p.now().Add(-p.cfg.Lookback)
	p.status.Cursor = p.cursor
	p.mu.Unlock()

	p.loadSeen(ctx)
	p.logger.Info("poller started", "lookback", p.cfg.Lookback, "seen", p.seenLen())
	return nil
}

func (p *Poller) seenLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.seenOrder)
}

func (p *Poller) loadSeen(ctx context.Context) {
	if p.cfg.Seen == nil {
		return
	}
	ids, err := p.cfg.Seen.LoadSeen(ctx, p.cfg.SeenRetention)
	if err != nil {
		p.logger.Warn("load seen ids failed, starting empty", "err", err)
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, id := range ids {
		p.remember(id)
	}
}

func (p *Poller) nextInterval() time.Duration {
	p.mu.Lock()
	last := p.lastUser
	p.mu.Unlock()
	if p.cfg.Activity != nil {
		if t := p.cfg.Activity.LastUserMessage(); t.After(last) {
			last = t
		}
	}
	iv := p.cfg.Schedule.Interval(p.now(), last)
	if iv <= 0 {
		iv = time.Minute
	}
	p.mu.Lock()
	p.status.Interval = iv
	p.mu.Unlock()
	if p.cfg.Metrics != nil {
		p.cfg.Metrics.SetPollInterval(iv)
	}
	return iv
}

func (p *Poller) tick(ctx context.Context) {
	now := p.now()
	p.mu.Lock()
	sentAfter := p.cursor
	if now.After(p.cursor) {
		p.cursor = now
	}
	p.status.Cursor = p.cursor
	p.status.LastPoll = now
	p.status.Ticks++
	p.mu.Unlock()
	if p.cfg.Metrics != nil {
		p.cfg.Metrics.PollTicks.Inc()
	}

	msgs, err := p.cfg.Source.ListInbound(ctx, sentAfter)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		p.fail(err)
		return
	}
	p.recovered()

	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].ReceivedAt.Before(msgs[j].ReceivedAt) })

	var fresh []string
	var admitted int64
	for _, msg := range msgs {
		p.mu.Lock()
		_, dup := p.seen[msg.ID]
		p.mu.Unlock()
		if dup || msg.ID == "" {
			continue
		}

		switch p.cfg.Gate.Admit(msg, domain.OwnerPoller) {
		case ledger.Dropped:
			// Not seen: pull the cursor back so the next tick fetches it again.
			p.rewind(msg.ReceivedAt.Add(-time.Second))
			p.logger.Warn("inbound queue full, message will be retried", "id", msg.ID)
			continue
		case ledger.Admitted:
			admitted++
			p.mu.Lock()
			if msg.ReceivedAt.After(p.lastUser) {
				p.lastUser = msg.ReceivedAt
			}
			p.mu.Unlock()
		}
		p.mu.Lock()
		p.remember(msg.ID)
		p.mu.Unlock()
		fresh = append(fresh, msg.ID)
	}

	if len(msgs) > 0 && p.cfg.Receiver != nil {
		p.cfg.Receiver.OnReceive(domain.TransportCloud)
	}

	p.mu.Lock()
	p.status.Fetched += int64(len(msgs))
	p.status.Admitted += admitted
	p.mu.Unlock()

	if len(fresh) > 0 && p.cfg.Seen != nil {
		if err := p.cfg.Seen.MarkSeen(ctx, fresh, p.cfg.SeenRetention); err != nil {
			p.logger.Warn("persist seen ids failed", "err", err)
		}
	}
	if len(fresh) > 0 {
		p.logger.Debug("poll tick", "fetched", len(msgs), "new", len(fresh), "admitted", admitted)
	}
}

// rewind moves the cursor back to at if it is ahead of it.
func (p *Poller) rewind(at time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if at.Before(p.cursor) {
		p.cursor = at
		p.status.Cursor = at
	}
}

// remember adds id to the bounded in-memory seen set. Caller holds p.mu.
func (p *Poller) remember(id string) {
	if id == "" {
		return
	}
	p.seen[id] = struct{}{}
	p.seenOrder = append(p.seenOrder, id)
	for len(p.seenOrder) > p.cfg.SeenRetention {
		delete(p.seen, p.seenOrder[0])
		p.seenOrder = p.seenOrder[1:]
	}
}

// fail counts a failed poll. The first two in a row are logged, then only
// every FailureLogEvery-th.
func (p *Poller) fail(err error) {
	p.mu.Lock()
	p.status.Failures++
	p.status.ConsecutiveFailures++
	n := p.status.ConsecutiveFailures
	p.mu.Unlock()

	if p.cfg.Metrics != nil {
		p.cfg.Metrics.PollFailures.Inc()
	}
	if p.cfg.Events != nil {
		p.cfg.Events.Emit(bus.Event{
			Type:    bus.EventPollFailed,
			Source:  "poller",
			Payload: map[string]any{"consecutive": n, "error": err.Error()},
		})
	}
	if n <= 2 || n%p.cfg.FailureLogEvery == 0 {
		p.logger.Warn("poll failed", "consecutive", n, "err", err)
	}
}

func (p *Poller) recovered() {
	p.mu.Lock()
	n := p.status.ConsecutiveFailures
	p.status.ConsecutiveFailures = 0
	p.mu.Unlock()
	if n > 0 {
		p.logger.Info("poll recovered", "after_failures", n)
	}
}

func (p *Poller) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := p.status
	st.State = p.state
	return st
}

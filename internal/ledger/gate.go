package ledger

import (
	"log/slog"
	"slices"

	"relaybot/internal/bus"
	"relaybot/internal/domain"
	"relaybot/internal/metrics"
)

// Publisher receives admitted inbound events.
type Publisher interface {
	Publish(ev domain.InboundEvent) bool
}

type GateConfig struct {
	Ledger    *Ledger
	Publisher Publisher
	Events    *bus.EventBus     // optional
	Metrics   *metrics.Delivery // optional
	AllowFrom []string          // empty allows every sender
	Logger    *slog.Logger
}

// Gate is the single entry point for every ingestion path. A message is
// published only when both its id claim and its content claim succeed.
type Gate struct {
	ledger    *Ledger
	pub       Publisher
	events    *bus.EventBus
	metrics   *metrics.Delivery
	allowFrom []string
	logger    *slog.Logger
}

func NewGate(cfg GateConfig) *Gate {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	allow := make([]string, 0, len(cfg.AllowFrom))
	for _, a := range cfg.AllowFrom {
		allow = append(allow, normalizeAddress(a))
	}
	return &Gate{
		ledger:    cfg.Ledger,
		pub:       cfg.Publisher,
		events:    cfg.Events,
		metrics:   cfg.Metrics,
		allowFrom: allow,
		logger:    cfg.Logger,
	}
}

// Admission is the outcome of offering a message to the gate.
type Admission int

const (
	Admitted Admission = iota
	Claimed            // another path owns the message
	Filtered           // no id, or sender not allowed
	Dropped            // claims won but the queue refused it; claims are released
)

func (a Admission) String() string {
	switch a {
	case Admitted:
		return "admitted"
	case Claimed:
		return "claimed"
	case Filtered:
		return "filtered"
	case Dropped:
		return "dropped"
	}
	return "unknown"
}

// Offer tries to admit msg on behalf of owner and reports whether it was
// queued.
func (g *Gate) Offer(msg domain.InboundMessage, owner domain.ClaimOwner) bool {
	return g.Admit(msg, owner) == Admitted
}

// Admit tries to admit msg on behalf of owner. Claim conflicts are expected
// and never surfaced as errors. A Dropped message may be offered again.
func (g *Gate) Admit(msg domain.InboundMessage, owner domain.ClaimOwner) Admission {
	if msg.ID == "" {
		g.logger.Warn("inbound message without id dropped", "owner", owner, "from", msg.From)
		return Filtered
	}
	if len(g.allowFrom) > 0 && !slices.Contains(g.allowFrom, normalizeAddress(msg.From)) {
		g.logger.Debug("sender not allowed", "from", msg.From, "owner", owner)
		return Filtered
	}

	idKey := "id:" + msg.ID
	if !g.ledger.Claim(msg.ID, owner) {
		g.conflict(msg, owner, "id")
		return Claimed
	}
	fp := Fingerprint(msg.From, msg.Body)
	if !g.ledger.ClaimByContent(fp, owner) {
		g.conflict(msg, owner, "content")
		return Claimed
	}

	if !g.pub.Publish(domain.InboundEvent{Message: msg, Owner: owner}) {
		g.ledger.release(idKey, owner)
		if fp != "" {
			g.ledger.release("body:"+fp, owner)
		}
		g.logger.Warn("inbound queue refused message, claims released", "id", msg.ID, "owner", owner)
		return Dropped
	}
	if g.metrics != nil {
		g.metrics.Inbound(string(owner))
	}
	return Admitted
}

func (g *Gate) conflict(msg domain.InboundMessage, owner domain.ClaimOwner, kind string) {
	g.logger.Debug("inbound already claimed", "id", msg.ID, "owner", owner, "claim", kind)
	if g.metrics != nil {
		g.metrics.ClaimConflicts.Inc()
	}
	if g.events != nil {
		g.events.Emit(bus.Event{
			Type:    bus.EventClaimConflict,
			Source:  string(owner),
			Payload: map[string]any{"id": msg.ID, "claim": kind},
		})
	}
}

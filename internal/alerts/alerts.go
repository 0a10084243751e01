// Package alerts pushes proactive, conversation-shaped messages to the user:
// a short hook, then optionally a researched finding and a follow-up.
package alerts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"relaybot/internal/bus"
	"relaybot/internal/domain"
	"relaybot/internal/metrics"
	"relaybot/internal/outbound"
)

const (
	defaultCooldown = 30 * time.Minute
	fallbackTimeout = 15 * time.Second
	digFailedNotice = "I tried to dig deeper on that but couldn't pull anything useful right now."
)

// Sender delivers one logical message through the outbound pipeline.
type Sender interface {
	Send(ctx context.Context, msg domain.OutboundMessage) (outbound.Receipt, error)
}

// CooldownStore persists the last firing time of each alert type.
type CooldownStore interface {
	SaveCooldown(ctx context.Context, alertType string, firedAt time.Time) error
	LoadCooldowns(ctx context.Context) (map[string]time.Time, error)
}

// Finding is the result of an alert's research step. An empty Text means
// nothing worth sending was found.
type Finding struct {
	Text     string
	FollowUp string
}

// ResearchFunc runs after the hook is delivered.
type ResearchFunc func(ctx context.Context) (Finding, error)

type Alert struct {
	Type     string
	Hook     string
	Research ResearchFunc
	// Urgent alerts skip the pauses between messages. Cooldown still applies.
	Urgent bool
	// To overrides the configured user address.
	To string
}

// Result reports what FireAlert did. A suppressed alert is not an error.
type Result struct {
	ID             string    `json:"id,omitempty"`
	Type           string    `json:"type"`
	Skipped        bool      `json:"skipped"`
	NextAllowed    time.Time `json:"nextAllowed,omitempty"`
	Messages       int       `json:"messages"`
	ResearchFailed bool      `json:"researchFailed,omitempty"`
}

type EmitterConfig struct {
	Sender    Sender
	Store     CooldownStore // optional
	To        string
	Cooldown  time.Duration
	Cooldowns map[string]time.Duration // per-type overrides
	Pause     time.Duration
	Now       func() time.Time
	Metrics   *metrics.Delivery
	Events    *bus.EventBus
	Logger    *slog.Logger
}

// Emitter fires alerts under a per-type cooldown. The cooldown slot is
// reserved before anything is sent, so concurrent calls for one type yield
// exactly one hook.
type Emitter struct {
	cfg    EmitterConfig
	logger *slog.Logger

	mu    sync.Mutex
	fired map[string]time.Time
}

func NewEmitter(cfg EmitterConfig) *Emitter {
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = defaultCooldown
	}
	if cfg.Pause < 0 {
		cfg.Pause = 0
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Emitter{
		cfg:    cfg,
		logger: logger.With("component", "alerts"),
		fired:  make(map[string]time.Time),
	}
}

// Load restores persisted cooldowns so a restart does not re-fire an alert
// inside its window.
func (e *Emitter) Load(ctx context.Context) error {
	if e.cfg.Store == nil {
		return nil
	}
	saved, err := e.cfg.Store.LoadCooldowns(ctx)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for typ, at := range saved {
		if at.After(e.fired[typ]) {
			e.fired[typ] = at
		}
	}
	e.logger.Debug("cooldowns restored", "count", len(saved))
	return nil
}

// CooldownFor returns the cooldown window of an alert type.
func (e *Emitter) CooldownFor(alertType string) time.Duration {
	if d, ok := e.cfg.Cooldowns[alertType]; ok && d > 0 {
		return d
	}
	return e.cfg.Cooldown
}

// Cooldowns returns, per alert type, when it may fire again. Types whose
// window has passed are omitted.
func (e *Emitter) Cooldowns() map[string]time.Time {
	now := e.cfg.Now()
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]time.Time)
	for typ, at := range e.fired {
		if next := at.Add(e.CooldownFor(typ)); next.After(now) {
			out[typ] = next
		}
	}
	return out
}

// FireAlert sends the hook, then the research finding and follow-up if any.
// An alert inside its cooldown window returns a skipped Result and no error.
func (e *Emitter) FireAlert(ctx context.Context, a Alert) (Result, error) {
	a.Type = strings.TrimSpace(a.Type)
	a.Hook = strings.TrimSpace(a.Hook)
	if a.Type == "" || a.Hook == "" {
		return Result{}, errors.New("alert needs a type and a hook")
	}
	to := a.To
	if to == "" {
		to = e.cfg.To
	}
	if to == "" {
		return Result{}, errors.New("no user address configured for alerts")
	}

	now := e.cfg.Now()
	prev, ok := e.reserve(a.Type, now)
	if !ok {
		next := prev.Add(e.CooldownFor(a.Type))
		e.logger.Info("alert suppressed by cooldown", "type", a.Type, "next_allowed", next)
		if e.cfg.Metrics != nil {
			e.cfg.Metrics.AlertsSuppressed.Inc()
		}
		e.emit(bus.EventAlertSuppressed, map[string]any{"type": a.Type, "next_allowed": next})
		return Result{Type: a.Type, Skipped: true, NextAllowed: next}, nil
	}

	res := Result{ID: uuid.NewString(), Type: a.Type}
	log := e.logger.With("alert_id", res.ID, "type", a.Type)

	if err := e.send(ctx, to, a.Hook); err != nil {
		// Nothing reached the user, so give the slot back.
		e.release(a.Type, now, prev)
		return res, fmt.Errorf("alert %s hook: %w", a.Type, err)
	}
	res.Messages++
	if e.cfg.Store != nil {
		if err := e.cfg.Store.SaveCooldown(ctx, a.Type, now); err != nil {
			log.Warn("persist cooldown failed", "err", err)
		}
	}
	if e.cfg.Metrics != nil {
		e.cfg.Metrics.AlertsFired.Inc()
	}

	if a.Research != nil {
		n, failed := e.research(ctx, to, a, log)
		res.Messages += n
		res.ResearchFailed = failed
	}

	e.emit(bus.EventAlertFired, map[string]any{
		"id":       res.ID,
		"type":     a.Type,
		"messages": res.Messages,
	})
	log.Info("alert fired", "messages", res.Messages, "research_failed", res.ResearchFailed)
	return res, nil
}

// research runs the alert's research step and delivers what it found. Once
// the hook is out the user always hears back: if the finding cannot be
// delivered for any reason, including the caller going away, a short
// fallback goes out on a detached context.
func (e *Emitter) research(ctx context.Context, to string, a Alert, log *slog.Logger) (sent int, failed bool) {
	finding, err := e.dig(ctx, a)
	if err != nil {
		log.Warn("alert research failed", "err", err)
		return e.fallback(ctx, to, log), true
	}
	if strings.TrimSpace(finding.Text) == "" {
		log.Debug("research found nothing to add")
		return 0, false
	}

	if err := e.pause(ctx, a.Urgent); err != nil {
		log.Warn("alert interrupted before the finding", "err", err)
		return e.fallback(ctx, to, log), true
	}
	if err := e.send(ctx, to, finding.Text); err != nil {
		log.Error("alert finding not delivered", "err", err)
		return e.fallback(ctx, to, log), true
	}
	sent++

	if strings.TrimSpace(finding.FollowUp) == "" {
		return sent, false
	}
	if err := e.pause(ctx, a.Urgent); err != nil {
		return sent, false
	}
	if err := e.send(ctx, to, finding.FollowUp); err != nil {
		log.Error("alert follow-up not delivered", "err", err)
		return sent, false
	}
	return sent + 1, false
}

func (e *Emitter) dig(ctx context.Context, a Alert) (Finding, error) {
	if err := e.pause(ctx, a.Urgent); err != nil {
		return Finding{}, err
	}
	finding, err := a.Research(ctx)
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	return finding, err
}

// fallback sends the "couldn't dig deeper" notice. It returns the number of
// messages delivered.
func (e *Emitter) fallback(ctx context.Context, to string, log *slog.Logger) int {
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), fallbackTimeout)
	defer cancel()
	if err := e.send(fctx, to, digFailedNotice); err != nil {
		log.Error("research fallback not delivered", "err", err)
		return 0
	}
	return 1
}

// reserve claims the cooldown slot for alertType. On refusal it returns the
// time the type last fired.
func (e *Emitter) reserve(alertType string, now time.Time) (time.Time, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	last := e.fired[alertType]
	if !last.IsZero() && now.Sub(last) < e.CooldownFor(alertType) {
		return last, false
	}
	e.fired[alertType] = now
	return last, true
}

func (e *Emitter) release(alertType string, reserved, prev time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.fired[alertType].Equal(reserved) {
		return
	}
	if prev.IsZero() {
		delete(e.fired, alertType)
		return
	}
	e.fired[alertType] = prev
}

func (e *Emitter) send(ctx context.Context, to, text string) error {
	_, err := e.cfg.Sender.Send(ctx, domain.OutboundMessage{To: to, Body: text, Kind: domain.KindAlert})
	return err
}

func (e *Emitter) pause(ctx context.Context, urgent bool) error {
	if urgent || e.cfg.Pause == 0 {
		return ctx.Err()
	}
	t := time.NewTimer(e.cfg.Pause)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Emitter) emit(typ string, payload map[string]any) {
	if e.cfg.Events == nil {
		return
	}
	e.cfg.Events.Emit(bus.Event{Type: typ, Source: "alerts", Payload: payload})
}

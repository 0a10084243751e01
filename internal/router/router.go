package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"relaybot/internal/bus"
	"relaybot/internal/domain"
	"relaybot/internal/metrics"
)

// SendOptions tune a single send.
type SendOptions struct {
	// Force pins the send to one transport. It bypasses the preference but
	// the forced transport must still be enabled.
	Force    domain.Transport
	MediaURL string
}

type Config struct {
	Preferred domain.Transport
	Adapters  []domain.Adapter
	Events    *bus.EventBus
	Metrics   *metrics.Delivery
	Logger    *slog.Logger
}

// Router picks the transport for each send and tracks which one is active.
// The active pointer only moves on a send or receive that succeeded on that
// transport, or when an explicit preference change lands on a connected one.
type Router struct {
	adapters map[domain.Transport]domain.Adapter
	events   *bus.EventBus
	metrics  *metrics.Delivery
	logger   *slog.Logger

	mu        sync.RWMutex
	preferred domain.Transport
	active    domain.Transport
	switches  int
	lastSwap  time.Time
}

func New(cfg Config) *Router {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	preferred := cfg.Preferred
	if !preferred.Valid() {
		preferred = domain.TransportDeviceLinked
	}
	r := &Router{
		adapters:  make(map[domain.Transport]domain.Adapter, len(cfg.Adapters)),
		events:    cfg.Events,
		metrics:   cfg.Metrics,
		logger:    logger,
		preferred: preferred,
	}
	for _, a := range cfg.Adapters {
		if a != nil {
			r.adapters[a.Transport()] = a
		}
	}
	return r
}

// Adapter returns the adapter registered for t.
func (r *Router) Adapter(t domain.Transport) (domain.Adapter, bool) {
	a, ok := r.adapters[t]
	return a, ok
}

func (r *Router) enabled(t domain.Transport) bool {
	a, ok := r.adapters[t]
	return ok && a.Enabled()
}

func (r *Router) usable(t domain.Transport) bool {
	a, ok := r.adapters[t]
	return ok && a.Enabled() && a.Connected()
}

// ResolveSendProvider returns the transport the next send should try first.
func (r *Router) ResolveSendProvider(opts SendOptions) (domain.Transport, error) {
	if opts.Force != domain.TransportNone {
		if !r.enabled(opts.Force) {
			return domain.TransportNone, fmt.Errorf("%w: forced transport %q is not enabled", domain.ErrNoProvider, opts.Force)
		}
		return opts.Force, nil
	}

	r.mu.RLock()
	preferred, active := r.preferred, r.active
	r.mu.RUnlock()
	alternate := preferred.Alternate()

	switch {
	case r.usable(preferred):
		return preferred, nil
	case r.usable(alternate):
		return alternate, nil
	case active != domain.TransportNone && r.enabled(active):
		return active, nil
	case r.enabled(preferred):
		return preferred, nil
	case r.enabled(alternate):
		return alternate, nil
	}
	return domain.TransportNone, domain.ErrNoProvider
}

// plan returns the transports to try, in order, for one logical send.
func (r *Router) plan(opts SendOptions) ([]domain.Transport, error) {
	first, err := r.ResolveSendProvider(opts)
	if err != nil {
		return nil, err
	}
	if opts.Force != domain.TransportNone {
		return []domain.Transport{first}, nil
	}
	order := []domain.Transport{first}
	if second := first.Alternate(); r.enabled(second) {
		order = append(order, second)
	}
	return order, nil
}

// Send delivers body to the user, falling back to the other transport when
// the first one fails. Only when every candidate fails does the caller get an
// error, a *domain.TransportError joining each attempt's failure.
func (r *Router) Send(ctx context.Context, to, body string, opts SendOptions) (domain.SendResult, error) {
	order, err := r.plan(opts)
	if err != nil {
		return domain.SendResult{}, err
	}

	var errs []error
	for i, t := range order {
		a := r.adapters[t]
		var res domain.SendResult
		if opts.MediaURL != "" {
			res, err = a.SendMediaMessage(ctx, to, body, opts.MediaURL)
		} else {
			res, err = a.SendMessage(ctx, to, body)
		}
		if err == nil {
			if res.Transport == domain.TransportNone {
				res.Transport = t
			}
			r.OnSendSuccess(t)
			if i > 0 {
				r.logger.Info("send delivered on fallback transport", "transport", t, "failed", order[:i])
			}
			return res, nil
		}
		r.OnSendFailure(t, err)
		errs = append(errs, err)
		if ctx.Err() != nil {
			break
		}
	}
	return domain.SendResult{}, &domain.TransportError{Op: "send", Err: errors.Join(errs...)}
}

// Typing signals "typing" on the transport the next send would use.
func (r *Router) Typing(ctx context.Context, to string, d time.Duration) error {
	t, err := r.ResolveSendProvider(SendOptions{})
	if err != nil {
		return err
	}
	return r.adapters[t].SendTypingIndicator(ctx, to, d)
}

// OnSendSuccess records a successful send on t and makes it active.
func (r *Router) OnSendSuccess(t domain.Transport) {
	if r.metrics != nil {
		r.metrics.Sent(string(t))
	}
	r.setActive(t, "send")
}

// OnSendFailure records a failed send on t. The active pointer is not moved.
func (r *Router) OnSendFailure(t domain.Transport, err error) {
	if r.metrics != nil {
		r.metrics.SendFailed(string(t))
	}
	r.logger.Warn("send failed", "transport", t, "err", err)
}

// OnReceive records that a message arrived on t.
func (r *Router) OnReceive(t domain.Transport) {
	r.setActive(t, "receive")
}

func (r *Router) setActive(t domain.Transport, reason string) {
	if !t.Valid() {
		return
	}
	r.mu.Lock()
	prev := r.active
	if prev == t {
		r.mu.Unlock()
		return
	}
	r.active = t
	r.switches++
	r.lastSwap = time.Now()
	r.mu.Unlock()

	r.logger.Info("active transport changed", "from", prev, "to", t, "reason", reason)
	if r.events != nil {
		r.events.Emit(bus.Event{
			Type:    bus.EventProviderSwitched,
			Source:  "router",
			Payload: map[string]any{"from": string(prev), "to": string(t), "reason": reason},
		})
	}
}

// Active returns the active transport, or TransportNone before first contact.
func (r *Router) Active() domain.Transport {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active
}

func (r *Router) Preferred() domain.Transport {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.preferred
}

// SetPreferred changes the long-term preference. The active pointer follows
// only if the new preference is currently connected.
func (r *Router) SetPreferred(t domain.Transport) error {
	if !t.Valid() {
		return fmt.Errorf("unknown transport %q", t)
	}
	r.mu.Lock()
	r.preferred = t
	r.mu.Unlock()
	r.logger.Info("preferred transport set", "transport", t)
	if r.usable(t) {
		r.setActive(t, "preference")
	}
	return nil
}

// Switches reports how often the active transport changed and when it last did.
func (r *Router) Switches() (int, time.Time) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.switches, r.lastSwap
}

// States returns the state of every registered adapter, preferred first.
func (r *Router) States() []domain.ProviderState {
	pref := r.Preferred()
	var out []domain.ProviderState
	for _, t := range []domain.Transport{pref, pref.Alternate()} {
		if a, ok := r.adapters[t]; ok {
			out = append(out, a.State())
		}
	}
	return out
}

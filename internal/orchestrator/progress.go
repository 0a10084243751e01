package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

type progressConfig struct {
	To           string
	Refresh      time.Duration
	StillWorking time.Duration
	Interstitial string
	Typing       func(ctx context.Context, to string, d time.Duration) error
	Notify       func(ctx context.Context, to, text string) error
	Logger       *slog.Logger
}

// progress keeps the typing indicator alive while a reply is pending and
// sends one interstitial if the wait crosses the still-working threshold.
// It runs on its own goroutine so a blocked backend call cannot starve it.
type progress struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once

	mu           sync.Mutex
	typings      int
	interstitial bool
}

func startProgress(parent context.Context, cfg progressConfig) *progress {
	ctx, cancel := context.WithCancel(parent)
	p := &progress{cancel: cancel, done: make(chan struct{})}
	go p.run(ctx, cfg)
	return p
}

func (p *progress) run(ctx context.Context, cfg progressConfig) {
	defer close(p.done)

	// Indicators expire on their own; ask for a little longer than the refresh
	// cadence so there is no visible gap.
	hold := cfg.Refresh + cfg.Refresh/2
	typing := func() {
		if err := cfg.Typing(ctx, cfg.To, hold); err != nil && ctx.Err() == nil {
			cfg.Logger.Debug("typing refresh failed", "err", err)
		}
		p.mu.Lock()
		p.typings++
		p.mu.Unlock()
	}

	typing()
	ticker := time.NewTicker(cfg.Refresh)
	defer ticker.Stop()

	var still <-chan time.Time
	if cfg.StillWorking > 0 && cfg.Interstitial != "" {
		t := time.NewTimer(cfg.StillWorking)
		defer t.Stop()
		still = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			typing()
		case <-still:
			still = nil
			if err := cfg.Notify(ctx, cfg.To, cfg.Interstitial); err != nil && ctx.Err() == nil {
				cfg.Logger.Warn("still-working message failed", "err", err)
			}
			p.mu.Lock()
			p.interstitial = true
			p.mu.Unlock()
			typing()
		}
	}
}

// Stop cancels the refresh loop and waits for it to exit. Safe to call more
// than once.
func (p *progress) Stop() {
	p.once.Do(p.cancel)
	<-p.done
}

func (p *progress) stats() (typings int, interstitial bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.typings, p.interstitial
}

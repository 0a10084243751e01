package alerts

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"relaybot/internal/bus"
	"relaybot/internal/domain"
	"relaybot/internal/metrics"
	"relaybot/internal/outbound"
)

type recordSender struct {
	mu    sync.Mutex
	sent  []domain.OutboundMessage
	fail  bool
	delay time.Duration

	// failBody makes sends of exactly this body fail.
	failBody string
}

func (s *recordSender) Send(ctx context.Context, msg domain.OutboundMessage) (outbound.Receipt, error) {
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	if err := ctx.Err(); err != nil {
		return outbound.Receipt{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail || (s.failBody != "" && msg.Body == s.failBody) {
		return outbound.Receipt{}, errors.New("all send: down")
	}
	s.sent = append(s.sent, msg)
	return outbound.Receipt{Parts: 1}, nil
}

func (s *recordSender) bodies() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.sent))
	for i, m := range s.sent {
		out[i] = m.Body
	}
	return out
}

type memCooldowns struct {
	mu sync.Mutex
	m  map[string]time.Time
}

func (c *memCooldowns) SaveCooldown(_ context.Context, typ string, at time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.m == nil {
		c.m = make(map[string]time.Time)
	}
	c.m[typ] = at
	return nil
}

func (c *memCooldowns) LoadCooldowns(context.Context) (map[string]time.Time, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]time.Time, len(c.m))
	for k, v := range c.m {
		out[k] = v
	}
	return out, nil
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newEmitter(s Sender, tweak func(*EmitterConfig)) *Emitter {
	cfg := EmitterConfig{
		Sender:   s,
		To:       "+15550001111",
		Cooldown: 30 * time.Minute,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	if tweak != nil {
		tweak(&cfg)
	}
	return NewEmitter(cfg)
}

func TestFireAlert_CooldownSuppressesRepeat(t *testing.T) {
	s := &recordSender{}
	m := metrics.NewDelivery(metrics.NewMetricsCollector())
	events := bus.NewEventBus(nil)
	clk := &clock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
	e := newEmitter(s, func(c *EmitterConfig) {
		c.Metrics = m
		c.Events = events
		c.Now = clk.Now
	})
	a := Alert{Type: "market-drop", Hook: "Heads up: the S&P is down 3% today."}

	res, err := e.FireAlert(context.Background(), a)
	require.NoError(t, err)
	require.False(t, res.Skipped)
	require.NotEmpty(t, res.ID)
	require.Equal(t, 1, res.Messages)

	clk.advance(10 * time.Minute)
	res, err = e.FireAlert(context.Background(), a)
	require.NoError(t, err)
	require.True(t, res.Skipped)
	require.Equal(t, clk.Now().Add(20*time.Minute), res.NextAllowed)

	require.Equal(t, []string{a.Hook}, s.bodies())
	require.EqualValues(t, 1, m.AlertsFired.Value())
	require.EqualValues(t, 1, m.AlertsSuppressed.Value())
	require.Len(t, events.Replay(bus.EventAlertSuppressed, time.Time{}), 1)

	clk.advance(20 * time.Minute)
	res, err = e.FireAlert(context.Background(), a)
	require.NoError(t, err)
	require.False(t, res.Skipped, "window elapsed")
	require.Len(t, s.bodies(), 2)
}

func TestFireAlert_ConcurrentCallsSendOneHook(t *testing.T) {
	s := &recordSender{delay: 5 * time.Millisecond}
	e := newEmitter(s, nil)

	var wg sync.WaitGroup
	var mu sync.Mutex
	skipped := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := e.FireAlert(context.Background(), Alert{Type: "rate-change", Hook: "Fed moved rates."})
			require.NoError(t, err)
			if res.Skipped {
				mu.Lock()
				skipped++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Len(t, s.bodies(), 1)
	require.Equal(t, 9, skipped)
}

func TestFireAlert_ResearchFindingAndFollowUp(t *testing.T) {
	s := &recordSender{}
	e := newEmitter(s, func(c *EmitterConfig) { c.Pause = 5 * time.Millisecond })

	res, err := e.FireAlert(context.Background(), Alert{
		Type: "earnings",
		Hook: "NVDA just reported.",
		Research: func(context.Context) (Finding, error) {
			return Finding{Text: "Revenue beat by 8%.", FollowUp: "Want me to check your exposure?"}, nil
		},
	})
	require.NoError(t, err)
	require.Equal(t, 3, res.Messages)
	require.Equal(t, []string{"NVDA just reported.", "Revenue beat by 8%.", "Want me to check your exposure?"}, s.bodies())

	s.mu.Lock()
	for _, m := range s.sent {
		require.Equal(t, domain.KindAlert, m.Kind)
		require.Equal(t, "+15550001111", m.To)
	}
	s.mu.Unlock()
}

func TestFireAlert_EmptyFindingSendsHookOnly(t *testing.T) {
	s := &recordSender{}
	e := newEmitter(s, nil)

	res, err := e.FireAlert(context.Background(), Alert{
		Type:     "earnings",
		Hook:     "NVDA just reported.",
		Research: func(context.Context) (Finding, error) { return Finding{}, nil },
	})
	require.NoError(t, err)
	require.Equal(t, 1, res.Messages)
	require.False(t, res.ResearchFailed)
}

func TestFireAlert_ResearchFailureDegrades(t *testing.T) {
	s := &recordSender{}
	e := newEmitter(s, nil)

	res, err := e.FireAlert(context.Background(), Alert{
		Type:     "earnings",
		Hook:     "NVDA just reported.",
		Research: func(context.Context) (Finding, error) { return Finding{}, errors.New("backend down") },
	})
	require.NoError(t, err)
	require.True(t, res.ResearchFailed)
	require.Equal(t, []string{"NVDA just reported.", digFailedNotice}, s.bodies())
}

func TestFireAlert_CallerGoneStillSendsFallback(t *testing.T) {
	s := &recordSender{}
	e := newEmitter(s, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	res, err := e.FireAlert(ctx, Alert{
		Type: "price-move",
		Hook: "NVDA just moved 8%",
		Research: func(rctx context.Context) (Finding, error) {
			cancel()
			return Finding{}, rctx.Err()
		},
	})
	require.NoError(t, err)
	require.True(t, res.ResearchFailed)
	require.Equal(t, 2, res.Messages)
	require.Equal(t, []string{"NVDA just moved 8%", digFailedNotice}, s.bodies())
}

func TestFireAlert_CancelledDuringPauseSendsFallback(t *testing.T) {
	s := &recordSender{}
	e := newEmitter(s, func(c *EmitterConfig) { c.Pause = time.Hour })
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	researched := false
	res, err := e.FireAlert(ctx, Alert{
		Type: "price-move",
		Hook: "NVDA just moved 8%",
		Research: func(context.Context) (Finding, error) {
			researched = true
			return Finding{Text: "never sent"}, nil
		},
	})
	require.NoError(t, err)
	require.False(t, researched)
	require.True(t, res.ResearchFailed)
	require.Equal(t, []string{"NVDA just moved 8%", digFailedNotice}, s.bodies())
}

func TestFireAlert_UndeliveredFindingSendsFallback(t *testing.T) {
	s := &recordSender{failBody: "Revenue beat by 8%."}
	e := newEmitter(s, nil)

	res, err := e.FireAlert(context.Background(), Alert{
		Type: "earnings",
		Hook: "NVDA just reported.",
		Research: func(context.Context) (Finding, error) {
			return Finding{Text: "Revenue beat by 8%.", FollowUp: "Want details?"}, nil
		},
	})
	require.NoError(t, err)
	require.True(t, res.ResearchFailed)
	require.Equal(t, []string{"NVDA just reported.", digFailedNotice}, s.bodies())
}

func TestFireAlert_UrgentSkipsPauses(t *testing.T) {
	s := &recordSender{}
	e := newEmitter(s, func(c *EmitterConfig) { c.Pause = time.Hour })

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := e.FireAlert(context.Background(), Alert{
			Type:     "margin-call",
			Hook:     "Margin call on your brokerage account.",
			Urgent:   true,
			Research: func(context.Context) (Finding, error) { return Finding{Text: "Short by $1,200."}, nil },
		})
		require.NoError(t, err)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("urgent alert waited on pauses")
	}
	require.Len(t, s.bodies(), 2)
}

func TestFireAlert_HookFailureReleasesCooldown(t *testing.T) {
	s := &recordSender{fail: true}
	store := &memCooldowns{}
	e := newEmitter(s, func(c *EmitterConfig) { c.Store = store })

	_, err := e.FireAlert(context.Background(), Alert{Type: "t", Hook: "h"})
	require.Error(t, err)
	require.Empty(t, store.m, "nothing persisted for an undelivered hook")

	s.mu.Lock()
	s.fail = false
	s.mu.Unlock()
	res, err := e.FireAlert(context.Background(), Alert{Type: "t", Hook: "h"})
	require.NoError(t, err)
	require.False(t, res.Skipped)
}

func TestFireAlert_PerTypeOverride(t *testing.T) {
	s := &recordSender{}
	clk := &clock{now: time.Now()}
	e := newEmitter(s, func(c *EmitterConfig) {
		c.Now = clk.Now
		c.Cooldowns = map[string]time.Duration{"price": time.Minute}
	})
	require.Equal(t, time.Minute, e.CooldownFor("price"))
	require.Equal(t, 30*time.Minute, e.CooldownFor("other"))

	e.FireAlert(context.Background(), Alert{Type: "price", Hook: "a"})
	clk.advance(2 * time.Minute)
	res, err := e.FireAlert(context.Background(), Alert{Type: "price", Hook: "b"})
	require.NoError(t, err)
	require.False(t, res.Skipped)
}

func TestLoad_RestartKeepsCooldown(t *testing.T) {
	store := &memCooldowns{}
	clk := &clock{now: time.Now()}

	first := newEmitter(&recordSender{}, func(c *EmitterConfig) { c.Store = store; c.Now = clk.Now })
	_, err := first.FireAlert(context.Background(), Alert{Type: "goal", Hook: "You hit your savings goal!"})
	require.NoError(t, err)

	clk.advance(5 * time.Minute)
	s := &recordSender{}
	second := newEmitter(s, func(c *EmitterConfig) { c.Store = store; c.Now = clk.Now })
	require.NoError(t, second.Load(context.Background()))
	require.Contains(t, second.Cooldowns(), "goal")

	res, err := second.FireAlert(context.Background(), Alert{Type: "goal", Hook: "You hit your savings goal!"})
	require.NoError(t, err)
	require.True(t, res.Skipped)
	require.Empty(t, s.bodies())
}

func TestFireAlert_Validation(t *testing.T) {
	e := newEmitter(&recordSender{}, nil)
	_, err := e.FireAlert(context.Background(), Alert{Type: "x"})
	require.Error(t, err)

	e = newEmitter(&recordSender{}, func(c *EmitterConfig) { c.To = "" })
	_, err = e.FireAlert(context.Background(), Alert{Type: "x", Hook: "y"})
	require.ErrorContains(t, err, "no user address")
}

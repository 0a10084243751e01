package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"relaybot/internal/bus"
	"relaybot/internal/domain"
	"relaybot/internal/metrics"
	"relaybot/internal/outbound"
	"relaybot/internal/snapshot"
)

const (
	defaultConcurrency   = 3
	defaultHistoryWindow = 20
	failureNotice        = "Sorry, I hit a snag putting that together. Mind trying again in a minute?"
	timeoutNotice        = "Sorry, that took longer than I can wait on. Mind trying again, maybe a bit narrower?"
	defaultInterstitial  = "Still on it, this one is taking a little longer."
	defaultDrainTimeout  = 10 * time.Second
	noticeTimeout        = 15 * time.Second
)

// Handler replaces the built-in prompt and backend flow. Claiming, the
// progress indicator and delivery stay with the orchestrator.
type Handler func(ctx context.Context, msg domain.InboundMessage) (string, error)

// Source yields claimed inbound events.
type Source interface {
	Subscribe() <-chan domain.InboundEvent
}

// Delivery sends messages through the outbound pipeline.
type Delivery interface {
	Send(ctx context.Context, msg domain.OutboundMessage) (outbound.Receipt, error)
	Typing(ctx context.Context, to string, d time.Duration) error
}

// Snapshots supplies read-only user context.
type Snapshots interface {
	All() []snapshot.Document
}

type Config struct {
	Source        Source
	Turns         domain.TurnLog
	Generator     domain.Generator
	Delivery      Delivery
	Snapshots     Snapshots
	Catalog       *Catalog
	SystemPrompt  string
	HistoryWindow int
	AckQuiet      time.Duration
	TypingRefresh time.Duration
	StillWorking  time.Duration
	AITimeout     time.Duration
	Concurrency   int
	DrainTimeout  time.Duration // grace for in-flight replies after Run's ctx ends
	Now           func() time.Time
	Metrics       *metrics.Delivery
	Events        *bus.EventBus
	Logger        *slog.Logger
}

// Outcome is the terminal state of one inbound message.
type Outcome string

const (
	OutcomeReplied Outcome = "replied"
	OutcomeFailed  Outcome = "failed"
	OutcomeSilent  Outcome = "silent" // handler chose not to reply
)

// Orchestrator turns claimed inbound messages into replies.
type Orchestrator struct {
	cfg    Config
	now    func() time.Time
	logger *slog.Logger

	handlerMu sync.RWMutex
	handler   Handler

	mu         sync.Mutex
	lastUser   time.Time
	lastUserBy map[string]time.Time
	lastReply  map[string]time.Time
	milestone  int
	processed  int64
	failed     int64

	wg sync.WaitGroup
}

func New(cfg Config) *Orchestrator {
	if cfg.Catalog == nil {
		cfg.Catalog = DefaultCatalog()
	}
	if cfg.HistoryWindow <= 0 {
		cfg.HistoryWindow = defaultHistoryWindow
	}
	if cfg.AckQuiet <= 0 {
		cfg.AckQuiet = time.Minute
	}
	if cfg.TypingRefresh <= 0 {
		cfg.TypingRefresh = 5 * time.Second
	}
	if cfg.StillWorking <= 0 {
		cfg.StillWorking = 30 * time.Second
	}
	if cfg.AITimeout <= 0 {
		cfg.AITimeout = 2 * time.Minute
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = defaultDrainTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		cfg:        cfg,
		now:        cfg.Now,
		logger:     logger.With("component", "orchestrator"),
		lastUserBy: make(map[string]time.Time),
		lastReply:  make(map[string]time.Time),
	}
}

// SetMessageHandler installs h in place of the built-in backend flow. A nil
// h restores the default.
func (o *Orchestrator) SetMessageHandler(h Handler) {
	o.handlerMu.Lock()
	defer o.handlerMu.Unlock()
	o.handler = h
}

func (o *Orchestrator) currentHandler() Handler {
	o.handlerMu.RLock()
	defer o.handlerMu.RUnlock()
	return o.handler
}

// LastUserMessage returns when the user last wrote on any path.
func (o *Orchestrator) LastUserMessage() time.Time {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastUser
}

// Counters returns processed and failed message counts.
func (o *Orchestrator) Counters() (processed, failed int64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.processed, o.failed
}

// Run consumes claimed events with bounded concurrency until ctx is done or
// the source closes. Messages already taken off the queue keep running past
// ctx for up to DrainTimeout; after that their work is cancelled and they
// end with a failure notice.
func (o *Orchestrator) Run(ctx context.Context) {
	o.logger.Info("orchestrator started", "concurrency", o.cfg.Concurrency)

	work, cancelWork := context.WithCancel(context.WithoutCancel(ctx))
	defer o.drain(ctx, cancelWork)

	sem := make(chan struct{}, o.cfg.Concurrency)
	inbound := o.cfg.Source.Subscribe()
	for {
		// A slot is taken before dequeueing so nothing is accepted that
		// cannot start.
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			o.logger.Info("orchestrator stopping")
			return
		}
		select {
		case <-ctx.Done():
			o.logger.Info("orchestrator stopping")
			return
		case ev, ok := <-inbound:
			if !ok {
				o.logger.Info("inbound queue closed, orchestrator stopping")
				return
			}
			// Turns are appended here, in receipt order, before any
			// concurrent work starts.
			acc := o.accept(work, ev.Message)
			o.wg.Add(1)
			go func(msg domain.InboundMessage) {
				defer o.wg.Done()
				defer func() { <-sem }()
				o.respond(work, msg, acc)
			}(ev.Message)
		}
	}
}

// drain waits for in-flight messages. Once ctx is done they get
// DrainTimeout to finish before their work context is cancelled.
func (o *Orchestrator) drain(ctx context.Context, cancelWork context.CancelFunc) {
	defer cancelWork()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return
	case <-ctx.Done():
	}

	o.logger.Info("draining in-flight messages", "grace", o.cfg.DrainTimeout)
	timer := time.NewTimer(o.cfg.DrainTimeout)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		o.logger.Warn("drain grace expired, cancelling in-flight messages")
		cancelWork()
		<-done
	}
}

// Process handles one message synchronously.
func (o *Orchestrator) Process(ctx context.Context, msg domain.InboundMessage) Outcome {
	return o.respond(ctx, msg, o.accept(ctx, msg))
}

// accepted is what respond needs from the moment a message was taken in.
type accepted struct {
	prevUser time.Time                 // sender's previous message, zero if none
	history  []domain.ConversationTurn // sender's turns before this message
}

// accept snapshots the sender's history, logs the user turn and records
// activity. Later messages from the same sender never leak into this
// message's history.
func (o *Orchestrator) accept(ctx context.Context, msg domain.InboundMessage) accepted {
	now := o.now()
	o.mu.Lock()
	prev := o.lastUserBy[msg.From]
	o.lastUserBy[msg.From] = now
	o.lastUser = now
	o.mu.Unlock()

	acc := accepted{prevUser: prev}
	if o.cfg.Turns != nil {
		turns, err := o.cfg.Turns.RecentTurns(ctx, msg.From, o.cfg.HistoryWindow)
		if err != nil {
			o.logger.Warn("load history failed, continuing without it", "err", err)
		}
		acc.history = turns

		err = o.cfg.Turns.AppendTurn(ctx, domain.ConversationTurn{
			Role:      domain.RoleUser,
			Content:   msg.Body,
			Channel:   msg.From,
			Transport: msg.Transport,
			Timestamp: now,
		})
		if err != nil {
			o.logger.Error("append user turn failed", "err", err)
		}
	}
	return acc
}

func (o *Orchestrator) respond(ctx context.Context, msg domain.InboundMessage, acc accepted) Outcome {
	if o.cfg.Metrics != nil {
		o.cfg.Metrics.InFlight.Inc()
		defer o.cfg.Metrics.InFlight.Dec()
	}
	log := o.logger.With("msg_id", msg.ID, "transport", msg.Transport)

	profile := o.cfg.Catalog.Classify(msg.Body)
	prog := startProgress(ctx, progressConfig{
		To:           msg.From,
		Refresh:      o.cfg.TypingRefresh,
		StillWorking: o.cfg.StillWorking,
		Interstitial: o.nextMilestone(profile),
		Typing:       o.cfg.Delivery.Typing,
		Notify:       o.notify,
		Logger:       log,
	})
	defer prog.Stop()

	if !profile.Fast && profile.Ack != "" && !o.conversationActive(msg.From, acc.prevUser) {
		if err := o.notify(ctx, msg.From, profile.Ack); err != nil {
			log.Warn("acknowledgment failed", "err", err)
		}
	}

	reply, err := o.generate(ctx, msg, acc.history)
	prog.Stop()

	if err != nil {
		return o.fail(ctx, msg, err, log)
	}
	if strings.TrimSpace(reply) == "" {
		log.Info("handler produced no reply")
		o.count(false)
		return OutcomeSilent
	}

	if o.cfg.Turns != nil {
		err := o.cfg.Turns.AppendTurn(ctx, domain.ConversationTurn{
			Role:      domain.RoleAssistant,
			Content:   reply,
			Channel:   msg.From,
			Transport: msg.Transport,
			Timestamp: o.now(),
		})
		if err != nil {
			log.Error("append assistant turn failed", "err", err)
		}
	}

	rcpt, err := o.cfg.Delivery.Send(ctx, domain.OutboundMessage{To: msg.From, Body: reply, Kind: domain.KindReply})
	if err != nil {
		log.Error("reply delivery failed", "err", err, "parts_sent", rcpt.Parts)
		o.emit(bus.EventMessageFailed, msg, map[string]any{"stage": "delivery", "error": err.Error()})
		o.count(true)
		return OutcomeFailed
	}

	o.mu.Lock()
	o.lastReply[msg.From] = o.now()
	o.mu.Unlock()
	if o.cfg.Metrics != nil {
		o.cfg.Metrics.Replies.Inc()
	}
	o.emit(bus.EventMessageReplied, msg, map[string]any{
		"category":  string(profile.Category),
		"parts":     rcpt.Parts,
		"transport": string(rcpt.Transport),
	})
	o.count(false)
	log.Info("replied", "category", profile.Category, "parts", rcpt.Parts, "via", rcpt.Transport)
	return OutcomeReplied
}

// generate runs the custom handler or the prompt and backend flow under the
// backend timeout. Every error comes back as *domain.AIBackendError.
func (o *Orchestrator) generate(ctx context.Context, msg domain.InboundMessage, history []domain.ConversationTurn) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.AITimeout)
	defer cancel()

	start := o.now()
	var reply string
	var err error
	if h := o.currentHandler(); h != nil {
		reply, err = h(ctx, msg)
	} else if o.cfg.Generator == nil {
		err = errors.New("no AI backend configured")
	} else {
		reply, err = o.cfg.Generator.Generate(ctx, o.prompt(msg, history))
	}
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	if o.cfg.Metrics != nil {
		o.cfg.Metrics.ObserveAI(o.now().Sub(start), err)
	}
	if err != nil {
		return "", &domain.AIBackendError{Timeout: errors.Is(ctx.Err(), context.DeadlineExceeded), Err: err}
	}
	return reply, nil
}

func (o *Orchestrator) prompt(msg domain.InboundMessage, history []domain.ConversationTurn) string {
	if len(history) > o.cfg.HistoryWindow {
		history = history[len(history)-o.cfg.HistoryWindow:]
	}
	var docs []snapshot.Document
	if o.cfg.Snapshots != nil {
		docs = o.cfg.Snapshots.All()
	}
	return buildPrompt(o.cfg.SystemPrompt, history, docs, msg)
}

func (o *Orchestrator) fail(ctx context.Context, msg domain.InboundMessage, err error, log *slog.Logger) Outcome {
	var aiErr *domain.AIBackendError
	notice := failureNotice
	if errors.As(err, &aiErr) && aiErr.Timeout {
		notice = timeoutNotice
	}
	log.Error("reply generation failed", "err", err)

	// The notice goes out even when ctx was cancelled by shutdown.
	nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), noticeTimeout)
	defer cancel()
	if sendErr := o.notify(nctx, msg.From, notice); sendErr != nil {
		log.Error("failure notice not delivered", "err", sendErr)
	} else if o.cfg.Metrics != nil {
		o.cfg.Metrics.FailureNotices.Inc()
	}
	o.emit(bus.EventMessageFailed, msg, map[string]any{"stage": "generate", "error": err.Error()})
	o.count(true)
	return OutcomeFailed
}

// conversationActive reports whether both sides spoke within the quiet
// window, in which case acknowledgments are skipped.
func (o *Orchestrator) conversationActive(from string, prevUser time.Time) bool {
	now := o.now()
	o.mu.Lock()
	lastReply := o.lastReply[from]
	o.mu.Unlock()
	return !lastReply.IsZero() && now.Sub(lastReply) < o.cfg.AckQuiet &&
		!prevUser.IsZero() && now.Sub(prevUser) < o.cfg.AckQuiet
}

func (o *Orchestrator) nextMilestone(p TaskProfile) string {
	if len(p.Milestones) == 0 {
		return defaultInterstitial
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	m := p.Milestones[o.milestone%len(p.Milestones)]
	o.milestone++
	return m
}

func (o *Orchestrator) notify(ctx context.Context, to, text string) error {
	_, err := o.cfg.Delivery.Send(ctx, domain.OutboundMessage{To: to, Body: text, Kind: domain.KindSystemAck})
	return err
}

func (o *Orchestrator) count(failed bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.processed++
	if failed {
		o.failed++
	}
}

func (o *Orchestrator) emit(typ string, msg domain.InboundMessage, payload map[string]any) {
	if o.cfg.Events == nil {
		return
	}
	payload["msg_id"] = msg.ID
	o.cfg.Events.Emit(bus.Event{Type: typ, Source: "orchestrator", Payload: payload})
}

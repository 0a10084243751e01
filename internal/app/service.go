// Package app wires the delivery engine together and owns its lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"relaybot/internal/alerts"
	"relaybot/internal/backend"
	"relaybot/internal/bus"
	"relaybot/internal/config"
	"relaybot/internal/domain"
	"relaybot/internal/ledger"
	"relaybot/internal/metrics"
	"relaybot/internal/orchestrator"
	"relaybot/internal/outbound"
	"relaybot/internal/poller"
	"relaybot/internal/router"
	"relaybot/internal/snapshot"
	"relaybot/internal/store"
	"relaybot/internal/transport"
)

const (
	queueSize       = 100
	recentEvents    = 20
	cloudRetryEvery = time.Minute
	researchPrefix  = "Give a short, factual follow-up for this alert. End with one question for the user if useful.\n\n"
)

// Options builds a Service. CloudClient and Generator replace the ones
// derived from Config when set.
type Options struct {
	Config      *config.Config
	Version     string
	CloudClient transport.CloudClient
	Generator   domain.Generator
	Logger      *slog.Logger
}

// Service is the running delivery engine.
type Service struct {
	cfg     *config.Config
	version string
	logger  *slog.Logger

	store     *store.SQLiteStore
	collector *metrics.MetricsCollector
	metrics   *metrics.Delivery
	events    *bus.EventBus
	queue     *bus.InMemoryBus
	ledger    *ledger.Ledger
	gate      *ledger.Gate
	device    *transport.DeviceLinked
	cloud     *transport.Cloud
	router    *router.Router
	pipeline  *outbound.Pipeline
	poller    *poller.Poller
	generator domain.Generator
	snapshots *snapshot.Store
	orch      *orchestrator.Orchestrator
	alerts    *alerts.Emitter

	mu        sync.Mutex
	startedAt time.Time
	cancel    context.CancelFunc
	group     *errgroup.Group
}

// New constructs every component. Nothing touches the network until Start.
func New(opts Options) (*Service, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Defaults()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	schedule, err := poller.ScheduleFromConfig(cfg.Poller)
	if err != nil {
		return nil, fmt.Errorf("poller schedule: %w", err)
	}
	catalog, err := orchestrator.LoadCatalog(cfg.Conversation.CatalogFile)
	if err != nil {
		return nil, fmt.Errorf("task catalog: %w", err)
	}

	st, err := store.NewSQLiteStore(cfg.Store.DBPath, logger)
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}

	s := &Service{
		cfg:       cfg,
		version:   opts.Version,
		logger:    logger,
		store:     st,
		collector: metrics.NewMetricsCollector(),
		events:    bus.NewEventBus(logger),
		queue:     bus.New(queueSize, logger),
	}
	s.metrics = metrics.NewDelivery(s.collector)
	s.events.Watch(func(ev bus.Event) { s.metrics.Event(ev.Type) })

	s.ledger = ledger.New(ledger.LedgerConfig{
		TTL:    config.Seconds(cfg.Ledger.ClaimTTLSeconds),
		Logger: logger,
	})
	s.gate = ledger.NewGate(ledger.GateConfig{
		Ledger:    s.ledger,
		Publisher: s.queue,
		Events:    s.events,
		Metrics:   s.metrics,
		AllowFrom: []string(cfg.General.AllowFrom),
		Logger:    logger,
	})

	var adapters []domain.Adapter
	dl := cfg.Transports.DeviceLinked
	if dl.Enabled {
		s.device = transport.NewDeviceLinked(transport.DeviceLinkedConfig{
			Enabled:         true,
			BridgeURL:       dl.BridgeURL,
			SessionFile:     dl.SessionFile,
			PairingAttempts: dl.PairingAttempts,
			MaxBackoff:      config.Seconds(dl.MaxBackoffSeconds),
			Logger:          logger,
		})
		adapters = append(adapters, s.device)
	}

	cc := cfg.Transports.Cloud
	client := opts.CloudClient
	if client == nil && cc.Enabled {
		client, err = transport.NewCloudClient(cc.Provider,
			transport.TwilioClientConfig{
				APIBase:    cc.Twilio.APIBase,
				AccountSID: cc.Twilio.AccountSID,
				AuthToken:  cc.Twilio.AuthToken,
				From:       cc.Twilio.FromNumber,
				Logger:     logger,
			},
			transport.TelegramClientConfig{
				Token:       cc.Telegram.Token,
				APIEndpoint: cc.Telegram.APIEndpoint,
				Logger:      logger,
			})
		if err != nil {
			st.Close()
			return nil, err
		}
	}
	s.cloud = transport.NewCloud(transport.CloudConfig{
		Client:         client,
		Enabled:        cc.Enabled || opts.CloudClient != nil,
		HasCredentials: cc.HasCredentials() || opts.CloudClient != nil,
		Logger:         logger,
	})
	adapters = append(adapters, s.cloud)

	s.router = router.New(router.Config{
		Preferred: domain.Transport(cfg.Transports.Preferred),
		Adapters:  adapters,
		Events:    s.events,
		Metrics:   s.metrics,
		Logger:    logger,
	})

	oc := cfg.Outbound
	s.pipeline = outbound.NewPipeline(outbound.PipelineConfig{
		Sender:         s.router,
		ChunkLimit:     oc.ChunkLimit,
		PartDelay:      config.Millis(oc.PartDelayMs),
		PreReplyTyping: config.Millis(oc.PreReplyTypingMs),
		PreReplyPause:  config.Millis(oc.PreReplyPauseMs),
		Metrics:        s.metrics,
		Logger:         logger,
	})

	s.generator = opts.Generator
	if s.generator == nil {
		chain, err := backend.FromConfig(cfg.Backend, logger)
		if err != nil {
			// Replies degrade to failure notices until a backend is configured.
			logger.Warn("no AI backend available", "err", err)
		} else {
			s.generator = chain
		}
	}

	s.snapshots = snapshot.New(snapshot.Config{
		Dir:      cfg.Snapshots.Dir,
		Files:    cfg.Snapshots.Files,
		MaxBytes: cfg.Snapshots.MaxBytes,
		Logger:   logger,
	})

	conv := cfg.Conversation
	s.orch = orchestrator.New(orchestrator.Config{
		Source:        s.queue,
		Turns:         st,
		Generator:     s.generator,
		Delivery:      s.pipeline,
		Snapshots:     s.snapshots,
		Catalog:       catalog,
		SystemPrompt:  conv.SystemPrompt,
		HistoryWindow: conv.HistoryWindow,
		AckQuiet:      config.Seconds(conv.AckQuietSeconds),
		TypingRefresh: config.Seconds(conv.TypingRefreshSeconds),
		StillWorking:  config.Seconds(conv.StillWorkingSeconds),
		AITimeout:     config.Seconds(conv.AITimeoutSeconds),
		Concurrency:   cfg.General.MaxConcurrentMessages,
		Metrics:       s.metrics,
		Events:        s.events,
		Logger:        logger,
	})

	pc := cfg.Poller
	s.poller = poller.New(poller.Config{
		Source:          s.cloud,
		Seen:            st,
		Gate:            s.gate,
		Activity:        s.orch,
		Receiver:        s.router,
		Schedule:        schedule,
		Lookback:        time.Duration(pc.LookbackMinutes) * time.Minute,
		SeenRetention:   pc.SeenRetention,
		FailureLogEvery: pc.FailureLogEvery,
		Metrics:         s.metrics,
		Events:          s.events,
		Logger:          logger,
	})

	ac := cfg.Alerts
	overrides := make(map[string]time.Duration, len(ac.Cooldowns))
	for typ, mins := range ac.Cooldowns {
		overrides[typ] = time.Duration(mins) * time.Minute
	}
	s.alerts = alerts.NewEmitter(alerts.EmitterConfig{
		Sender:    s.pipeline,
		Store:     st,
		To:        cfg.General.UserAddress,
		Cooldown:  time.Duration(ac.CooldownMinutes) * time.Minute,
		Cooldowns: overrides,
		Pause:     config.Millis(ac.PauseMs),
		Metrics:   s.metrics,
		Events:    s.events,
		Logger:    logger,
	})

	return s, nil
}

// Start initializes the transports and launches the background components.
// A transport that fails to initialize is logged and left to recover; it
// does not prevent the service from starting.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.group != nil {
		s.mu.Unlock()
		return errors.New("service already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(runCtx)
	s.cancel = cancel
	s.group = g
	s.startedAt = time.Now()
	s.mu.Unlock()

	if err := s.alerts.Load(ctx); err != nil {
		s.logger.Warn("restore alert cooldowns failed", "err", err)
	}

	if s.device != nil {
		res, err := s.device.Initialize(ctx)
		switch {
		case err != nil:
			s.logger.Warn("device-linked transport unavailable, will keep retrying", "err", err)
		case res.RequiresPairing:
			s.logger.Warn("device-linked transport needs pairing, run `relaybot pair --phone <number>`")
		default:
			s.logger.Info("device-linked transport ready")
		}
	}
	if s.cloud.Enabled() {
		if _, err := s.cloud.Initialize(ctx); err != nil {
			s.logger.Warn("cloud transport not verified", "err", err)
		}
	}

	g.Go(func() error {
		s.ledger.Run(gctx)
		return nil
	})
	g.Go(func() error {
		if err := s.snapshots.Watch(gctx); err != nil {
			s.logger.Warn("snapshot watcher stopped, reads go to disk", "err", err)
		}
		return nil
	})
	g.Go(func() error {
		s.orch.Run(gctx)
		return nil
	})
	if s.cloud.Enabled() {
		g.Go(func() error { return s.runPoller(gctx) })
	}
	if s.device != nil {
		g.Go(func() error { return s.pumpDevice(gctx) })
	}

	s.logger.Info("relaybot started",
		"version", s.version,
		"preferred", s.router.Preferred(),
		"cloud", s.cloud.Enabled(),
		"device_linked", s.device != nil,
	)
	return nil
}

// runPoller waits for the cloud transport to verify, then polls until ctx
// ends. Verification is retried once a minute.
func (s *Service) runPoller(ctx context.Context) error {
	for !s.cloud.Ready() {
		t := time.NewTimer(cloudRetryEvery)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
		if _, err := s.cloud.Initialize(ctx); err != nil && ctx.Err() == nil {
			s.logger.Debug("cloud transport still not verified", "err", err)
		}
	}
	err := s.poller.Run(ctx)
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("poller: %w", err)
	}
	return nil
}

// pumpDevice offers device-stream messages to the gate until the adapter
// closes its inbound channel.
func (s *Service) pumpDevice(ctx context.Context) error {
	in := s.device.Inbound()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-in:
			if !ok {
				return nil
			}
			s.router.OnReceive(domain.TransportDeviceLinked)
			s.gate.Offer(msg, domain.OwnerDeviceStream)
		}
	}
}

// Stop cancels the background components, waits for in-flight replies and
// closes the store. It is safe to call on a service that never started.
func (s *Service) Stop() error {
	s.mu.Lock()
	cancel, g := s.cancel, s.group
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	var err error
	if g != nil {
		err = g.Wait()
	}
	if s.device != nil {
		s.device.Close()
	}
	s.queue.Close()
	if cerr := s.store.Close(); cerr != nil {
		err = errors.Join(err, cerr)
	}
	s.logger.Info("relaybot stopped")
	return err
}

// SetMessageHandler replaces the built-in AI flow. Claiming, the progress
// indicator and delivery stay with the service. A nil handler restores the
// default.
func (s *Service) SetMessageHandler(h orchestrator.Handler) {
	s.orch.SetMessageHandler(h)
}

// FireAlert injects a proactive message through the outbound pipeline.
func (s *Service) FireAlert(ctx context.Context, a alerts.Alert) (alerts.Result, error) {
	return s.alerts.FireAlert(ctx, a)
}

// ResearchPrompt turns a free-form prompt into an alert research step
// answered by the AI backend. A trailing question in the answer becomes the
// follow-up message.
func (s *Service) ResearchPrompt(prompt string) alerts.ResearchFunc {
	return func(ctx context.Context) (alerts.Finding, error) {
		if s.generator == nil {
			return alerts.Finding{}, errors.New("no AI backend configured")
		}
		ctx, cancel := context.WithTimeout(ctx, config.Seconds(s.cfg.Conversation.AITimeoutSeconds))
		defer cancel()
		reply, err := s.generator.Generate(ctx, researchPrefix+prompt)
		if err != nil {
			return alerts.Finding{}, &domain.AIBackendError{Timeout: errors.Is(ctx.Err(), context.DeadlineExceeded), Err: err}
		}
		return splitFollowUp(reply), nil
	}
}

func splitFollowUp(reply string) alerts.Finding {
	reply = strings.TrimSpace(reply)
	i := strings.LastIndex(reply, "\n")
	if i < 0 {
		return alerts.Finding{Text: reply}
	}
	last := strings.TrimSpace(reply[i+1:])
	if !strings.HasSuffix(last, "?") {
		return alerts.Finding{Text: reply}
	}
	return alerts.Finding{Text: strings.TrimSpace(reply[:i]), FollowUp: last}
}

// Ingest admits a message observed by an external realtime listener.
func (s *Service) Ingest(msg domain.InboundMessage) bool {
	if !msg.Transport.Valid() {
		msg.Transport = domain.TransportCloud
	}
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = time.Now()
	}
	s.router.OnReceive(msg.Transport)
	return s.gate.Offer(msg, domain.OwnerRealtimeListener)
}

// RequestPairingCode asks the link bridge for a numeric pairing code.
func (s *Service) RequestPairingCode(ctx context.Context, phone string) (string, error) {
	if s.device == nil {
		return "", errors.New("device-linked transport is not enabled")
	}
	return s.device.RequestPairingCode(ctx, phone)
}

// SetPreferred changes the preferred transport at runtime.
func (s *Service) SetPreferred(t domain.Transport) error {
	return s.router.SetPreferred(t)
}

// Metrics returns the service's metrics collector.
func (s *Service) Metrics() *metrics.MetricsCollector { return s.collector }

// Events returns the internal event bus.
func (s *Service) Events() *bus.EventBus { return s.events }

// EventsSince returns recorded events of eventType ("*" for all) at or after since.
func (s *Service) EventsSince(eventType string, since time.Time) []bus.Event {
	return s.events.Replay(eventType, since)
}

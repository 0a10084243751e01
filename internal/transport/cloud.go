// Package transport holds the two chat transport adapters: a device-linked
// session over a link bridge and a cloud-hosted request/response API.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"relaybot/internal/domain"
)

// CloudClient is one hosted messaging API flavour.
type CloudClient interface {
	Name() string
	// Verify checks credentials and returns the bot's own address.
	Verify(ctx context.Context) (string, error)
	Send(ctx context.Context, to, body, mediaURL string) (string, error)
	// ListInbound returns messages addressed to the bot sent at or after sentAfter.
	ListInbound(ctx context.Context, sentAfter time.Time) ([]domain.InboundMessage, error)
}

// Typer is implemented by cloud flavours that support a typing signal.
type Typer interface {
	Typing(ctx context.Context, to string) error
}

type CloudConfig struct {
	Client         CloudClient
	Enabled        bool
	HasCredentials bool
	Logger         *slog.Logger
}

// Cloud adapts a CloudClient to the adapter contract. Initialization verifies
// credentials once and caches the result.
type Cloud struct {
	client         CloudClient
	enabled        bool
	hasCredentials bool
	logger         *slog.Logger

	mu       sync.RWMutex
	verified bool
	self     string
	state    domain.ProviderState
}

func NewCloud(cfg CloudConfig) *Cloud {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Cloud{
		client:         cfg.Client,
		enabled:        cfg.Enabled && cfg.Client != nil,
		hasCredentials: cfg.HasCredentials,
		logger:         cfg.Logger.With("transport", domain.TransportCloud),
	}
}

func (c *Cloud) Transport() domain.Transport { return domain.TransportCloud }

func (c *Cloud) Enabled() bool { return c.enabled }

// Initialize verifies credentials. A cached success is returned without a
// network call.
func (c *Cloud) Initialize(ctx context.Context) (domain.InitResult, error) {
	if !c.enabled {
		return domain.InitResult{}, nil
	}
	c.mu.RLock()
	verified := c.verified
	c.mu.RUnlock()
	if verified {
		return domain.InitResult{Success: true}, nil
	}

	self, err := c.client.Verify(ctx)
	if err != nil {
		c.recordError(err)
		return domain.InitResult{}, &domain.TransportError{Transport: domain.TransportCloud, Op: "initialize", Err: err}
	}

	c.mu.Lock()
	c.verified = true
	c.self = self
	c.markConnectedLocked()
	c.mu.Unlock()
	c.logger.Info("cloud transport verified", "flavour", c.client.Name(), "self", self)
	return domain.InitResult{Success: true}, nil
}

// Ready reports whether credentials were verified.
func (c *Cloud) Ready() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.enabled && c.verified
}

// Self returns the bot's own address on the cloud transport.
func (c *Cloud) Self() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.self
}

func (c *Cloud) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.enabled && c.verified && c.state.Connected
}

func (c *Cloud) State() domain.ProviderState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	st := c.state
	st.Transport = domain.TransportCloud
	st.Enabled = c.enabled
	st.HasCredentials = c.hasCredentials
	st.Connected = c.enabled && c.verified && c.state.Connected
	return st
}

func (c *Cloud) SendMessage(ctx context.Context, to, body string) (domain.SendResult, error) {
	return c.send(ctx, to, body, "")
}

func (c *Cloud) SendMediaMessage(ctx context.Context, to, body, mediaURL string) (domain.SendResult, error) {
	return c.send(ctx, to, body, mediaURL)
}

func (c *Cloud) send(ctx context.Context, to, body, mediaURL string) (domain.SendResult, error) {
	if !c.Ready() {
		return domain.SendResult{}, &domain.TransportError{Transport: domain.TransportCloud, Op: "send", Err: domain.ErrNotReady}
	}
	id, err := c.client.Send(ctx, to, body, mediaURL)
	if err != nil {
		c.recordError(err)
		return domain.SendResult{}, &domain.TransportError{Transport: domain.TransportCloud, Op: "send", Err: err}
	}
	c.markConnected()
	return domain.SendResult{MessageID: id, Transport: domain.TransportCloud}, nil
}

// SendTypingIndicator is a no-op for flavours without a typing API.
func (c *Cloud) SendTypingIndicator(ctx context.Context, to string, _ time.Duration) error {
	typer, ok := c.client.(Typer)
	if !ok || !c.Ready() {
		return nil
	}
	if err := typer.Typing(ctx, to); err != nil {
		return &domain.TransportError{Transport: domain.TransportCloud, Op: "typing", Err: err}
	}
	return nil
}

// ListInbound queries the provider for new inbound messages. It is the
// poller's only data source.
func (c *Cloud) ListInbound(ctx context.Context, sentAfter time.Time) ([]domain.InboundMessage, error) {
	if !c.Ready() {
		return nil, &domain.TransportError{Transport: domain.TransportCloud, Op: "list", Err: domain.ErrNotReady}
	}
	msgs, err := c.client.ListInbound(ctx, sentAfter)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			c.recordError(err)
		}
		return nil, &domain.TransportError{Transport: domain.TransportCloud, Op: "list", Err: err}
	}
	c.markConnected()
	for i := range msgs {
		msgs[i].Transport = domain.TransportCloud
	}
	return msgs, nil
}

func (c *Cloud) recordError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state.Connected = false
	c.state.LastError = err.Error()
	c.state.LastErrorAt = time.Now()
}

func (c *Cloud) markConnected() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.markConnectedLocked()
}

func (c *Cloud) markConnectedLocked() {
	if !c.state.Connected {
		c.state.Connected = true
		c.state.ConnectedSince = time.Now()
	}
}

// NewCloudClient builds the flavour selected in config.
func NewCloudClient(provider string, twilio TwilioClientConfig, telegram TelegramClientConfig) (CloudClient, error) {
	switch provider {
	case "twilio":
		return NewTwilioClient(twilio), nil
	case "telegram":
		return NewTelegramClient(telegram), nil
	}
	return nil, fmt.Errorf("unknown cloud provider: %q", provider)
}

package domain

import (
	"context"
	"time"
)

// ProviderState is the health snapshot of one transport.
type ProviderState struct {
	Transport      Transport `json:"transport"`
	Enabled        bool      `json:"enabled"`
	Connected      bool      `json:"connected"`
	LoggedOut      bool      `json:"loggedOut,omitempty"`
	HasCredentials bool      `json:"hasCredentials"`
	LastError      string    `json:"lastError,omitempty"`
	LastErrorAt    time.Time `json:"lastErrorAt,omitempty"`
	ConnectedSince time.Time `json:"connectedSince,omitempty"`
	Reconnects     int       `json:"reconnects,omitempty"`
}

// InitResult is the outcome of initializing an adapter.
type InitResult struct {
	Success         bool
	RequiresPairing bool
	PairingQR       string // QR payload offered by the bridge when pairing is required
}

// Adapter is the behavioral contract shared by both transports.
type Adapter interface {
	Transport() Transport
	Initialize(ctx context.Context) (InitResult, error)
	Enabled() bool
	Connected() bool
	State() ProviderState
	SendMessage(ctx context.Context, to, body string) (SendResult, error)
	SendMediaMessage(ctx context.Context, to, body, mediaURL string) (SendResult, error)
	SendTypingIndicator(ctx context.Context, to string, d time.Duration) error
}

// InboundSource is implemented by adapters that push inbound messages.
// The channel is closed when the adapter shuts down.
type InboundSource interface {
	Inbound() <-chan InboundMessage
}

// Generator is the AI backend: prompt in, reply text out.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

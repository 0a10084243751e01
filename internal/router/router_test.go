package router

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
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeAdapter struct {
	mu        sync.Mutex
	transport domain.Transport
	enabled   bool
	connected bool
	sendErr   error
	sent      []string
	media     []string
	typing    int
}

func (f *fakeAdapter) Transport() domain.Transport { return f.transport }
func (f *fakeAdapter) Enabled() bool               { return f.enabled }

func (f *fakeAdapter) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeAdapter) Initialize(context.Context) (domain.InitResult, error) {
	return domain.InitResult{Success: true}, nil
}

func (f *fakeAdapter) State() domain.ProviderState {
	return domain.ProviderState{Transport: f.transport, Enabled: f.enabled, Connected: f.Connected()}
}

func (f *fakeAdapter) SendMessage(_ context.Context, _, body string) (domain.SendResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return domain.SendResult{}, &domain.TransportError{Transport: f.transport, Op: "send", Err: f.sendErr}
	}
	f.sent = append(f.sent, body)
	return domain.SendResult{MessageID: "m1", Transport: f.transport}, nil
}

func (f *fakeAdapter) SendMediaMessage(ctx context.Context, to, body, mediaURL string) (domain.SendResult, error) {
	res, err := f.SendMessage(ctx, to, body)
	if err == nil {
		f.mu.Lock()
		f.media = append(f.media, mediaURL)
		f.mu.Unlock()
	}
	return res, err
}

func (f *fakeAdapter) SendTypingIndicator(context.Context, string, time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.typing++
	return nil
}

func setup(device, cloud *fakeAdapter) (*Router, *bus.EventBus, *metrics.Delivery) {
	events := bus.NewEventBus(testLogger())
	m := metrics.NewDelivery(metrics.NewMetricsCollector())
	r := New(Config{
		Preferred: domain.TransportDeviceLinked,
		Adapters:  []domain.Adapter{device, cloud},
		Events:    events,
		Metrics:   m,
		Logger:    testLogger(),
	})
	return r, events, m
}

func adapters(deviceConnected, cloudConnected bool) (*fakeAdapter, *fakeAdapter) {
	return &fakeAdapter{transport: domain.TransportDeviceLinked, enabled: true, connected: deviceConnected},
		&fakeAdapter{transport: domain.TransportCloud, enabled: true, connected: cloudConnected}
}

func TestResolve_PreferredWhenConnected(t *testing.T) {
	r, _, _ := setup(adapters(true, true))
	got, err := r.ResolveSendProvider(SendOptions{})
	require.NoError(t, err)
	require.Equal(t, domain.TransportDeviceLinked, got)
}

func TestResolve_NeverPicksDisconnectedWhenAlternateConnected(t *testing.T) {
	r, _, _ := setup(adapters(false, true))
	r.OnReceive(domain.TransportDeviceLinked) // stale active pointer

	got, err := r.ResolveSendProvider(SendOptions{})
	require.NoError(t, err)
	require.Equal(t, domain.TransportCloud, got)
}

func TestResolve_FallsBackToActiveWhenNothingConnected(t *testing.T) {
	r, _, _ := setup(adapters(false, false))
	r.OnReceive(domain.TransportCloud)

	got, err := r.ResolveSendProvider(SendOptions{})
	require.NoError(t, err)
	require.Equal(t, domain.TransportCloud, got)
}

func TestResolve_PreferredBeforeFirstContact(t *testing.T) {
	r, _, _ := setup(adapters(false, false))
	got, err := r.ResolveSendProvider(SendOptions{})
	require.NoError(t, err)
	require.Equal(t, domain.TransportDeviceLinked, got)
}

func TestResolve_NoEnabledProvider(t *testing.T) {
	device, cloud := adapters(true, true)
	device.enabled, cloud.enabled = false, false
	r, _, _ := setup(device, cloud)

	_, err := r.ResolveSendProvider(SendOptions{})
	require.ErrorIs(t, err, domain.ErrNoProvider)
}

func TestResolve_ForceBypassesPreference(t *testing.T) {
	r, _, _ := setup(adapters(true, false))

	got, err := r.ResolveSendProvider(SendOptions{Force: domain.TransportCloud})
	require.NoError(t, err)
	require.Equal(t, domain.TransportCloud, got)
}

func TestResolve_ForceRequiresEnabled(t *testing.T) {
	device, cloud := adapters(true, true)
	cloud.enabled = false
	r, _, _ := setup(device, cloud)

	_, err := r.ResolveSendProvider(SendOptions{Force: domain.TransportCloud})
	require.ErrorIs(t, err, domain.ErrNoProvider)
}

func TestSend_RoutesToCloudWhenPreferredDisconnected(t *testing.T) {
	device, cloud := adapters(false, true)
	r, events, m := setup(device, cloud)

	res, err := r.Send(context.Background(), "+1", "hello", SendOptions{})
	require.NoError(t, err)
	require.Equal(t, domain.TransportCloud, res.Transport)
	require.Equal(t, domain.TransportCloud, r.Active())
	require.Equal(t, []string{"hello"}, cloud.sent)
	require.Empty(t, device.sent)

	switched := events.Replay(bus.EventProviderSwitched, time.Time{})
	require.Len(t, switched, 1)
	require.Equal(t, "cloud", switched[0].Payload["to"])
	require.EqualValues(t, 1, m.Collector().Counter("relaybot_sends_total", "", `transport="cloud"`).Value())
}

func TestSend_FallsBackWithinOneOperation(t *testing.T) {
	device, cloud := adapters(true, true)
	device.sendErr = errors.New("socket closed")
	r, _, m := setup(device, cloud)

	res, err := r.Send(context.Background(), "+1", "hi", SendOptions{})
	require.NoError(t, err)
	require.Equal(t, domain.TransportCloud, res.Transport)
	require.Equal(t, domain.TransportCloud, r.Active())
	require.EqualValues(t, 1, m.Collector().Counter("relaybot_send_failures_total", "", `transport="device-linked"`).Value())
}

func TestSend_BothFailReturnsCombinedError(t *testing.T) {
	device, cloud := adapters(true, true)
	device.sendErr = errors.New("socket closed")
	cloud.sendErr = errors.New("401 unauthorized")
	r, _, _ := setup(device, cloud)

	_, err := r.Send(context.Background(), "+1", "hi", SendOptions{})
	require.Error(t, err)

	var te *domain.TransportError
	require.ErrorAs(t, err, &te)
	require.Equal(t, domain.TransportNone, te.Transport)
	require.Contains(t, err.Error(), "all send")
	require.Contains(t, err.Error(), "socket closed")
	require.Contains(t, err.Error(), "401 unauthorized")
	require.Equal(t, domain.TransportNone, r.Active(), "failures never move the active pointer")
}

func TestSend_ForcedDoesNotFallBack(t *testing.T) {
	device, cloud := adapters(true, true)
	cloud.sendErr = errors.New("down")
	r, _, _ := setup(device, cloud)

	_, err := r.Send(context.Background(), "+1", "hi", SendOptions{Force: domain.TransportCloud})
	require.Error(t, err)
	require.Empty(t, device.sent)
}

func TestSend_Media(t *testing.T) {
	device, cloud := adapters(true, false)
	r, _, _ := setup(device, cloud)

	_, err := r.Send(context.Background(), "+1", "chart", SendOptions{MediaURL: "https://x/chart.png"})
	require.NoError(t, err)
	require.Equal(t, []string{"https://x/chart.png"}, device.media)
}

func TestSend_ForcedSuccessUpdatesActiveNotPreference(t *testing.T) {
	r, _, _ := setup(adapters(true, true))

	_, err := r.Send(context.Background(), "+1", "hi", SendOptions{Force: domain.TransportCloud})
	require.NoError(t, err)
	require.Equal(t, domain.TransportCloud, r.Active())
	require.Equal(t, domain.TransportDeviceLinked, r.Preferred())

	got, err := r.ResolveSendProvider(SendOptions{})
	require.NoError(t, err)
	require.Equal(t, domain.TransportDeviceLinked, got)
}

func TestTyping_UsesResolvedTransport(t *testing.T) {
	device, cloud := adapters(false, true)
	r, _, _ := setup(device, cloud)

	require.NoError(t, r.Typing(context.Background(), "+1", time.Second))
	require.Equal(t, 1, cloud.typing)
	require.Zero(t, device.typing)
}

func TestSetPreferred(t *testing.T) {
	r, _, _ := setup(adapters(false, true))

	require.NoError(t, r.SetPreferred(domain.TransportCloud))
	require.Equal(t, domain.TransportCloud, r.Preferred())
	require.Equal(t, domain.TransportCloud, r.Active())

	require.Error(t, r.SetPreferred("carrier-pigeon"))

	require.NoError(t, r.SetPreferred(domain.TransportDeviceLinked))
	require.Equal(t, domain.TransportCloud, r.Active(), "disconnected preference does not become active")

	states := r.States()
	require.Len(t, states, 2)
	require.Equal(t, domain.TransportDeviceLinked, states[0].Transport)
}

func TestOnReceive_SwitchCounting(t *testing.T) {
	r, _, _ := setup(adapters(true, true))
	r.OnReceive(domain.TransportCloud)
	r.OnReceive(domain.TransportCloud)
	r.OnReceive(domain.TransportDeviceLinked)

	n, at := r.Switches()
	require.Equal(t, 2, n)
	require.False(t, at.IsZero())
}

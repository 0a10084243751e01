package transport

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"relaybot/internal/domain"
)

type fakeCloudClient struct {
	mu        sync.Mutex
	verifyErr error
	verifies  int
	sendErr   error
	sent      []string
	typed     []string
	inbound   []domain.InboundMessage
	listErr   error
	lastAfter time.Time
}

func (f *fakeCloudClient) Name() string { return "fake" }

func (f *fakeCloudClient) Verify(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.verifies++
	return "+15559990000", f.verifyErr
}

func (f *fakeCloudClient) Send(ctx context.Context, to, body, mediaURL string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return "", f.sendErr
	}
	f.sent = append(f.sent, to+"|"+body+"|"+mediaURL)
	return "SM" + body, nil
}

func (f *fakeCloudClient) ListInbound(ctx context.Context, sentAfter time.Time) ([]domain.InboundMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastAfter = sentAfter
	return f.inbound, f.listErr
}

type typingCloudClient struct{ *fakeCloudClient }

func (t typingCloudClient) Typing(ctx context.Context, to string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.typed = append(t.typed, to)
	return nil
}

func TestCloud_InitializeCachesVerification(t *testing.T) {
	client := &fakeCloudClient{}
	c := NewCloud(CloudConfig{Client: client, Enabled: true, HasCredentials: true, Logger: testLogger()})

	for i := 0; i < 3; i++ {
		res, err := c.Initialize(context.Background())
		require.NoError(t, err)
		require.True(t, res.Success)
	}
	require.Equal(t, 1, client.verifies)
	require.True(t, c.Connected())
	require.Equal(t, "+15559990000", c.Self())
}

func TestCloud_InitializeFailure(t *testing.T) {
	client := &fakeCloudClient{verifyErr: errors.New("401 unauthorized")}
	c := NewCloud(CloudConfig{Client: client, Enabled: true, Logger: testLogger()})

	res, err := c.Initialize(context.Background())
	require.False(t, res.Success)
	var te *domain.TransportError
	require.ErrorAs(t, err, &te)
	require.Equal(t, domain.TransportCloud, te.Transport)
	require.False(t, c.Ready())
	require.Contains(t, c.State().LastError, "401")
}

func TestCloud_Disabled(t *testing.T) {
	c := NewCloud(CloudConfig{Client: &fakeCloudClient{}, Enabled: false})
	res, err := c.Initialize(context.Background())
	require.NoError(t, err)
	require.False(t, res.Success)
	require.False(t, c.Enabled())

	_, err = c.SendMessage(context.Background(), "+1", "hi")
	require.ErrorIs(t, err, domain.ErrNotReady)
}

func TestCloud_SendFailureMarksDisconnected(t *testing.T) {
	client := &fakeCloudClient{}
	c := NewCloud(CloudConfig{Client: client, Enabled: true, Logger: testLogger()})
	_, err := c.Initialize(context.Background())
	require.NoError(t, err)

	client.sendErr = errors.New("HTTP 503")
	_, err = c.SendMessage(context.Background(), "+1", "hi")
	require.Error(t, err)
	require.False(t, c.Connected())

	client.sendErr = nil
	res, err := c.SendMediaMessage(context.Background(), "+1", "chart", "https://x/y.png")
	require.NoError(t, err)
	require.Equal(t, "SMchart", res.MessageID)
	require.Equal(t, domain.TransportCloud, res.Transport)
	require.True(t, c.Connected())
	require.Equal(t, []string{"+1|chart|https://x/y.png"}, client.sent)
}

func TestCloud_ListInboundStampsTransport(t *testing.T) {
	client := &fakeCloudClient{inbound: []domain.InboundMessage{{ID: "SM1", Body: "hi"}}}
	c := NewCloud(CloudConfig{Client: client, Enabled: true, Logger: testLogger()})

	_, err := c.ListInbound(context.Background(), time.Now())
	require.ErrorIs(t, err, domain.ErrNotReady)

	_, err = c.Initialize(context.Background())
	require.NoError(t, err)
	after := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	msgs, err := c.ListInbound(context.Background(), after)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, domain.TransportCloud, msgs[0].Transport)
	require.True(t, client.lastAfter.Equal(after))
}

func TestCloud_TypingOnlyWhenSupported(t *testing.T) {
	plain := NewCloud(CloudConfig{Client: &fakeCloudClient{}, Enabled: true})
	_, _ = plain.Initialize(context.Background())
	require.NoError(t, plain.SendTypingIndicator(context.Background(), "+1", 5*time.Second))

	inner := &fakeCloudClient{}
	typing := NewCloud(CloudConfig{Client: typingCloudClient{inner}, Enabled: true})
	_, _ = typing.Initialize(context.Background())
	require.NoError(t, typing.SendTypingIndicator(context.Background(), "42", 5*time.Second))
	require.Equal(t, []string{"42"}, inner.typed)
}

package httpapi

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"relaybot/internal/alerts"
	"relaybot/internal/app"
	"relaybot/internal/bus"
	"relaybot/internal/domain"
	"relaybot/internal/metrics"
)

type fakeEngine struct {
	mu        sync.Mutex
	alerts    []alerts.Alert
	ingested  []domain.InboundMessage
	admit     bool
	alertErr  error
	alertCtx  context.Context
	events    []bus.Event
	collector *metrics.MetricsCollector
}

func newFakeEngine() *fakeEngine {
	c := metrics.NewMetricsCollector()
	c.Counter("relaybot_replies_total", "Replies delivered to the user", "").Add(3)
	return &fakeEngine{admit: true, collector: c}
}

func (f *fakeEngine) GetStatus() app.Status {
	return app.Status{Version: "1.2.3", ActiveProvider: domain.TransportCloud, Processed: 7}
}

func (f *fakeEngine) FireAlert(ctx context.Context, a alerts.Alert) (alerts.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alertCtx = ctx
	if f.alertErr != nil {
		return alerts.Result{}, f.alertErr
	}
	f.alerts = append(f.alerts, a)
	return alerts.Result{ID: "a-1", Type: a.Type, Messages: 1}, nil
}

func (f *fakeEngine) ResearchPrompt(prompt string) alerts.ResearchFunc {
	return func(context.Context) (alerts.Finding, error) {
		return alerts.Finding{Text: "answer to " + prompt}, nil
	}
}

func (f *fakeEngine) Ingest(msg domain.InboundMessage) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ingested = append(f.ingested, msg)
	return f.admit
}

func (f *fakeEngine) Metrics() *metrics.MetricsCollector { return f.collector }

func (f *fakeEngine) EventsSince(eventType string, since time.Time) []bus.Event {
	var out []bus.Event
	for _, e := range f.events {
		if (eventType == "*" || e.Type == eventType) && !e.Timestamp.Before(since) {
			out = append(out, e)
		}
	}
	return out
}

func newServer(e Engine, tweak func(*Config)) *Server {
	cfg := Config{
		Engine:      e,
		MetricsPath: "/metrics",
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	if tweak != nil {
		tweak(&cfg)
	}
	return New(cfg)
}

func do(t *testing.T, h http.Handler, method, path, body string, hdr map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestStatus(t *testing.T) {
	h := newServer(newFakeEngine(), nil).Handler()
	rec := do(t, h, http.MethodGet, "/status", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"activeProvider":"cloud"`)
	require.Contains(t, rec.Body.String(), `"processed":7`)
}

func TestAPIKey(t *testing.T) {
	h := newServer(newFakeEngine(), func(c *Config) { c.APIKey = "s3cret" }).Handler()

	require.Equal(t, http.StatusUnauthorized, do(t, h, http.MethodGet, "/status", "", nil).Code)
	require.Equal(t, http.StatusUnauthorized, do(t, h, http.MethodGet, "/status", "", map[string]string{"Authorization": "Bearer nope"}).Code)
	require.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/status", "", map[string]string{"Authorization": "Bearer s3cret"}).Code)
	require.Equal(t, http.StatusUnauthorized, do(t, h, http.MethodPost, "/alerts", `{"type":"a","hook":"b"}`, nil).Code)
}

func TestMetrics(t *testing.T) {
	h := newServer(newFakeEngine(), nil).Handler()
	rec := do(t, h, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "relaybot_replies_total 3")

	h = newServer(newFakeEngine(), func(c *Config) { c.MetricsPath = "" }).Handler()
	require.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/metrics", "", nil).Code)
}

func TestAlerts_OutliveTheRequest(t *testing.T) {
	e := newFakeEngine()
	h := newServer(e, nil).Handler()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodPost, "/alerts", strings.NewReader(`{"type":"price-move","hook":"NVDA just moved 8%","research":"why?"}`)).WithContext(ctx)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	e.mu.Lock()
	defer e.mu.Unlock()
	require.NoError(t, e.alertCtx.Err(), "alert context must not end with the caller")
}

func TestEvents(t *testing.T) {
	e := newFakeEngine()
	t0 := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	e.events = []bus.Event{
		{Type: bus.EventAlertFired, Timestamp: t0},
		{Type: bus.EventPollFailed, Timestamp: t0.Add(time.Minute)},
		{Type: bus.EventAlertFired, Timestamp: t0.Add(2 * time.Minute)},
	}
	h := newServer(e, nil).Handler()

	rec := do(t, h, http.MethodGet, "/events", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 3, strings.Count(rec.Body.String(), `"type":`))

	rec = do(t, h, http.MethodGet, "/events?type=alert.fired&since=2026-03-01T09:01:00Z", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 1, strings.Count(rec.Body.String(), `"type":`))

	rec = do(t, h, http.MethodGet, "/events?type=nothing", "", nil)
	require.Equal(t, "[]", strings.TrimSpace(rec.Body.String()))

	require.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/events?since=yesterday", "", nil).Code)
}

func TestAlerts(t *testing.T) {
	e := newFakeEngine()
	h := newServer(e, nil).Handler()

	rec := do(t, h, http.MethodPost, "/alerts", `{"type":"earnings","hook":"NVDA reported.","research":"summarize NVDA earnings","urgent":true}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"id":"a-1"`)

	require.Len(t, e.alerts, 1)
	a := e.alerts[0]
	require.Equal(t, "earnings", a.Type)
	require.True(t, a.Urgent)
	require.NotNil(t, a.Research)
	f, err := a.Research(context.Background())
	require.NoError(t, err)
	require.Equal(t, "answer to summarize NVDA earnings", f.Text)

	require.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/alerts", `{"type":"x"}`, nil).Code)
	require.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/alerts", `not json`, nil).Code)

	e.alertErr = errors.New("all send: down")
	rec = do(t, h, http.MethodPost, "/alerts", `{"type":"y","hook":"z"}`, nil)
	require.Equal(t, http.StatusBadGateway, rec.Code)
	require.Contains(t, rec.Body.String(), "all send: down")
}

func TestInbound_Signature(t *testing.T) {
	e := newFakeEngine()
	h := newServer(e, func(c *Config) { c.InboundSecret = "hooks" }).Handler()
	body := `{"id":"rt-1","from":"+15550001111","body":"hello","replyTo":"earlier"}`

	require.Equal(t, http.StatusUnauthorized, do(t, h, http.MethodPost, "/inbound", body, nil).Code)
	require.Equal(t, http.StatusForbidden, do(t, h, http.MethodPost, "/inbound", body, map[string]string{"X-Signature-256": Sign([]byte(body), "wrong")}).Code)

	rec := do(t, h, http.MethodPost, "/inbound", body, map[string]string{"X-Signature-256": Sign([]byte(body), "hooks")})
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, e.ingested, 1)
	require.Equal(t, "rt-1", e.ingested[0].ID)
	require.Equal(t, "earlier", e.ingested[0].ReplyToBody)
	require.False(t, e.ingested[0].HasMedia)
}

func TestInbound_Validation(t *testing.T) {
	e := newFakeEngine()
	h := newServer(e, nil).Handler()

	require.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/inbound", `{"from":"+1","body":"x"}`, nil).Code)
	require.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/inbound", `{"id":"1","from":"+1"}`, nil).Code)
	require.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/inbound", `{`, nil).Code)

	rec := do(t, h, http.MethodPost, "/inbound", `{"id":"m","from":"+1","media":["https://example.com/a.jpg"]}`, nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.True(t, e.ingested[0].HasMedia)

	e.admit = false
	rec = do(t, h, http.MethodPost, "/inbound", `{"id":"m2","from":"+1","body":"dup"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "ignored")
}

func TestServeAndClient(t *testing.T) {
	e := newFakeEngine()
	s := newServer(e, func(c *Config) { c.APIKey = "k" })

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	c := NewClient(ln.Addr().String(), "k")
	st, err := c.Status(context.Background())
	require.NoError(t, err)
	require.Equal(t, "1.2.3", st.Version)

	res, err := c.FireAlert(context.Background(), AlertRequest{Type: "t", Hook: "h"})
	require.NoError(t, err)
	require.Equal(t, "a-1", res.ID)

	_, err = NewClient(ln.Addr().String(), "bad").Status(context.Background())
	require.ErrorContains(t, err, "invalid API key")

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}

package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func twilioServer(t *testing.T, mux *http.ServeMux) *TwilioClient {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return NewTwilioClient(TwilioClientConfig{
		APIBase:    srv.URL,
		AccountSID: "AC123",
		AuthToken:  "secret",
		From:       "whatsapp:+15559990000",
		HTTPClient: srv.Client(),
		Logger:     testLogger(),
	})
}

func TestTwilio_VerifyUsesBasicAuth(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /Accounts/AC123.json", func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "AC123" || pass != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]any{"code": 20003, "message": "Authenticate"})
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"sid": "AC123", "status": "active"})
	})
	c := twilioServer(t, mux)

	self, err := c.Verify(context.Background())
	require.NoError(t, err)
	require.Equal(t, "whatsapp:+15559990000", self)

	c.cfg.AuthToken = "wrong"
	_, err = c.Verify(context.Background())
	require.ErrorContains(t, err, "Authenticate")
}

func TestTwilio_VerifyRequiresCredentials(t *testing.T) {
	c := NewTwilioClient(TwilioClientConfig{AccountSID: "AC1"})
	_, err := c.Verify(context.Background())
	require.ErrorContains(t, err, "incomplete")
}

func TestTwilio_SendForm(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /Accounts/AC123/Messages.json", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		require.Equal(t, "whatsapp:+15550001111", r.PostForm.Get("To"))
		require.Equal(t, "whatsapp:+15559990000", r.PostForm.Get("From"))
		require.Equal(t, "hello there", r.PostForm.Get("Body"))
		require.Equal(t, "https://img/x.png", r.PostForm.Get("MediaUrl"))
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]string{"sid": "SM42"})
	})
	c := twilioServer(t, mux)

	id, err := c.Send(context.Background(), "+15550001111", "hello there", "https://img/x.png")
	require.NoError(t, err)
	require.Equal(t, "SM42", id)
}

func TestTwilio_SendRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("POST /Accounts/AC123/Messages.json", func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"sid": "SM7"})
	})
	c := twilioServer(t, mux)

	id, err := c.Send(context.Background(), "whatsapp:+1555", "hi", "")
	require.NoError(t, err)
	require.Equal(t, "SM7", id)
	require.EqualValues(t, 3, calls.Load())
}

func TestTwilio_SendClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("POST /Accounts/AC123/Messages.json", func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]any{"code": 21211, "message": "Invalid 'To' Phone Number"})
	})
	c := twilioServer(t, mux)

	_, err := c.Send(context.Background(), "nope", "hi", "")
	require.ErrorContains(t, err, "21211")
	require.EqualValues(t, 1, calls.Load())
}

func TestTwilio_ListInboundFiltersAndOrders(t *testing.T) {
	after := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	at := func(d time.Duration) string { return after.Add(d).Format(time.RFC1123Z) }

	mux := http.NewServeMux()
	mux.HandleFunc("GET /Accounts/AC123/Messages.json", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "whatsapp:+15559990000", r.URL.Query().Get("To"))
		require.Equal(t, "2026-05-31", r.URL.Query().Get("DateSent>"))
		json.NewEncoder(w).Encode(map[string]any{"messages": []map[string]string{
			{"sid": "SM3", "from": "whatsapp:+1555", "body": "third", "direction": "inbound", "num_media": "0", "date_sent": at(30 * time.Second)},
			{"sid": "SM2", "from": "whatsapp:+1555", "body": "second", "direction": "inbound", "num_media": "1", "date_sent": at(10 * time.Second)},
			{"sid": "SM0", "from": "whatsapp:+1555", "body": "old", "direction": "inbound", "num_media": "0", "date_sent": at(-time.Minute)},
			{"sid": "SMout", "from": "whatsapp:+15559990000", "body": "reply", "direction": "outbound-api", "num_media": "0", "date_sent": at(20 * time.Second)},
		}})
	})
	mux.HandleFunc("GET /Accounts/AC123/Messages/SM2/Media.json", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"media_list": []map[string]string{{"sid": "ME1"}}})
	})
	c := twilioServer(t, mux)

	msgs, err := c.ListInbound(context.Background(), after)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, "SM2", msgs[0].ID)
	require.Equal(t, "SM3", msgs[1].ID)
	require.True(t, msgs[0].HasMedia)
	require.Len(t, msgs[0].MediaRefs, 1)
	require.Contains(t, msgs[0].MediaRefs[0], "/Messages/SM2/Media/ME1")
}

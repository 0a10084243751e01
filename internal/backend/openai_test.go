package backend

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"relaybot/internal/config"
)

func TestOpenAI_Generate(t *testing.T) {
	var got oaiRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/chat/completions", r.URL.Path)
		require.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"Your net worth is up 2%."},"finish_reason":"stop"}],"usage":{"total_tokens":42}}`))
	}))
	defer srv.Close()

	o := NewOpenAI(OpenAIConfig{Name: "openai", APIKey: "sk-test", APIBase: srv.URL + "/v1/", Model: "gpt-4o-mini", Logger: testLogger()})
	out, err := o.Generate(context.Background(), "what's my net worth?")
	require.NoError(t, err)
	require.Equal(t, "Your net worth is up 2%.", out)
	require.Equal(t, "gpt-4o-mini", got.Model)
	require.Len(t, got.Messages, 1)
	require.Equal(t, "user", got.Messages[0].Role)
	require.False(t, got.Stream)
}

func TestOpenAI_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"overloaded"}`, http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	o := NewOpenAI(OpenAIConfig{Name: "ollama", APIBase: srv.URL, Logger: testLogger()})
	_, err := o.Generate(context.Background(), "x")
	require.ErrorContains(t, err, "ollama 503")
	require.ErrorContains(t, err, "overloaded")
}

func TestOpenAI_EmptyReply(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"choices":[]}`))
	}))
	defer srv.Close()

	_, err := NewOpenAI(OpenAIConfig{APIBase: srv.URL, Logger: testLogger()}).Generate(context.Background(), "x")
	require.ErrorContains(t, err, "empty reply")
}

func TestOpenAI_Healthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer good" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`{"data":[]}`))
	}))
	defer srv.Close()

	require.NoError(t, NewOpenAI(OpenAIConfig{APIKey: "good", APIBase: srv.URL}).Healthy(context.Background()))
	err := NewOpenAI(OpenAIConfig{APIKey: "bad", APIBase: srv.URL}).Healthy(context.Background())
	require.ErrorContains(t, err, "invalid API key")
}

func TestFromConfig_BuildsChain(t *testing.T) {
	cfg := config.BackendConfig{
		DefaultProvider: "ollama",
		FailoverChain:   []string{"openai", "ollama", "gemini"},
		Providers: map[string]config.ProviderConfig{
			"ollama": {Enabled: true, APIBase: "http://localhost:11434/v1"},
			"openai": {Enabled: true, APIKey: "sk", RateLimitPerMin: 30},
			"gemini": {Enabled: false},
		},
	}
	f, err := FromConfig(cfg, testLogger())
	require.NoError(t, err)
	require.Equal(t, "failover(ollama→openai)", f.Name())
	_, limited := f.backends[1].(*Limited)
	require.True(t, limited)
}

func TestFromConfig_Errors(t *testing.T) {
	_, err := FromConfig(config.BackendConfig{DefaultProvider: "nope"}, testLogger())
	require.ErrorContains(t, err, "unknown backend")

	_, err = FromConfig(config.BackendConfig{
		DefaultProvider: "ollama",
		Providers:       map[string]config.ProviderConfig{"ollama": {}},
	}, testLogger())
	require.Error(t, err)
	require.True(t, strings.Contains(err.Error(), "no enabled"))
}

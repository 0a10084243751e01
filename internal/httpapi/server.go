// Package httpapi serves the loopback control API: status, metrics, alert
// triggers and the realtime-listener ingestion path.
package httpapi

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"relaybot/internal/alerts"
	"relaybot/internal/app"
	"relaybot/internal/bus"
	"relaybot/internal/domain"
	"relaybot/internal/metrics"
)

const maxBodySize = 1 << 20 // 1MB

// Engine is the part of the service the API drives.
type Engine interface {
	GetStatus() app.Status
	FireAlert(ctx context.Context, a alerts.Alert) (alerts.Result, error)
	ResearchPrompt(prompt string) alerts.ResearchFunc
	Ingest(msg domain.InboundMessage) bool
	Metrics() *metrics.MetricsCollector
	EventsSince(eventType string, since time.Time) []bus.Event
}

type Config struct {
	Addr          string
	APIKey        string // bearer token for /status and /alerts; empty disables auth
	InboundSecret string // HMAC secret for /inbound; empty disables verification
	MetricsPath   string // empty disables /metrics
	Engine        Engine
	Logger        *slog.Logger
}

type Server struct {
	cfg    Config
	logger *slog.Logger
	server *http.Server
}

// AlertRequest is the body of POST /alerts.
type AlertRequest struct {
	Type     string `json:"type"`
	Hook     string `json:"hook"`
	Research string `json:"research,omitempty"` // prompt answered by the AI backend after the hook
	Urgent   bool   `json:"urgent,omitempty"`
	To       string `json:"to,omitempty"`
}

// InboundPayload is the body of POST /inbound.
type InboundPayload struct {
	ID        string    `json:"id"`
	From      string    `json:"from"`
	Body      string    `json:"body"`
	Media     []string  `json:"media,omitempty"`
	Timestamp time.Time `json:"timestamp,omitempty"`
	Transport string    `json:"transport,omitempty"`
	ReplyTo   string    `json:"replyTo,omitempty"` // body of the quoted message
}

func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{cfg: cfg, logger: logger.With("component", "httpapi")}
}

// Handler returns the API routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", s.requireKey(s.handleStatus))
	mux.HandleFunc("POST /alerts", s.requireKey(s.handleAlert))
	mux.HandleFunc("GET /events", s.requireKey(s.handleEvents))
	mux.HandleFunc("POST /inbound", s.handleInbound)
	if s.cfg.MetricsPath != "" {
		mux.HandleFunc("GET "+s.cfg.MetricsPath, s.cfg.Engine.Metrics().Handler())
	}
	return mux
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("api listen %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Start on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// Alerts with research wait on the AI backend.
		WriteTimeout:   150 * time.Second,
		IdleTimeout:    120 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}
	s.logger.Info("API server started", "addr", ln.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := s.server.Shutdown(shutdownCtx)
		<-errCh
		return err
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return fmt.Errorf("api server: %w", err)
	}
}

func (s *Server) requireKey(next http.HandlerFunc) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if s.cfg.APIKey != "" {
			auth := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(auth, "Bearer ")
			if !ok || !hmac.Equal([]byte(token), []byte(s.cfg.APIKey)) {
				writeJSON(rw, http.StatusUnauthorized, map[string]string{"error": "invalid API key"})
				return
			}
		}
		next(rw, r)
	}
}

func (s *Server) handleStatus(rw http.ResponseWriter, r *http.Request) {
	writeJSON(rw, http.StatusOK, s.cfg.Engine.GetStatus())
}

// handleEvents serves the recorded internal events. Query: type (default
// all) and since (RFC 3339, default everything still in history).
func (s *Server) handleEvents(rw http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	typ := q.Get("type")
	if typ == "" {
		typ = "*"
	}
	var since time.Time
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeJSON(rw, http.StatusBadRequest, map[string]string{"error": "since must be RFC 3339"})
			return
		}
		since = t
	}
	events := s.cfg.Engine.EventsSince(typ, since)
	if events == nil {
		events = []bus.Event{}
	}
	writeJSON(rw, http.StatusOK, events)
}

func (s *Server) handleAlert(rw http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		writeJSON(rw, http.StatusBadRequest, map[string]string{"error": "bad request"})
		return
	}
	var req AlertRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeJSON(rw, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}
	if strings.TrimSpace(req.Type) == "" || strings.TrimSpace(req.Hook) == "" {
		writeJSON(rw, http.StatusBadRequest, map[string]string{"error": "type and hook are required"})
		return
	}

	a := alerts.Alert{Type: req.Type, Hook: req.Hook, Urgent: req.Urgent, To: req.To}
	if p := strings.TrimSpace(req.Research); p != "" {
		a.Research = s.cfg.Engine.ResearchPrompt(p)
	}
	// The alert runs to completion even if the caller hangs up mid-research.
	res, err := s.cfg.Engine.FireAlert(context.WithoutCancel(r.Context()), a)
	if err != nil {
		s.logger.Error("alert failed", "type", req.Type, "err", err)
		writeJSON(rw, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(rw, http.StatusOK, res)
}

func (s *Server) handleInbound(rw http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		http.Error(rw, "Bad Request", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	if s.cfg.InboundSecret != "" {
		sig := r.Header.Get("X-Signature-256")
		if sig == "" {
			http.Error(rw, "Missing signature", http.StatusUnauthorized)
			return
		}
		if !verifyHMAC(body, s.cfg.InboundSecret, sig) {
			http.Error(rw, "Invalid signature", http.StatusForbidden)
			return
		}
	}

	var p InboundPayload
	if err := json.Unmarshal(body, &p); err != nil {
		http.Error(rw, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if p.ID == "" || p.From == "" {
		http.Error(rw, "id and from are required", http.StatusBadRequest)
		return
	}
	if p.Body == "" && len(p.Media) == 0 {
		http.Error(rw, "body or media is required", http.StatusBadRequest)
		return
	}

	msg := domain.InboundMessage{
		ID:          p.ID,
		From:        p.From,
		Body:        p.Body,
		HasMedia:    len(p.Media) > 0,
		MediaRefs:   p.Media,
		ReceivedAt:  p.Timestamp,
		Transport:   domain.Transport(p.Transport),
		ReplyToBody: p.ReplyTo,
	}
	if !s.cfg.Engine.Ingest(msg) {
		// Another path owns it, or it was filtered. Not an error for the caller.
		writeJSON(rw, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}
	s.logger.Info("realtime message accepted", "id", p.ID, "body_len", len(p.Body))
	writeJSON(rw, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// verifyHMAC verifies the HMAC-SHA256 signature of the body.
func verifyHMAC(body []byte, secret, signature string) bool {
	return hmac.Equal([]byte(Sign(body, secret)), []byte(signature))
}

// Sign returns the X-Signature-256 header value for body.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	json.NewEncoder(rw).Encode(v)
}

package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"relaybot/internal/domain"
)

const twilioAPIBase = "https://api.twilio.com/2010-04-01"

// twilioDateLayout is the RFC 2822 format Twilio uses for date fields.
const twilioDateLayout = time.RFC1123Z

type TwilioClientConfig struct {
	APIBase    string
	AccountSID string
	AuthToken  string
	From       string // bot's own address, e.g. "whatsapp:+14155238886"
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// TwilioClient talks to the Twilio Programmable Messaging REST API.
type TwilioClient struct {
	cfg    TwilioClientConfig
	client *http.Client
	logger *slog.Logger
}

func NewTwilioClient(cfg TwilioClientConfig) *TwilioClient {
	if cfg.APIBase == "" {
		cfg.APIBase = twilioAPIBase
	}
	cfg.APIBase = strings.TrimRight(cfg.APIBase, "/")
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = SharedHTTPClient(30 * time.Second)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &TwilioClient{cfg: cfg, client: cfg.HTTPClient, logger: cfg.Logger.With("flavour", "twilio")}
}

func (t *TwilioClient) Name() string { return "twilio" }

func (t *TwilioClient) accountURL(suffix string) string {
	return fmt.Sprintf("%s/Accounts/%s%s", t.cfg.APIBase, url.PathEscape(t.cfg.AccountSID), suffix)
}

func (t *TwilioClient) do(ctx context.Context, method, endpoint string, form url.Values, out any) error {
	resp, err := doWithRetry(ctx, t.client, func() (*http.Request, error) {
		var body io.Reader
		if form != nil {
			body = strings.NewReader(form.Encode())
		}
		req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
		if err != nil {
			return nil, err
		}
		req.SetBasicAuth(t.cfg.AccountSID, t.cfg.AuthToken)
		req.Header.Set("Accept", "application/json")
		if form != nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
		return req, nil
	}, t.logger)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		var apiErr struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		}
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Message != "" {
			return fmt.Errorf("twilio %d (code %d): %s", resp.StatusCode, apiErr.Code, apiErr.Message)
		}
		return fmt.Errorf("twilio HTTP %d: %s", resp.StatusCode, truncate(string(data), 200))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// Verify fetches the account resource.
func (t *TwilioClient) Verify(ctx context.Context) (string, error) {
	if t.cfg.AccountSID == "" || t.cfg.AuthToken == "" || t.cfg.From == "" {
		return "", fmt.Errorf("twilio credentials incomplete")
	}
	var account struct {
		SID    string `json:"sid"`
		Status string `json:"status"`
	}
	if err := t.do(ctx, http.MethodGet, t.accountURL(".json"), nil, &account); err != nil {
		return "", fmt.Errorf("verify account: %w", err)
	}
	if account.Status != "" && account.Status != "active" {
		return "", fmt.Errorf("twilio account %s is %s", account.SID, account.Status)
	}
	return t.cfg.From, nil
}

// Send posts one message and returns its SID.
func (t *TwilioClient) Send(ctx context.Context, to, body, mediaURL string) (string, error) {
	form := url.Values{}
	form.Set("To", t.withChannelPrefix(to))
	form.Set("From", t.cfg.From)
	form.Set("Body", body)
	if mediaURL != "" {
		form.Set("MediaUrl", mediaURL)
	}

	var msg struct {
		SID string `json:"sid"`
	}
	if err := t.do(ctx, http.MethodPost, t.accountURL("/Messages.json"), form, &msg); err != nil {
		return "", err
	}
	return msg.SID, nil
}

// withChannelPrefix copies the "whatsapp:" style prefix of From onto bare numbers.
func (t *TwilioClient) withChannelPrefix(to string) string {
	prefix, _, ok := strings.Cut(t.cfg.From, ":")
	if !ok || strings.Contains(to, ":") {
		return to
	}
	return prefix + ":" + to
}

type twilioMessage struct {
	SID       string `json:"sid"`
	From      string `json:"from"`
	To        string `json:"to"`
	Body      string `json:"body"`
	Direction string `json:"direction"`
	NumMedia  string `json:"num_media"`
	DateSent  string `json:"date_sent"`
}

// ListInbound lists messages to the bot's own address. Twilio filters by day
// only, so the exact lower bound is applied here.
func (t *TwilioClient) ListInbound(ctx context.Context, sentAfter time.Time) ([]domain.InboundMessage, error) {
	q := url.Values{}
	q.Set("To", t.cfg.From)
	q.Set("DateSent>", sentAfter.UTC().Add(-24*time.Hour).Format("2006-01-02"))
	q.Set("PageSize", "50")

	var page struct {
		Messages []twilioMessage `json:"messages"`
	}
	if err := t.do(ctx, http.MethodGet, t.accountURL("/Messages.json")+"?"+q.Encode(), nil, &page); err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}

	lower := sentAfter.Truncate(time.Second)
	var out []domain.InboundMessage
	for _, m := range page.Messages {
		if m.Direction != "" && m.Direction != "inbound" {
			continue
		}
		sent, err := time.Parse(twilioDateLayout, m.DateSent)
		if err != nil {
			t.logger.Debug("skipping message with bad date", "sid", m.SID, "date", m.DateSent)
			continue
		}
		if sent.Before(lower) {
			continue
		}
		msg := domain.InboundMessage{
			ID:         m.SID,
			From:       m.From,
			Body:       m.Body,
			ReceivedAt: sent,
		}
		if n, _ := strconv.Atoi(m.NumMedia); n > 0 {
			msg.HasMedia = true
			refs, err := t.mediaRefs(ctx, m.SID)
			if err != nil {
				t.logger.Warn("media lookup failed", "sid", m.SID, "err", err)
			}
			msg.MediaRefs = refs
		}
		out = append(out, msg)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ReceivedAt.Before(out[j].ReceivedAt) })
	return out, nil
}

func (t *TwilioClient) mediaRefs(ctx context.Context, messageSID string) ([]string, error) {
	var list struct {
		MediaList []struct {
			SID string `json:"sid"`
		} `json:"media_list"`
	}
	base := t.accountURL("/Messages/" + url.PathEscape(messageSID) + "/Media")
	if err := t.do(ctx, http.MethodGet, base+".json", nil, &list); err != nil {
		return nil, err
	}
	refs := make([]string, 0, len(list.MediaList))
	for _, m := range list.MediaList {
		refs = append(refs, base+"/"+m.SID)
	}
	return refs, nil
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Config is the root configuration for relaybot.
type Config struct {
	General      GeneralConfig      `json:"general"`
	Transports   TransportsConfig   `json:"transports"`
	Poller       PollerConfig       `json:"poller"`
	Ledger       LedgerConfig       `json:"ledger"`
	Conversation ConversationConfig `json:"conversation"`
	Outbound     OutboundConfig     `json:"outbound"`
	Alerts       AlertsConfig       `json:"alerts"`
	Backend      BackendConfig      `json:"backend"`
	Snapshots    SnapshotsConfig    `json:"snapshots"`
	Store        StoreConfig        `json:"store"`
	Metrics      MetricsConfig      `json:"metrics"`
	API          APIConfig          `json:"api"`
}

type GeneralConfig struct {
	LogLevel              string         `json:"logLevel"`
	LogFile               string         `json:"logFile,omitempty"` // optional log file path
	UserAddress           string         `json:"userAddress"`       // where alerts are delivered
	AllowFrom             FlexStringList `json:"allowFrom,omitempty"`
	MaxConcurrentMessages int            `json:"maxConcurrentMessages"`
}

// TransportsConfig holds both chat transports and the routing preference.
type TransportsConfig struct {
	Preferred    string             `json:"preferred"` // "device-linked" | "cloud"
	DeviceLinked DeviceLinkedConfig `json:"deviceLinked"`
	Cloud        CloudConfig        `json:"cloud"`
}

type DeviceLinkedConfig struct {
	Enabled           bool   `json:"enabled"`
	BridgeURL         string `json:"bridgeUrl"`
	SessionFile       string `json:"sessionFile"`
	PairingAttempts   int    `json:"pairingAttempts"`
	MaxBackoffSeconds int    `json:"maxBackoffSeconds"`
}

type CloudConfig struct {
	Enabled  bool           `json:"enabled"`
	Provider string         `json:"provider"` // "twilio" | "telegram"
	Twilio   TwilioConfig   `json:"twilio"`
	Telegram TelegramConfig `json:"telegram"`
}

type TwilioConfig struct {
	APIBase    string `json:"apiBase,omitempty"`
	AccountSID string `json:"accountSid,omitempty"`
	AuthToken  string `json:"authToken,omitempty"`
	FromNumber string `json:"fromNumber,omitempty"` // e.g. "whatsapp:+14155238886"
}

type TelegramConfig struct {
	Token       string `json:"token,omitempty"`
	APIEndpoint string `json:"apiEndpoint,omitempty"`
}

// FlexStringList is a []string that can unmarshal from JSON arrays containing
// both strings and numbers (e.g. ["123", 456] both become "123", "456").
type FlexStringList []string

func (f *FlexStringList) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, item := range raw {
		var s string
		if err := json.Unmarshal(item, &s); err == nil {
			result = append(result, s)
			continue
		}
		var n float64
		if err := json.Unmarshal(item, &n); err == nil {
			result = append(result, strconv.FormatInt(int64(n), 10))
			continue
		}
		result = append(result, string(item))
	}
	*f = result
	return nil
}

// PollerConfig tunes the adaptive cloud poller.
type PollerConfig struct {
	ActiveIntervalSeconds  int      `json:"activeIntervalSeconds"`
	PeakIntervalSeconds    int      `json:"peakIntervalSeconds"`
	DefaultIntervalSeconds int      `json:"defaultIntervalSeconds"`
	ActiveWindowMinutes    int      `json:"activeWindowMinutes"`
	PeakWindows            []string `json:"peakWindows"` // "HH:MM-HH:MM", local time
	LookbackMinutes        int      `json:"lookbackMinutes"`
	SeenRetention          int      `json:"seenRetention"`
	FailureLogEvery        int      `json:"failureLogEvery"`
}

type LedgerConfig struct {
	ClaimTTLSeconds int `json:"claimTtlSeconds"`
}

type ConversationConfig struct {
	HistoryWindow        int    `json:"historyWindow"`
	AckQuietSeconds      int    `json:"ackQuietSeconds"`
	TypingRefreshSeconds int    `json:"typingRefreshSeconds"`
	StillWorkingSeconds  int    `json:"stillWorkingSeconds"`
	AITimeoutSeconds     int    `json:"aiTimeoutSeconds"`
	CatalogFile          string `json:"catalogFile,omitempty"` // optional YAML task catalog
	SystemPrompt         string `json:"systemPrompt,omitempty"`
}

type OutboundConfig struct {
	ChunkLimit       int `json:"chunkLimit"`
	PartDelayMs      int `json:"partDelayMs"`
	PreReplyTypingMs int `json:"preReplyTypingMs"`
	PreReplyPauseMs  int `json:"preReplyPauseMs"`
}

type AlertsConfig struct {
	CooldownMinutes int            `json:"cooldownMinutes"`
	Cooldowns       map[string]int `json:"cooldowns,omitempty"` // per-type override, minutes
	PauseMs         int            `json:"pauseMs"`
}

// BackendConfig configures the OpenAI-compatible AI backends.
type BackendConfig struct {
	DefaultProvider string                    `json:"defaultProvider"`
	FailoverChain   []string                  `json:"failoverChain,omitempty"`
	Providers       map[string]ProviderConfig `json:"providers"`
}

type ProviderConfig struct {
	Enabled         bool   `json:"enabled"`
	APIBase         string `json:"apiBase,omitempty"`
	APIKey          string `json:"apiKey,omitempty"`
	DefaultModel    string `json:"defaultModel,omitempty"`
	RateLimitPerMin int    `json:"rateLimitPerMinute,omitempty"`
}

type SnapshotsConfig struct {
	Dir      string   `json:"dir"`
	Files    []string `json:"files"`
	MaxBytes int      `json:"maxBytes"`
}

type StoreConfig struct {
	DBPath string `json:"dbPath"`
}

// MetricsConfig configures the Prometheus text endpoint.
type MetricsConfig struct {
	Enabled  bool   `json:"enabled"`
	Endpoint string `json:"endpoint"`
}

// APIConfig configures the loopback HTTP API.
type APIConfig struct {
	Enabled       bool   `json:"enabled"`
	Host          string `json:"host"`
	Port          int    `json:"port"`
	APIKey        string `json:"apiKey,omitempty"`
	InboundSecret string `json:"inboundSecret,omitempty"`
}

// Addr returns host:port of the local API.
func (a APIConfig) Addr() string {
	return fmt.Sprintf("%s:%d", a.Host, a.Port)
}

// Seconds converts a config integer to a duration.
func Seconds(n int) time.Duration { return time.Duration(n) * time.Second }

// Millis converts a config integer to a duration.
func Millis(n int) time.Duration { return time.Duration(n) * time.Millisecond }

// DefaultConfigDir returns the default config directory (~/.relaybot).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".relaybot"
	}
	return filepath.Join(home, ".relaybot")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

func Load(path string) (*Config, error) {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("cannot resolve home directory: %w", err)
		}
		path = filepath.Join(home, path[2:])
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg.General.LogFile = ExpandPath(cfg.General.LogFile)
	cfg.Store.DBPath = ExpandPath(cfg.Store.DBPath)
	cfg.Snapshots.Dir = ExpandPath(cfg.Snapshots.Dir)
	cfg.Transports.DeviceLinked.SessionFile = ExpandPath(cfg.Transports.DeviceLinked.SessionFile)
	cfg.Conversation.CatalogFile = ExpandPath(cfg.Conversation.CatalogFile)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		name := groups[1]
		hasDefault := len(groups) >= 3 && groups[2] != ""

		val, exists := os.LookupEnv(name)
		if !exists || val == "" {
			if hasDefault {
				return groups[2]
			}
			return match
		}
		return val
	})
}

func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	// Credentials live in this file.
	return os.WriteFile(path, data, 0o600)
}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	switch cfg.General.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}
	if cfg.General.MaxConcurrentMessages < 1 || cfg.General.MaxConcurrentMessages > 100 {
		errs = append(errs, "general.maxConcurrentMessages must be between 1 and 100")
	}

	switch cfg.Transports.Preferred {
	case "device-linked", "cloud":
	default:
		errs = append(errs, "transports.preferred must be one of: device-linked, cloud")
	}
	dl := cfg.Transports.DeviceLinked
	if dl.Enabled && dl.BridgeURL == "" {
		errs = append(errs, "transports.deviceLinked.bridgeUrl is required when enabled")
	}
	if dl.PairingAttempts < 1 || dl.PairingAttempts > 20 {
		errs = append(errs, "transports.deviceLinked.pairingAttempts must be between 1 and 20")
	}
	if dl.MaxBackoffSeconds < 1 {
		errs = append(errs, "transports.deviceLinked.maxBackoffSeconds must be >= 1")
	}
	if cfg.Transports.Cloud.Enabled {
		switch cfg.Transports.Cloud.Provider {
		case "twilio", "telegram":
		default:
			errs = append(errs, "transports.cloud.provider must be one of: twilio, telegram")
		}
	}

	p := cfg.Poller
	if p.ActiveIntervalSeconds < 1 {
		errs = append(errs, "poller.activeIntervalSeconds must be >= 1")
	}
	if p.PeakIntervalSeconds < p.ActiveIntervalSeconds {
		errs = append(errs, "poller.peakIntervalSeconds must be >= poller.activeIntervalSeconds")
	}
	if p.DefaultIntervalSeconds < p.PeakIntervalSeconds {
		errs = append(errs, "poller.defaultIntervalSeconds must be >= poller.peakIntervalSeconds")
	}
	if p.ActiveWindowMinutes < 1 {
		errs = append(errs, "poller.activeWindowMinutes must be >= 1")
	}
	for _, w := range p.PeakWindows {
		if _, err := ParseWindow(w); err != nil {
			errs = append(errs, fmt.Sprintf("poller.peakWindows: %v", err))
		}
	}
	if p.SeenRetention < 1 {
		errs = append(errs, "poller.seenRetention must be >= 1")
	}
	if p.FailureLogEvery < 1 {
		errs = append(errs, "poller.failureLogEvery must be >= 1")
	}

	if cfg.Ledger.ClaimTTLSeconds < 1 {
		errs = append(errs, "ledger.claimTtlSeconds must be >= 1")
	}

	c := cfg.Conversation
	if c.HistoryWindow < 1 {
		errs = append(errs, "conversation.historyWindow must be >= 1")
	}
	if c.TypingRefreshSeconds < 1 {
		errs = append(errs, "conversation.typingRefreshSeconds must be >= 1")
	}
	if c.AITimeoutSeconds < 1 {
		errs = append(errs, "conversation.aiTimeoutSeconds must be >= 1")
	}

	if cfg.Outbound.ChunkLimit < 64 {
		errs = append(errs, "outbound.chunkLimit must be >= 64")
	}
	if cfg.Alerts.CooldownMinutes < 0 {
		errs = append(errs, "alerts.cooldownMinutes must be >= 0")
	}

	if cfg.API.Port < 0 || cfg.API.Port > 65535 {
		errs = append(errs, "api.port must be between 0 and 65535")
	}

	for _, name := range cfg.Backend.FailoverChain {
		if _, ok := cfg.Backend.Providers[name]; !ok {
			errs = append(errs, fmt.Sprintf("backend.failoverChain references unknown provider: %s", name))
		}
	}
	for name, pc := range cfg.Backend.Providers {
		if pc.Enabled && pc.APIBase == "" {
			errs = append(errs, fmt.Sprintf("backend.providers.%s: apiBase is required", name))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// Window is a daily local-time range in minutes since midnight.
type Window struct {
	Start, End int
}

// Contains reports whether t's wall clock falls inside the window.
// Windows that wrap past midnight are supported.
func (w Window) Contains(t time.Time) bool {
	m := t.Hour()*60 + t.Minute()
	if w.Start <= w.End {
		return m >= w.Start && m < w.End
	}
	return m >= w.Start || m < w.End
}

// ParseWindow parses "HH:MM-HH:MM".
func ParseWindow(s string) (Window, error) {
	from, to, ok := strings.Cut(s, "-")
	if !ok {
		return Window{}, fmt.Errorf("invalid window %q: want HH:MM-HH:MM", s)
	}
	start, err := parseClock(from)
	if err != nil {
		return Window{}, fmt.Errorf("invalid window %q: %w", s, err)
	}
	end, err := parseClock(to)
	if err != nil {
		return Window{}, fmt.Errorf("invalid window %q: %w", s, err)
	}
	return Window{Start: start, End: end}, nil
}

func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	return t.Hour()*60 + t.Minute(), nil
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}

// HasCredentials reports whether the selected cloud flavour has credentials.
func (c CloudConfig) HasCredentials() bool {
	switch c.Provider {
	case "twilio":
		return c.Twilio.AccountSID != "" && c.Twilio.AuthToken != "" && c.Twilio.FromNumber != ""
	case "telegram":
		return c.Telegram.Token != ""
	}
	return false
}

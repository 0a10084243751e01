package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			LogLevel:              "info",
			MaxConcurrentMessages: 4,
		},
		Transports: TransportsConfig{
			Preferred: "device-linked",
			DeviceLinked: DeviceLinkedConfig{
				Enabled:           false,
				BridgeURL:         "ws://127.0.0.1:3011/link",
				SessionFile:       "~/.relaybot/session.json",
				PairingAttempts:   3,
				MaxBackoffSeconds: 30,
			},
			Cloud: CloudConfig{
				Enabled:  false,
				Provider: "twilio",
				Twilio: TwilioConfig{
					APIBase: "https://api.twilio.com/2010-04-01",
				},
			},
		},
		Poller: PollerConfig{
			ActiveIntervalSeconds:  5,
			PeakIntervalSeconds:    20,
			DefaultIntervalSeconds: 60,
			ActiveWindowMinutes:    5,
			PeakWindows:            defaultPeakWindows(),
			LookbackMinutes:        3,
			SeenRetention:          500,
			FailureLogEvery:        20,
		},
		Ledger: LedgerConfig{
			ClaimTTLSeconds: 120,
		},
		Conversation: ConversationConfig{
			HistoryWindow:        20,
			AckQuietSeconds:      60,
			TypingRefreshSeconds: 5,
			StillWorkingSeconds:  30,
			AITimeoutSeconds:     120,
		},
		Outbound: OutboundConfig{
			ChunkLimit:       1500,
			PartDelayMs:      900,
			PreReplyTypingMs: 1200,
			PreReplyPauseMs:  600,
		},
		Alerts: AlertsConfig{
			CooldownMinutes: 30,
			PauseMs:         2500,
		},
		Backend: BackendConfig{
			DefaultProvider: "ollama",
			Providers: map[string]ProviderConfig{
				"ollama": {
					Enabled:      true,
					APIBase:      "http://localhost:11434/v1",
					DefaultModel: "llama3.1:8b",
				},
			},
		},
		Snapshots: SnapshotsConfig{
			Dir:      "~/.relaybot/data",
			Files:    []string{"portfolio.json", "health.json", "goals.json"},
			MaxBytes: 4096,
		},
		Store: StoreConfig{
			DBPath: "~/.relaybot/relaybot.db",
		},
		Metrics: MetricsConfig{
			Enabled:  true,
			Endpoint: "/metrics",
		},
		API: APIConfig{
			Enabled: true,
			Host:    "127.0.0.1",
			Port:    9470,
		},
	}
}

func defaultPeakWindows() []string {
	return []string{
		"07:00-09:30",
		"12:00-13:30",
		"17:30-21:00",
	}
}

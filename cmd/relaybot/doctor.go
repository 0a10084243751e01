package main

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"relaybot/internal/backend"
	"relaybot/internal/config"
	"relaybot/internal/store"
	"relaybot/internal/transport"

	"github.com/spf13/cobra"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on your relaybot installation",
		Long: `Verifies that relaybot's configuration, transports, AI backends, database
and snapshot directory are correctly set up. Reports pass/fail for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			fmt.Printf("relaybot doctor v%s\n", version)
			fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")

			var r report

			// 1. Config file exists
			if _, err := os.Stat(cfgPath); err != nil {
				r.fail("Config file", fmt.Sprintf("not found at %s", cfgPath))
				fmt.Printf("\nRun 'relaybot init' to create a default configuration.\n")
				return nil
			}
			r.pass("Config file", cfgPath)

			// 2. Config loads and validates
			cfg, err := config.Load(cfgPath)
			if err != nil {
				r.fail("Config validation", err.Error())
				fmt.Printf("\n%d passed, %d failed\n", r.passed, r.failed)
				return fmt.Errorf("config invalid")
			}
			r.pass("Config validation", "valid")

			ctx := cmd.Context()

			// 3. User address
			if cfg.General.UserAddress == "" {
				r.warn("User address", "general.userAddress is empty, alerts have nowhere to go")
			} else {
				r.pass("User address", cfg.General.UserAddress)
			}

			// 4. Database writable
			if err := checkDatabase(ctx, cfg.Store.DBPath); err != nil {
				r.fail("Database", err.Error())
			} else {
				r.pass("Database", cfg.Store.DBPath)
			}

			// 5. Transports
			dl := cfg.Transports.DeviceLinked
			cc := cfg.Transports.Cloud
			if !dl.Enabled && !cc.Enabled {
				r.fail("Transports", "none enabled")
			}
			if dl.Enabled {
				if err := checkBridge(dl.BridgeURL); err != nil {
					r.fail("Link bridge", err.Error())
				} else {
					r.pass("Link bridge", dl.BridgeURL)
				}
				if _, err := os.Stat(dl.SessionFile); err != nil {
					r.warn("Device session", "not linked yet, run 'relaybot pair --phone <number>'")
				} else {
					r.pass("Device session", dl.SessionFile)
				}
			}
			if cc.Enabled {
				if !cc.HasCredentials() {
					r.fail("Cloud: "+cc.Provider, "enabled but credentials are incomplete")
				} else if self, err := verifyCloud(ctx, cc); err != nil {
					r.fail("Cloud: "+cc.Provider, err.Error())
				} else {
					r.pass("Cloud: "+cc.Provider, "authenticated as "+self)
				}
			}

			// 6. AI backends
			enabled := 0
			for name, p := range cfg.Backend.Providers {
				if !p.Enabled {
					continue
				}
				enabled++
				if err := checkBackend(ctx, name, p); err != nil {
					r.warn("Backend: "+name, err.Error())
				} else {
					r.pass("Backend: "+name, "reachable")
				}
			}
			if enabled == 0 {
				r.fail("Backends", "no AI backend enabled, replies will be failure notices")
			}

			// 7. API port
			if cfg.API.Enabled {
				if err := checkPort(cfg.API.Addr()); err != nil {
					r.warn("API port", fmt.Sprintf("%s may be in use: %v", cfg.API.Addr(), err))
				} else {
					r.pass("API port", cfg.API.Addr()+" available")
				}
			}

			// 8. Snapshot directory
			if info, err := os.Stat(cfg.Snapshots.Dir); err != nil {
				r.warn("Snapshots", fmt.Sprintf("directory missing: %s", cfg.Snapshots.Dir))
			} else if !info.IsDir() {
				r.fail("Snapshots", fmt.Sprintf("not a directory: %s", cfg.Snapshots.Dir))
			} else {
				r.pass("Snapshots", cfg.Snapshots.Dir)
			}

			// 9. Log file writable
			if cfg.General.LogFile != "" {
				if err := os.MkdirAll(filepath.Dir(cfg.General.LogFile), 0o755); err != nil {
					r.warn("Log file", fmt.Sprintf("cannot create log directory: %v", err))
				} else {
					r.pass("Log file", cfg.General.LogFile)
				}
			}

			// Summary
			fmt.Printf("\n━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
			fmt.Printf("Results: %d passed, %d warnings, %d failed\n", r.passed, r.warned, r.failed)
			if r.failed > 0 {
				fmt.Printf("\nPlease fix the failed checks before running the gateway.\n")
				return fmt.Errorf("%d check(s) failed", r.failed)
			}
			if r.warned > 0 {
				fmt.Printf("\nrelaybot should work but consider fixing the warnings.\n")
			} else {
				fmt.Printf("\nAll checks passed! relaybot is ready to run.\n")
			}
			return nil
		},
	}
}

type report struct {
	passed, warned, failed int
}

func (r *report) pass(check, detail string) {
	r.passed++
	fmt.Printf("  [PASS] %-20s %s\n", check, detail)
}

func (r *report) fail(check, detail string) {
	r.failed++
	fmt.Printf("  [FAIL] %-20s %s\n", check, detail)
}

func (r *report) warn(check, detail string) {
	r.warned++
	fmt.Printf("  [WARN] %-20s %s\n", check, detail)
}

func checkDatabase(ctx context.Context, dbPath string) error {
	st, err := store.NewSQLiteStore(dbPath, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := st.Ping(ctx); err != nil {
		return fmt.Errorf("cannot ping: %w", err)
	}
	return nil
}

// checkBridge dials the bridge host. It does not open a session.
func checkBridge(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return fmt.Errorf("invalid bridge URL %q", raw)
	}
	host := u.Host
	if u.Port() == "" {
		port := "80"
		if u.Scheme == "wss" || u.Scheme == "https" {
			port = "443"
		}
		host = net.JoinHostPort(u.Hostname(), port)
	}
	conn, err := net.DialTimeout("tcp", host, 3*time.Second)
	if err != nil {
		return fmt.Errorf("unreachable: %w", err)
	}
	return conn.Close()
}

func verifyCloud(ctx context.Context, cc config.CloudConfig) (string, error) {
	client, err := transport.NewCloudClient(cc.Provider,
		transport.TwilioClientConfig{
			APIBase:    cc.Twilio.APIBase,
			AccountSID: cc.Twilio.AccountSID,
			AuthToken:  cc.Twilio.AuthToken,
			From:       cc.Twilio.FromNumber,
			Logger:     logger,
		},
		transport.TelegramClientConfig{
			Token:       cc.Telegram.Token,
			APIEndpoint: cc.Telegram.APIEndpoint,
			Logger:      logger,
		})
	if err != nil {
		return "", err
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return client.Verify(ctx)
}

func checkBackend(ctx context.Context, name string, p config.ProviderConfig) error {
	if p.APIKey == "" && p.APIBase == "" {
		return fmt.Errorf("enabled but no API key/base configured")
	}
	b := backend.NewOpenAI(backend.OpenAIConfig{
		Name:    name,
		APIKey:  p.APIKey,
		APIBase: p.APIBase,
		Model:   p.DefaultModel,
		Logger:  logger,
	})
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return b.Healthy(ctx)
}

func checkPort(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return ln.Close()
}

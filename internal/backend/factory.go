package backend

import (
	"fmt"
	"log/slog"

	"relaybot/internal/config"
)

// FromConfig builds the generator chain: the default backend first, then the
// failover chain, skipping disabled and duplicate entries. Backends with a
// per-minute limit are wrapped in a rate limiter.
func FromConfig(cfg config.BackendConfig, logger *slog.Logger) (*Failover, error) {
	if logger == nil {
		logger = slog.Default()
	}
	order := append([]string{cfg.DefaultProvider}, cfg.FailoverChain...)
	seen := make(map[string]bool, len(order))

	var chain []Named
	for _, name := range order {
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		pc, ok := cfg.Providers[name]
		if !ok {
			return nil, fmt.Errorf("unknown backend: %s", name)
		}
		if !pc.Enabled {
			logger.Debug("skipping disabled backend", "backend", name)
			continue
		}
		var b Named = NewOpenAI(OpenAIConfig{
			Name:    name,
			APIKey:  pc.APIKey,
			APIBase: pc.APIBase,
			Model:   pc.DefaultModel,
			Logger:  logger,
		})
		if pc.RateLimitPerMin > 0 {
			b = NewLimited(b, NewRateLimiter(max(1, pc.RateLimitPerMin/6), float64(pc.RateLimitPerMin)))
		}
		chain = append(chain, b)
	}
	if len(chain) == 0 {
		return nil, fmt.Errorf("no enabled AI backend")
	}
	return NewFailover(chain, logger), nil
}

package backend

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// Named is a generator that can identify itself in logs.
type Named interface {
	Name() string
	Generate(ctx context.Context, prompt string) (string, error)
}

// Failover tries each backend in order and returns the first reply.
type Failover struct {
	backends []Named
	logger   *slog.Logger
}

func NewFailover(backends []Named, logger *slog.Logger) *Failover {
	if logger == nil {
		logger = slog.Default()
	}
	return &Failover{backends: backends, logger: logger}
}

func (f *Failover) Name() string {
	names := make([]string, len(f.backends))
	for i, b := range f.backends {
		names[i] = b.Name()
	}
	return "failover(" + strings.Join(names, "→") + ")"
}

func (f *Failover) Generate(ctx context.Context, prompt string) (string, error) {
	if len(f.backends) == 0 {
		return "", fmt.Errorf("no AI backend configured")
	}
	var lastErr error
	for i, b := range f.backends {
		out, err := b.Generate(ctx, prompt)
		if err == nil {
			if i > 0 {
				f.logger.Info("failover: used fallback backend", "backend", b.Name(), "attempt", i+1)
			}
			return out, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		f.logger.Warn("failover: backend failed, trying next", "backend", b.Name(), "attempt", i+1, "error", err)
	}
	return "", fmt.Errorf("all backends in failover chain failed: %w", lastErr)
}

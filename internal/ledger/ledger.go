// Package ledger grants at-most-one-processor ownership of inbound messages
// across the ingestion paths (poller, device stream, realtime listener).
package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"relaybot/internal/domain"
)

const defaultTTL = 2 * time.Minute

// ClaimRecord is one held claim.
type ClaimRecord struct {
	Key       string
	Owner     domain.ClaimOwner
	ClaimedAt time.Time
}

type LedgerConfig struct {
	TTL    time.Duration
	Now    func() time.Time // injectable clock for tests
	Logger *slog.Logger
}

// Ledger is a TTL map of claim keys. First writer wins; any second claim of
// a live key fails, including one from the same owner.
type Ledger struct {
	mu     sync.Mutex
	claims map[string]ClaimRecord
	ttl    time.Duration
	now    func() time.Time
	logger *slog.Logger
}

func New(cfg LedgerConfig) *Ledger {
	if cfg.TTL <= 0 {
		cfg.TTL = defaultTTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Ledger{
		claims: make(map[string]ClaimRecord),
		ttl:    cfg.TTL,
		now:    cfg.Now,
		logger: cfg.Logger,
	}
}

// Claim takes ownership of a transport-native message id.
func (l *Ledger) Claim(id string, owner domain.ClaimOwner) bool {
	return l.claim("id:"+id, owner)
}

// ClaimByContent takes ownership of a content fingerprint (see Fingerprint).
// An empty fingerprint, as produced for media-only messages, always succeeds.
func (l *Ledger) ClaimByContent(fingerprint string, owner domain.ClaimOwner) bool {
	if fingerprint == "" {
		return true
	}
	return l.claim("body:"+fingerprint, owner)
}

func (l *Ledger) claim(key string, owner domain.ClaimOwner) bool {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if rec, ok := l.claims[key]; ok && now.Sub(rec.ClaimedAt) < l.ttl {
		l.logger.Debug("claim conflict", "key", key, "owner", owner, "held_by", rec.Owner)
		return false
	}
	l.claims[key] = ClaimRecord{Key: key, Owner: owner, ClaimedAt: now}
	return true
}

// release drops key if owner still holds it.
func (l *Ledger) release(key string, owner domain.ClaimOwner) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if rec, ok := l.claims[key]; ok && rec.Owner == owner {
		delete(l.claims, key)
	}
}

// Holder returns the live owner of key, if any.
func (l *Ledger) Holder(key string) (domain.ClaimOwner, bool) {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.claims[key]
	if !ok || now.Sub(rec.ClaimedAt) >= l.ttl {
		return "", false
	}
	return rec.Owner, true
}

// Sweep drops expired claims and returns how many were removed.
func (l *Ledger) Sweep() int {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for k, rec := range l.claims {
		if now.Sub(rec.ClaimedAt) >= l.ttl {
			delete(l.claims, k)
			removed++
		}
	}
	return removed
}

// Len returns the number of held (possibly expired) claims.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.claims)
}

// Run sweeps expired claims once per TTL until ctx is cancelled.
func (l *Ledger) Run(ctx context.Context) {
	ticker := time.NewTicker(l.ttl)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := l.Sweep(); n > 0 {
				l.logger.Debug("ledger sweep", "removed", n)
			}
		}
	}
}

var whitespacePattern = regexp.MustCompile(`\s+`)

// NormalizeBody lowercases, trims and collapses whitespace.
func NormalizeBody(text string) string {
	trimmed := strings.TrimSpace(strings.ToLower(text))
	if trimmed == "" {
		return ""
	}
	return whitespacePattern.ReplaceAllString(trimmed, " ")
}

// Fingerprint hashes the sender with the normalized body. The sender is part
// of the key so two users sending "ok" never collide.
func Fingerprint(from, body string) string {
	norm := NormalizeBody(body)
	if norm == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(normalizeAddress(from) + "\x00" + norm))
	return hex.EncodeToString(sum[:])
}

// normalizeAddress strips channel prefixes and formatting so "whatsapp:+1 555"
// and "+1555" compare equal.
func normalizeAddress(addr string) string {
	if _, rest, ok := strings.Cut(addr, ":"); ok {
		addr = rest
	}
	if i := strings.IndexByte(addr, '@'); i >= 0 {
		addr = addr[:i]
	}
	var b strings.Builder
	for _, r := range addr {
		if r >= '0' && r <= '9' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' {
			b.WriteRune(r)
		}
	}
	return strings.ToLower(b.String())
}

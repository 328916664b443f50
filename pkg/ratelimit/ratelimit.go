// Package ratelimit provides a fixed-window request limiter keyed by
// composite identity strings (client IP, normalized email, ...). Buckets live
// in process memory only: abuse mitigation, not hard security, is the goal,
// so state is not required to survive restarts.
package ratelimit

import (
	"context"
	"strings"
	"sync"
	"time"
)

// Config configures a Limiter.
type Config struct {
	// Name prefixes every bucket key so multiple limiter instances sharing
	// identity parts do not collide.
	Name string
	// Max is the number of requests allowed per window.
	Max int
	// Window is the fixed window duration.
	Window time.Duration
}

// DefaultConfig is the checkout submission default: 10 requests per 15 minutes.
func DefaultConfig(name string) Config {
	return Config{Name: name, Max: 10, Window: 15 * time.Minute}
}

// Decision is the outcome of a limiter check.
type Decision struct {
	Allowed bool
	// RetryAfter is how long until the exhausted window resets.
	// Zero when Allowed.
	RetryAfter time.Duration
}

// bucket is a fixed-window counter.
type bucket struct {
	count   int
	resetAt time.Time
}

// Limiter enforces a per-key fixed-window limit.
type Limiter struct {
	cfg Config
	now func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket
}

// New creates a Limiter with the given config.
func New(cfg Config) *Limiter {
	return &Limiter{
		cfg:     cfg,
		now:     time.Now,
		buckets: make(map[string]*bucket),
	}
}

// Check consumes one request slot for the identity described by parts.
// Parts are normalized (lowercased, trimmed) and empty parts are dropped;
// the limiter name prefixes the resulting key. A fresh or expired window
// always allows and starts a new count.
func (l *Limiter) Check(parts ...string) Decision {
	key := l.key(parts)
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok || !now.Before(b.resetAt) {
		l.buckets[key] = &bucket{count: 1, resetAt: now.Add(l.cfg.Window)}
		return Decision{Allowed: true}
	}

	if b.count < l.cfg.Max {
		b.count++
		return Decision{Allowed: true}
	}

	return Decision{Allowed: false, RetryAfter: b.resetAt.Sub(now)}
}

func (l *Limiter) key(parts []string) string {
	normalized := make([]string, 0, len(parts)+1)
	normalized = append(normalized, l.cfg.Name)
	for _, p := range parts {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == "" {
			continue
		}
		normalized = append(normalized, p)
	}
	return strings.Join(normalized, ":")
}

// cleanup removes buckets whose windows have expired.
func (l *Limiter) cleanup(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for key, b := range l.buckets {
		if !now.Before(b.resetAt) {
			delete(l.buckets, key)
		}
	}
}

// StartCleanup launches a background goroutine that periodically evicts
// expired buckets. It stops when ctx is cancelled.
func (l *Limiter) StartCleanup(ctx context.Context) {
	interval := 2 * l.cfg.Window
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				l.cleanup(now)
			}
		}
	}()
}

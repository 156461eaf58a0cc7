// Package ratelimit provides an in-memory sliding-window rate limiter for
// interactive and triggered agent invocations. Instances are
// lifecycle-scoped: construct one per process, sweep in the background, and
// let tests build isolated instances per case.
package ratelimit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	otelx "github.com/boardpilot/boardpilot/internal/otel"
)

// Config bounds one window.
type Config struct {
	MaxRequests int
	Window      time.Duration
}

// Result reports an admission decision. RetryAfterSeconds is only
// meaningful when Allowed is false.
type Result struct {
	Allowed           bool
	RetryAfterSeconds int
}

type window struct {
	mu         sync.Mutex
	timestamps []time.Time
}

// Limiter tracks request timestamps per key (e.g. "user:<id>", "org:<id>").
type Limiter struct {
	mu      sync.RWMutex
	windows map[string]*window
	logger  *slog.Logger
	metrics *otelx.Metrics
	now     func() time.Time

	sweepMu   sync.Mutex
	lastSweep time.Time
	sweepGap  time.Duration
}

// Option customizes a Limiter.
type Option func(*Limiter)

// WithClock injects a clock for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Limiter) { l.logger = logger }
}

// WithMetrics counts rejections per key.
func WithMetrics(m *otelx.Metrics) Option {
	return func(l *Limiter) { l.metrics = m }
}

// New creates a Limiter.
func New(opts ...Option) *Limiter {
	l := &Limiter{
		windows:  make(map[string]*window),
		logger:   slog.Default(),
		now:      time.Now,
		sweepGap: time.Minute,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Check admits or rejects one request for the key. On admission the current
// timestamp is recorded; on rejection RetryAfterSeconds derives from when
// the oldest in-window timestamp expires.
func (l *Limiter) Check(key string, cfg Config) Result {
	if cfg.MaxRequests <= 0 || cfg.Window <= 0 {
		return Result{Allowed: true}
	}
	now := l.now()
	w := l.getWindow(key)

	w.mu.Lock()
	defer w.mu.Unlock()

	cutoff := now.Add(-cfg.Window)
	kept := w.timestamps[:0]
	for _, ts := range w.timestamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	w.timestamps = kept

	if len(w.timestamps) >= cfg.MaxRequests {
		oldest := w.timestamps[0]
		retryAfter := oldest.Add(cfg.Window).Sub(now)
		seconds := int(retryAfter.Seconds())
		if seconds < 1 {
			seconds = 1
		}
		if l.metrics != nil {
			l.metrics.RateLimitRejects.Add(context.Background(), 1,
				metric.WithAttributes(attribute.String("key", key)))
		}
		return Result{Allowed: false, RetryAfterSeconds: seconds}
	}

	w.timestamps = append(w.timestamps, now)
	l.maybeSweep(now, cfg.Window)
	return Result{Allowed: true}
}

// CheckBoth applies the per-user and per-org limits; either rejecting
// blocks the request. The user window is consulted first so its
// retry-after wins when both are exhausted.
func (l *Limiter) CheckBoth(userKey string, userCfg Config, orgKey string, orgCfg Config) Result {
	if res := l.Check(userKey, userCfg); !res.Allowed {
		return res
	}
	return l.Check(orgKey, orgCfg)
}

func (l *Limiter) getWindow(key string) *window {
	l.mu.RLock()
	w, ok := l.windows[key]
	l.mu.RUnlock()
	if ok {
		return w
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if w, ok = l.windows[key]; ok {
		return w
	}
	w = &window{}
	l.windows[key] = w
	return w
}

// maybeSweep prunes empty keys at most once per sweepGap so the hot path
// never pays an O(keys) scan.
func (l *Limiter) maybeSweep(now time.Time, windowDur time.Duration) {
	l.sweepMu.Lock()
	if now.Sub(l.lastSweep) < l.sweepGap {
		l.sweepMu.Unlock()
		return
	}
	l.lastSweep = now
	l.sweepMu.Unlock()

	go l.Sweep(windowDur)
}

// Sweep removes keys whose windows hold no live timestamps.
func (l *Limiter) Sweep(windowDur time.Duration) {
	cutoff := l.now().Add(-windowDur)

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for key, w := range l.windows {
		w.mu.Lock()
		live := 0
		for _, ts := range w.timestamps {
			if ts.After(cutoff) {
				live++
			}
		}
		w.mu.Unlock()
		if live == 0 {
			delete(l.windows, key)
			removed++
		}
	}
	if removed > 0 {
		l.logger.Debug("rate limiter sweep", "removed", removed, "remaining", len(l.windows))
	}
}

// StartSweeper runs periodic sweeps until ctx is done.
func (l *Limiter) StartSweeper(ctx context.Context, interval, windowDur time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				l.Sweep(windowDur)
			}
		}
	}()
}

// KeyCount returns the number of tracked keys (for tests and metrics).
func (l *Limiter) KeyCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.windows)
}

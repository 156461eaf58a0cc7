package ratelimit_test

import (
	"context"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	otelx "github.com/boardpilot/boardpilot/internal/otel"
	"github.com/boardpilot/boardpilot/internal/ratelimit"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newLimiter() (*ratelimit.Limiter, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)}
	return ratelimit.New(ratelimit.WithClock(clock.Now)), clock
}

func TestCheck_AllowsUpToLimit(t *testing.T) {
	l, _ := newLimiter()
	cfg := ratelimit.Config{MaxRequests: 3, Window: time.Minute}

	for i := 0; i < 3; i++ {
		if res := l.Check("user:alice", cfg); !res.Allowed {
			t.Fatalf("request %d should be admitted", i+1)
		}
	}
	res := l.Check("user:alice", cfg)
	if res.Allowed {
		t.Fatal("fourth request in window must be rejected")
	}
	if res.RetryAfterSeconds < 1 {
		t.Fatalf("rejection must carry a positive retry-after, got %d", res.RetryAfterSeconds)
	}
}

func TestCheck_WindowSlides(t *testing.T) {
	l, clock := newLimiter()
	cfg := ratelimit.Config{MaxRequests: 2, Window: time.Minute}

	l.Check("user:alice", cfg)
	clock.Advance(30 * time.Second)
	l.Check("user:alice", cfg)

	if res := l.Check("user:alice", cfg); res.Allowed {
		t.Fatal("window full, expected rejection")
	}

	// The first timestamp ages out; one slot reopens.
	clock.Advance(31 * time.Second)
	if res := l.Check("user:alice", cfg); !res.Allowed {
		t.Fatal("expired timestamp should free a slot")
	}
	if res := l.Check("user:alice", cfg); res.Allowed {
		t.Fatal("only one slot should have reopened")
	}
}

func TestCheck_KeysAreIndependent(t *testing.T) {
	l, _ := newLimiter()
	cfg := ratelimit.Config{MaxRequests: 1, Window: time.Minute}

	if !l.Check("user:alice", cfg).Allowed {
		t.Fatal("alice first request should pass")
	}
	if !l.Check("user:bob", cfg).Allowed {
		t.Fatal("bob must not be throttled by alice's traffic")
	}
	if l.Check("user:alice", cfg).Allowed {
		t.Fatal("alice second request should be rejected")
	}
}

func TestCheck_ZeroConfigMeansUnlimited(t *testing.T) {
	l, _ := newLimiter()
	for i := 0; i < 100; i++ {
		if !l.Check("user:alice", ratelimit.Config{}).Allowed {
			t.Fatal("zero config must never reject")
		}
	}
}

func TestCheckBoth_UserWindowConsultedFirst(t *testing.T) {
	l, _ := newLimiter()
	userCfg := ratelimit.Config{MaxRequests: 1, Window: time.Minute}
	orgCfg := ratelimit.Config{MaxRequests: 10, Window: time.Minute}

	if !l.CheckBoth("user:alice", userCfg, "org:org-1", orgCfg).Allowed {
		t.Fatal("first request should pass both windows")
	}
	res := l.CheckBoth("user:alice", userCfg, "org:org-1", orgCfg)
	if res.Allowed {
		t.Fatal("exhausted user window must block")
	}
	// The org window must not have been charged for the rejected request.
	if !l.Check("org:org-1", orgCfg).Allowed {
		t.Fatal("org window should still have capacity")
	}
}

func TestCheckBoth_OrgWindowBlocks(t *testing.T) {
	l, _ := newLimiter()
	userCfg := ratelimit.Config{MaxRequests: 10, Window: time.Minute}
	orgCfg := ratelimit.Config{MaxRequests: 2, Window: time.Minute}

	l.CheckBoth("user:alice", userCfg, "org:org-1", orgCfg)
	l.CheckBoth("user:bob", userCfg, "org:org-1", orgCfg)

	if l.CheckBoth("user:carol", userCfg, "org:org-1", orgCfg).Allowed {
		t.Fatal("org-wide budget exhausted, carol must be rejected")
	}
}

func TestRetryAfter_DerivesFromOldestTimestamp(t *testing.T) {
	l, clock := newLimiter()
	cfg := ratelimit.Config{MaxRequests: 1, Window: time.Minute}

	l.Check("user:alice", cfg)
	clock.Advance(40 * time.Second)

	res := l.Check("user:alice", cfg)
	if res.Allowed {
		t.Fatal("expected rejection")
	}
	if res.RetryAfterSeconds != 20 {
		t.Fatalf("oldest stamp expires in 20s, got retry-after %d", res.RetryAfterSeconds)
	}
}

func TestCheck_RejectionsCounted(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	m, err := otelx.NewMetrics(provider.Meter("test"))
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}

	clock := &fakeClock{now: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)}
	l := ratelimit.New(ratelimit.WithClock(clock.Now), ratelimit.WithMetrics(m))
	cfg := ratelimit.Config{MaxRequests: 1, Window: time.Minute}

	l.Check("user:alice", cfg)
	l.Check("user:alice", cfg)
	l.Check("user:alice", cfg)

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	var rejected int64
	for _, scope := range rm.ScopeMetrics {
		for _, met := range scope.Metrics {
			if met.Name != "boardpilot.ratelimit.rejects" {
				continue
			}
			sum, ok := met.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("unexpected data type %T", met.Data)
			}
			for _, dp := range sum.DataPoints {
				rejected += dp.Value
			}
		}
	}
	if rejected != 2 {
		t.Fatalf("expected 2 counted rejections, got %d", rejected)
	}
}

func TestSweep_DropsIdleKeys(t *testing.T) {
	l, clock := newLimiter()
	cfg := ratelimit.Config{MaxRequests: 5, Window: time.Minute}

	l.Check("user:alice", cfg)
	l.Check("user:bob", cfg)
	if got := l.KeyCount(); got != 2 {
		t.Fatalf("expected 2 tracked keys, got %d", got)
	}

	clock.Advance(2 * time.Minute)
	l.Check("user:alice", cfg) // keeps alice live

	l.Sweep(time.Minute)
	if got := l.KeyCount(); got != 1 {
		t.Fatalf("sweep should drop idle keys, got %d remaining", got)
	}
}

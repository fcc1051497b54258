package ratelimit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/sirupsen/logrus"

	"dropmesh/internal/apperrors"
	"dropmesh/internal/config"
	"dropmesh/internal/metrics"
)

func testLimiter(t *testing.T, redisAddr string) *Limiter {
	t.Helper()
	var cfg config.Config
	cfg.RateLimit.SubWindows = 4
	cfg.RateLimit.RedisAddr = redisAddr
	cfg.RateLimit.Tiers = map[string]config.TierLimit{
		"upload": {AnonymousPerWindow: 2, AuthenticatedPerWindow: 5, IPCeilingPerWindow: 10, Window: time.Second},
		"api":    {AnonymousPerWindow: 3, AuthenticatedPerWindow: 20, IPCeilingPerWindow: 50, Window: time.Second},
	}
	log := logrus.New()
	log.SetOutput(testWriter{t})
	l := New(cfg, log, metrics.New())
	t.Cleanup(func() { _ = l.Close() })
	return l
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestAllowLocalRejectsAfterBurst(t *testing.T) {
	l := testLimiter(t, "")
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := l.Allow(ctx, BucketUpload, TierAnonymous, "user-1"); err != nil {
			t.Fatalf("expected allow %d, got %v", i, err)
		}
	}
	err := l.Allow(ctx, BucketUpload, TierAnonymous, "user-1")
	if apperrors.CodeOf(err) != apperrors.CodeRateLimited {
		t.Fatalf("expected rate_limited, got %v", err)
	}
}

func TestAllowLocalIsPerIdentity(t *testing.T) {
	l := testLimiter(t, "")
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := l.Allow(ctx, BucketUpload, TierAnonymous, "user-a"); err != nil {
			t.Fatalf("user-a allow %d: %v", i, err)
		}
	}
	if err := l.Allow(ctx, BucketUpload, TierAnonymous, "user-b"); err != nil {
		t.Fatalf("expected user-b to have its own bucket: %v", err)
	}
}

func TestUnconfiguredBucketIsUnthrottled(t *testing.T) {
	l := testLimiter(t, "")
	ctx := context.Background()
	for i := 0; i < 50; i++ {
		if err := l.Allow(ctx, BucketAuth, TierAnonymous, "x"); err != nil {
			t.Fatalf("expected unconfigured bucket to pass through, got %v", err)
		}
	}
}

func TestAllowSharedAcrossLimiterInstances(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run: %v", err)
	}
	defer mr.Close()

	l1 := testLimiter(t, mr.Addr())
	l2 := testLimiter(t, mr.Addr())
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := l1.Allow(ctx, BucketUpload, TierAnonymous, "shared-user"); err != nil {
			t.Fatalf("l1 allow %d: %v", i, err)
		}
	}
	// A second limiter instance (simulating a second replica) sees the same
	// Redis-backed ceiling and rejects immediately.
	if err := l2.Allow(ctx, BucketUpload, TierAnonymous, "shared-user"); apperrors.CodeOf(err) != apperrors.CodeRateLimited {
		t.Fatalf("expected rate_limited from shared state, got %v", err)
	}
}

func TestMiddlewareRejectsOverIPCeiling(t *testing.T) {
	l := testLimiter(t, "")
	handler := l.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	// The api bucket's ip_ceiling is 50 per window in testLimiter.
	for i := 0; i < 50; i++ {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "203.0.113.5:4000"
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		if rr.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, rr.Code)
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "203.0.113.5:4000"
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 after burst, got %d", rr.Code)
	}
}

// TestAllowBucketEnforcesIPCeilingEvenWithRoomyAuthenticatedTier composes
// both checks AllowBucket performs: the authenticated tier alone would
// admit every call here, so only the ip_ceiling check can be responsible
// for the rejection.
func TestAllowBucketEnforcesIPCeilingEvenWithRoomyAuthenticatedTier(t *testing.T) {
	var cfg config.Config
	cfg.RateLimit.Tiers = map[string]config.TierLimit{
		"upload": {AnonymousPerWindow: 1000, AuthenticatedPerWindow: 1000, IPCeilingPerWindow: 1, Window: time.Second},
	}
	log := logrus.New()
	log.SetOutput(testWriter{t})
	l := New(cfg, log, metrics.New())
	t.Cleanup(func() { _ = l.Close() })
	ctx := context.Background()

	if err := l.AllowBucket(ctx, BucketUpload, TierAuthenticated, "user-1", "ip-1"); err != nil {
		t.Fatalf("first call expected to pass, got %v", err)
	}
	err := l.AllowBucket(ctx, BucketUpload, TierAuthenticated, "user-2", "ip-1")
	if apperrors.CodeOf(err) != apperrors.CodeRateLimited {
		t.Fatalf("expected rate_limited from exhausted ip_ceiling despite a different user, got %v", err)
	}
}

// TestAllowBucketEnforcesSubjectTierEvenWithRoomyIPCeiling is the mirror
// case: the ip_ceiling alone would admit every call here, so only the
// subject tier can be responsible for the rejection.
func TestAllowBucketEnforcesSubjectTierEvenWithRoomyIPCeiling(t *testing.T) {
	var cfg config.Config
	cfg.RateLimit.Tiers = map[string]config.TierLimit{
		"upload": {AnonymousPerWindow: 1000, AuthenticatedPerWindow: 1, IPCeilingPerWindow: 1000, Window: time.Second},
	}
	log := logrus.New()
	log.SetOutput(testWriter{t})
	l := New(cfg, log, metrics.New())
	t.Cleanup(func() { _ = l.Close() })
	ctx := context.Background()

	if err := l.AllowBucket(ctx, BucketUpload, TierAuthenticated, "user-1", "ip-1"); err != nil {
		t.Fatalf("first call expected to pass, got %v", err)
	}
	err := l.AllowBucket(ctx, BucketUpload, TierAuthenticated, "user-1", "ip-2")
	if apperrors.CodeOf(err) != apperrors.CodeRateLimited {
		t.Fatalf("expected rate_limited from exhausted authenticated tier despite a different ip, got %v", err)
	}
}

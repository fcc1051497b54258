// Package ratelimit implements the admission controller's tiered request
// throttling (SPEC_FULL.md §4.5): one bucket per operation class (upload,
// download, api, auth), each split into anonymous/authenticated/ip_ceiling
// tiers. The local tier is a per-key token bucket from golang.org/x/time/rate,
// the same primitive a package-level rate.NewLimiter HTTP front door uses
// (core/virtual_machine.go's package-level rate.NewLimiter). A Redis-backed
// shared tier is layered on top so the ceiling holds across replicas,
// grounded on the retrieved storj.io/storj/private/web rate limiter test
// (NewIPRateLimiter/Limit(http.Handler)/Burst()/NumLimits shape).
package ratelimit

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"dropmesh/internal/apperrors"
	"dropmesh/internal/config"
	"dropmesh/internal/metrics"
)

// Bucket names the operation class being throttled.
type Bucket string

const (
	BucketUpload   Bucket = "upload"
	BucketDownload Bucket = "download"
	BucketAPI      Bucket = "api"
	BucketAuth     Bucket = "auth"
)

// Tier names which of a TierLimit's three ceilings applies to a request.
type Tier string

const (
	TierAnonymous     Tier = "anonymous"
	TierAuthenticated Tier = "authenticated"
	TierIPCeiling     Tier = "ip_ceiling"
)

// Limiter is the admission controller's entry point: one Allow call per
// inbound request, keyed by bucket + identity.
type Limiter struct {
	log     *logrus.Logger
	tiers   map[Bucket]config.TierLimit
	metrics *metrics.Metrics

	mu    sync.Mutex
	local map[string]*rate.Limiter

	redis      *redis.Client
	subWindows int
}

// New wires a Limiter from the RateLimit section of Config. If RedisAddr is
// empty, or the Redis ping fails, the shared tier is skipped and every
// bucket falls back to the local-only limiter (logged once as a warning).
// m may be nil, in which case Allow/AllowBucket skip instrumentation.
func New(cfg config.Config, log *logrus.Logger, m *metrics.Metrics) *Limiter {
	if log == nil {
		log = logrus.New()
	}
	l := &Limiter{
		log:        log,
		tiers:      toBucketMap(cfg.RateLimit.Tiers),
		metrics:    m,
		local:      make(map[string]*rate.Limiter),
		subWindows: cfg.RateLimit.SubWindows,
	}
	if cfg.RateLimit.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RateLimit.RedisAddr})
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			log.WithError(err).Warn("ratelimit: redis unavailable, falling back to local-only limiting")
		} else {
			l.redis = client
		}
	}
	return l
}

func toBucketMap(m map[string]config.TierLimit) map[Bucket]config.TierLimit {
	out := make(map[Bucket]config.TierLimit, len(m))
	for k, v := range m {
		out[Bucket(k)] = v
	}
	return out
}

// Allow reports whether a request in bucket, for the given identity and
// tier, may proceed. identity is a user ID for TierAuthenticated, or an IP
// (already hashed/normalized by the caller) for the other tiers.
func (l *Limiter) Allow(ctx context.Context, bucket Bucket, tier Tier, identity string) error {
	limit, ok := l.tiers[bucket]
	if !ok {
		return nil // unconfigured buckets are unthrottled
	}
	perWindow, window := limitFor(limit, tier)
	if perWindow <= 0 {
		return nil
	}

	var allowed bool
	if l.redis != nil {
		ok, err := l.allowShared(ctx, bucket, tier, identity, perWindow, window)
		if err != nil {
			l.log.WithError(err).Warn("ratelimit: redis check failed, falling back to local limiter")
			allowed = l.allowLocal(bucket, tier, identity, perWindow, window)
		} else {
			allowed = ok
		}
	} else {
		allowed = l.allowLocal(bucket, tier, identity, perWindow, window)
	}

	l.record(bucket, tier, allowed)
	if !allowed {
		return apperrors.New(apperrors.CodeRateLimited, "rate limit exceeded")
	}
	return nil
}

// AllowBucket enforces both the caller's subject tier (anonymous or
// authenticated) and the per-IP ceiling for bucket, rejecting if either is
// exceeded. SPEC_FULL.md §4.5 requires the IP ceiling to always apply, even
// to authenticated callers, and the lower of the two applicable limits to
// win — a single Allow call with one Tier can't express that, since the
// subject tier and ip_ceiling tier have independent windows/identities.
func (l *Limiter) AllowBucket(ctx context.Context, bucket Bucket, tier Tier, identity, ip string) error {
	if err := l.Allow(ctx, bucket, tier, identity); err != nil {
		return err
	}
	return l.Allow(ctx, bucket, TierIPCeiling, ip)
}

func (l *Limiter) record(bucket Bucket, tier Tier, allowed bool) {
	if l.metrics == nil {
		return
	}
	if allowed {
		l.metrics.AdmissionAllowed.WithLabelValues(string(bucket), string(tier)).Inc()
	} else {
		l.metrics.AdmissionDenied.WithLabelValues(string(bucket), string(tier)).Inc()
	}
}

func limitFor(t config.TierLimit, tier Tier) (int, time.Duration) {
	switch tier {
	case TierAnonymous:
		return t.AnonymousPerWindow, t.Window
	case TierAuthenticated:
		return t.AuthenticatedPerWindow, t.Window
	case TierIPCeiling:
		return t.IPCeilingPerWindow, t.Window
	default:
		return 0, 0
	}
}

// allowLocal enforces the limit with an in-process token bucket: capacity
// perWindow, refilled continuously over window (SPEC_FULL.md §4.5's
// sliding-window property approximated by a continuous-refill token bucket,
// the same shape as golang.org/x/time/rate's own semantics).
func (l *Limiter) allowLocal(bucket Bucket, tier Tier, identity string, perWindow int, window time.Duration) bool {
	key := string(bucket) + "|" + string(tier) + "|" + identity
	perSecond := rate.Limit(float64(perWindow) / window.Seconds())

	l.mu.Lock()
	lim, ok := l.local[key]
	if !ok {
		lim = rate.NewLimiter(perSecond, perWindow)
		l.local[key] = lim
	}
	l.mu.Unlock()

	return lim.Allow()
}

// allowShared enforces the limit across replicas using Redis INCR with a
// per-sub-window key and expiry, approximating a sliding window by summing
// SubWindows buckets (SPEC_FULL.md §4.5).
func (l *Limiter) allowShared(ctx context.Context, bucket Bucket, tier Tier, identity string, perWindow int, window time.Duration) (bool, error) {
	sub := l.subWindows
	if sub <= 0 {
		sub = 10
	}
	subDur := window / time.Duration(sub)
	if subDur <= 0 {
		subDur = time.Second
	}
	slot := time.Now().UnixNano() / int64(subDur)

	key := "ratelimit:" + string(bucket) + ":" + string(tier) + ":" + identity + ":" + time.Unix(0, slot*int64(subDur)).Format("150405.000")

	pipe := l.redis.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, window)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, err
	}

	count, err := l.sumWindow(ctx, bucket, tier, identity, subDur, sub)
	if err != nil {
		return false, err
	}
	_ = incr
	return count <= int64(perWindow), nil
}

func (l *Limiter) sumWindow(ctx context.Context, bucket Bucket, tier Tier, identity string, subDur time.Duration, subWindows int) (int64, error) {
	now := time.Now()
	var total int64
	for i := 0; i < subWindows; i++ {
		ts := now.Add(-time.Duration(i) * subDur)
		key := "ratelimit:" + string(bucket) + ":" + string(tier) + ":" + identity + ":" + ts.Truncate(subDur).Format("150405.000")
		v, err := l.redis.Get(ctx, key).Int64()
		if err != nil && err != redis.Nil {
			return 0, err
		}
		total += v
	}
	return total, nil
}

// Middleware wraps an http.Handler with API-bucket IP-ceiling throttling,
// matching the shape of storj's web.RateLimiter.Limit(http.Handler).
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if err := l.Allow(r.Context(), BucketAPI, TierIPCeiling, ip); err != nil {
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Close releases the Redis client, if one was created.
func (l *Limiter) Close() error {
	if l.redis != nil {
		return l.redis.Close()
	}
	return nil
}

package rest

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/luciancaetano/shardgate/internal/metrics"
)

// Rate limit response headers.
const (
	HeaderLimit      = "X-RateLimit-Limit"
	HeaderRemaining  = "X-RateLimit-Remaining"
	HeaderReset      = "X-RateLimit-Reset"
	HeaderResetAfter = "X-RateLimit-Reset-After"
	HeaderBucket     = "X-RateLimit-Bucket"
	HeaderGlobal     = "X-RateLimit-Global"
	HeaderRetryAfter = "Retry-After"
)

const (
	keyGlobal  = "global"
	keyInvalid = "invalid"
)

// Bucket is the last rate limit state reported for a bucket id.
type Bucket struct {
	ID         string
	Limit      int
	Remaining  int
	Reset      time.Time
	ResetAfter time.Duration
	UpdatedAt  time.Time
}

// Limiter coordinates the REST rate limits shared by every caller of a client:
// per-bucket cooldowns, the global cooldown and the invalid request budget.
//
// A cooldown is a deadline under a key. The first caller to observe it arms
// the deadline; every caller waiting on the key shares one sleeper through a
// singleflight group, so concurrent callers never start redundant timers.
type Limiter struct {
	log     *zap.Logger
	metrics metrics.Recorder
	group   singleflight.Group

	mu               sync.Mutex
	buckets          map[string]*Bucket
	routes           map[string]string // route key -> bucket id
	until            map[string]time.Time
	invalidLimit     int
	invalidWindow    time.Duration
	invalidRemaining int
	invalidReset     time.Time
}

// NewLimiter creates a limiter with an invalid request budget of
// invalidLimit responses per invalidWindow.
func NewLimiter(invalidLimit int, invalidWindow time.Duration, log *zap.Logger, rec metrics.Recorder) *Limiter {
	if log == nil {
		log = zap.NewNop()
	}
	if rec == nil {
		rec = metrics.Nop{}
	}
	return &Limiter{
		log:              log,
		metrics:          rec,
		buckets:          make(map[string]*Bucket),
		routes:           make(map[string]string),
		until:            make(map[string]time.Time),
		invalidLimit:     invalidLimit,
		invalidWindow:    invalidWindow,
		invalidRemaining: invalidLimit,
	}
}

// Bucket returns a copy of the bucket state for id.
func (l *Limiter) Bucket(id string) (Bucket, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[id]
	if !ok {
		return Bucket{}, false
	}
	return *b, true
}

// InvalidRemaining returns the invalid request budget left in the current window.
func (l *Limiter) InvalidRemaining() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.invalidRemaining
}

// arm sets a cooldown of d under key unless one is already running, then waits for it.
func (l *Limiter) arm(ctx context.Context, key, scope string, d time.Duration) error {
	if d <= 0 {
		return nil
	}

	now := time.Now()
	l.mu.Lock()
	if cur, ok := l.until[key]; !ok || !now.Before(cur) {
		l.until[key] = now.Add(d)
		l.mu.Unlock()

		l.log.Info("rate limited, waiting",
			zap.String("key", key),
			zap.Duration("wait", d))
		l.metrics.Cooldown(scope, d)
	} else {
		l.mu.Unlock()
	}

	return l.join(ctx, key)
}

// join waits for the cooldown under key if one is running.
func (l *Limiter) join(ctx context.Context, key string) error {
	for {
		l.mu.Lock()
		until, ok := l.until[key]
		l.mu.Unlock()
		if !ok || !time.Now().Before(until) {
			return nil
		}

		ch := l.group.DoChan(key, func() (any, error) {
			l.mu.Lock()
			deadline := l.until[key]
			l.mu.Unlock()

			t := time.NewTimer(time.Until(deadline))
			<-t.C
			return nil, nil
		})

		select {
		case <-ch:
			// a sleeper armed for an older deadline may finish first; check again
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// WaitGlobal waits for a running global cooldown.
func (l *Limiter) WaitGlobal(ctx context.Context) error {
	return l.join(ctx, keyGlobal)
}

// WaitRoute waits for a running cooldown of the bucket last seen on route.
func (l *Limiter) WaitRoute(ctx context.Context, route string) error {
	l.mu.Lock()
	id, ok := l.routes[route]
	l.mu.Unlock()
	if !ok {
		return nil
	}
	return l.join(ctx, bucketKey(id))
}

// CountInvalid charges an invalid response against the budget. The window is
// reset first when it has elapsed. When the budget is spent, the caller waits
// for the window to end, the current call included.
func (l *Limiter) CountInvalid(ctx context.Context, status int) error {
	now := time.Now()

	l.mu.Lock()
	if !now.Before(l.invalidReset) {
		l.invalidRemaining = l.invalidLimit
		l.invalidReset = now.Add(l.invalidWindow)
	}
	if isInvalid(status) {
		l.invalidRemaining--
	}
	exhausted := l.invalidRemaining <= 0
	wait := l.invalidReset.Sub(now)
	l.mu.Unlock()

	if !exhausted {
		return nil
	}
	return l.arm(ctx, keyInvalid, "invalid", wait)
}

func isInvalid(status int) bool {
	return status == http.StatusUnauthorized ||
		status == http.StatusForbidden ||
		status == http.StatusTooManyRequests
}

// Update stores the rate limit headers of a response received on route.
// The bucket entry is overwritten with the latest values.
func (l *Limiter) Update(route string, h http.Header) *Bucket {
	id := h.Get(HeaderBucket)
	if id == "" {
		return nil
	}

	b := &Bucket{
		ID:         id,
		Limit:      atoi(h.Get(HeaderLimit)),
		Remaining:  atoi(h.Get(HeaderRemaining)),
		ResetAfter: seconds(h.Get(HeaderResetAfter)),
		UpdatedAt:  time.Now(),
	}
	if reset := h.Get(HeaderReset); reset != "" {
		if f, err := strconv.ParseFloat(reset, 64); err == nil {
			b.Reset = time.UnixMilli(int64(f * 1000))
		}
	}

	l.mu.Lock()
	l.buckets[id] = b
	l.routes[route] = id
	l.mu.Unlock()

	out := *b
	return &out
}

// Settle applies the cooldown a response asks for: the global one if the
// response is flagged global, otherwise the bucket one when it is exhausted.
func (l *Limiter) Settle(ctx context.Context, h http.Header, b *Bucket) error {
	if strings.EqualFold(h.Get(HeaderGlobal), "true") {
		wait := seconds(h.Get(HeaderResetAfter))
		if wait <= 0 {
			wait = seconds(h.Get(HeaderRetryAfter))
		}
		return l.arm(ctx, keyGlobal, "global", wait)
	}

	if b != nil && b.Remaining == 0 {
		return l.arm(ctx, bucketKey(b.ID), "bucket", b.ResetAfter)
	}
	return nil
}

func bucketKey(id string) string {
	return "bucket:" + id
}

func atoi(s string) int {
	n, _ := strconv.Atoi(strings.TrimSpace(s))
	return n
}

// seconds parses a header holding fractional seconds.
func seconds(s string) time.Duration {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || f <= 0 {
		return 0
	}
	return time.Duration(f * float64(time.Second))
}

package rest

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// StatsEvent describes one completed REST call.
type StatsEvent struct {
	Method string
	Route  string
	Bucket string
	Status int
	// Wait is the time the call spent on rate limit cooldowns.
	Wait time.Duration
	At   time.Time
}

// StatsStore persists request statistics. Recording is best effort: errors are
// logged by the client and never fail a request.
type StatsStore interface {
	Record(ctx context.Context, ev StatsEvent) error
}

// Counters aggregates a set of calls.
type Counters struct {
	Requests int64
	Limited  int64 // 429 responses
	Invalid  int64 // 401, 403 and 429 responses
	Wait     time.Duration
}

func (c *Counters) add(ev StatsEvent) {
	c.Requests++
	if ev.Status == 429 {
		c.Limited++
	}
	if isInvalid(ev.Status) {
		c.Invalid++
	}
	c.Wait += ev.Wait
}

// MemoryStatsStore keeps counters in memory. It never expires anything.
type MemoryStatsStore struct {
	mu       sync.Mutex
	total    Counters
	byRoute  map[string]Counters
	byBucket map[string]Counters
}

func NewMemoryStatsStore() *MemoryStatsStore {
	return &MemoryStatsStore{
		byRoute:  make(map[string]Counters),
		byBucket: make(map[string]Counters),
	}
}

func (s *MemoryStatsStore) Record(_ context.Context, ev StatsEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.total.add(ev)

	c := s.byRoute[ev.Route]
	c.add(ev)
	s.byRoute[ev.Route] = c

	if ev.Bucket != "" {
		b := s.byBucket[ev.Bucket]
		b.add(ev)
		s.byBucket[ev.Bucket] = b
	}
	return nil
}

func (s *MemoryStatsStore) Total() Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}

func (s *MemoryStatsStore) Route(route string) Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.byRoute[route]
}

func (s *MemoryStatsStore) Bucket(id string) Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.byBucket[id]
}

// RedisStatsStore keeps counters in Redis hashes:
//
//	<prefix>:total                 requests, status:<code>, wait_ms
//	<prefix>:minute:<yyyymmddhhmm> same fields, expiring after ttl
//	<prefix>:route                 "<route>:requests", "<route>:wait_ms"
//	<prefix>:bucket:<id>           requests, wait_ms, expiring after ttl
type RedisStatsStore struct {
	rdb    *redis.Client
	prefix string
	// ttl applies to the per-minute and per-bucket keys only
	ttl    time.Duration
	minute bool
}

type RedisStatsOption func(*RedisStatsStore)

func WithStatsPrefix(prefix string) RedisStatsOption {
	return func(s *RedisStatsStore) { s.prefix = strings.Trim(prefix, ":") }
}

func WithStatsTTL(d time.Duration) RedisStatsOption {
	return func(s *RedisStatsStore) { s.ttl = d }
}

// WithStatsMinuteSeries toggles the per-minute series.
func WithStatsMinuteSeries(on bool) RedisStatsOption {
	return func(s *RedisStatsStore) { s.minute = on }
}

func NewRedisStatsStore(rdb *redis.Client, opts ...RedisStatsOption) *RedisStatsStore {
	s := &RedisStatsStore{
		rdb:    rdb,
		prefix: "shardgate:rest",
		ttl:    24 * time.Hour,
		minute: true,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStatsStore) Record(ctx context.Context, ev StatsEvent) error {
	if s == nil || s.rdb == nil {
		return nil
	}

	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	status := "status:" + strconv.Itoa(ev.Status)
	waitMS := ev.Wait.Milliseconds()

	pipe := s.rdb.Pipeline()

	totalKey := s.prefix + ":total"
	pipe.HIncrBy(ctx, totalKey, "requests", 1)
	pipe.HIncrBy(ctx, totalKey, status, 1)
	pipe.HIncrBy(ctx, totalKey, "wait_ms", waitMS)

	if s.minute {
		minuteKey := fmt.Sprintf("%s:minute:%s", s.prefix, at.UTC().Format("200601021504"))
		pipe.HIncrBy(ctx, minuteKey, "requests", 1)
		pipe.HIncrBy(ctx, minuteKey, status, 1)
		pipe.HIncrBy(ctx, minuteKey, "wait_ms", waitMS)
		if s.ttl > 0 {
			pipe.Expire(ctx, minuteKey, s.ttl)
		}
	}

	if ev.Route != "" {
		routeKey := s.prefix + ":route"
		pipe.HIncrBy(ctx, routeKey, ev.Route+":requests", 1)
		pipe.HIncrBy(ctx, routeKey, ev.Route+":wait_ms", waitMS)
	}

	if ev.Bucket != "" {
		bucketKey := s.prefix + ":bucket:" + ev.Bucket
		pipe.HIncrBy(ctx, bucketKey, "requests", 1)
		pipe.HIncrBy(ctx, bucketKey, "wait_ms", waitMS)
		if s.ttl > 0 {
			pipe.Expire(ctx, bucketKey, s.ttl)
		}
	}

	_, err := pipe.Exec(ctx)
	return err
}

package queue

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kradagames/orbiter/orchestrator/observability"
)

// RedisIndex keeps the schedule in a Redis sorted set: member = planet id,
// score = seconds since epoch as a double. ZADD/ZREM are O(log N) and
// ZRANGEBYSCORE is O(log N + k), which is what lets the tick loop poll a
// large fleet cheaply.
type RedisIndex struct {
	client  *redis.Client
	timeout time.Duration
}

// NewRedisIndex connects to the index backend. Connection failure is not
// fatal to the caller: the returned index degrades to empty results until
// the backend comes back, and the durable store stays authoritative.
func NewRedisIndex(host string, port, db int, timeout time.Duration) *RedisIndex {
	client := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%d", host, port),
		DB:           db,
		DialTimeout:  timeout,
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		log.Printf("[Queue] Redis at %s:%d unreachable (%v), running degraded; DB remains source of truth", host, port, err)
	}
	return &RedisIndex{client: client, timeout: timeout}
}

// Close releases the client.
func (r *RedisIndex) Close() error {
	return r.client.Close()
}

func (r *RedisIndex) withDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, r.timeout)
}

func score(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

func (r *RedisIndex) Upsert(ctx context.Context, planetID string, dueAt time.Time) bool {
	ctx, cancel := r.withDeadline(ctx)
	defer cancel()

	start := time.Now()
	defer func() { observability.IndexLatency.Observe(time.Since(start).Seconds()) }()

	err := r.client.ZAdd(ctx, Key, redis.Z{Score: score(dueAt), Member: planetID}).Err()
	if err != nil {
		log.Printf("[Queue] Upsert %s failed: %v", planetID, err)
		return false
	}
	return true
}

func (r *RedisIndex) Due(ctx context.Context, now time.Time, limit int) []string {
	ctx, cancel := r.withDeadline(ctx)
	defer cancel()

	start := time.Now()
	defer func() { observability.IndexLatency.Observe(time.Since(start).Seconds()) }()

	ids, err := r.client.ZRangeByScore(ctx, Key, &redis.ZRangeBy{
		Min:   "0",
		Max:   strconv.FormatFloat(score(now), 'f', -1, 64),
		Count: int64(limit),
	}).Result()
	if err != nil {
		log.Printf("[Queue] Due query failed: %v", err)
		return nil
	}
	return ids
}

func (r *RedisIndex) Remove(ctx context.Context, planetID string) bool {
	ctx, cancel := r.withDeadline(ctx)
	defer cancel()

	// ZREM of an absent member is not an error.
	if err := r.client.ZRem(ctx, Key, planetID).Err(); err != nil {
		log.Printf("[Queue] Remove %s failed: %v", planetID, err)
		return false
	}
	return true
}

func (r *RedisIndex) Size(ctx context.Context) int64 {
	ctx, cancel := r.withDeadline(ctx)
	defer cancel()

	n, err := r.client.ZCard(ctx, Key).Result()
	if err != nil {
		return 0
	}
	return n
}

func (r *RedisIndex) PeekNextTime(ctx context.Context) (time.Time, bool) {
	ctx, cancel := r.withDeadline(ctx)
	defer cancel()

	res, err := r.client.ZRangeWithScores(ctx, Key, 0, 0).Result()
	if err != nil || len(res) == 0 {
		return time.Time{}, false
	}
	return timeFromScore(res[0].Score), true
}

func (r *RedisIndex) All(ctx context.Context) []Entry {
	ctx, cancel := r.withDeadline(ctx)
	defer cancel()

	res, err := r.client.ZRangeWithScores(ctx, Key, 0, -1).Result()
	if err != nil {
		return nil
	}
	out := make([]Entry, 0, len(res))
	for _, z := range res {
		id, ok := z.Member.(string)
		if !ok {
			continue
		}
		out = append(out, Entry{PlanetID: id, DueAt: timeFromScore(z.Score)})
	}
	return out
}

func timeFromScore(s float64) time.Time {
	return time.Unix(0, int64(s*float64(time.Second))).UTC()
}

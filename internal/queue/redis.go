package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

// metadataTTL bounds how long orphaned metadata hashes linger after a
// worker crashes between dequeue and completion.
const metadataTTL = 24 * time.Hour

// RedisQueue is a distributed Queue over a Redis sorted set. Safe for use
// from multiple processes: ZPOPMAX makes dequeue atomic across workers.
type RedisQueue struct {
	rdb    *redis.Client
	key    string
	logger *slog.Logger
}

// NewRedisQueue creates a queue named name backed by rdb.
func NewRedisQueue(rdb *redis.Client, name string, logger *slog.Logger) *RedisQueue {
	return &RedisQueue{
		rdb:    rdb,
		key:    "priority_queue:" + name,
		logger: logger,
	}
}

func (q *RedisQueue) metadataKey(jobID string) string {
	return fmt.Sprintf("%s:metadata:%s", q.key, jobID)
}

func (q *RedisQueue) Enqueue(ctx context.Context, job Job) error {
	if !job.Tier.Valid() {
		return ErrUnknownTier
	}

	score := Score(job.Tier, time.Now())
	if err := q.rdb.ZAdd(ctx, q.key, &redis.Z{Score: score, Member: job.ID}).Err(); err != nil {
		return fmt.Errorf("enqueue %s: %w", job.ID, err)
	}

	if len(job.Metadata) > 0 {
		key := q.metadataKey(job.ID)
		fields := make(map[string]interface{}, len(job.Metadata))
		for k, v := range job.Metadata {
			fields[k] = v
		}
		if err := q.rdb.HSet(ctx, key, fields).Err(); err != nil {
			return fmt.Errorf("store metadata for %s: %w", job.ID, err)
		}
		if err := q.rdb.Expire(ctx, key, metadataTTL).Err(); err != nil {
			return fmt.Errorf("expire metadata for %s: %w", job.ID, err)
		}
	}

	q.logger.Debug("job enqueued", "job_id", job.ID, "tier", job.Tier)
	return nil
}

func (q *RedisQueue) Dequeue(ctx context.Context) (string, bool, error) {
	popped, err := q.rdb.ZPopMax(ctx, q.key, 1).Result()
	if err != nil {
		return "", false, fmt.Errorf("dequeue: %w", err)
	}
	if len(popped) == 0 {
		return "", false, nil
	}
	jobID, ok := popped[0].Member.(string)
	if !ok {
		return "", false, fmt.Errorf("dequeue: unexpected member type %T", popped[0].Member)
	}
	return jobID, true, nil
}

func (q *RedisQueue) Peek(ctx context.Context, n int) ([]string, error) {
	ids, err := q.rdb.ZRevRange(ctx, q.key, 0, int64(n-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("peek: %w", err)
	}
	return ids, nil
}

func (q *RedisQueue) Remove(ctx context.Context, jobID string) (bool, error) {
	removed, err := q.rdb.ZRem(ctx, q.key, jobID).Result()
	if err != nil {
		return false, fmt.Errorf("remove %s: %w", jobID, err)
	}
	if err := q.rdb.Del(ctx, q.metadataKey(jobID)).Err(); err != nil {
		return removed > 0, fmt.Errorf("delete metadata for %s: %w", jobID, err)
	}
	return removed > 0, nil
}

func (q *RedisQueue) Position(ctx context.Context, jobID string) (int64, bool, error) {
	rank, err := q.rdb.ZRevRank(ctx, q.key, jobID).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("position of %s: %w", jobID, err)
	}
	return rank, true, nil
}

func (q *RedisQueue) Metadata(ctx context.Context, jobID string) (map[string]string, error) {
	fields, err := q.rdb.HGetAll(ctx, q.metadataKey(jobID)).Result()
	if err != nil {
		return nil, fmt.Errorf("metadata of %s: %w", jobID, err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	return fields, nil
}

func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	n, err := q.rdb.ZCard(ctx, q.key).Result()
	if err != nil {
		return 0, fmt.Errorf("queue length: %w", err)
	}
	return n, nil
}

func (q *RedisQueue) LenByTier(ctx context.Context) (map[Tier]int64, error) {
	counts := make(map[Tier]int64, len(Tiers))
	for _, t := range Tiers {
		min, max := tierBounds(t)
		n, err := q.rdb.ZCount(ctx, q.key,
			strconv.FormatFloat(min, 'f', -1, 64),
			strconv.FormatFloat(max, 'f', -1, 64),
		).Result()
		if err != nil {
			return nil, fmt.Errorf("count tier %s: %w", t, err)
		}
		counts[t] = n
	}
	return counts, nil
}

func (q *RedisQueue) Clear(ctx context.Context) error {
	if err := q.rdb.Del(ctx, q.key).Err(); err != nil {
		return fmt.Errorf("clear queue: %w", err)
	}
	q.logger.Warn("queue cleared", "queue", q.key)
	return nil
}

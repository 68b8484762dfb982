package queue

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	apperrors "reforge/pkg/errors"
	"reforge/pkg/utils/logger"
)

const (
	readyKey    = "grading:jobs:ready"
	delayedKey  = "grading:jobs:delayed"
	dedupPrefix = "grading:jobs:dedup:"

	// dedupTTL is a safety valve: if a terminal outcome is never written
	// (crash before Release), the key expires rather than blocking the
	// submission forever.
	dedupTTL = 6 * time.Hour

	popTimeout = 2 * time.Second
)

// RedisQueue implements Queue on a Redis list plus a sorted set for
// delayed redeliveries. The client is owned by the struct and injected at
// construction; there is no package-level connection state.
type RedisQueue struct {
	client *redis.Client
}

// NewRedisQueue wraps an existing Redis client.
func NewRedisQueue(client *redis.Client) *RedisQueue {
	return &RedisQueue{client: client}
}

func (q *RedisQueue) Enqueue(ctx context.Context, job *Job) error {
	if job == nil || job.SubmissionID == "" || job.DedupKey == "" {
		return apperrors.New(apperrors.InvalidParams)
	}
	if job.Attempt == 0 {
		job.Attempt = 1
	}
	job.EnqueuedAt = time.Now().UTC()

	acquired, err := q.client.SetNX(ctx, dedupPrefix+job.DedupKey, job.SubmissionID, dedupTTL).Result()
	if err != nil {
		return apperrors.Wrapf(err, apperrors.QueueError, "acquire dedup key")
	}
	if !acquired {
		return apperrors.Newf(apperrors.DuplicateJob, "job %s already enqueued", job.DedupKey)
	}

	payload, err := json.Marshal(job)
	if err != nil {
		return apperrors.Wrapf(err, apperrors.QueueError, "marshal job")
	}
	if err := q.client.LPush(ctx, readyKey, payload).Err(); err != nil {
		// roll the dedup key back so the caller can retry the enqueue
		_ = q.client.Del(ctx, dedupPrefix+job.DedupKey).Err()
		return apperrors.Wrapf(err, apperrors.QueueError, "push job")
	}
	return nil
}

func (q *RedisQueue) EnqueueDelayed(ctx context.Context, job *Job, delay time.Duration) error {
	if job == nil || job.SubmissionID == "" {
		return apperrors.New(apperrors.InvalidParams)
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return apperrors.Wrapf(err, apperrors.QueueError, "marshal job")
	}
	due := float64(time.Now().Add(delay).UnixMilli())
	if err := q.client.ZAdd(ctx, delayedKey, redis.Z{Score: due, Member: payload}).Err(); err != nil {
		return apperrors.Wrapf(err, apperrors.QueueError, "schedule delayed job")
	}
	return nil
}

func (q *RedisQueue) Dequeue(ctx context.Context) (*Job, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := q.promoteDue(ctx); err != nil {
			logger.Warnf(ctx, "promote delayed jobs: %v", err)
		}

		values, err := q.client.BRPop(ctx, popTimeout, readyKey).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, apperrors.Wrapf(err, apperrors.QueueError, "pop job")
		}
		// BRPop returns [key, value]
		var job Job
		if err := json.Unmarshal([]byte(values[1]), &job); err != nil {
			logger.Errorf(ctx, "drop undecodable job: %v", err)
			continue
		}
		return &job, nil
	}
}

// promoteDue moves delayed jobs whose due time has passed onto the ready
// list.
func (q *RedisQueue) promoteDue(ctx context.Context) error {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	due, err := q.client.ZRangeByScore(ctx, delayedKey, &redis.ZRangeBy{Min: "-inf", Max: now}).Result()
	if err != nil {
		return err
	}
	for _, member := range due {
		removed, err := q.client.ZRem(ctx, delayedKey, member).Result()
		if err != nil {
			return err
		}
		// another worker may have promoted it first
		if removed == 0 {
			continue
		}
		if err := q.client.LPush(ctx, readyKey, member).Err(); err != nil {
			return err
		}
	}
	return nil
}

func (q *RedisQueue) Release(ctx context.Context, dedupKey string) error {
	if dedupKey == "" {
		return nil
	}
	if err := q.client.Del(ctx, dedupPrefix+dedupKey).Err(); err != nil {
		return apperrors.Wrapf(err, apperrors.QueueError, "release dedup key")
	}
	return nil
}

func (q *RedisQueue) Close() error {
	return q.client.Close()
}

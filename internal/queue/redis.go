package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"

	"github.com/lexelby/apiary/internal/config"
	"github.com/lexelby/apiary/internal/domain"
)

// redisFullPollInterval is how often a blocked producer re-checks the list
// length against the depth bound.
const redisFullPollInterval = 100 * time.Millisecond

// RedisFabric puts both queues on Redis lists so worker processes on other
// hosts can consume the same stream. LPUSH/BRPOP gives FIFO semantics; the
// job list is length-bounded by the producer to preserve backpressure.
type RedisFabric struct {
	client    *redis.Client
	jobDepth  int
	closeOnce sync.Once
	closeErr  error
}

// DialRedis connects to the configured Redis and verifies the connection,
// retrying with exponential backoff.
func DialRedis(cfg config.Config) (*RedisFabric, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	ping := func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return client.Ping(ctx).Err()
	}
	if err := backoff.Retry(ping, backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5)); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("queue: redis %s: %w", cfg.RedisAddr, err)
	}
	slog.Info("connected to redis broker", slog.String("addr", cfg.RedisAddr))
	depth := cfg.QueueDepth
	if depth <= 0 {
		depth = DefaultJobDepth
	}
	return &RedisFabric{client: client, jobDepth: depth}, nil
}

// Jobs returns the job queue view of the fabric.
func (f *RedisFabric) Jobs() domain.JobQueue { return &redisJobQueue{f: f} }

// Stats returns the stats queue view of the fabric.
func (f *RedisFabric) Stats() domain.StatQueue { return &redisStatQueue{f: f} }

// Purge deletes both queue lists. Used by the clean command.
func (f *RedisFabric) Purge(ctx context.Context) error {
	if err := f.client.Del(ctx, JobQueueName, StatQueueName).Err(); err != nil {
		return fmt.Errorf("queue: redis purge: %w", err)
	}
	return nil
}

func (f *RedisFabric) close() error {
	f.closeOnce.Do(func() { f.closeErr = f.client.Close() })
	return f.closeErr
}

type redisJobQueue struct {
	f *RedisFabric
}

func (q *redisJobQueue) Put(ctx context.Context, m domain.JobMessage) error {
	b, err := encodeJob(m)
	if err != nil {
		return err
	}
	// Bounded blocking push: Redis lists have no native bound, so the
	// producer polls the length to provide the same backpressure the
	// channel fabric gets for free.
	for {
		n, err := q.f.client.LLen(ctx, JobQueueName).Result()
		if err != nil {
			return fmt.Errorf("queue: redis llen: %w", err)
		}
		if n < int64(q.f.jobDepth) {
			break
		}
		select {
		case <-time.After(redisFullPollInterval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := q.f.client.LPush(ctx, JobQueueName, b).Err(); err != nil {
		return fmt.Errorf("queue: redis lpush: %w", err)
	}
	return nil
}

func (q *redisJobQueue) Get(ctx context.Context) (domain.JobMessage, error) {
	for {
		res, err := q.f.client.BRPop(ctx, time.Second, JobQueueName).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return domain.JobMessage{}, ctx.Err()
			}
			return domain.JobMessage{}, fmt.Errorf("queue: redis brpop: %w", err)
		}
		return decodeJob([]byte(res[1]))
	}
}

func (q *redisJobQueue) Close() error { return q.f.close() }

type redisStatQueue struct {
	f *RedisFabric
}

func (q *redisStatQueue) Put(ctx context.Context, m domain.StatMessage) error {
	b, err := encodeStat(m)
	if err != nil {
		return err
	}
	if err := q.f.client.LPush(ctx, StatQueueName, b).Err(); err != nil {
		return fmt.Errorf("queue: redis lpush: %w", err)
	}
	return nil
}

func (q *redisStatQueue) Poll(ctx context.Context, timeout time.Duration) (domain.StatMessage, bool, error) {
	res, err := q.f.client.BRPop(ctx, timeout, StatQueueName).Result()
	if err == redis.Nil {
		return domain.StatMessage{}, false, nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return domain.StatMessage{}, false, ctx.Err()
		}
		return domain.StatMessage{}, false, fmt.Errorf("queue: redis brpop: %w", err)
	}
	m, err := decodeStat([]byte(res[1]))
	if err != nil {
		return domain.StatMessage{}, false, err
	}
	return m, true, nil
}

func (q *redisStatQueue) Close() error { return q.f.close() }

package review

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/medrex/ehr-access/pkg/config"
	"github.com/medrex/ehr-access/pkg/rbac"
)

// NewRedisClient connects to Redis and verifies the connection
func NewRedisClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address(),
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

// RedisQueue keeps pending reviews in a sorted set ordered by queue time,
// with the item bodies in a companion hash keyed by decision id.
type RedisQueue struct {
	client  redis.UniversalClient
	order   string
	entries string
}

// NewRedisQueue creates a review queue under the given key prefix
func NewRedisQueue(client redis.UniversalClient, key string) *RedisQueue {
	return &RedisQueue{
		client:  client,
		order:   key,
		entries: key + ":items",
	}
}

// Enqueue adds the item unless the decision is already queued
func (q *RedisQueue) Enqueue(ctx context.Context, item rbac.ReviewItem) error {
	body, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("failed to marshal review item: %w", err)
	}

	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAddNX(ctx, q.order, redis.Z{
			Score:  float64(item.QueuedAt.UnixMilli()),
			Member: item.DecisionID,
		})
		pipe.HSetNX(ctx, q.entries, item.DecisionID, body)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to enqueue review %s: %w", item.DecisionID, err)
	}
	return nil
}

// Pending returns up to limit items, oldest first
func (q *RedisQueue) Pending(ctx context.Context, limit int) ([]rbac.ReviewItem, error) {
	if limit <= 0 {
		limit = rbac.DefaultPageSize
	}

	ids, err := q.client.ZRange(ctx, q.order, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list pending reviews: %w", err)
	}
	if len(ids) == 0 {
		return []rbac.ReviewItem{}, nil
	}

	bodies, err := q.client.HMGet(ctx, q.entries, ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load pending reviews: %w", err)
	}

	items := make([]rbac.ReviewItem, 0, len(bodies))
	for i, raw := range bodies {
		s, ok := raw.(string)
		if !ok {
			// body missing; keep the id so the review is not lost
			items = append(items, rbac.ReviewItem{DecisionID: ids[i]})
			continue
		}
		var item rbac.ReviewItem
		if err := json.Unmarshal([]byte(s), &item); err != nil {
			return nil, fmt.Errorf("failed to decode review %s: %w", ids[i], err)
		}
		items = append(items, item)
	}
	return items, nil
}

// Acknowledge removes the decision from the queue. Unknown ids are ignored.
func (q *RedisQueue) Acknowledge(ctx context.Context, decisionID string) error {
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, q.order, decisionID)
		pipe.HDel(ctx, q.entries, decisionID)
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to acknowledge review %s: %w", decisionID, err)
	}
	return nil
}

// Ping checks connectivity for health reporting
func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

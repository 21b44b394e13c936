package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/zjoart/go-payment-ledger/pkg/config"
	"github.com/zjoart/go-payment-ledger/pkg/logger"
)

const (
	EventQueue  = "payment_events"
	FailedQueue = "failed_payment_events"

	seenPrefix = "notification:"
	// SeenTTL is how long a delivered notification id is remembered.
	SeenTTL = 24 * time.Hour
)

type RedisClient struct {
	Client *redis.Client
}

func NewRedisClient(cfg config.Config) *RedisClient {
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Error("Failed to parse Redis url", logger.Fields{"error": err.Error(), "url": cfg.RedisURL})
		opt = &redis.Options{
			Addr:     cfg.RedisURL,
			Password: cfg.RedisPassword,
			DB:       0,
		}
	}

	rdb := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := rdb.Ping(ctx).Result(); err != nil {
		logger.Error("Failed to connect to Redis", logger.Fields{"error": err.Error(), "url": cfg.RedisURL})
	} else {
		logger.Info("Connected to Redis", logger.Fields{"url": cfg.RedisURL})
	}

	return &RedisClient{Client: rdb}
}

// Enqueue pushes v, JSON encoded, onto the event queue.
func (r *RedisClient) Enqueue(ctx context.Context, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if err := r.Client.RPush(ctx, EventQueue, data).Err(); err != nil {
		return fmt.Errorf("failed to push event to redis: %w", err)
	}
	return nil
}

// Dequeue blocks up to timeout for the next event. It returns redis.Nil
// when the queue stayed empty.
func (r *RedisClient) Dequeue(ctx context.Context, timeout time.Duration) ([]byte, error) {
	result, err := r.Client.BLPop(ctx, timeout, EventQueue).Result()
	if err != nil {
		return nil, err
	}
	return []byte(result[1]), nil
}

func (r *RedisClient) PushToDLQ(ctx context.Context, data []byte) error {
	if err := r.Client.RPush(ctx, FailedQueue, data).Err(); err != nil {
		return fmt.Errorf("failed to push event to DLQ: %w", err)
	}
	return nil
}

// MarkSeen records a notification id and reports whether it was new.
func (r *RedisClient) MarkSeen(ctx context.Context, key string) (bool, error) {
	return r.Client.SetNX(ctx, seenPrefix+key, 1, SeenTTL).Result()
}

// Forget drops a seen marker so a redelivery is accepted again.
func (r *RedisClient) Forget(ctx context.Context, key string) error {
	return r.Client.Del(ctx, seenPrefix+key).Err()
}

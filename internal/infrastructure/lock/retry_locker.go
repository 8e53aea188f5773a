package lock

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// RedisRetryLocker 基于 Redis 的事务级互斥，service.RetryLocker 的实现
type RedisRetryLocker struct {
	client *redis.Client
}

func NewRedisRetryLocker(client *redis.Client) *RedisRetryLocker {
	return &RedisRetryLocker{client: client}
}

// WithLock 持有指定事务的重试锁执行 fn
func (r *RedisRetryLocker) WithLock(ctx context.Context, transactionCode string, fn func() error) error {
	l := NewRetryLock(r.client, transactionCode, uuid.NewString())
	if err := l.Lock(ctx, 100*time.Millisecond, 30); err != nil {
		return err
	}
	defer l.Unlock(ctx)
	return fn()
}

package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// ============================================================================
// 分布式锁实现
// ============================================================================
//
// 【为什么需要分布式锁？】
//
// 场景：用户对同一笔失败事务连点两次"重新支付"（或多实例部署时
// 两台机器同时收到重试请求）
//
// 如果没有锁：
//   goroutine1: 查状态=FAILED -> 新建事务A -> 发起网关扣款A
//   goroutine2: 查状态=FAILED -> 新建事务B -> 发起网关扣款B
//   用户面前出现两笔待支付订单，付两次钱的风险！
//
// 加了锁之后，第二个请求要么等待后看到新事务已存在，要么直接失败，
// 同一笔原始事务同一时刻只会派生一笔重试事务。
//
// 【Redis 分布式锁原理】
//
// 加锁：SET key value NX EX timeout
//   - NX: 只有 key 不存在时才设置（保证互斥）
//   - EX: 设置过期时间（防止死锁）
//   - value: 锁持有者标识（释放时验证，防止误删别人的锁）
//
// 释放锁：使用 Lua 脚本保证原子性
//
// ============================================================================

var (
	ErrLockFailed = errors.New("获取分布式锁失败")
)

// DistributedLock 分布式锁
type DistributedLock struct {
	client     *redis.Client
	key        string
	value      string        // 锁持有者标识
	expiration time.Duration // 锁的过期时间
}

// NewDistributedLock 创建分布式锁
func NewDistributedLock(client *redis.Client, key, value string, expiration time.Duration) *DistributedLock {
	return &DistributedLock{
		client:     client,
		key:        key,
		value:      value,
		expiration: expiration,
	}
}

// TryLock 尝试获取锁（非阻塞）
func (l *DistributedLock) TryLock(ctx context.Context) (bool, error) {
	success, err := l.client.SetNX(ctx, l.key, l.value, l.expiration).Result()
	if err != nil {
		return false, err
	}
	return success, nil
}

// Lock 阻塞式获取锁（带重试）
func (l *DistributedLock) Lock(ctx context.Context, retryInterval time.Duration, maxRetries int) error {
	for i := 0; i < maxRetries; i++ {
		success, err := l.TryLock(ctx)
		if err != nil {
			return err
		}
		if success {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryInterval):
			// 继续重试
		}
	}
	return ErrLockFailed
}

// Unlock 释放锁
//
// 【关键点】使用 Lua 脚本保证"检查+删除"操作的原子性。
// 检查 value 是为了避免锁过期后误删了其他持有者的锁。
func (l *DistributedLock) Unlock(ctx context.Context) error {
	script := `
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("DEL", KEYS[1])
		else
			return 0
		end
	`
	_, err := l.client.Eval(ctx, script, []string{l.key}, l.value).Result()
	return err
}

// NewRetryLock 创建重试锁（按原始事务编号维度）
//
// 锁粒度选在单笔事务上：不同事务的重试互不影响，
// 同一笔事务的并发重试被串行化。
func NewRetryLock(client *redis.Client, transactionCode, holder string) *DistributedLock {
	key := fmt.Sprintf("pay:lock:retry:%s", transactionCode)
	return NewDistributedLock(client, key, holder, 30*time.Second)
}

package redis

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	apperrors "github.com/xiebiao/marketplace/pkg/errors"
)

// releaseScript 比较并删除:只有token匹配才删除锁键
// 防止持有者A的锁因TTL到期被B取得后,A的延迟Release误删B的锁
const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
else
    return 0
end
`

// Locker Redis分布式锁
//
// 教学要点：
// 1. SET NX + TTL实现互斥:同一键同一时刻只有一个持有者
// 2. 每次获取生成随机token,释放时用Lua脚本比较后删除(原子)
// 3. TTL是持有者崩溃后的兜底,不是主要的释放手段——
//    调用方必须在所有退出路径上defer Release
//
// Key设计：inventory:lock:{variant_id}:{seller_id}
type Locker struct {
	client *redis.Client

	// 本进程持有的锁token,按键索引
	mu     sync.Mutex
	tokens map[string]string
}

// NewLocker 创建Redis分布式锁
func NewLocker(client *redis.Client) *Locker {
	return &Locker{
		client: client,
		tokens: make(map[string]string),
	}
}

// Acquire 尝试获取锁
// 返回false表示键已被占用,调用方应上浮为可重试的冲突错误,不要阻塞等待
func (l *Locker) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, l.lockKey(key), token, ttl).Result()
	if err != nil {
		return false, apperrors.Wrap(err, "获取分布式锁失败")
	}
	if !ok {
		return false, nil
	}

	l.mu.Lock()
	l.tokens[key] = token
	l.mu.Unlock()

	return true, nil
}

// Release 释放锁
// 未持有该键时为无操作;token不匹配(锁已被他人取得)时不删除
func (l *Locker) Release(ctx context.Context, key string) error {
	l.mu.Lock()
	token, held := l.tokens[key]
	delete(l.tokens, key)
	l.mu.Unlock()

	if !held {
		return nil
	}

	if err := l.client.Eval(ctx, releaseScript, []string{l.lockKey(key)}, token).Err(); err != nil {
		return apperrors.Wrap(err, "释放分布式锁失败")
	}

	return nil
}

// lockKey 生成锁键
func (l *Locker) lockKey(key string) string {
	return fmt.Sprintf("inventory:lock:%s", key)
}

package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Limiter 是基于 Redis 的固定窗口计数器，多进程共享同一份额度。
// 固定窗口在窗口边界最多放过 2×limit，这是刻意的取舍：
// 单次原子 INCR、O(1) 内存，不做滑动窗口。
type Limiter struct {
	rdb *redis.Client
	now func() time.Time
}

func New(rdb *redis.Client) *Limiter {
	return &Limiter{rdb: rdb, now: time.Now}
}

// Allow 对 key 在当前窗口内计数加一，加一后不超过 limit 即放行。
// 计数器首次出现时设置窗口到期，窗口索引为 floor(now/window)。
func (l *Limiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	if limit <= 0 || window <= 0 {
		return false, fmt.Errorf("ratelimit: bad limit=%d window=%v", limit, window)
	}
	idx := l.now().Unix() / int64(window/time.Second)
	k := fmt.Sprintf("rl:%s:%d", key, idx)
	v, err := l.rdb.Incr(ctx, k).Result()
	if err != nil {
		return false, err
	}
	if v == 1 {
		if err := l.rdb.Expire(ctx, k, window).Err(); err != nil {
			return false, err
		}
	}
	return v <= int64(limit), nil
}

// Package backoff 实现带抖动的指数退避，用于行情连接断线重连和 REST 请求重试。
package backoff

import (
	"context"
	"math/rand"
	"time"
)

// Backoff 指数退避计算器，非并发安全，每个重连循环持有一个
type Backoff struct {
	base    time.Duration
	max     time.Duration
	jitter  float64 // 0-1，0.2 表示 ±20%
	attempt int
}

// New 创建退避计算器
func New(base, max time.Duration, jitter float64) *Backoff {
	if jitter < 0 {
		jitter = 0
	}
	return &Backoff{base: base, max: max, jitter: jitter}
}

// NewDefault 基础间隔 1s，最大 30s，抖动 ±20%
func NewDefault() *Backoff {
	return New(time.Second, 30*time.Second, 0.2)
}

// Next 返回下一次等待时间: min(base*2^attempt, max)，再乘以 (1±jitter)
func (b *Backoff) Next() time.Duration {
	delay := b.max
	// 位移超过 30 位时直接取上限，避免溢出
	if b.attempt < 31 {
		if d := b.base << uint(b.attempt); d > 0 && d < b.max {
			delay = d
		}
	}
	if b.jitter > 0 {
		delay = time.Duration(float64(delay) * (1 + (rand.Float64()*2-1)*b.jitter))
	}
	b.attempt++
	return delay
}

// Wait 睡眠 Next() 时长，ctx 取消时提前返回 ctx.Err()
func (b *Backoff) Wait(ctx context.Context) error {
	timer := time.NewTimer(b.Next())
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Reset 连接成功后调用
func (b *Backoff) Reset() {
	b.attempt = 0
}

// Attempt 当前重试次数
func (b *Backoff) Attempt() int {
	return b.attempt
}

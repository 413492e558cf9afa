// Package backoff 实现会话重连的退避计算。
// 默认策略为线性退避：等待时间与重试次数成正比（step * attempt），
// 同时保留指数策略供需要更激进退让的部署使用。
package backoff

import (
	"math/rand"
	"time"
)

// Policy 退避增长策略
type Policy int

const (
	// Linear 线性增长: step * attempt
	Linear Policy = iota
	// Exponential 指数增长: step * 2^(attempt-1)
	Exponential
)

// String 返回策略名称，用于日志与配置
func (p Policy) String() string {
	switch p {
	case Linear:
		return "linear"
	case Exponential:
		return "exponential"
	default:
		return "unknown"
	}
}

// ParsePolicy 解析配置中的策略名称，空字符串视为 linear
func ParsePolicy(s string) (Policy, bool) {
	switch s {
	case "", "linear":
		return Linear, true
	case "exponential":
		return Exponential, true
	default:
		return Linear, false
	}
}

// Backoff 退避计算器
// 每次调用 Next() 返回下一次重连前的等待时间并递增重试次数。
// 非并发安全：只由会话的监督 goroutine 使用。
type Backoff struct {
	// step 单步等待时间
	step time.Duration
	// max 最大等待时间（<=0 表示不设上限）
	max time.Duration
	// jitter 抖动比例（0-1）
	jitter float64
	// policy 增长策略
	policy Policy
	// attempt 已计算的重试次数
	attempt int
}

// New 创建退避计算器
// 参数 step: 单步等待时间
// 参数 max: 最大等待时间
// 参数 jitter: 抖动比例，0.2 表示 ±20%
// 参数 policy: 增长策略
func New(step, max time.Duration, jitter float64, policy Policy) *Backoff {
	return &Backoff{
		step:   step,
		max:    max,
		jitter: jitter,
		policy: policy,
	}
}

// NewDefault 创建默认退避计算器
// 线性 3s 步长，上限 60s，无抖动
func NewDefault() *Backoff {
	return New(3*time.Second, 60*time.Second, 0, Linear)
}

// Next 获取下次重连的等待时间
func (b *Backoff) Next() time.Duration {
	b.attempt++

	var delay time.Duration
	switch b.policy {
	case Exponential:
		shift := b.attempt - 1
		if shift > 32 {
			shift = 32
		}
		delay = b.step * time.Duration(int64(1)<<shift)
	default:
		delay = b.step * time.Duration(b.attempt)
	}

	// 溢出或超过上限时取上限
	if b.max > 0 && (delay > b.max || delay < 0) {
		delay = b.max
	}

	if b.jitter > 0 {
		jitterFactor := 1.0 + (rand.Float64()*2-1)*b.jitter
		delay = time.Duration(float64(delay) * jitterFactor)
	}

	return delay
}

// Reset 连接成功后重置重试次数
func (b *Backoff) Reset() {
	b.attempt = 0
}

// Attempt 获取当前重试次数
func (b *Backoff) Attempt() int {
	return b.attempt
}

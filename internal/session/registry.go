package session

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// offerResult 推送入队结果
type offerResult int

const (
	offerQueued offerResult = iota
	offerDropped
	offerStale
)

// subscription 一个频道的订阅
// queue 由 router 写入、解码协程读取；done 在解码协程退出时关闭。
type subscription struct {
	channel string
	scope   Scope
	queue   chan []byte
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
}

func newSubscription(parent context.Context, scope Scope, channel string, depth int) *subscription {
	ctx, cancel := context.WithCancel(parent)
	return &subscription{
		channel: channel,
		scope:   scope,
		queue:   make(chan []byte, depth),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
}

// offer 非阻塞入队
// 队列满时丢弃最新帧；解码协程已退出时返回 offerStale。
func (s *subscription) offer(data []byte) offerResult {
	select {
	case <-s.done:
		return offerStale
	default:
	}

	select {
	case s.queue <- data:
		return offerQueued
	default:
		return offerDropped
	}
}

// abort 停止解码协程
func (s *subscription) abort() {
	s.cancel()
}

// finished 解码协程是否已退出
func (s *subscription) finished() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// registry 一个作用域的频道注册表
type registry struct {
	scope  Scope
	mu     sync.RWMutex
	subs   map[string]*subscription
	closed bool
}

func newRegistry(scope Scope) *registry {
	return &registry{
		scope: scope,
		subs:  make(map[string]*subscription),
	}
}

// lookup 按 channel_name 字节查找订阅
func (r *registry) lookup(channel []byte) *subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.subs[string(channel)]
}

// contains 频道是否已注册
func (r *registry) contains(channel string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.subs[channel]
	return ok
}

// add 注册订阅；注册表关闭后返回 ErrShutdown
func (r *registry) add(sub *subscription) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrShutdown
	}
	if _, ok := r.subs[sub.channel]; ok {
		return ErrAlreadySubscribed
	}
	r.subs[sub.channel] = sub
	return nil
}

// remove 移除并返回频道的订阅
func (r *registry) remove(channel string) *subscription {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.subs[channel]
	if !ok {
		return nil
	}
	delete(r.subs, channel)
	return sub
}

// removeIf 仅当当前条目仍是 sub 时移除
func (r *registry) removeIf(sub *subscription) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.subs[sub.channel] != sub {
		return false
	}
	delete(r.subs, sub.channel)
	return true
}

// channels 已注册频道（排序）
func (r *registry) channels() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.subs))
	for ch := range r.subs {
		out = append(out, ch)
	}
	r.mu.RUnlock()

	sort.Strings(out)
	return out
}

// len 已注册频道数
func (r *registry) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}

// drain 清空并关闭注册表，返回被移除的订阅
func (r *registry) drain() []*subscription {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*subscription, 0, len(r.subs))
	for _, sub := range r.subs {
		out = append(out, sub)
	}
	r.subs = make(map[string]*subscription)
	r.closed = true
	return out
}

// decodeTask 一个订阅的解码协程
type decodeTask[P any] struct {
	sub      *subscription
	callback func(P)
	logger   *zap.Logger
	metrics  *Metrics
	limiter  *rate.Limiter
}

// startDecodeTask 启动解码协程
// 协程逐帧解码 notification 字段并调用回调；解码失败记录后跳过。
func startDecodeTask[P any](sub *subscription, callback func(P), logger *zap.Logger, metrics *Metrics) {
	t := &decodeTask[P]{
		sub:      sub,
		callback: callback,
		logger:   logger,
		metrics:  metrics,
		limiter:  rate.NewLimiter(rate.Every(logSampleInterval), 1),
	}
	go t.run()
}

func (t *decodeTask[P]) run() {
	defer close(t.sub.done)

	for {
		select {
		case <-t.sub.ctx.Done():
			return
		case data := <-t.sub.queue:
			if t.sub.ctx.Err() != nil {
				return
			}
			t.handle(data)
		}
	}
}

func (t *decodeTask[P]) handle(data []byte) {
	var env notificationEnvelope[P]
	if err := json.Unmarshal(data, &env); err != nil {
		t.metrics.decodeFailed()
		if t.limiter.Allow() {
			t.logger.Warn("解析推送失败",
				zap.String("channel", t.sub.channel),
				zap.Error(err),
				zap.ByteString("data", truncate(data, 200)))
		}
		return
	}
	t.callback(env.Notification)
}

// truncate 截断日志样本
func truncate(data []byte, n int) []byte {
	if len(data) > n {
		return data[:n]
	}
	return data
}

package session

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"trading-ws-session/internal/auth"
	"trading-ws-session/internal/util/backoff"
)

// Config 会话配置
type Config struct {
	// URL WebSocket 地址
	URL string
	// PingInterval 心跳 ping 间隔
	PingInterval time.Duration
	// ReadTimeout 读超时，期间未收到任何帧视为断线
	ReadTimeout time.Duration
	// WriteTimeout 单次写入超时
	WriteTimeout time.Duration
	// HandshakeTimeout 握手超时
	HandshakeTimeout time.Duration
	// BackoffStep 退避步长
	BackoffStep time.Duration
	// BackoffMax 退避上限
	BackoffMax time.Duration
	// BackoffJitter 退避抖动比例
	BackoffJitter float64
	// BackoffPolicy 退避策略
	BackoffPolicy backoff.Policy
	// QueueDepth 每个订阅的转发队列容量
	QueueDepth int
	// CommandBuffer 出站命令通道容量
	CommandBuffer int
	// ShutdownTimeout Shutdown 等待各协程退出的上限
	ShutdownTimeout time.Duration
	// RTTWindow RTT 统计窗口样本数
	RTTWindow int
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		URL:              MainnetURL,
		PingInterval:     5 * time.Second,
		ReadTimeout:      7 * time.Second,
		WriteTimeout:     5 * time.Second,
		HandshakeTimeout: 10 * time.Second,
		BackoffStep:      3 * time.Second,
		BackoffMax:       60 * time.Second,
		BackoffPolicy:    backoff.Linear,
		QueueDepth:       4096,
		CommandBuffer:    1024,
		ShutdownTimeout:  5 * time.Second,
		RTTWindow:        1000,
	}
}

// withDefaults 零值字段使用默认值
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.URL == "" {
		c.URL = d.URL
	}
	if c.PingInterval <= 0 {
		c.PingInterval = d.PingInterval
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = d.ReadTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = d.HandshakeTimeout
	}
	if c.BackoffStep <= 0 {
		c.BackoffStep = d.BackoffStep
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = d.BackoffMax
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = d.QueueDepth
	}
	if c.CommandBuffer <= 0 {
		c.CommandBuffer = d.CommandBuffer
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = d.ShutdownTimeout
	}
	if c.RTTWindow <= 0 {
		c.RTTWindow = d.RTTWindow
	}
	return c
}

// Option 客户端选项
type Option func(*Client)

// WithDialer 替换连接建立方式
func WithDialer(d Dialer) Option {
	return func(c *Client) { c.dialer = d }
}

// WithClock 替换心跳与退避使用的时钟
func WithClock(clk clock.Clock) Option {
	return func(c *Client) { c.clock = clk }
}

// WithTokenProvider 设置登录凭证
func WithTokenProvider(p auth.TokenProvider) Option {
	return func(c *Client) { c.tokens = p }
}

// WithRegisterer 将会话指标注册到 Prometheus
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(c *Client) { c.registerer = reg }
}

// Client 持久会话客户端
type Client struct {
	// cfg 会话配置
	cfg Config
	// id 会话 ID
	id string
	// logger 日志记录器
	logger *zap.Logger
	// dialer 连接建立
	dialer Dialer
	// clock 时钟
	clock clock.Clock
	// tokens 登录凭证
	tokens auth.TokenProvider
	// registerer Prometheus 注册器（可为空）
	registerer prometheus.Registerer

	// pending 待决请求表
	pending *pendingTable
	// public 公共订阅注册表
	public *registry
	// private 私有订阅注册表
	private *registry
	// subMu 串行化跨注册表的频道唯一性检查
	subMu sync.Mutex
	// router 入站分发
	router *router
	// metrics 会话指标
	metrics *Metrics
	// prom Prometheus 指标（可为空）
	prom *promCollectors

	// commands 出站命令通道
	commands chan command
	// state 连接状态
	state *StateWatcher
	// backoff 重连退避，只由监督协程使用
	backoff *backoff.Backoff

	// loggedIn 是否已成功登录，重连后据此重新登录
	loggedIn atomic.Bool
	// cancelOnDisconnect 已设置的断线撤单超时（秒），0 表示未设置
	cancelOnDisconnect atomic.Int64

	// ctx 会话生命周期，Shutdown 时取消
	ctx    context.Context
	cancel context.CancelFunc
	// shutdownCh Shutdown 时关闭
	shutdownCh chan struct{}
	// closed 是否已关闭
	closed atomic.Bool
	// shutdownOnce 保证 Shutdown 只执行一次
	shutdownOnce sync.Once
	// shutdownErr 首次 Shutdown 的结果
	shutdownErr error
	// supervisorDone 监督协程退出时关闭
	supervisorDone chan struct{}
	// restores 重连后的会话恢复协程
	restores sync.WaitGroup
	// restoreMu 串行化 restores.Add 与 Shutdown 中的 Wait
	restoreMu sync.Mutex
}

// New 创建会话并立即启动监督协程
// 参数 cfg: 会话配置，零值字段使用默认值
// 参数 logger: 日志记录器
func New(cfg Config, logger *zap.Logger, opts ...Option) (*Client, error) {
	cfg = cfg.withDefaults()
	if cfg.BackoffJitter < 0 || cfg.BackoffJitter > 1 {
		return nil, fmt.Errorf("backoff jitter 必须在 [0, 1] 范围内，当前值: %v", cfg.BackoffJitter)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		cfg:            cfg,
		id:             uuid.NewString(),
		clock:          clock.New(),
		pending:        newPendingTable(),
		public:         newRegistry(Public),
		private:        newRegistry(Private),
		metrics:        newMetrics(cfg.RTTWindow),
		commands:       make(chan command, cfg.CommandBuffer),
		state:          newStateWatcher(Disconnected),
		backoff:        backoff.New(cfg.BackoffStep, cfg.BackoffMax, cfg.BackoffJitter, cfg.BackoffPolicy),
		ctx:            ctx,
		cancel:         cancel,
		shutdownCh:     make(chan struct{}),
		supervisorDone: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.logger = logger.Named("session").With(zap.String("session_id", c.id))
	if c.dialer == nil {
		c.dialer = &WebsocketDialer{
			HandshakeTimeout: cfg.HandshakeTimeout,
			WriteTimeout:     cfg.WriteTimeout,
		}
	}
	c.router = newRouter(c.pending, c.public, c.private, c.logger.Named("router"), c.metrics)

	if c.registerer != nil {
		prom, err := newPromCollectors(c.registerer, c.id, gaugeSource{
			pending:       func() float64 { return float64(c.pending.len()) },
			state:         func() float64 { return float64(c.state.Load()) },
			subscriptions: func(s Scope) float64 { return float64(c.registryFor(s).len()) },
		})
		if err != nil {
			cancel()
			return nil, err
		}
		c.prom = prom
		c.metrics.prom = prom
	}

	go c.supervise()
	return c, nil
}

// ID 会话 ID
func (c *Client) ID() string {
	return c.id
}

// State 当前连接状态
func (c *Client) State() ConnectionState {
	return c.state.Load()
}

// IsConnected 是否已连接
func (c *Client) IsConnected() bool {
	return c.state.Load() == Connected
}

// States 连接状态观察器
func (c *Client) States() *StateWatcher {
	return c.state
}

// WaitForStateChange 阻塞直到状态不同于 last
func (c *Client) WaitForStateChange(ctx context.Context, last ConnectionState) (ConnectionState, error) {
	return c.state.WaitChange(ctx, last)
}

// WaitForConnection 阻塞直到已连接
func (c *Client) WaitForConnection(ctx context.Context) error {
	return c.state.WaitFor(ctx, Connected)
}

// Reconnect 主动断开当前连接，由监督协程按退避重连
func (c *Client) Reconnect(ctx context.Context) error {
	return c.enqueue(ctx, command{kind: cmdClose})
}

// Channels 返回作用域内已注册的频道
func (c *Client) Channels(scope Scope) []string {
	return c.registryFor(scope).channels()
}

// Metrics 获取会话指标快照
func (c *Client) Metrics() ConnectionMetrics {
	s := ConnectionMetrics{
		SessionID:            c.id,
		State:                c.state.Load().String(),
		PendingRequests:      c.pending.len(),
		PublicSubscriptions:  c.public.len(),
		PrivateSubscriptions: c.private.len(),
	}
	c.metrics.fill(&s)
	return s
}

func (c *Client) registryFor(scope Scope) *registry {
	if scope == Private {
		return c.private
	}
	return c.public
}

// enqueue 将命令交给当前连接的 runner
// 断线期间命令在通道中等待下一条连接。
func (c *Client) enqueue(ctx context.Context, cmd command) error {
	if c.closed.Load() {
		return ErrShutdown
	}
	select {
	case c.commands <- cmd:
		return nil
	case <-c.shutdownCh:
		return ErrShutdown
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrTransport, ctx.Err())
	}
}

// Shutdown 关闭会话
// 幂等：重复调用立即返回首次调用的结果。
// 返回前监督协程已退出（或超时），待决请求均已结束，所有解码协程已停止。
func (c *Client) Shutdown(reason string) error {
	c.shutdownOnce.Do(func() {
		c.shutdownErr = c.shutdown(reason)
	})
	return c.shutdownErr
}

func (c *Client) shutdown(reason string) error {
	c.logger.Info("关闭会话", zap.String("reason", reason))

	// 持锁置位后 startRestore 不会再 restores.Add
	c.restoreMu.Lock()
	c.closed.Store(true)
	c.restoreMu.Unlock()
	close(c.shutdownCh)
	c.cancel()

	waitCtx, cancelWait := context.WithTimeout(context.Background(), c.cfg.ShutdownTimeout)
	defer cancelWait()

	var errs error
	select {
	case <-c.supervisorDone:
	case <-waitCtx.Done():
		errs = multierr.Append(errs, fmt.Errorf("等待监督协程退出超时 (%v)", c.cfg.ShutdownTimeout))
	}

	restored := make(chan struct{})
	go func() {
		c.restores.Wait()
		close(restored)
	}()
	select {
	case <-restored:
	case <-waitCtx.Done():
		errs = multierr.Append(errs, fmt.Errorf("等待会话恢复协程退出超时"))
	}

	if n := c.pending.purge(ErrConnectionClosed); n > 0 {
		c.logger.Info("已结束待决请求", zap.Int("count", n))
	}

	subs := append(c.public.drain(), c.private.drain()...)
	for _, sub := range subs {
		sub.abort()
	}
	for _, sub := range subs {
		select {
		case <-sub.done:
		case <-waitCtx.Done():
			errs = multierr.Append(errs, fmt.Errorf("频道 %s 的解码协程未在超时内退出", sub.channel))
		}
	}

	c.state.publish(Exited)
	if c.prom != nil {
		c.prom.unregister(c.registerer)
	}

	if errs != nil {
		c.logger.Warn("会话关闭未完全完成", zap.Error(errs))
		return errs
	}
	c.logger.Info("会话已关闭", zap.Int("subscriptions", len(subs)))
	return nil
}

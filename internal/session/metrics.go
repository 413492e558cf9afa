package session

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"

	"trading-ws-session/internal/stats/latency"
	"trading-ws-session/internal/util/timeutil"
)

// ConnectionMetrics 会话指标快照
type ConnectionMetrics struct {
	// SessionID 会话 ID（每个 Client 唯一）
	SessionID string `json:"session_id"`
	// State 当前连接状态
	State string `json:"state"`
	// ReconnectCount 重连成功次数
	ReconnectCount int64 `json:"reconnect_count"`
	// ConnectFailures 建连失败次数
	ConnectFailures int64 `json:"connect_failures"`
	// ParseErrorCount 推送解码失败次数
	ParseErrorCount int64 `json:"parse_error_count"`
	// UnhandledCount 无法识别的入站帧
	UnhandledCount int64 `json:"unhandled_count"`
	// UnknownChannelCount 未注册频道的推送
	UnknownChannelCount int64 `json:"unknown_channel_count"`
	// UnsolicitedResponses 无待决请求的响应
	UnsolicitedResponses int64 `json:"unsolicited_responses"`
	// ResponsesRouted 已投递的响应
	ResponsesRouted int64 `json:"responses_routed"`
	// NotificationsRouted 已入队的推送
	NotificationsRouted int64 `json:"notifications_routed"`
	// DroppedNotifications 队列满丢弃的推送
	DroppedNotifications int64 `json:"dropped_notifications"`
	// PendingRequests 当前待决请求数
	PendingRequests int `json:"pending_requests"`
	// PublicSubscriptions 公共订阅数
	PublicSubscriptions int `json:"public_subscriptions"`
	// PrivateSubscriptions 私有订阅数
	PrivateSubscriptions int `json:"private_subscriptions"`
	// LastMessageAgeMs 最后入站帧距今时间（毫秒），尚未收到为 -1
	LastMessageAgeMs int64 `json:"last_message_age_ms"`
	// RTT 按作用域统计的请求往返时延
	RTT []latency.LatencyStats `json:"rtt,omitempty"`
}

// Metrics 会话计数器
// 所有方法并发安全；prom 为 nil 时只维护进程内计数。
type Metrics struct {
	reconnects      atomic.Int64
	connectFailures atomic.Int64
	parseErrors     atomic.Int64
	unhandled       atomic.Int64
	unknownChannel  atomic.Int64
	unsolicited     atomic.Int64
	responses       atomic.Int64
	notifications   atomic.Int64
	dropped         atomic.Int64
	lastFrameNs     atomic.Int64

	rtt  *latency.Tracker
	prom *promCollectors
}

func newMetrics(rttWindow int) *Metrics {
	return &Metrics{rtt: latency.NewTracker(rttWindow)}
}

func (m *Metrics) frameReceived() {
	m.lastFrameNs.Store(timeutil.NowNano())
	if m.prom != nil {
		m.prom.frames.Inc()
	}
}

func (m *Metrics) reconnected() {
	m.reconnects.Add(1)
	if m.prom != nil {
		m.prom.reconnects.Inc()
	}
}

func (m *Metrics) connectFailed() {
	m.connectFailures.Add(1)
	if m.prom != nil {
		m.prom.connectFailures.Inc()
	}
}

func (m *Metrics) responseRouted() {
	m.responses.Add(1)
	m.inbound("response")
}

func (m *Metrics) responseUnsolicited() {
	m.unsolicited.Add(1)
	m.inbound("unsolicited")
}

func (m *Metrics) notificationRouted() {
	m.notifications.Add(1)
	m.inbound("notification")
}

func (m *Metrics) notificationDropped() {
	m.dropped.Add(1)
	m.inbound("dropped")
}

func (m *Metrics) notificationUnknown() {
	m.unknownChannel.Add(1)
	m.inbound("unknown_channel")
}

func (m *Metrics) frameUnhandled() {
	m.unhandled.Add(1)
	m.inbound("unhandled")
}

func (m *Metrics) decodeFailed() {
	m.parseErrors.Add(1)
	if m.prom != nil {
		m.prom.decodeErrors.Inc()
	}
}

func (m *Metrics) inbound(kind string) {
	if m.prom != nil {
		m.prom.inbound.WithLabelValues(kind).Inc()
	}
}

// rpcFinished 记录一次 RPC 结果
// 参数 status: ok / rpc_error / parse_error / transport_error / canceled
func (m *Metrics) rpcFinished(scope, status string, rtt time.Duration) {
	if status == "ok" {
		m.rtt.Add(scope, rtt)
	}
	if m.prom != nil {
		m.prom.rpcs.WithLabelValues(scope, status).Inc()
		if status == "ok" {
			m.prom.rpcLatency.WithLabelValues(scope).Observe(rtt.Seconds())
		}
	}
}

// fill 将计数器写入快照
func (m *Metrics) fill(s *ConnectionMetrics) {
	s.ReconnectCount = m.reconnects.Load()
	s.ConnectFailures = m.connectFailures.Load()
	s.ParseErrorCount = m.parseErrors.Load()
	s.UnhandledCount = m.unhandled.Load()
	s.UnknownChannelCount = m.unknownChannel.Load()
	s.UnsolicitedResponses = m.unsolicited.Load()
	s.ResponsesRouted = m.responses.Load()
	s.NotificationsRouted = m.notifications.Load()
	s.DroppedNotifications = m.dropped.Load()
	s.LastMessageAgeMs = timeutil.AgeMs(m.lastFrameNs.Load())

	for _, label := range m.rtt.Labels() {
		s.RTT = append(s.RTT, m.rtt.Stats(label))
	}
}

// promCollectors Prometheus 指标
type promCollectors struct {
	frames          prometheus.Counter
	reconnects      prometheus.Counter
	connectFailures prometheus.Counter
	decodeErrors    prometheus.Counter
	inbound         *prometheus.CounterVec
	rpcs            *prometheus.CounterVec
	rpcLatency      *prometheus.HistogramVec
	gauges          []prometheus.Collector
}

// gaugeSource Prometheus gauge 的取值来源
type gaugeSource struct {
	pending       func() float64
	state         func() float64
	subscriptions func(Scope) float64
}

// newPromCollectors 创建指标并注册到 reg
// 同一进程多个会话通过 session 常量标签区分。
func newPromCollectors(reg prometheus.Registerer, sessionID string, src gaugeSource) (*promCollectors, error) {
	labels := prometheus.Labels{"session": sessionID}

	p := &promCollectors{
		frames: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "wssession",
			Subsystem:   "conn",
			Name:        "frames_received_total",
			Help:        "Inbound WebSocket frames",
			ConstLabels: labels,
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "wssession",
			Subsystem:   "conn",
			Name:        "reconnects_total",
			Help:        "Successful reconnections",
			ConstLabels: labels,
		}),
		connectFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "wssession",
			Subsystem:   "conn",
			Name:        "connect_failures_total",
			Help:        "Failed connection attempts",
			ConstLabels: labels,
		}),
		decodeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "wssession",
			Subsystem:   "subscription",
			Name:        "decode_errors_total",
			Help:        "Notifications that failed to decode",
			ConstLabels: labels,
		}),
		inbound: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "wssession",
			Subsystem:   "router",
			Name:        "frames_routed_total",
			Help:        "Inbound frames by routing outcome",
			ConstLabels: labels,
		}, []string{"outcome"}),
		rpcs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "wssession",
			Subsystem:   "rpc",
			Name:        "requests_total",
			Help:        "RPC requests by scope and status",
			ConstLabels: labels,
		}, []string{"scope", "status"}),
		rpcLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   "wssession",
			Subsystem:   "rpc",
			Name:        "latency_seconds",
			Help:        "RPC round trip latency",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(0.001, 2, 14),
		}, []string{"scope"}),
	}

	p.gauges = []prometheus.Collector{
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   "wssession",
			Subsystem:   "rpc",
			Name:        "pending_requests",
			Help:        "Requests awaiting a response",
			ConstLabels: labels,
		}, src.pending),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   "wssession",
			Subsystem:   "conn",
			Name:        "state",
			Help:        "Connection state (0=disconnected, 1=connected, 2=exited)",
			ConstLabels: labels,
		}, src.state),
	}
	for _, scope := range []Scope{Public, Private} {
		scope := scope
		p.gauges = append(p.gauges, prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   "wssession",
			Subsystem:   "subscription",
			Name:        scope.String() + "_channels",
			Help:        "Registered " + scope.String() + " channels",
			ConstLabels: labels,
		}, func() float64 { return src.subscriptions(scope) }))
	}

	var errs error
	for _, c := range p.collectors() {
		if err := reg.Register(c); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	if errs != nil {
		p.unregister(reg)
		return nil, fmt.Errorf("注册 Prometheus 指标失败: %w", errs)
	}
	return p, nil
}

func (p *promCollectors) collectors() []prometheus.Collector {
	cs := []prometheus.Collector{
		p.frames, p.reconnects, p.connectFailures, p.decodeErrors,
		p.inbound, p.rpcs, p.rpcLatency,
	}
	return append(cs, p.gauges...)
}

// unregister 从 reg 移除全部指标
func (p *promCollectors) unregister(reg prometheus.Registerer) {
	for _, c := range p.collectors() {
		reg.Unregister(c)
	}
}

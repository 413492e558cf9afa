package session

import (
	"encoding/json"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"trading-ws-session/internal/util/fastparse"
)

// logSampleInterval 同类告警日志的最小间隔
const logSampleInterval = time.Second

// routeOutcome 入站帧的处理结果
type routeOutcome int

const (
	routedResponse routeOutcome = iota
	unsolicitedResponse
	routedNotification
	droppedNotification
	staleNotification
	unknownChannel
	unhandledFrame
)

// router 入站帧分发
// 快路径按前缀提取 id / channel_name，失败时回退到完整 JSON 解析，优先级相同。
type router struct {
	pending *pendingTable
	public  *registry
	private *registry
	logger  *zap.Logger
	metrics *Metrics

	unknownLimiter   *rate.Limiter
	unhandledLimiter *rate.Limiter
	droppedLimiter   *rate.Limiter
}

func newRouter(pending *pendingTable, public, private *registry, logger *zap.Logger, metrics *Metrics) *router {
	return &router{
		pending:          pending,
		public:           public,
		private:          private,
		logger:           logger,
		metrics:          metrics,
		unknownLimiter:   rate.NewLimiter(rate.Every(logSampleInterval), 5),
		unhandledLimiter: rate.NewLimiter(rate.Every(logSampleInterval), 5),
		droppedLimiter:   rate.NewLimiter(rate.Every(logSampleInterval), 1),
	}
}

// route 分发一帧文本数据
func (r *router) route(data []byte) routeOutcome {
	if id, ok := fastparse.ExtractID(data); ok {
		return r.routeResponse(id, data)
	}
	if channel, ok := fastparse.ExtractChannel(data); ok {
		return r.routeNotification(channel, data)
	}
	return r.routeSlow(data)
}

// routeSlow 字段顺序或空白不符合快路径时的完整解析
func (r *router) routeSlow(data []byte) routeOutcome {
	var head struct {
		ID          json.RawMessage `json:"id"`
		ChannelName *string         `json:"channel_name"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return r.unhandled(data, err)
	}

	if len(head.ID) > 0 && string(head.ID) != "null" {
		id, err := strconv.ParseUint(string(head.ID), 10, 64)
		if err != nil {
			return r.unhandled(data, err)
		}
		return r.routeResponse(id, data)
	}
	if head.ChannelName != nil && *head.ChannelName != "" {
		return r.routeNotification([]byte(*head.ChannelName), data)
	}
	return r.unhandled(data, nil)
}

// routeResponse 投递给待决请求
func (r *router) routeResponse(id uint64, data []byte) routeOutcome {
	if id != 0 {
		if _, ok := r.pending.resolve(id, data); ok {
			r.metrics.responseRouted()
			return routedResponse
		}
	}

	r.metrics.responseUnsolicited()
	r.logger.Debug("收到无待决请求的响应", zap.Uint64("id", id))
	return unsolicitedResponse
}

// routeNotification 投递到订阅队列，私有注册表优先
func (r *router) routeNotification(channel, data []byte) routeOutcome {
	reg := r.private
	sub := reg.lookup(channel)
	if sub == nil {
		reg = r.public
		sub = reg.lookup(channel)
	}
	if sub == nil {
		r.metrics.notificationUnknown()
		if r.unknownLimiter.Allow() {
			r.logger.Warn("收到未注册频道的推送", zap.ByteString("channel", channel))
		}
		return unknownChannel
	}

	switch sub.offer(data) {
	case offerQueued:
		r.metrics.notificationRouted()
		return routedNotification
	case offerDropped:
		r.metrics.notificationDropped()
		if r.droppedLimiter.Allow() {
			r.logger.Warn("订阅队列已满，丢弃推送",
				zap.String("channel", sub.channel),
				zap.Int("queue_depth", cap(sub.queue)))
		}
		return droppedNotification
	default:
		if reg.removeIf(sub) {
			r.logger.Warn("订阅解码协程已退出，移除频道", zap.String("channel", sub.channel))
		}
		r.metrics.notificationUnknown()
		return staleNotification
	}
}

func (r *router) unhandled(data []byte, err error) routeOutcome {
	r.metrics.frameUnhandled()
	if r.unhandledLimiter.Allow() {
		fields := []zap.Field{zap.ByteString("data", truncate(data, 200))}
		if err != nil {
			fields = append(fields, zap.Error(err))
		}
		r.logger.Warn("无法识别的入站消息", fields...)
	}
	return unhandledFrame
}

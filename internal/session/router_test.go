package session

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type tickerPayload struct {
	MarkPrice float64 `json:"mark_price"`
}

type routerFixture struct {
	router  *router
	pending *pendingTable
	public  *registry
	private *registry
	metrics *Metrics
	logs    *observer.ObservedLogs
	logger  *zap.Logger
}

func newRouterFixture() *routerFixture {
	core, logs := observer.New(zap.DebugLevel)
	logger := zap.New(core)
	f := &routerFixture{
		pending: newPendingTable(),
		public:  newRegistry(Public),
		private: newRegistry(Private),
		metrics: newMetrics(16),
		logs:    logs,
		logger:  logger,
	}
	f.router = newRouter(f.pending, f.public, f.private, logger, f.metrics)
	return f
}

// subscribeTicker 注册频道并启动解码协程，回调结果写入返回的通道
func (f *routerFixture) subscribeTicker(t *testing.T, reg *registry, channel string, depth int) (*subscription, <-chan tickerPayload) {
	t.Helper()
	sub := newSubscription(context.Background(), reg.scope, channel, depth)
	require.NoError(t, reg.add(sub))

	out := make(chan tickerPayload, 16)
	startDecodeTask(sub, func(p tickerPayload) { out <- p }, f.logger, f.metrics)
	t.Cleanup(func() {
		sub.abort()
		<-sub.done
	})
	return sub, out
}

func TestRouter_ResponseToPendingAndUnknownID(t *testing.T) {
	f := newRouterFixture()
	req := f.pending.insert(42, "public/instruments")

	frame := []byte(`{"id":42,"result":{"ok":true}}`)
	assert.Equal(t, routedResponse, f.router.route(frame))

	select {
	case res := <-req.ch:
		require.NoError(t, res.err)
		assert.Equal(t, string(frame), string(res.data))
	default:
		t.Fatal("id 42 未被投递")
	}

	assert.Equal(t, unsolicitedResponse, f.router.route([]byte(`{"id":99,"result":1}`)))
	assert.Equal(t, 0, f.pending.len())
	assert.Equal(t, int64(1), f.metrics.unsolicited.Load())
	assert.Equal(t, int64(1), f.metrics.responses.Load())
}

func TestRouter_NullAndZeroIDAreUnsolicited(t *testing.T) {
	f := newRouterFixture()
	assert.Equal(t, unsolicitedResponse, f.router.route([]byte(`{"id":null,"error":{"code":6,"message":"bad"}}`)))
	assert.Equal(t, unsolicitedResponse, f.router.route([]byte(`{"id":0,"result":1}`)))
}

func TestRouter_NotificationInvokesCallbackOnce(t *testing.T) {
	f := newRouterFixture()
	_, out := f.subscribeTicker(t, f.public, "ticker.BTC-PERPETUAL.raw", 16)

	outcome := f.router.route([]byte(`{"channel_name":"ticker.BTC-PERPETUAL.raw","notification":{"mark_price":100.5}}`))
	require.Equal(t, routedNotification, outcome)

	select {
	case p := <-out:
		assert.Equal(t, 100.5, p.MarkPrice)
	case <-time.After(time.Second):
		t.Fatal("回调未被调用")
	}
	select {
	case p := <-out:
		t.Fatalf("回调被重复调用: %+v", p)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRouter_UnknownChannelLogsWarning(t *testing.T) {
	f := newRouterFixture()
	_, out := f.subscribeTicker(t, f.public, "ticker.BTC-PERPETUAL.raw", 16)

	outcome := f.router.route([]byte(`{"channel_name":"book.ETH-PERPETUAL","notification":{"mark_price":1}}`))
	assert.Equal(t, unknownChannel, outcome)
	assert.Equal(t, 1, f.logs.FilterMessage("收到未注册频道的推送").Len())
	assert.Equal(t, int64(1), f.metrics.unknownChannel.Load())

	select {
	case p := <-out:
		t.Fatalf("未注册频道不应触发回调: %+v", p)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRouter_PrivateRegistryTakesPriority(t *testing.T) {
	f := newRouterFixture()
	_, publicOut := f.subscribeTicker(t, f.public, "account.orders", 16)
	_, privateOut := f.subscribeTicker(t, f.private, "account.orders", 16)

	f.router.route([]byte(`{"channel_name":"account.orders","notification":{"mark_price":7}}`))

	select {
	case p := <-privateOut:
		assert.Equal(t, 7.0, p.MarkPrice)
	case <-time.After(time.Second):
		t.Fatal("私有订阅未收到推送")
	}
	select {
	case <-publicOut:
		t.Fatal("公共订阅不应收到推送")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRouter_SlowPathFallback(t *testing.T) {
	f := newRouterFixture()
	req := f.pending.insert(7, "public/time")
	_, out := f.subscribeTicker(t, f.public, "ticker", 16)

	assert.Equal(t, routedResponse, f.router.route([]byte(`{"jsonrpc":"2.0","id":7,"result":1}`)))
	<-req.ch

	assert.Equal(t, routedNotification, f.router.route([]byte(`{"notification":{"mark_price":3},"channel_name":"ticker"}`)))
	select {
	case p := <-out:
		assert.Equal(t, 3.0, p.MarkPrice)
	case <-time.After(time.Second):
		t.Fatal("回退路径的推送未被投递")
	}

	assert.Equal(t, unhandledFrame, f.router.route([]byte(`not json`)))
	assert.Equal(t, unhandledFrame, f.router.route([]byte(`{"foo":1}`)))
	assert.Equal(t, int64(2), f.metrics.unhandled.Load())
}

func TestRouter_FullQueueDropsNewest(t *testing.T) {
	f := newRouterFixture()
	sub := newSubscription(context.Background(), Public, "trades", 1)
	require.NoError(t, f.public.add(sub))

	first := []byte(`{"channel_name":"trades","notification":{"mark_price":1}}`)
	second := []byte(`{"channel_name":"trades","notification":{"mark_price":2}}`)
	assert.Equal(t, routedNotification, f.router.route(first))
	assert.Equal(t, droppedNotification, f.router.route(second))
	assert.Equal(t, int64(1), f.metrics.dropped.Load())
	assert.Equal(t, string(first), string(<-sub.queue))
}

func TestRouter_StaleSubscriptionRemoved(t *testing.T) {
	f := newRouterFixture()
	sub := newSubscription(context.Background(), Public, "trades", 4)
	require.NoError(t, f.public.add(sub))
	close(sub.done)

	assert.Equal(t, staleNotification, f.router.route([]byte(`{"channel_name":"trades","notification":{}}`)))
	assert.False(t, f.public.contains("trades"))
}

func TestDecodeTask_SkipsUndecodableNotification(t *testing.T) {
	f := newRouterFixture()
	_, out := f.subscribeTicker(t, f.public, "ticker", 16)

	f.router.route([]byte(`{"channel_name":"ticker","notification":"oops"}`))
	f.router.route([]byte(`{"channel_name":"ticker","notification":{"mark_price":9}}`))

	select {
	case p := <-out:
		assert.Equal(t, 9.0, p.MarkPrice)
	case <-time.After(time.Second):
		t.Fatal("解码失败后协程应继续处理")
	}
	assert.Eventually(t, func() bool { return f.metrics.parseErrors.Load() == 1 }, time.Second, 5*time.Millisecond)
}

// **Feature: trading-ws-session, Property 3: Notification Delivery**

func TestRouter_NotificationDelivery_Property(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("已注册频道的推送恰好回调一次且载荷一致", prop.ForAll(
		func(channel string, price int) bool {
			f := newRouterFixture()
			sub := newSubscription(context.Background(), Public, channel, 4)
			if err := f.public.add(sub); err != nil {
				return false
			}
			out := make(chan tickerPayload, 4)
			startDecodeTask(sub, func(p tickerPayload) { out <- p }, f.logger, f.metrics)
			defer func() {
				sub.abort()
				<-sub.done
			}()

			frame := fmt.Sprintf(`{"channel_name":"%s","notification":{"mark_price":%d}}`, channel, price)
			if f.router.route([]byte(frame)) != routedNotification {
				return false
			}

			select {
			case p := <-out:
				if p.MarkPrice != float64(price) {
					return false
				}
			case <-time.After(time.Second):
				return false
			}
			select {
			case <-out:
				return false
			case <-time.After(5 * time.Millisecond):
				return true
			}
		},
		gen.Identifier(),
		gen.IntRange(-1_000_000, 1_000_000),
	))

	properties.TestingRun(t)
}

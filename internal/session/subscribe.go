package session

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Subscribe 订阅频道
// 先登记订阅并启动解码协程，再发送 <scope>/subscribe；请求失败时撤销登记并停止协程。
// 服务端返回 already_subscribed 视为成功。
// 参数 callback: 在解码协程中按到达顺序调用
// 返回: 频道名
func Subscribe[P any](ctx context.Context, c *Client, scope Scope, channel string, callback func(P)) (string, error) {
	if channel == "" {
		return "", fmt.Errorf("频道名不能为空")
	}
	if callback == nil {
		return "", fmt.Errorf("频道 %s 的回调不能为空", channel)
	}

	sub, err := c.register(scope, channel)
	if err != nil {
		return "", err
	}
	startDecodeTask(sub, callback, c.logger.Named("decode"), c.metrics)

	method := scope.String() + "/subscribe"
	_, err = SendRPC[json.RawMessage](ctx, c, method, channelsParams{Channels: []string{channel}})
	if err != nil && !IsRPCCode(err, CodeAlreadySubscribed) {
		c.registryFor(scope).removeIf(sub)
		sub.abort()
		c.logger.Warn("订阅失败", zap.String("channel", channel), zap.Error(err))
		return "", fmt.Errorf("订阅 %s 失败: %w", channel, err)
	}

	c.logger.Info("订阅成功", zap.String("scope", scope.String()), zap.String("channel", channel))
	return channel, nil
}

// register 登记订阅；频道在任一注册表中已存在时返回 ErrAlreadySubscribed
func (c *Client) register(scope Scope, channel string) (*subscription, error) {
	if c.closed.Load() {
		return nil, ErrShutdown
	}

	c.subMu.Lock()
	defer c.subMu.Unlock()

	if c.public.contains(channel) || c.private.contains(channel) {
		return nil, fmt.Errorf("%w: %s", ErrAlreadySubscribed, channel)
	}
	sub := newSubscription(c.ctx, scope, channel, c.cfg.QueueDepth)
	if err := c.registryFor(scope).add(sub); err != nil {
		sub.abort()
		return nil, err
	}
	return sub, nil
}

// Unsubscribe 取消订阅
// 频道未注册时返回 ErrNotFound 且不发送任何请求。
func (c *Client) Unsubscribe(ctx context.Context, channel string) error {
	c.subMu.Lock()
	sub := c.private.remove(channel)
	if sub == nil {
		sub = c.public.remove(channel)
	}
	c.subMu.Unlock()

	if sub == nil {
		c.logger.Warn("取消订阅的频道不存在", zap.String("channel", channel))
		return fmt.Errorf("%w: %s", ErrNotFound, channel)
	}
	sub.abort()

	method := sub.scope.String() + "/unsubscribe"
	_, err := SendRPC[json.RawMessage](ctx, c, method, channelsParams{Channels: []string{channel}})
	if err != nil && !IsRPCCode(err, CodeNotSubscribed) {
		return fmt.Errorf("取消订阅 %s 失败: %w", channel, err)
	}

	c.logger.Info("已取消订阅", zap.String("scope", sub.scope.String()), zap.String("channel", channel))
	return nil
}

// ResubscribeAll 为两个注册表中的全部频道重新发送订阅
// 每个作用域一次请求；空注册表不发送。
func (c *Client) ResubscribeAll(ctx context.Context) error {
	var publicErr, privateErr error
	var g errgroup.Group
	g.Go(func() error {
		publicErr = c.resubscribe(ctx, Public)
		return nil
	})
	g.Go(func() error {
		privateErr = c.resubscribe(ctx, Private)
		return nil
	})
	_ = g.Wait()
	return multierr.Combine(publicErr, privateErr)
}

func (c *Client) resubscribe(ctx context.Context, scope Scope) error {
	channels := c.registryFor(scope).channels()
	if len(channels) == 0 {
		return nil
	}

	method := scope.String() + "/subscribe"
	if _, err := SendRPC[json.RawMessage](ctx, c, method, channelsParams{Channels: channels}); err != nil {
		return fmt.Errorf("重新订阅 %s 频道失败: %w", scope, err)
	}
	c.logger.Debug("重新订阅完成", zap.String("scope", scope.String()), zap.Strings("channels", channels))
	return nil
}

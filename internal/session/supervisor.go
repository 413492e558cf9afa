package session

import (
	"errors"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// supervise 监督协程
// 循环：建连 -> 运行 runner -> 清空待决请求 -> 退避 -> 重连，直到 Shutdown。
func (c *Client) supervise() {
	defer close(c.supervisorDone)

	connectedBefore := false
	for {
		if c.closed.Load() {
			c.state.publish(Exited)
			return
		}

		c.logger.Debug("建立连接", zap.String("url", c.cfg.URL), zap.Int("attempt", c.backoff.Attempt()+1))
		conn, err := c.dialer.Dial(c.ctx, c.cfg.URL)
		if err != nil {
			c.metrics.connectFailed()
			c.state.publish(Disconnected)
			if c.closed.Load() {
				c.state.publish(Exited)
				return
			}
			c.logger.Error("连接失败", zap.Error(err))
			if !c.sleepBackoff() {
				c.state.publish(Exited)
				return
			}
			continue
		}

		c.backoff.Reset()
		c.state.publish(Connected)
		if connectedBefore {
			c.metrics.reconnected()
			c.logger.Info("重连成功，恢复会话")
			c.startRestore()
		} else {
			c.logger.Info("连接成功", zap.String("url", c.cfg.URL))
		}
		connectedBefore = true

		r := &runner{
			conn:         conn,
			clock:        c.clock,
			pingInterval: c.cfg.PingInterval,
			readTimeout:  c.cfg.ReadTimeout,
			commands:     c.commands,
			shutdown:     c.shutdownCh,
			router:       c.router,
			pending:      c.pending,
			logger:       c.logger.Named("runner"),
			metrics:      c.metrics,
		}
		runErr := r.run()

		purged := c.pending.purge(ErrConnectionClosed)
		if runErr == nil || c.closed.Load() {
			c.state.publish(Exited)
			return
		}

		c.state.publish(Disconnected)
		fields := []zap.Field{zap.Error(runErr), zap.Int("purged_requests", purged)}
		if errors.Is(runErr, ErrClosedByCommand) {
			c.logger.Info("连接已按命令关闭", fields...)
		} else {
			c.logger.Warn("连接断开", fields...)
		}
		if !c.sleepBackoff() {
			c.state.publish(Exited)
			return
		}
	}
}

// sleepBackoff 等待退避时间
// 返回: 等待期间收到关闭信号时返回 false
func (c *Client) sleepBackoff() bool {
	delay := c.backoff.Next()
	c.logger.Info("准备重连", zap.Duration("delay", delay), zap.Int("attempt", c.backoff.Attempt()))

	timer := c.clock.Timer(delay)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-c.shutdownCh:
		return false
	}
}

// startRestore 启动会话恢复协程
// 与 Shutdown 中的 restores.Wait 通过 restoreMu 串行；会话已关闭时不再启动。
func (c *Client) startRestore() bool {
	c.restoreMu.Lock()
	defer c.restoreMu.Unlock()

	if c.closed.Load() {
		return false
	}
	c.restores.Add(1)
	go func() {
		defer c.restores.Done()
		c.restoreSession()
	}()
	return true
}

// restoreSession 重连后恢复会话
// 公共频道与私有路径并行；私有路径必须先重新登录成功、恢复断线撤单，再重新订阅私有频道。
func (c *Client) restoreSession() {
	var g errgroup.Group

	g.Go(func() error {
		return c.resubscribe(c.ctx, Public)
	})
	g.Go(c.restorePrivate)

	if err := g.Wait(); err != nil {
		if c.closed.Load() {
			return
		}
		c.logger.Error("恢复会话失败", zap.Error(err))
		return
	}
	c.logger.Info("会话已恢复",
		zap.Int("public_channels", c.public.len()),
		zap.Int("private_channels", c.private.len()))
}

// restorePrivate 重新登录后恢复私有会话
// 有私有频道但没有凭证时跳过私有订阅；登录失败时不发送 private/subscribe。
func (c *Client) restorePrivate() error {
	hasPrivate := c.private.len() > 0
	if !hasPrivate && !c.loggedIn.Load() {
		return nil
	}
	if c.tokens == nil {
		c.logger.Warn("未配置登录凭证，跳过私有频道恢复", zap.Strings("channels", c.private.channels()))
		return nil
	}

	if err := c.Login(c.ctx); err != nil {
		return err
	}
	if secs := c.cancelOnDisconnect.Load(); secs > 0 {
		if err := c.SetCancelOnDisconnect(c.ctx, int(secs)); err != nil {
			return err
		}
	}
	return c.resubscribe(c.ctx, Private)
}

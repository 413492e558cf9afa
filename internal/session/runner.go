package session

import (
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// runner 单条物理连接的事件循环
// 独占连接的数据写入：心跳 ping、出站命令、入站帧与读超时看门狗都在同一个 select 中处理。
type runner struct {
	conn         Conn
	clock        clock.Clock
	pingInterval time.Duration
	readTimeout  time.Duration
	commands     <-chan command
	shutdown     <-chan struct{}
	router       *router
	pending      *pendingTable
	logger       *zap.Logger
	metrics      *Metrics
}

// run 运行直到连接结束
// 返回: 收到关闭信号时返回 nil，其余退出原因均返回错误
func (r *runner) run() error {
	defer r.conn.Close()

	ping := r.clock.Ticker(r.pingInterval)
	defer ping.Stop()

	watchdog := r.clock.Timer(r.readTimeout)
	defer watchdog.Stop()

	frames := r.conn.Frames()

	for {
		select {
		case <-r.shutdown:
			if err := r.conn.CloseGracefully(); err != nil {
				r.logger.Debug("发送 close 帧失败", zap.Error(err))
			}
			return nil

		case <-ping.C:
			if err := r.conn.WritePing(nil); err != nil {
				return fmt.Errorf("%w: 发送 ping 失败: %v", ErrTransport, err)
			}

		case cmd := <-r.commands:
			switch cmd.kind {
			case cmdSend:
				if r.stale(cmd) {
					r.logger.Debug("请求已结束，跳过发送", zap.Uint64("id", cmd.id))
					continue
				}
				if err := r.conn.WriteText(cmd.frame); err != nil {
					return fmt.Errorf("%w: 发送消息失败: %v", ErrTransport, err)
				}
			case cmdClose:
				r.conn.Close()
				return ErrClosedByCommand
			}

		case f, ok := <-frames:
			if !ok {
				if err := r.conn.Err(); err != nil {
					return fmt.Errorf("%w: %v", ErrStreamEnded, err)
				}
				return ErrStreamEnded
			}
			resetTimer(watchdog, r.readTimeout)
			r.metrics.frameReceived()

			if err := r.handleFrame(f); err != nil {
				return err
			}

		case <-watchdog.C:
			return fmt.Errorf("%w: %v 内未收到任何帧", ErrReadTimeout, r.readTimeout)
		}
	}
}

// stale 命令对应的请求已被清空或放弃
// purge 或 ctx 取消后调用方已拿到错误，对应的帧不再写出。
func (r *runner) stale(cmd command) bool {
	return cmd.id != 0 && !r.pending.contains(cmd.id)
}

func (r *runner) handleFrame(f Frame) error {
	switch f.Kind {
	case FrameText, FrameBinary:
		r.router.route(f.Data)
	case FramePing:
		if err := r.conn.WritePong(f.Data); err != nil {
			return fmt.Errorf("%w: 回复 pong 失败: %v", ErrTransport, err)
		}
	case FramePong:
	case FrameClose:
		if len(f.Data) > 0 {
			return fmt.Errorf("%w: %s", ErrRemoteClosed, f.Data)
		}
		return ErrRemoteClosed
	}
	return nil
}

// resetTimer 停止并清空后重置定时器
func resetTimer(t *clock.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

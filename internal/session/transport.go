package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// FrameKind 入站帧类型
type FrameKind int

const (
	FrameText FrameKind = iota
	FrameBinary
	FramePing
	FramePong
	FrameClose
)

// Frame 入站帧
type Frame struct {
	Kind FrameKind
	Data []byte
}

// Conn 一条物理 WebSocket 连接
// 数据帧与控制帧按到达顺序进入 Frames()；读取结束后通道关闭，Err() 返回原因。
// WriteText 只由 runner 调用；控制帧写入可与其并发。
type Conn interface {
	Frames() <-chan Frame
	Err() error
	WriteText(data []byte) error
	WritePing(data []byte) error
	WritePong(data []byte) error
	// CloseGracefully 发送 close 帧后关闭底层连接
	CloseGracefully() error
	Close() error
}

// Dialer 建立物理连接
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// WebsocketDialer 基于 gorilla/websocket 的 Dialer
type WebsocketDialer struct {
	// HandshakeTimeout 握手超时
	HandshakeTimeout time.Duration
	// WriteTimeout 单次写入超时
	WriteTimeout time.Duration
	// Header 握手请求头
	Header http.Header
	// FrameBuffer 入站帧通道容量
	FrameBuffer int
}

// Dial 建立连接并启动读取协程
func (d *WebsocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.HandshakeTimeout,
	}

	header := d.Header
	if header == nil {
		header = http.Header{}
		header.Set("User-Agent", "trading-ws-session/1.0")
	}

	conn, resp, err := dialer.DialContext(ctx, url, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("连接 %s 失败: %w", url, err)
	}

	buffer := d.FrameBuffer
	if buffer <= 0 {
		buffer = 256
	}
	c := &wsConn{
		conn:         conn,
		frames:       make(chan Frame, buffer),
		done:         make(chan struct{}),
		writeTimeout: d.WriteTimeout,
	}
	conn.SetPingHandler(func(appData string) error {
		c.emit(Frame{Kind: FramePing, Data: []byte(appData)})
		return nil
	})
	conn.SetPongHandler(func(appData string) error {
		c.emit(Frame{Kind: FramePong, Data: []byte(appData)})
		return nil
	})
	// close 帧由 readLoop 转成 FrameClose，不自动回复
	conn.SetCloseHandler(func(int, string) error { return nil })

	go c.readLoop()
	return c, nil
}

// wsConn gorilla 连接适配
type wsConn struct {
	conn         *websocket.Conn
	frames       chan Frame
	done         chan struct{}
	closeOnce    sync.Once
	writeTimeout time.Duration

	errMu sync.Mutex
	err   error
}

func (c *wsConn) readLoop() {
	defer close(c.frames)

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				c.emit(Frame{Kind: FrameClose, Data: []byte(closeErr.Text)})
			}
			c.setErr(err)
			return
		}

		kind := FrameText
		if messageType == websocket.BinaryMessage {
			kind = FrameBinary
		}
		if !c.emit(Frame{Kind: kind, Data: data}) {
			return
		}
	}
}

// emit 投递帧；连接已关闭时返回 false
func (c *wsConn) emit(f Frame) bool {
	select {
	case c.frames <- f:
		return true
	case <-c.done:
		return false
	}
}

func (c *wsConn) setErr(err error) {
	c.errMu.Lock()
	c.err = err
	c.errMu.Unlock()
}

func (c *wsConn) Frames() <-chan Frame {
	return c.frames
}

func (c *wsConn) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

func (c *wsConn) deadline() time.Time {
	if c.writeTimeout <= 0 {
		return time.Time{}
	}
	return time.Now().Add(c.writeTimeout)
}

func (c *wsConn) WriteText(data []byte) error {
	if err := c.conn.SetWriteDeadline(c.deadline()); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) WritePing(data []byte) error {
	return c.conn.WriteControl(websocket.PingMessage, data, c.deadline())
}

func (c *wsConn) WritePong(data []byte) error {
	return c.conn.WriteControl(websocket.PongMessage, data, c.deadline())
}

func (c *wsConn) CloseGracefully() error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	writeErr := c.conn.WriteControl(websocket.CloseMessage, msg, c.deadline())
	if err := c.Close(); err != nil {
		return err
	}
	if writeErr != nil && !errors.Is(writeErr, websocket.ErrCloseSent) {
		return writeErr
	}
	return nil
}

func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

package session

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// testRequest 服务端收到的请求
type testRequest struct {
	ID     uint64          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

func (r testRequest) channels(t *testing.T) []string {
	t.Helper()
	var p channelsParams
	require.NoError(t, json.Unmarshal(r.Params, &p))
	return p.Channels
}

// mockServer 模拟 JSON-RPC WebSocket 服务端
// 每条连接按建立顺序编号，handler 在该连接的协程中运行。
type mockServer struct {
	srv     *httptest.Server
	url     string
	conns   atomic.Int32
	handler func(sc *serverConn)

	mu       sync.Mutex
	requests map[int][]testRequest

	stop chan struct{}
}

func newMockServer(t *testing.T, handler func(sc *serverConn)) *mockServer {
	t.Helper()
	m := &mockServer{
		handler:  handler,
		requests: make(map[int][]testRequest),
		stop:     make(chan struct{}),
	}
	if m.handler == nil {
		m.handler = func(sc *serverConn) { sc.serve(nil) }
	}

	upgrader := websocket.Upgrader{}
	m.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()

		idx := int(m.conns.Add(1)) - 1
		m.handler(&serverConn{ws: ws, idx: idx, server: m})
	}))
	m.url = "ws" + strings.TrimPrefix(m.srv.URL, "http")

	t.Cleanup(m.srv.Close)
	t.Cleanup(func() { close(m.stop) })
	return m
}

func (m *mockServer) record(idx int, req testRequest) {
	m.mu.Lock()
	m.requests[idx] = append(m.requests[idx], req)
	m.mu.Unlock()
}

// requestsOn 返回第 idx 条连接上收到的请求
func (m *mockServer) requestsOn(idx int) []testRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]testRequest(nil), m.requests[idx]...)
}

// methodsOn 返回第 idx 条连接上收到的方法序列
func (m *mockServer) methodsOn(idx int) []string {
	reqs := m.requestsOn(idx)
	out := make([]string, len(reqs))
	for i, r := range reqs {
		out[i] = r.Method
	}
	return out
}

// count 统计所有连接上某方法的请求数
func (m *mockServer) count(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, reqs := range m.requests {
		for _, r := range reqs {
			if r.Method == method {
				n++
			}
		}
	}
	return n
}

// serverConn 服务端单条连接
type serverConn struct {
	ws     *websocket.Conn
	idx    int
	server *mockServer
}

func (s *serverConn) read() (testRequest, error) {
	_, data, err := s.ws.ReadMessage()
	if err != nil {
		return testRequest{}, err
	}
	var req testRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return testRequest{}, err
	}
	s.server.record(s.idx, req)
	return req, nil
}

func (s *serverConn) result(id uint64, result any) error {
	return s.ws.WriteJSON(struct {
		ID     uint64 `json:"id"`
		Result any    `json:"result"`
	}{id, result})
}

func (s *serverConn) fail(id uint64, code ErrorCode, msg string) error {
	return s.ws.WriteJSON(struct {
		ID    uint64 `json:"id"`
		Error any    `json:"error"`
	}{id, map[string]any{"code": int(code), "message": msg}})
}

func (s *serverConn) notify(channel string, payload any) error {
	return s.ws.WriteJSON(struct {
		ChannelName  string `json:"channel_name"`
		Notification any    `json:"notification"`
	}{channel, payload})
}

// serve 循环读取请求并应答
// custom 返回 true 表示已处理；否则 subscribe/unsubscribe 回显频道列表，
// public/slow 不应答，其余方法返回 true。
func (s *serverConn) serve(custom func(sc *serverConn, req testRequest) bool) {
	for {
		req, err := s.read()
		if err != nil {
			return
		}
		if custom != nil && custom(s, req) {
			continue
		}

		switch {
		case req.Method == "public/slow":
		case strings.HasSuffix(req.Method, "/subscribe"), strings.HasSuffix(req.Method, "/unsubscribe"):
			var p channelsParams
			_ = json.Unmarshal(req.Params, &p)
			if err := s.result(req.ID, p.Channels); err != nil {
				return
			}
		default:
			if err := s.result(req.ID, true); err != nil {
				return
			}
		}
	}
}

// hold 不读不写直到测试结束
func (s *serverConn) hold() {
	select {
	case <-s.server.stop:
	case <-time.After(10 * time.Second):
	}
}

// testConfig 缩短计时的测试配置
func testConfig(url string) Config {
	cfg := DefaultConfig()
	cfg.URL = url
	cfg.PingInterval = 100 * time.Millisecond
	cfg.ReadTimeout = 2 * time.Second
	cfg.BackoffStep = 20 * time.Millisecond
	cfg.BackoffMax = 100 * time.Millisecond
	cfg.ShutdownTimeout = 2 * time.Second
	cfg.QueueDepth = 64
	return cfg
}

func newTestClient(t *testing.T, cfg Config, opts ...Option) *Client {
	t.Helper()
	c, err := New(cfg, zap.NewNop(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Shutdown("test cleanup") })
	return c
}

// staticTokens 固定令牌
type staticTokens struct {
	token   string
	account string
}

func (s staticTokens) Token() (string, error) { return s.token, nil }
func (s staticTokens) Account() string        { return s.account }

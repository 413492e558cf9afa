package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"trading-ws-session/internal/util/timeutil"
)

// CallRaw 发送请求并返回原始响应帧
// 取消 ctx 会放弃等待并移除待决条目；连接断开时返回 ErrConnectionClosed。
func (c *Client) CallRaw(ctx context.Context, method string, params any) ([]byte, error) {
	if params == nil {
		params = struct{}{}
	}

	id := c.pending.nextRequestID()
	frame, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      id,
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return nil, fmt.Errorf("序列化请求 %s 失败: %w", method, err)
	}

	req := c.pending.insert(id, method)
	if err := c.enqueue(ctx, command{kind: cmdSend, id: id, frame: frame}); err != nil {
		c.pending.remove(id)
		return nil, fmt.Errorf("发送请求 %s 失败: %w", method, err)
	}

	select {
	case res := <-req.ch:
		return res.data, res.wrap(method)
	case <-ctx.Done():
		if c.pending.remove(id) {
			return nil, ctx.Err()
		}
		// 响应已在取消的同时投递
		res := <-req.ch
		return res.data, res.wrap(method)
	}
}

func (r rpcResult) wrap(method string) error {
	if r.err != nil {
		return fmt.Errorf("请求 %s 未完成: %w", method, r.err)
	}
	return nil
}

// SendRPC 发送请求并把 result 解码为 T
// 响应携带 error 时返回 *RPCError；result 无法解码时返回 *ParseError。
func SendRPC[T any](ctx context.Context, c *Client, method string, params any) (T, error) {
	var zero T
	scope := methodScope(method)

	startNs := timeutil.NowNano()
	raw, err := c.CallRaw(ctx, method, params)
	if err != nil {
		c.metrics.rpcFinished(scope, callStatus(err), 0)
		return zero, err
	}
	rtt := timeutil.SinceNano(startNs)

	out, err := decodeResult[T](method, raw)
	if err != nil {
		c.metrics.rpcFinished(scope, callStatus(err), 0)
		return zero, err
	}
	c.metrics.rpcFinished(scope, "ok", rtt)
	return out, nil
}

// decodeResult 解码响应信封
func decodeResult[T any](method string, raw []byte) (T, error) {
	var zero T

	var env rpcResponse
	if err := json.Unmarshal(raw, &env); err != nil {
		return zero, &ParseError{Target: method, Err: err}
	}
	if env.Error != nil {
		env.Error.Method = method
		return zero, env.Error
	}
	if len(env.Result) == 0 {
		return zero, &ParseError{Target: method, Err: errors.New("响应缺少 result 字段")}
	}

	var out T
	if err := json.Unmarshal(env.Result, &out); err != nil {
		return zero, &ParseError{Target: method, Err: err}
	}
	return out, nil
}

// methodScope 由方法名前缀推断作用域
func methodScope(method string) string {
	if strings.HasPrefix(method, "private/") {
		return Private.String()
	}
	return Public.String()
}

func callStatus(err error) string {
	var rpcErr *RPCError
	var parseErr *ParseError
	switch {
	case errors.As(err, &rpcErr):
		return "rpc_error"
	case errors.As(err, &parseErr):
		return "parse_error"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "transport_error"
	}
}

// Login 使用凭证登录
// 成功后每次重连都会自动重新登录。
func (c *Client) Login(ctx context.Context) error {
	if c.tokens == nil {
		return ErrNoCredentials
	}

	token, err := c.tokens.Token()
	if err != nil {
		return fmt.Errorf("生成登录令牌失败: %w", err)
	}

	params := loginParams{Token: token, Account: c.tokens.Account()}
	if _, err := SendRPC[json.RawMessage](ctx, c, "public/login", params); err != nil {
		return fmt.Errorf("登录失败: %w", err)
	}

	c.loggedIn.Store(true)
	c.logger.Info("登录成功", zap.String("account", c.tokens.Account()))
	return nil
}

// SetCancelOnDisconnect 设置断线自动撤单
// 参数 timeoutSecs: 断线多少秒后撤单；重连登录后会自动重新设置
func (c *Client) SetCancelOnDisconnect(ctx context.Context, timeoutSecs int) error {
	params := cancelOnDisconnectParams{TimeoutSecs: timeoutSecs}
	if _, err := SendRPC[json.RawMessage](ctx, c, "private/set_cancel_on_disconnect", params); err != nil {
		return fmt.Errorf("设置断线撤单失败: %w", err)
	}

	c.cancelOnDisconnect.Store(int64(timeoutSecs))
	c.logger.Info("断线撤单已设置", zap.Int("timeout_secs", timeoutSecs))
	return nil
}

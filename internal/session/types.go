package session

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Scope 请求/频道作用域
// 决定是否需要认证、订阅存放在哪个注册表以及重连后的恢复路径。
type Scope int

const (
	// Public 公共作用域
	Public Scope = iota
	// Private 私有作用域（需登录）
	Private
)

// String 返回作用域在方法名中的前缀
func (s Scope) String() string {
	if s == Private {
		return "private"
	}
	return "public"
}

// ParseScope 解析作用域名称（大小写不敏感）
func ParseScope(s string) (Scope, error) {
	switch strings.ToLower(s) {
	case "public":
		return Public, nil
	case "private":
		return Private, nil
	default:
		return Public, fmt.Errorf("无效的作用域 '%s'，有效值: public, private", s)
	}
}

// ConnectionState 对外可观察的连接状态
type ConnectionState int

const (
	// Disconnected 未连接（初始状态或断线后等待重连）
	Disconnected ConnectionState = iota
	// Connected 已连接
	Connected
	// Exited 会话已关闭，不再重连
	Exited
)

// String 返回状态名称
func (s ConnectionState) String() string {
	switch s {
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	case Exited:
		return "exited"
	default:
		return "unknown"
	}
}

// Environment 服务端环境
type Environment string

const (
	// Mainnet 主网
	Mainnet Environment = "mainnet"
	// Testnet 测试网
	Testnet Environment = "testnet"
	// Custom 自定义地址
	Custom Environment = "custom"
)

const (
	// MainnetURL 主网 WebSocket 地址
	MainnetURL = "wss://thalex.com/ws/api/v2"
	// TestnetURL 测试网 WebSocket 地址
	TestnetURL = "wss://testnet.thalex.com/ws/api/v2"
)

// URL 解析环境对应的连接地址
// 参数 custom: Custom 环境使用的地址
func (e Environment) URL(custom string) (string, error) {
	switch Environment(strings.ToLower(string(e))) {
	case Mainnet, "":
		return MainnetURL, nil
	case Testnet:
		return TestnetURL, nil
	case Custom:
		if custom == "" {
			return "", fmt.Errorf("custom 环境必须配置 url")
		}
		return custom, nil
	default:
		return "", fmt.Errorf("无效的环境 '%s'，有效值: mainnet, testnet, custom", e)
	}
}

// commandKind 内部命令类型
type commandKind int

const (
	cmdSend commandKind = iota
	cmdClose
)

// command 调用方到连接持有者的唯一通道
// id 为对应的请求 ID；0 表示不关联待决请求。
type command struct {
	kind  commandKind
	id    uint64
	frame []byte
}

// rpcRequest 请求信封
type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

// rpcResponse 响应信封
type rpcResponse struct {
	ID     *uint64         `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *RPCError       `json:"error,omitempty"`
}

// notificationEnvelope 推送信封
type notificationEnvelope[P any] struct {
	ChannelName  string `json:"channel_name"`
	Notification P      `json:"notification"`
}

// channelsParams subscribe/unsubscribe 参数
type channelsParams struct {
	Channels []string `json:"channels"`
}

// loginParams public/login 参数
type loginParams struct {
	Token   string `json:"token"`
	Account string `json:"account,omitempty"`
}

// cancelOnDisconnectParams private/set_cancel_on_disconnect 参数
type cancelOnDisconnectParams struct {
	TimeoutSecs int `json:"timeout_secs"`
}

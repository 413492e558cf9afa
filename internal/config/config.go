// Package config 负责加载和验证 YAML 配置文件。
// 提供会话连接、登录凭证、订阅频道、输出与指标端点等配置项。
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"trading-ws-session/internal/session"
	"trading-ws-session/internal/util/backoff"
)

// Config 应用配置根结构
// 包含所有子模块的配置项
type Config struct {
	// App 应用基础配置
	App AppConfig `yaml:"app"`
	// Session 会话连接配置
	Session SessionConfig `yaml:"session"`
	// Auth 登录凭证配置
	Auth AuthConfig `yaml:"auth"`
	// Subscriptions 启动时订阅的频道
	Subscriptions []SubscriptionConfig `yaml:"subscriptions"`
	// Output 输出配置
	Output OutputConfig `yaml:"output"`
	// Metrics Prometheus 端点配置
	Metrics MetricsConfig `yaml:"metrics"`
}

// AppConfig 应用基础配置
type AppConfig struct {
	// Name 应用名称，用于日志标识
	Name string `yaml:"name"`
	// LogLevel 日志级别: debug, info, warn, error
	LogLevel string `yaml:"log_level"`
}

// SessionConfig 会话连接配置
type SessionConfig struct {
	// Environment 环境: mainnet, testnet, custom
	Environment string `yaml:"environment"`
	// URL custom 环境的 WebSocket 地址
	URL string `yaml:"url"`
	// PingIntervalMs 心跳间隔（毫秒）
	PingIntervalMs int `yaml:"ping_interval_ms"`
	// ReadTimeoutMs 读取超时（毫秒），期间未收到任何帧即重连
	ReadTimeoutMs int `yaml:"read_timeout_ms"`
	// WriteTimeoutMs 写入超时（毫秒）
	WriteTimeoutMs int `yaml:"write_timeout_ms"`
	// HandshakeTimeoutMs 握手超时（毫秒）
	HandshakeTimeoutMs int `yaml:"handshake_timeout_ms"`
	// BackoffPolicy 退避策略: linear, exponential
	BackoffPolicy string `yaml:"backoff_policy"`
	// BackoffStepMs 退避步长（毫秒）
	BackoffStepMs int `yaml:"backoff_step_ms"`
	// BackoffMaxMs 退避上限（毫秒）
	BackoffMaxMs int `yaml:"backoff_max_ms"`
	// BackoffJitter 退避抖动比例（0-1）
	BackoffJitter float64 `yaml:"backoff_jitter"`
	// QueueDepth 每个订阅的转发队列容量
	QueueDepth int `yaml:"queue_depth"`
	// CommandBuffer 出站命令通道容量
	CommandBuffer int `yaml:"command_buffer"`
	// ShutdownTimeoutMs 关闭等待上限（毫秒）
	ShutdownTimeoutMs int `yaml:"shutdown_timeout_ms"`
}

// AuthConfig 登录凭证配置
// KeyID 为空表示不登录，仅使用公共频道。
type AuthConfig struct {
	// KeyID API key ID
	KeyID string `yaml:"key_id"`
	// AccountID 账户 ID（可选）
	AccountID string `yaml:"account_id"`
	// PrivateKeyPath RSA 私钥 PEM 文件路径
	PrivateKeyPath string `yaml:"private_key_path"`
	// CancelOnDisconnectSecs 断线撤单超时（秒），0 表示不设置
	CancelOnDisconnectSecs int `yaml:"cancel_on_disconnect_secs"`
}

// Enabled 是否配置了登录凭证
func (a AuthConfig) Enabled() bool {
	return a.KeyID != ""
}

// SubscriptionConfig 订阅频道配置
type SubscriptionConfig struct {
	// Scope 作用域: public, private
	Scope string `yaml:"scope"`
	// Channel 频道名，如 ticker.BTC-PERPETUAL.raw
	Channel string `yaml:"channel"`
}

// OutputConfig 输出配置
type OutputConfig struct {
	// Dir 输出目录
	Dir string `yaml:"dir"`
	// NotificationsEnabled 是否输出推送文件
	NotificationsEnabled bool `yaml:"notifications_enabled"`
	// MetricsEnabled 是否输出指标文件
	MetricsEnabled bool `yaml:"metrics_enabled"`
	// MetricsIntervalMs 指标输出间隔（毫秒）
	MetricsIntervalMs int `yaml:"metrics_interval_ms"`
	// BufferSize 异步写入缓冲区大小
	BufferSize int `yaml:"buffer_size"`
}

// MetricsConfig Prometheus 端点配置
type MetricsConfig struct {
	// ListenAddr 监听地址，为空表示不启用
	ListenAddr string `yaml:"listen_addr"`
	// Path HTTP 路径
	Path string `yaml:"path"`
}

// Load 从文件加载配置并验证
// 参数 path: 配置文件路径
// 返回: 解析后的配置对象，若失败则返回错误
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	return Parse(data)
}

// Parse 解析 YAML 内容、填充默认值并验证
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("配置验证失败: %w", err)
	}

	return &cfg, nil
}

// setDefaults 设置配置默认值
func (c *Config) setDefaults() {
	if c.App.Name == "" {
		c.App.Name = "trading-ws-session"
	}
	if c.App.LogLevel == "" {
		c.App.LogLevel = "info"
	}

	s := &c.Session
	if s.Environment == "" {
		s.Environment = string(session.Mainnet)
	}
	if s.PingIntervalMs == 0 {
		s.PingIntervalMs = 5000 // 5 秒
	}
	if s.ReadTimeoutMs == 0 {
		s.ReadTimeoutMs = 7000 // 7 秒
	}
	if s.WriteTimeoutMs == 0 {
		s.WriteTimeoutMs = 5000
	}
	if s.HandshakeTimeoutMs == 0 {
		s.HandshakeTimeoutMs = 10000
	}
	if s.BackoffPolicy == "" {
		s.BackoffPolicy = backoff.Linear.String()
	}
	if s.BackoffStepMs == 0 {
		s.BackoffStepMs = 3000 // 3 秒，每次重试线性增加
	}
	if s.BackoffMaxMs == 0 {
		s.BackoffMaxMs = 60000
	}
	if s.QueueDepth == 0 {
		s.QueueDepth = 4096
	}
	if s.CommandBuffer == 0 {
		s.CommandBuffer = 1024
	}
	if s.ShutdownTimeoutMs == 0 {
		s.ShutdownTimeoutMs = 5000
	}

	for i := range c.Subscriptions {
		if c.Subscriptions[i].Scope == "" {
			c.Subscriptions[i].Scope = session.Public.String()
		}
	}

	if c.Output.Dir == "" {
		c.Output.Dir = "./output"
	}
	if c.Output.MetricsIntervalMs == 0 {
		c.Output.MetricsIntervalMs = 10000 // 10 秒
	}
	if c.Output.BufferSize == 0 {
		c.Output.BufferSize = 1000
	}

	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// Validate 验证配置合法性
// 检查所有必填项和数值范围，一次返回全部错误
func (c *Config) Validate() error {
	var errs error
	add := func(format string, args ...any) {
		errs = multierr.Append(errs, fmt.Errorf(format, args...))
	}

	// 验证会话配置
	if _, err := session.Environment(c.Session.Environment).URL(c.Session.URL); err != nil {
		add("session.environment: %v", err)
	}
	positive := []struct {
		field string
		value int
	}{
		{"session.ping_interval_ms", c.Session.PingIntervalMs},
		{"session.read_timeout_ms", c.Session.ReadTimeoutMs},
		{"session.write_timeout_ms", c.Session.WriteTimeoutMs},
		{"session.handshake_timeout_ms", c.Session.HandshakeTimeoutMs},
		{"session.backoff_step_ms", c.Session.BackoffStepMs},
		{"session.backoff_max_ms", c.Session.BackoffMaxMs},
		{"session.queue_depth", c.Session.QueueDepth},
		{"session.command_buffer", c.Session.CommandBuffer},
		{"session.shutdown_timeout_ms", c.Session.ShutdownTimeoutMs},
		{"output.metrics_interval_ms", c.Output.MetricsIntervalMs},
		{"output.buffer_size", c.Output.BufferSize},
	}
	for _, p := range positive {
		if p.value <= 0 {
			add("%s: 必须为正数，当前值: %d", p.field, p.value)
		}
	}
	if c.Session.ReadTimeoutMs > 0 && c.Session.ReadTimeoutMs <= c.Session.PingIntervalMs {
		add("session.read_timeout_ms: 必须大于 ping_interval_ms (%d)", c.Session.PingIntervalMs)
	}
	if c.Session.BackoffMaxMs > 0 && c.Session.BackoffMaxMs < c.Session.BackoffStepMs {
		add("session.backoff_max_ms: 不能小于 backoff_step_ms (%d)", c.Session.BackoffStepMs)
	}
	if c.Session.BackoffJitter < 0 || c.Session.BackoffJitter > 1 {
		add("session.backoff_jitter: 必须在 0-1 之间，当前值: %f", c.Session.BackoffJitter)
	}
	if _, ok := backoff.ParsePolicy(c.Session.BackoffPolicy); !ok {
		add("session.backoff_policy: 无效的策略 '%s'，有效值: linear, exponential", c.Session.BackoffPolicy)
	}

	// 验证凭证配置
	if c.Auth.Enabled() && c.Auth.PrivateKeyPath == "" {
		add("auth.private_key_path: 配置了 key_id 时私钥路径不能为空")
	}
	if c.Auth.CancelOnDisconnectSecs < 0 {
		add("auth.cancel_on_disconnect_secs: 不能为负数")
	}
	if c.Auth.CancelOnDisconnectSecs > 0 && !c.Auth.Enabled() {
		add("auth.cancel_on_disconnect_secs: 需要配置登录凭证")
	}

	// 验证订阅配置
	seen := make(map[string]bool, len(c.Subscriptions))
	for i, sub := range c.Subscriptions {
		if sub.Channel == "" {
			add("subscriptions[%d].channel: 频道名不能为空", i)
			continue
		}
		if seen[sub.Channel] {
			add("subscriptions[%d].channel: 频道 '%s' 重复", i, sub.Channel)
		}
		seen[sub.Channel] = true

		scope, err := session.ParseScope(sub.Scope)
		if err != nil {
			add("subscriptions[%d].scope: %v", i, err)
			continue
		}
		if scope == session.Private && !c.Auth.Enabled() {
			add("subscriptions[%d]: 私有频道 '%s' 需要配置登录凭证", i, sub.Channel)
		}
	}

	// 验证日志级别
	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLogLevels[strings.ToLower(c.App.LogLevel)] {
		add("app.log_level: 无效的日志级别 '%s'，有效值: debug, info, warn, error", c.App.LogLevel)
	}

	if !strings.HasPrefix(c.Metrics.Path, "/") {
		add("metrics.path: 必须以 / 开头")
	}

	return errs
}

// ToSessionConfig 转换为会话配置
func (c *Config) ToSessionConfig() (session.Config, error) {
	s := c.Session

	url, err := session.Environment(s.Environment).URL(s.URL)
	if err != nil {
		return session.Config{}, err
	}
	policy, ok := backoff.ParsePolicy(s.BackoffPolicy)
	if !ok {
		return session.Config{}, fmt.Errorf("无效的退避策略 '%s'", s.BackoffPolicy)
	}

	return session.Config{
		URL:              url,
		PingInterval:     ms(s.PingIntervalMs),
		ReadTimeout:      ms(s.ReadTimeoutMs),
		WriteTimeout:     ms(s.WriteTimeoutMs),
		HandshakeTimeout: ms(s.HandshakeTimeoutMs),
		BackoffStep:      ms(s.BackoffStepMs),
		BackoffMax:       ms(s.BackoffMaxMs),
		BackoffJitter:    s.BackoffJitter,
		BackoffPolicy:    policy,
		QueueDepth:       s.QueueDepth,
		CommandBuffer:    s.CommandBuffer,
		ShutdownTimeout:  ms(s.ShutdownTimeoutMs),
	}, nil
}

// ms 毫秒转 time.Duration
func ms(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}

// Package config 配置模块测试
package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"trading-ws-session/internal/session"
	"trading-ws-session/internal/util/backoff"
)

// **Feature: trading-ws-session, Property: Config Validation Correctness**

// TestConfigValidation_Timing 测试计时参数验证
// 属性: 计时参数必须为正数，读超时必须大于心跳间隔
func TestConfigValidation_Timing(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("心跳间隔非正数应验证失败", prop.ForAll(
		func(v int) bool {
			cfg := createValidConfig()
			cfg.Session.PingIntervalMs = v
			return cfg.Validate() != nil
		},
		gen.IntRange(-1000, 0),
	))

	properties.Property("读超时不大于心跳间隔应验证失败", prop.ForAll(
		func(ping, delta int) bool {
			cfg := createValidConfig()
			cfg.Session.PingIntervalMs = ping
			cfg.Session.ReadTimeoutMs = ping - delta
			return cfg.Validate() != nil
		},
		gen.IntRange(1, 60000),
		gen.IntRange(0, 1000),
	))

	properties.Property("读超时大于心跳间隔应通过验证", prop.ForAll(
		func(ping, delta int) bool {
			cfg := createValidConfig()
			cfg.Session.PingIntervalMs = ping
			cfg.Session.ReadTimeoutMs = ping + delta
			return cfg.Validate() == nil
		},
		gen.IntRange(1, 60000),
		gen.IntRange(1, 60000),
	))

	properties.Property("队列容量非正数应验证失败", prop.ForAll(
		func(v int) bool {
			cfg := createValidConfig()
			cfg.Session.QueueDepth = v
			return cfg.Validate() != nil
		},
		gen.IntRange(-1000, 0),
	))

	properties.TestingRun(t)
}

// TestConfigValidation_Backoff 测试退避参数验证
func TestConfigValidation_Backoff(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("抖动比例超出 [0, 1] 应验证失败", prop.ForAll(
		func(j float64) bool {
			cfg := createValidConfig()
			cfg.Session.BackoffJitter = j
			return cfg.Validate() != nil
		},
		gen.OneGenOf(
			gen.Float64Range(-10, -0.0001),
			gen.Float64Range(1.0001, 10),
		),
	))

	properties.Property("抖动比例在 [0, 1] 内应通过验证", prop.ForAll(
		func(j float64) bool {
			cfg := createValidConfig()
			cfg.Session.BackoffJitter = j
			return cfg.Validate() == nil
		},
		gen.Float64Range(0, 1),
	))

	properties.Property("退避上限小于步长应验证失败", prop.ForAll(
		func(step, delta int) bool {
			cfg := createValidConfig()
			cfg.Session.BackoffStepMs = step + delta
			cfg.Session.BackoffMaxMs = step
			return cfg.Validate() != nil
		},
		gen.IntRange(1, 100000),
		gen.IntRange(1, 100000),
	))

	properties.TestingRun(t)

	cfg := createValidConfig()
	cfg.Session.BackoffPolicy = "fibonacci"
	if err := cfg.Validate(); err == nil {
		t.Error("无效退避策略应验证失败")
	}
}

// TestConfigValidation_Subscriptions 测试订阅配置验证
func TestConfigValidation_Subscriptions(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("非空频道名的公共订阅应通过验证", prop.ForAll(
		func(channel string) bool {
			cfg := createValidConfig()
			cfg.Subscriptions = []SubscriptionConfig{{Scope: "public", Channel: channel}}
			return cfg.Validate() == nil
		},
		gen.Identifier(),
	))

	properties.Property("重复频道应验证失败", prop.ForAll(
		func(channel string) bool {
			cfg := createValidConfig()
			cfg.Subscriptions = []SubscriptionConfig{
				{Scope: "public", Channel: channel},
				{Scope: "public", Channel: channel},
			}
			return cfg.Validate() != nil
		},
		gen.Identifier(),
	))

	properties.TestingRun(t)

	cfg := createValidConfig()
	cfg.Subscriptions = []SubscriptionConfig{{Scope: "public", Channel: ""}}
	if err := cfg.Validate(); err == nil {
		t.Error("空频道名应验证失败")
	}

	cfg = createValidConfig()
	cfg.Subscriptions = []SubscriptionConfig{{Scope: "internal", Channel: "x"}}
	if err := cfg.Validate(); err == nil {
		t.Error("无效作用域应验证失败")
	}

	cfg = createValidConfig()
	cfg.Auth = AuthConfig{}
	cfg.Subscriptions = []SubscriptionConfig{{Scope: "private", Channel: "account.orders"}}
	if err := cfg.Validate(); err == nil {
		t.Error("未配置凭证的私有频道应验证失败")
	}
}

// TestConfigValidation_Auth 测试凭证配置验证
func TestConfigValidation_Auth(t *testing.T) {
	cfg := createValidConfig()
	cfg.Auth.PrivateKeyPath = ""
	if err := cfg.Validate(); err == nil {
		t.Error("配置 key_id 但无私钥路径应验证失败")
	}

	cfg = createValidConfig()
	cfg.Auth = AuthConfig{CancelOnDisconnectSecs: 30}
	if err := cfg.Validate(); err == nil {
		t.Error("未登录时设置断线撤单应验证失败")
	}

	cfg = createValidConfig()
	cfg.Auth.CancelOnDisconnectSecs = -1
	if err := cfg.Validate(); err == nil {
		t.Error("负数断线撤单超时应验证失败")
	}
}

// TestConfigValidation_CollectsAllErrors 测试一次返回全部错误
func TestConfigValidation_CollectsAllErrors(t *testing.T) {
	cfg := createValidConfig()
	cfg.App.LogLevel = "verbose"
	cfg.Session.Environment = "staging"
	cfg.Session.QueueDepth = 0

	err := cfg.Validate()
	if err == nil {
		t.Fatal("应验证失败")
	}
	msg := err.Error()
	for _, field := range []string{"app.log_level", "session.environment", "session.queue_depth"} {
		if !strings.Contains(msg, field) {
			t.Errorf("错误信息缺少 %s: %s", field, msg)
		}
	}
}

// TestConfigValidation_Environment 测试环境配置
func TestConfigValidation_Environment(t *testing.T) {
	cfg := createValidConfig()
	cfg.Session.Environment = "custom"
	cfg.Session.URL = ""
	if err := cfg.Validate(); err == nil {
		t.Error("custom 环境未配置 url 应验证失败")
	}

	cfg.Session.URL = "ws://localhost:8080/ws"
	if err := cfg.Validate(); err != nil {
		t.Errorf("custom 环境配置 url 应通过验证: %v", err)
	}
}

// createValidConfig 创建一个有效的配置用于测试
func createValidConfig() *Config {
	return &Config{
		App: AppConfig{
			Name:     "test",
			LogLevel: "info",
		},
		Session: SessionConfig{
			Environment:        "testnet",
			PingIntervalMs:     5000,
			ReadTimeoutMs:      7000,
			WriteTimeoutMs:     5000,
			HandshakeTimeoutMs: 10000,
			BackoffPolicy:      "linear",
			BackoffStepMs:      3000,
			BackoffMaxMs:       60000,
			QueueDepth:         4096,
			CommandBuffer:      1024,
			ShutdownTimeoutMs:  5000,
		},
		Auth: AuthConfig{
			KeyID:          "K123",
			PrivateKeyPath: "/etc/keys/private.pem",
		},
		Subscriptions: []SubscriptionConfig{
			{Scope: "public", Channel: "ticker.BTC-PERPETUAL.raw"},
			{Scope: "private", Channel: "account.orders"},
		},
		Output: OutputConfig{
			Dir:                  "./output",
			NotificationsEnabled: true,
			MetricsEnabled:       true,
			MetricsIntervalMs:    10000,
			BufferSize:           1000,
		},
		Metrics: MetricsConfig{
			Path: "/metrics",
		},
	}
}

// TestLoad_ValidFile 测试从有效文件加载配置
func TestLoad_ValidFile(t *testing.T) {
	content := `
app:
  name: test-streamer
  log_level: debug

session:
  environment: testnet
  ping_interval_ms: 4000
  backoff_policy: exponential

auth:
  key_id: K123
  account_id: A1
  private_key_path: ./keys/private.pem
  cancel_on_disconnect_secs: 30

subscriptions:
  - scope: public
    channel: ticker.BTC-PERPETUAL.raw
  - channel: book.BTC-PERPETUAL.none.10.100ms
  - scope: private
    channel: account.orders

output:
  dir: ./output
  notifications_enabled: true
  metrics_enabled: true

metrics:
  listen_addr: ":9100"
`
	tmpDir := t.TempDir()
	tmpFile := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(tmpFile, []byte(content), 0644); err != nil {
		t.Fatalf("创建临时文件失败: %v", err)
	}

	cfg, err := Load(tmpFile)
	if err != nil {
		t.Fatalf("加载配置失败: %v", err)
	}

	if cfg.App.Name != "test-streamer" {
		t.Errorf("App.Name = %s, want test-streamer", cfg.App.Name)
	}
	if len(cfg.Subscriptions) != 3 {
		t.Fatalf("len(Subscriptions) = %d, want 3", len(cfg.Subscriptions))
	}
	if cfg.Subscriptions[1].Scope != "public" {
		t.Errorf("缺省作用域应为 public, got %s", cfg.Subscriptions[1].Scope)
	}
	if cfg.Session.ReadTimeoutMs != 7000 {
		t.Errorf("ReadTimeoutMs 默认值 = %d, want 7000", cfg.Session.ReadTimeoutMs)
	}
	if cfg.Metrics.Path != "/metrics" {
		t.Errorf("Metrics.Path = %s, want /metrics", cfg.Metrics.Path)
	}

	sc, err := cfg.ToSessionConfig()
	if err != nil {
		t.Fatalf("ToSessionConfig 失败: %v", err)
	}
	if sc.URL != session.TestnetURL {
		t.Errorf("URL = %s, want %s", sc.URL, session.TestnetURL)
	}
	if sc.PingInterval != 4*time.Second || sc.ReadTimeout != 7*time.Second {
		t.Errorf("计时参数转换错误: ping=%v read=%v", sc.PingInterval, sc.ReadTimeout)
	}
	if sc.BackoffPolicy != backoff.Exponential {
		t.Errorf("BackoffPolicy = %v, want exponential", sc.BackoffPolicy)
	}
	if sc.QueueDepth != 4096 || sc.ShutdownTimeout != 5*time.Second {
		t.Errorf("默认值转换错误: %+v", sc)
	}
}

// TestLoad_Defaults 测试最小配置的默认值
func TestLoad_Defaults(t *testing.T) {
	cfg, err := Parse([]byte("app:\n  name: minimal\n"))
	if err != nil {
		t.Fatalf("解析最小配置失败: %v", err)
	}

	if cfg.Session.Environment != "mainnet" {
		t.Errorf("Environment = %s, want mainnet", cfg.Session.Environment)
	}
	sc, err := cfg.ToSessionConfig()
	if err != nil {
		t.Fatalf("ToSessionConfig 失败: %v", err)
	}
	want := session.DefaultConfig()
	if sc.URL != want.URL || sc.PingInterval != want.PingInterval || sc.BackoffStep != want.BackoffStep ||
		sc.BackoffMax != want.BackoffMax || sc.CommandBuffer != want.CommandBuffer {
		t.Errorf("默认会话配置不一致: got %+v", sc)
	}
	if cfg.Auth.Enabled() {
		t.Error("未配置 key_id 时不应启用登录")
	}
}

// TestLoad_InvalidFile 测试加载无效文件
func TestLoad_InvalidFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("加载不存在的文件应返回错误")
	}
}

// TestLoad_InvalidYAML 测试加载无效 YAML
func TestLoad_InvalidYAML(t *testing.T) {
	tmpDir := t.TempDir()
	tmpFile := filepath.Join(tmpDir, "invalid.yaml")
	if err := os.WriteFile(tmpFile, []byte("invalid: yaml: content:"), 0644); err != nil {
		t.Fatalf("创建临时文件失败: %v", err)
	}

	_, err := Load(tmpFile)
	if err == nil {
		t.Error("加载无效 YAML 应返回错误")
	}
}

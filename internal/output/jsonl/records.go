package jsonl

import (
	"encoding/json"

	"trading-ws-session/internal/session"
)

// NotificationRecord notifications.jsonl 的一行
type NotificationRecord struct {
	// TsNs 本地接收时间（纳秒）
	TsNs int64 `json:"ts_ns"`
	// SessionID 会话 ID
	SessionID string `json:"session_id"`
	// Scope 作用域
	Scope string `json:"scope"`
	// Channel 频道名
	Channel string `json:"channel"`
	// Payload 原始 notification 字段
	Payload json.RawMessage `json:"payload"`
}

// MetricsRecord metrics.jsonl 的一行
type MetricsRecord struct {
	// TsNs 采样时间（纳秒）
	TsNs int64 `json:"ts_ns"`
	// Session 会话指标快照
	Session session.ConnectionMetrics `json:"session"`
	// Notifications 推送文件写入统计
	Notifications *Stats `json:"notifications,omitempty"`
}

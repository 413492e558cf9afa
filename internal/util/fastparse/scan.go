// Package fastparse 提供入站帧的零分配前缀扫描。
// RPC 响应与频道推送占了绝大部分消息量，热路径上只扫描前缀字段，
// 不做完整 JSON 解析；扫描失败时由调用方回退到 encoding/json。
package fastparse

import "bytes"

var (
	// idPrefix RPC 响应前缀，首字段必须是 id
	idPrefix = []byte(`{"id":`)
	// channelPrefix 频道推送前缀，首字段必须是 channel_name
	channelPrefix = []byte(`{"channel_name":"`)
)

// maxUint64Div10 用于溢出检查
const maxUint64Div10 = ^uint64(0) / 10

// HasIDPrefix 判断是否为 id 开头的 RPC 响应形态
func HasIDPrefix(data []byte) bool {
	return bytes.HasPrefix(data, idPrefix)
}

// HasChannelPrefix 判断是否为 channel_name 开头的推送形态
func HasChannelPrefix(data []byte) bool {
	return bytes.HasPrefix(data, channelPrefix)
}

// ExtractID 从 RPC 响应前缀中手工扫描数字 id
// 参数 data: 原始帧字节
// 返回: id 与是否为响应形态。
// 形态匹配但 id 为 null、缺少数字或溢出时返回 (0, true)；
// 请求 id 从 1 开始分配，0 永远不会命中待决表。
func ExtractID(data []byte) (id uint64, isResponse bool) {
	if !HasIDPrefix(data) {
		return 0, false
	}

	i := len(idPrefix)
	// 允许冒号后的空白
	for i < len(data) && (data[i] == ' ' || data[i] == '\t') {
		i++
	}

	start := i
	for i < len(data) {
		b := data[i]
		if b < '0' || b > '9' {
			break
		}
		d := uint64(b - '0')
		if id > maxUint64Div10 || (id == maxUint64Div10 && d > ^uint64(0)%10) {
			return 0, true
		}
		id = id*10 + d
		i++
	}

	if i == start {
		return 0, true
	}
	return id, true
}

// ExtractChannel 从推送前缀中扫描频道名
// 参数 data: 原始帧字节
// 返回: 指向 data 内部的频道名切片（不分配）与是否成功。
// 遇到转义字符或缺少结束引号时返回 false，由调用方回退完整解析。
func ExtractChannel(data []byte) ([]byte, bool) {
	if !HasChannelPrefix(data) {
		return nil, false
	}

	start := len(channelPrefix)
	for i := start; i < len(data); i++ {
		switch data[i] {
		case '"':
			if i == start {
				return nil, false
			}
			return data[start:i], true
		case '\\':
			return nil, false
		}
	}
	return nil, false
}

// Package timeutil 提供单调时间戳，用于帧到达时间与 RPC 往返时延统计。
package timeutil

import (
	"time"
)

var (
	// baseTime 基准时间点（包含单调时钟读数）
	baseTime = time.Now()
	// baseUnixNs 基准时间点对应的 Unix 纳秒时间戳
	baseUnixNs = baseTime.UnixNano()
)

// NowNano 获取当前 Unix 纳秒时间戳
// NowNano = baseUnixNs + time.Since(baseTime)，系统时间跳变时差值仍保持单调。
func NowNano() int64 {
	return baseUnixNs + time.Since(baseTime).Nanoseconds()
}

// NanoToMs 将纳秒转换为毫秒
func NanoToMs(ns int64) int64 {
	return ns / 1_000_000
}

// SinceNano 计算从指定纳秒时间戳到现在的时间差
func SinceNano(startNs int64) time.Duration {
	return time.Duration(NowNano() - startNs)
}

// AgeMs 计算时间戳距今的毫秒数；startNs<=0（从未记录）时返回 -1
func AgeMs(startNs int64) int64 {
	if startNs <= 0 {
		return -1
	}
	return NanoToMs(NowNano() - startNs)
}

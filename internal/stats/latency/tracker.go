// Package latency 实现 RPC 往返时延的滚动窗口统计。
// 按请求作用域（public/private）维护独立窗口。
package latency

import (
	"sort"
	"sync"
	"time"
)

// LatencyStats 时延统计快照（滚动窗口）
// 单位：毫秒。
type LatencyStats struct {
	// Label 统计标签，如 public、private
	Label string `json:"label"`
	// Count 样本总数（累计）
	Count int64 `json:"count"`
	// P50Ms 往返时延 P50
	P50Ms float64 `json:"p50_ms"`
	// P90Ms 往返时延 P90
	P90Ms float64 `json:"p90_ms"`
	// P99Ms 往返时延 P99
	P99Ms float64 `json:"p99_ms"`
	// MaxMs 窗口内最大值
	MaxMs float64 `json:"max_ms"`
}

type rollingWindow struct {
	size  int
	buf   []int64
	pos   int
	count int64
	full  bool

	mu sync.Mutex
}

func newRollingWindow(size int) *rollingWindow {
	return &rollingWindow{size: size, buf: make([]int64, 0, size)}
}

func (w *rollingWindow) add(v int64) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.count++
	if w.size <= 0 {
		return
	}

	if !w.full {
		w.buf = append(w.buf, v)
		if len(w.buf) == w.size {
			w.full = true
			w.pos = 0
		}
		return
	}

	w.buf[w.pos] = v
	w.pos++
	if w.pos >= w.size {
		w.pos = 0
	}
}

func (w *rollingWindow) snapshotQuantiles(qs ...float64) (count int64, values []int64) {
	w.mu.Lock()
	defer w.mu.Unlock()

	count = w.count
	if len(w.buf) == 0 {
		return count, make([]int64, len(qs))
	}

	tmp := make([]int64, len(w.buf))
	copy(tmp, w.buf)
	sort.Slice(tmp, func(i, j int) bool { return tmp[i] < tmp[j] })

	values = make([]int64, len(qs))
	n := len(tmp)
	for i, q := range qs {
		switch {
		case q <= 0:
			values[i] = tmp[0]
		case q >= 1:
			values[i] = tmp[n-1]
		default:
			values[i] = tmp[int(float64(n-1)*q)]
		}
	}
	return count, values
}

// Tracker 往返时延追踪器
type Tracker struct {
	windowSize int

	mu      sync.RWMutex
	windows map[string]*rollingWindow
}

// NewTracker 创建时延追踪器
// 参数 windowSize: 每个标签的滚动窗口大小（建议 1000~10000）
func NewTracker(windowSize int) *Tracker {
	return &Tracker{
		windowSize: windowSize,
		windows:    make(map[string]*rollingWindow, 2),
	}
}

// Add 记录一次往返时延
// 负值视为时钟异常，直接忽略。
func (t *Tracker) Add(label string, d time.Duration) {
	if d < 0 {
		return
	}

	t.mu.RLock()
	w, ok := t.windows[label]
	t.mu.RUnlock()

	if !ok {
		t.mu.Lock()
		w, ok = t.windows[label]
		if !ok {
			w = newRollingWindow(t.windowSize)
			t.windows[label] = w
		}
		t.mu.Unlock()
	}

	w.add(int64(d))
}

// Stats 获取指定标签的统计快照；未记录过的标签返回零值
func (t *Tracker) Stats(label string) LatencyStats {
	t.mu.RLock()
	w, ok := t.windows[label]
	t.mu.RUnlock()
	if !ok {
		return LatencyStats{Label: label}
	}

	count, qs := w.snapshotQuantiles(0.50, 0.90, 0.99, 1)
	return LatencyStats{
		Label: label,
		Count: count,
		P50Ms: float64(qs[0]) / 1_000_000.0,
		P90Ms: float64(qs[1]) / 1_000_000.0,
		P99Ms: float64(qs[2]) / 1_000_000.0,
		MaxMs: float64(qs[3]) / 1_000_000.0,
	}
}

// Labels 返回已记录的标签（已排序）
func (t *Tracker) Labels() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	labels := make([]string, 0, len(t.windows))
	for l := range t.windows {
		labels = append(labels, l)
	}
	sort.Strings(labels)
	return labels
}

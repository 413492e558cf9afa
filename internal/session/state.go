package session

import (
	"context"
	"sync"
)

// StateWatcher 连接状态广播
// 每次状态变化关闭旧的 changed 通道并换上新通道，所有等待者同时被唤醒。
// Exited 为终态，之后的发布被忽略。
type StateWatcher struct {
	mu      sync.Mutex
	state   ConnectionState
	changed chan struct{}
}

func newStateWatcher(initial ConnectionState) *StateWatcher {
	return &StateWatcher{
		state:   initial,
		changed: make(chan struct{}),
	}
}

// Load 返回当前状态
func (w *StateWatcher) Load() ConnectionState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Snapshot 返回当前状态以及下一次变化时会被关闭的通道
func (w *StateWatcher) Snapshot() (ConnectionState, <-chan struct{}) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state, w.changed
}

// publish 发布新状态，状态未变化或已处于终态时返回 false
func (w *StateWatcher) publish(s ConnectionState) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state == s || w.state == Exited {
		return false
	}
	w.state = s
	close(w.changed)
	w.changed = make(chan struct{})
	return true
}

// WaitChange 阻塞直到状态不同于 last
// 参数 last: 调用方最后观察到的状态
// 返回: 新状态；ctx 取消时返回 ctx.Err()
func (w *StateWatcher) WaitChange(ctx context.Context, last ConnectionState) (ConnectionState, error) {
	for {
		state, changed := w.Snapshot()
		if state != last {
			return state, nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return state, ctx.Err()
		}
	}
}

// WaitFor 阻塞直到进入目标状态
// 会话进入 Exited 且目标不是 Exited 时返回 ErrShutdown。
func (w *StateWatcher) WaitFor(ctx context.Context, target ConnectionState) error {
	for {
		state, changed := w.Snapshot()
		if state == target {
			return nil
		}
		if state == Exited {
			return ErrShutdown
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

package session

import (
	"sync"
	"sync/atomic"

	"trading-ws-session/internal/util/timeutil"
)

// rpcResult 投递给等待方的一次性结果
type rpcResult struct {
	data []byte
	err  error
}

// pendingRequest 待决请求
// ch 容量为 1，投递方永不阻塞。
type pendingRequest struct {
	ch     chan rpcResult
	method string
	sentAt int64
}

// pendingTable 请求 ID 到待决请求的映射
// 每个条目恰好被 resolve、remove、purge 中的一个取走一次。
type pendingTable struct {
	mu      sync.Mutex
	entries map[uint64]*pendingRequest
	nextID  atomic.Uint64
}

func newPendingTable() *pendingTable {
	return &pendingTable{
		entries: make(map[uint64]*pendingRequest),
	}
}

// nextRequestID 分配请求 ID，从 1 开始单调递增
func (t *pendingTable) nextRequestID() uint64 {
	return t.nextID.Add(1)
}

// insert 登记待决请求
func (t *pendingTable) insert(id uint64, method string) *pendingRequest {
	req := &pendingRequest{
		ch:     make(chan rpcResult, 1),
		method: method,
		sentAt: timeutil.NowNano(),
	}

	t.mu.Lock()
	t.entries[id] = req
	t.mu.Unlock()
	return req
}

// resolve 取出条目并投递响应
// 返回: 被投递的请求；ID 不存在时返回 false
func (t *pendingTable) resolve(id uint64, data []byte) (*pendingRequest, bool) {
	t.mu.Lock()
	req, ok := t.entries[id]
	if ok {
		delete(t.entries, id)
	}
	t.mu.Unlock()

	if !ok {
		return nil, false
	}
	req.ch <- rpcResult{data: data}
	return req, true
}

// remove 调用方放弃等待时取出条目，不投递
func (t *pendingTable) remove(id uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.entries[id]; !ok {
		return false
	}
	delete(t.entries, id)
	return true
}

// purge 以 err 结束全部待决请求
// 返回: 被结束的请求数
func (t *pendingTable) purge(err error) int {
	t.mu.Lock()
	entries := t.entries
	t.entries = make(map[uint64]*pendingRequest)
	t.mu.Unlock()

	for _, req := range entries {
		req.ch <- rpcResult{err: err}
	}
	return len(entries)
}

// contains 请求是否仍在等待响应
func (t *pendingTable) contains(id uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.entries[id]
	return ok
}

// len 当前待决请求数
func (t *pendingTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

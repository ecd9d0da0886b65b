// Package metrics 进程内计数器，由 /metrics 以 Prometheus 文本格式输出
package metrics

import (
	"sort"
	"sync"
	"sync/atomic"
)

// labeledCounter 带单一标签的计数器，线程安全
type labeledCounter struct {
	total   uint64
	mu      sync.Mutex
	byLabel map[string]uint64
}

func (c *labeledCounter) add(label string, n uint64) {
	atomic.AddUint64(&c.total, n)
	c.mu.Lock()
	if c.byLabel == nil {
		c.byLabel = make(map[string]uint64)
	}
	c.byLabel[label] += n
	c.mu.Unlock()
}

func (c *labeledCounter) snapshot() (uint64, map[string]uint64) {
	total := atomic.LoadUint64(&c.total)
	c.mu.Lock()
	defer c.mu.Unlock()
	by := make(map[string]uint64, len(c.byLabel))
	for k, v := range c.byLabel {
		by[k] = v
	}
	return total, by
}

func (c *labeledCounter) reset() {
	atomic.StoreUint64(&c.total, 0)
	c.mu.Lock()
	c.byLabel = nil
	c.mu.Unlock()
}

var (
	rl             labeledCounter
	adapterFailure labeledCounter
	syncAdded      labeledCounter
	syncUpdated    labeledCounter
	syncRuns       labeledCounter
)

// IncRateLimitDrop 记录一次 429；prefix 为空记为 global
func IncRateLimitDrop(prefix string) {
	if prefix == "" {
		prefix = "global"
	}
	rl.add(prefix, 1)
}

// RateLimitSnapshot 返回限流计数副本
func RateLimitSnapshot() (total uint64, by map[string]uint64) {
	return rl.snapshot()
}

// IncAdapterFailure 记录外部工单源调用失败（超时、非 2xx、响应无法解析）
func IncAdapterFailure(source string) {
	adapterFailure.add(source, 1)
}

// AdapterFailureSnapshot 按来源的失败次数
func AdapterFailureSnapshot() (total uint64, by map[string]uint64) {
	return adapterFailure.snapshot()
}

// ObserveSync 记录一次同步的新增与更新条数，operation 如 tickets、servicenow、emails
func ObserveSync(operation string, added, updated int) {
	syncRuns.add(operation, 1)
	if added > 0 {
		syncAdded.add(operation, uint64(added))
	}
	if updated > 0 {
		syncUpdated.add(operation, uint64(updated))
	}
}

// SyncSnapshot 同步计数
type SyncSnapshot struct {
	Runs    map[string]uint64
	Added   map[string]uint64
	Updated map[string]uint64
}

func SyncStats() SyncSnapshot {
	_, runs := syncRuns.snapshot()
	_, added := syncAdded.snapshot()
	_, updated := syncUpdated.snapshot()
	return SyncSnapshot{Runs: runs, Added: added, Updated: updated}
}

// SortedKeys 按字典序返回标签，保证输出稳定
func SortedKeys(m map[string]uint64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Reset 清空全部计数（测试用）
func Reset() {
	rl.reset()
	adapterFailure.reset()
	syncAdded.reset()
	syncUpdated.reset()
	syncRuns.reset()
}

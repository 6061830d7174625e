// =============================================================================
// 文件: internal/metrics/metrics.go
// 描述: 流量统计 - 按服务器累计入站/出站字节与最近一次延迟
// =============================================================================
package metrics

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mrcgq/ssrelay/internal/config"
)

// ServerTraffic 单个服务器的统计
type ServerTraffic struct {
	Server      string
	Inbound     uint64
	Outbound    uint64
	Latency     time.Duration
	LatencyAt   time.Time
	Connections uint64
}

type serverCounters struct {
	name        string
	inbound     uint64
	outbound    uint64
	connections uint64

	mu        sync.Mutex
	latency   time.Duration
	latencyAt time.Time
}

// Traffic 流量统计
// 实现 relay.Sink
type Traffic struct {
	inbound  uint64
	outbound uint64

	servers sync.Map // key -> *serverCounters

	startTime time.Time
	now       func() time.Time
}

// New 创建流量统计
func New() *Traffic {
	return &Traffic{
		startTime: time.Now(),
		now:       time.Now,
	}
}

func (t *Traffic) counters(server *config.Server) *serverCounters {
	key := server.Key()
	if v, ok := t.servers.Load(key); ok {
		return v.(*serverCounters)
	}
	v, _ := t.servers.LoadOrStore(key, &serverCounters{name: server.FriendlyName()})
	return v.(*serverCounters)
}

// =============================================================================
// Sink 接口
// =============================================================================

// AddInbound 服务器 -> 客户端的明文字节
func (t *Traffic) AddInbound(server *config.Server, n int64) {
	if n <= 0 || server == nil {
		return
	}
	atomic.AddUint64(&t.inbound, uint64(n))
	atomic.AddUint64(&t.counters(server).inbound, uint64(n))
}

// AddOutbound 客户端 -> 服务器的明文字节
func (t *Traffic) AddOutbound(server *config.Server, n int64) {
	if n <= 0 || server == nil {
		return
	}
	atomic.AddUint64(&t.outbound, uint64(n))
	atomic.AddUint64(&t.counters(server).outbound, uint64(n))
}

// RecordLatency 记录一次成功连接的耗时
func (t *Traffic) RecordLatency(server *config.Server, latency time.Duration) {
	if server == nil {
		return
	}
	c := t.counters(server)
	atomic.AddUint64(&c.connections, 1)

	c.mu.Lock()
	c.latency = latency
	c.latencyAt = t.now()
	c.mu.Unlock()
}

// =============================================================================
// 查询
// =============================================================================

// GetInbound 入站总字节
func (t *Traffic) GetInbound() uint64 {
	return atomic.LoadUint64(&t.inbound)
}

// GetOutbound 出站总字节
func (t *Traffic) GetOutbound() uint64 {
	return atomic.LoadUint64(&t.outbound)
}

// GetTotalBytes 总字节
func (t *Traffic) GetTotalBytes() uint64 {
	return t.GetInbound() + t.GetOutbound()
}

// GetUptime 运行时间
func (t *Traffic) GetUptime() time.Duration {
	return time.Since(t.startTime)
}

// Servers 按服务器名称排序的统计快照
func (t *Traffic) Servers() []ServerTraffic {
	var out []ServerTraffic
	t.servers.Range(func(_, v any) bool {
		c := v.(*serverCounters)
		c.mu.Lock()
		st := ServerTraffic{
			Server:      c.name,
			Inbound:     atomic.LoadUint64(&c.inbound),
			Outbound:    atomic.LoadUint64(&c.outbound),
			Connections: atomic.LoadUint64(&c.connections),
			Latency:     c.latency,
			LatencyAt:   c.latencyAt,
		}
		c.mu.Unlock()
		out = append(out, st)
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Server < out[j].Server })
	return out
}

// GetStats 获取所有统计信息
func (t *Traffic) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"uptime":      t.GetUptime().String(),
		"inbound":     t.GetInbound(),
		"outbound":    t.GetOutbound(),
		"total_bytes": t.GetTotalBytes(),
		"servers":     len(t.Servers()),
	}
}

// Reset 重置所有统计（用于测试）
func (t *Traffic) Reset() {
	atomic.StoreUint64(&t.inbound, 0)
	atomic.StoreUint64(&t.outbound, 0)
	t.servers.Range(func(k, _ any) bool {
		t.servers.Delete(k)
		return true
	})
	t.startTime = time.Now()
}

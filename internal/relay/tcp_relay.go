// =============================================================================
// 文件: internal/relay/tcp_relay.go
// 描述: TCP 中继服务 - 接管 SOCKS5 连接, 维护活动会话表与空闲清扫
// =============================================================================
package relay

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/mrcgq/ssrelay/internal/listener"
	"github.com/mrcgq/ssrelay/internal/socks5"
)

// TCPRelay SOCKS5 TCP 中继
type TCPRelay struct {
	ctx *Context

	handlers  map[uint64]*Handler
	nextID    uint64
	lastSweep time.Time
	mu        sync.Mutex
}

// NewTCPRelay 创建 TCP 中继
func NewTCPRelay(ctx *Context) *TCPRelay {
	return &TCPRelay{
		ctx:       ctx,
		handlers:  make(map[uint64]*Handler),
		lastSweep: ctx.now(),
	}
}

// Handle 实现 listener.Service
// 首字节为 SOCKS 版本 5 的 TCP 请求
func (r *TCPRelay) Handle(req *listener.Request) (bool, error) {
	if req.Network != listener.NetworkTCP || len(req.First) < 2 || req.First[0] != socks5.Version5 {
		return false, nil
	}

	id := atomic.AddUint64(&r.nextID, 1)
	h := newHandler(id, r.ctx, req.Conn, req.First, r.unregister)

	r.mu.Lock()
	r.handlers[id] = h
	r.mu.Unlock()

	h.Start()
	r.sweep()
	return true, nil
}

func (r *TCPRelay) unregister(id uint64) {
	r.mu.Lock()
	delete(r.handlers, id)
	r.mu.Unlock()
}

// sweep 关闭空闲超时的会话, 至多每秒一次
func (r *TCPRelay) sweep() {
	now := r.ctx.now()

	r.mu.Lock()
	if now.Sub(r.lastSweep) <= sweepInterval {
		r.mu.Unlock()
		return
	}
	r.lastSweep = now
	snapshot := make([]*Handler, 0, len(r.handlers))
	for _, h := range r.handlers {
		snapshot = append(snapshot, h)
	}
	r.mu.Unlock()

	var idle int
	for _, h := range snapshot {
		if now.Sub(h.LastActivity()) > r.ctx.IdleTimeout {
			h.Close()
			idle++
		}
	}
	if idle > 0 {
		r.ctx.logger("TCPRelay").WithField("count", idle).Debug("关闭空闲连接")
	}
}

// Len 活动会话数
func (r *TCPRelay) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handlers)
}

// Stop 关闭所有会话
func (r *TCPRelay) Stop() {
	r.mu.Lock()
	snapshot := make([]*Handler, 0, len(r.handlers))
	for _, h := range r.handlers {
		snapshot = append(snapshot, h)
	}
	r.mu.Unlock()

	for _, h := range snapshot {
		h.Close()
	}
}

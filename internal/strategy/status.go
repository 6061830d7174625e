// =============================================================================
// 文件: internal/strategy/status.go
// 描述: 服务器状态 - 每个服务器的延迟、读写与失败时间
// =============================================================================
package strategy

import (
	"sync"
	"time"

	"github.com/mrcgq/ssrelay/internal/config"
)

// 首次出现的服务器假定的延迟
const initialLatency = 10 * time.Millisecond

// Status 服务器状态
type Status struct {
	Server *config.Server
	Index  int

	Latency          time.Duration
	LastLatencyProbe time.Time
	LastRead         time.Time
	LastWrite        time.Time
	LastFailure      time.Time

	Score float64
}

func newStatus(server *config.Server, index int, now time.Time) *Status {
	return &Status{
		Server:           server,
		Index:            index,
		Latency:          initialLatency,
		LastLatencyProbe: now,
		LastRead:         now,
		LastWrite:        now,
		// LastFailure 为零值: 从未失败
	}
}

// statusBook 按注册表顺序维护状态表
// resync 与 lookup 需在持有 mu 时调用
type statusBook struct {
	mu    sync.Mutex
	byKey map[string]*Status
	order []*Status
	now   func() time.Time
}

func (b *statusBook) init(now func() time.Time) {
	b.byKey = make(map[string]*Status)
	b.now = now
}

// resync 以注册表为准重建状态表
// 仍存在的服务器复制原有遥测数据, 新服务器使用初始值
func (b *statusBook) resync(servers []*config.Server) {
	now := b.now()
	byKey := make(map[string]*Status, len(servers))
	order := make([]*Status, 0, len(servers))

	for i, srv := range servers {
		if srv == nil {
			continue
		}
		key := srv.Key()
		if _, dup := byKey[key]; dup {
			continue
		}

		var st *Status
		if old, ok := b.byKey[key]; ok {
			copied := *old
			copied.Server = srv
			copied.Index = i
			st = &copied
		} else {
			st = newStatus(srv, i, now)
		}
		byKey[key] = st
		order = append(order, st)
	}

	b.byKey = byKey
	b.order = order
}

func (b *statusBook) lookup(server *config.Server) *Status {
	if server == nil {
		return nil
	}
	return b.byKey[server.Key()]
}

// Snapshot 返回状态副本, 按注册表顺序
func (b *statusBook) Snapshot() []Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Status, len(b.order))
	for i, st := range b.order {
		out[i] = *st
	}
	return out
}

func (b *statusBook) UpdateLatency(server *config.Server, latency time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if st := b.lookup(server); st != nil {
		st.Latency = latency
		st.LastLatencyProbe = b.now()
	}
}

func (b *statusBook) UpdateLastRead(server *config.Server) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if st := b.lookup(server); st != nil {
		st.LastRead = b.now()
	}
}

func (b *statusBook) UpdateLastWrite(server *config.Server) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if st := b.lookup(server); st != nil {
		st.LastWrite = b.now()
	}
}

func (b *statusBook) SetFailure(server *config.Server) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if st := b.lookup(server); st != nil {
		st.LastFailure = b.now()
	}
}

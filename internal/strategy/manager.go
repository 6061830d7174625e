// =============================================================================
// 文件: internal/strategy/manager.go
// 描述: 策略管理器 - 按配置的策略 ID 分派, 未配置时按索引选择服务器
// =============================================================================
package strategy

import (
	"net"
	"time"

	"github.com/mrcgq/ssrelay/internal/config"
)

// Manager 策略管理器, 自身也实现 Strategy
type Manager struct {
	registry   Registry
	strategies []Strategy
}

// NewManager 创建策略管理器
func NewManager(registry Registry, strategies ...Strategy) *Manager {
	return &Manager{
		registry:   registry,
		strategies: strategies,
	}
}

// Current 返回配置中选定的策略, 未配置或未知 ID 时返回 nil
func (m *Manager) Current() Strategy {
	id := m.registry.StrategyID()
	if id == "" {
		return nil
	}
	for _, s := range m.strategies {
		if s.ID() == id {
			return s
		}
	}
	return nil
}

// ID 当前策略 ID
func (m *Manager) ID() string {
	if s := m.Current(); s != nil {
		return s.ID()
	}
	return ""
}

// Name 当前策略名称
func (m *Manager) Name() string {
	if s := m.Current(); s != nil {
		return s.Name()
	}
	return "Manual"
}

// ReloadServers 通知所有策略重新同步
func (m *Manager) ReloadServers() {
	for _, s := range m.strategies {
		s.ReloadServers()
	}
}

// GetAServer 委托给当前策略, 否则返回索引指定的服务器
func (m *Manager) GetAServer(caller CallerType, client net.Addr) (*config.Server, error) {
	if s := m.Current(); s != nil {
		return s.GetAServer(caller, client)
	}

	servers := m.registry.Servers()
	if len(servers) == 0 {
		return nil, ErrNoServer
	}
	idx := m.registry.CurrentIndex()
	if idx < 0 || idx >= len(servers) {
		idx = 0
	}
	if servers[idx] == nil {
		return nil, ErrNoServer
	}
	return servers[idx], nil
}

// UpdateLatency 转发给当前策略
func (m *Manager) UpdateLatency(server *config.Server, latency time.Duration) {
	if s := m.Current(); s != nil {
		s.UpdateLatency(server, latency)
	}
}

// UpdateLastRead 转发给当前策略
func (m *Manager) UpdateLastRead(server *config.Server) {
	if s := m.Current(); s != nil {
		s.UpdateLastRead(server)
	}
}

// UpdateLastWrite 转发给当前策略
func (m *Manager) UpdateLastWrite(server *config.Server) {
	if s := m.Current(); s != nil {
		s.UpdateLastWrite(server)
	}
}

// SetFailure 转发给当前策略
func (m *Manager) SetFailure(server *config.Server) {
	if s := m.Current(); s != nil {
		s.SetFailure(server)
	}
}

var (
	_ Strategy = (*Manager)(nil)
	_ Strategy = (*HighAvailability)(nil)
	_ Strategy = (*RoundRobin)(nil)
)

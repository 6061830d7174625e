// =============================================================================
// 文件: internal/config/registry.go
// 描述: 服务器注册表 - 并发安全的服务器列表视图, 支持热重载
// =============================================================================
package config

import "sync"

// Registry 服务器注册表
type Registry struct {
	servers  []*Server
	index    int
	strategy string
	mu       sync.RWMutex
}

// NewRegistry 基于配置创建注册表
func NewRegistry(cfg *Config) *Registry {
	r := &Registry{}
	r.Update(cfg)
	return r
}

// Update 用新配置替换服务器列表
func (r *Registry) Update(cfg *Config) {
	servers := make([]*Server, len(cfg.Servers))
	copy(servers, cfg.Servers)

	r.mu.Lock()
	r.servers = servers
	r.index = cfg.Index
	r.strategy = cfg.Strategy
	r.mu.Unlock()
}

// Servers 返回有序的服务器列表 (副本)
func (r *Registry) Servers() []*Server {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Server, len(r.servers))
	copy(out, r.servers)
	return out
}

// CurrentIndex 返回手动选择的服务器索引
func (r *Registry) CurrentIndex() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.index
}

// StrategyID 返回配置的策略 ID, 为空表示按索引选择
func (r *Registry) StrategyID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.strategy
}

// =============================================================================
// 文件: internal/strategy/roundrobin.go
// 描述: 轮询策略 - TCP 连接依次使用服务器, 跳过近期失败的服务器
// =============================================================================
package strategy

import (
	"net"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mrcgq/ssrelay/internal/config"
)

// RoundRobinID 轮询策略 ID
const RoundRobinID = "ssrelay.strategy.round_robin"

// 失败后暂时跳过的时长
const failureCooldown = 10 * time.Second

// RoundRobin 轮询策略
type RoundRobin struct {
	statusBook

	registry Registry
	next     int
	current  *Status
	log      *logrus.Entry
}

// NewRoundRobin 创建轮询策略
func NewRoundRobin(registry Registry, opts ...Option) *RoundRobin {
	o := buildOptions("RoundRobin", opts)
	s := &RoundRobin{
		registry: registry,
		log:      o.log,
	}
	s.statusBook.init(o.now)
	s.ReloadServers()
	return s
}

// ID 策略 ID
func (s *RoundRobin) ID() string {
	return RoundRobinID
}

// Name 策略名称
func (s *RoundRobin) Name() string {
	return "Round Robin"
}

// ReloadServers 与注册表同步
func (s *RoundRobin) ReloadServers() {
	servers := s.registry.Servers()

	s.mu.Lock()
	defer s.mu.Unlock()

	var currentKey string
	if s.current != nil {
		currentKey = s.current.Server.Key()
	}

	s.resync(servers)

	s.current = nil
	if currentKey != "" {
		s.current = s.byKey[currentKey]
	}
	if s.next >= len(s.order) {
		s.next = 0
	}
}

// GetAServer TCP 请求轮换到下一个服务器, UDP 请求沿用上一次的选择
func (s *RoundRobin) GetAServer(caller CallerType, client net.Addr) (*config.Server, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.order) == 0 {
		return nil, ErrNoServer
	}
	if caller == TCP || s.current == nil {
		s.current = s.advance()
		s.log.Debugf("%s 连接使用 %s", caller, s.current.Server.FriendlyName())
	}
	return s.current.Server, nil
}

// advance 返回下一个未处于失败冷却期的服务器, 全部失败时按顺序返回
func (s *RoundRobin) advance() *Status {
	now := s.now()
	n := len(s.order)

	for i := 0; i < n; i++ {
		st := s.order[(s.next+i)%n]
		if st.LastFailure.IsZero() || now.Sub(st.LastFailure) >= failureCooldown {
			s.next = (s.next + i + 1) % n
			return st
		}
	}

	st := s.order[s.next%n]
	s.next = (s.next + 1) % n
	return st
}

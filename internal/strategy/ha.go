// =============================================================================
// 文件: internal/strategy/ha.go
// 描述: 高可用策略 - 综合失败时间、延迟与读写间隔打分, 带滞回切换
// =============================================================================
package strategy

import (
	"math"
	"net"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mrcgq/ssrelay/internal/config"
)

// HighAvailabilityID 高可用策略 ID
const HighAvailabilityID = "ssrelay.strategy.ha"

const (
	// 挑战者分数需超出当前服务器的幅度
	switchMargin = 200

	failureWeight   = 100000
	failureCapSec   = 300
	latencyWeight   = 10
	latencyCapMs    = 2000
	latencyDecaySec = 300
	readWriteWeight = 100
	readWriteCapSec = 5
)

// HighAvailability 高可用策略
// 只在 TCP 请求时重新打分, UDP 请求沿用当前服务器
type HighAvailability struct {
	statusBook

	registry Registry
	current  *Status
	log      *logrus.Entry
}

// NewHighAvailability 创建高可用策略
func NewHighAvailability(registry Registry, opts ...Option) *HighAvailability {
	o := buildOptions("HA", opts)
	s := &HighAvailability{
		registry: registry,
		log:      o.log,
	}
	s.statusBook.init(o.now)
	s.ReloadServers()
	return s
}

// ID 策略 ID
func (s *HighAvailability) ID() string {
	return HighAvailabilityID
}

// Name 策略名称
func (s *HighAvailability) Name() string {
	return "High Availability"
}

// ReloadServers 与注册表同步并立即重新选择
func (s *HighAvailability) ReloadServers() {
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
	s.chooseNewServer()
}

// GetAServer 选择服务器
func (s *HighAvailability) GetAServer(caller CallerType, client net.Addr) (*config.Server, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if caller == TCP {
		s.chooseNewServer()
	}
	if s.current == nil {
		return nil, ErrNoServer
	}
	return s.current.Server, nil
}

// Current 返回当前选中的服务器
func (s *HighAvailability) Current() *config.Server {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return nil
	}
	return s.current.Server
}

// chooseNewServer 重新打分并按滞回规则选择, 需持有 mu
func (s *HighAvailability) chooseNewServer() {
	now := s.now()
	for _, st := range s.order {
		st.Score = score(st, now)
	}

	prev := s.current
	next := selectServer(prev, s.order)
	if next == prev {
		return
	}

	s.current = next
	if prev == nil {
		s.log.Infof("选择服务器 %s (score %.2f)", next.Server.FriendlyName(), next.Score)
	} else {
		s.log.Infof("切换服务器 %s (score %.2f) -> %s (score %.2f)",
			prev.Server.FriendlyName(), prev.Score, next.Server.FriendlyName(), next.Score)
	}
}

// score 计算服务器得分
//
//	100000 * min(300, 距上次失败秒数)
//	- 10 * min(2000, 延迟ms) / (1 + 距上次测速秒数/300)
//	- 100 * min(5, lastRead-lastWrite 秒数)
func score(st *Status, now time.Time) float64 {
	sinceFailure := now.Sub(st.LastFailure).Seconds()
	latencyMs := float64(st.Latency) / float64(time.Millisecond)
	probeAge := now.Sub(st.LastLatencyProbe).Seconds()
	readWrite := st.LastRead.Sub(st.LastWrite).Seconds()

	return failureWeight*math.Min(failureCapSec, sinceFailure) -
		latencyWeight*(math.Min(latencyCapMs, latencyMs)/(1+probeAge/latencyDecaySec)) -
		readWriteWeight*math.Min(readWriteCapSec, readWrite)
}

// selectServer 在候选中取最高分, 同分时注册表索引小者优先
// 当前服务器只有在被超出 switchMargin 以上时才被替换
func selectServer(current *Status, candidates []*Status) *Status {
	var best *Status
	for _, st := range candidates {
		if best == nil || st.Score > best.Score {
			best = st
		}
	}

	if best == nil {
		return nil
	}
	if current == nil {
		return best
	}
	if best.Score-current.Score > switchMargin {
		return best
	}
	return current
}

// =============================================================================
// 文件: internal/strategy/strategy.go
// 描述: 服务器选择策略 - 接口定义与公共选项
// =============================================================================
package strategy

import (
	"errors"
	"net"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mrcgq/ssrelay/internal/config"
)

// ErrNoServer 没有可用的服务器 (配置错误, 不重试)
var ErrNoServer = errors.New("strategy: no server available")

// CallerType 调用方类型
type CallerType int

const (
	// TCP 新建 TCP 连接
	TCP CallerType = iota
	// UDP 新建 UDP 会话
	UDP
)

// String 返回调用方名称
func (c CallerType) String() string {
	if c == UDP {
		return "udp"
	}
	return "tcp"
}

// Registry 服务器注册表
// 由 config.Registry 实现
type Registry interface {
	Servers() []*config.Server
	CurrentIndex() int
	StrategyID() string
}

// Strategy 服务器选择策略
type Strategy interface {
	ID() string
	Name() string

	// ReloadServers 与注册表同步, 保留仍存在服务器的状态
	ReloadServers()

	// GetAServer 为新连接选择服务器
	GetAServer(caller CallerType, client net.Addr) (*config.Server, error)

	UpdateLatency(server *config.Server, latency time.Duration)
	UpdateLastRead(server *config.Server)
	UpdateLastWrite(server *config.Server)
	SetFailure(server *config.Server)
}

// Option 策略选项
type Option func(*options)

type options struct {
	now func() time.Time
	log *logrus.Entry
}

// WithClock 替换时钟 (测试用)
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// WithLogger 设置日志
func WithLogger(log *logrus.Entry) Option {
	return func(o *options) {
		o.log = log
	}
}

func buildOptions(component string, opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if o.log == nil {
		o.log = logrus.NewEntry(logrus.StandardLogger())
	}
	o.log = o.log.WithField("component", component)
	return o
}

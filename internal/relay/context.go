// =============================================================================
// 文件: internal/relay/context.go
// 描述: 中继上下文 - 策略、加密、遥测、解析与拨号等共享依赖
// =============================================================================
package relay

import (
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/proxy"

	"github.com/mrcgq/ssrelay/internal/cipher"
	"github.com/mrcgq/ssrelay/internal/config"
	"github.com/mrcgq/ssrelay/internal/limiter"
	"github.com/mrcgq/ssrelay/internal/strategy"
)

const (
	// RecvSize 每个方向的读缓冲
	RecvSize = 8192

	DefaultConnectTimeout = 3000 * time.Millisecond
	DefaultMaxAttempts    = 4
	DefaultIdleTimeout    = 900 * time.Second
	DefaultDNSTimeout     = 5 * time.Second

	// 空闲清扫的最小间隔
	sweepInterval = time.Second
)

// Sink 遥测接收者
// 字节数均为明文长度
type Sink interface {
	AddInbound(server *config.Server, n int64)
	AddOutbound(server *config.Server, n int64)
	RecordLatency(server *config.Server, latency time.Duration)
}

type nopSink struct{}

func (nopSink) AddInbound(*config.Server, int64) {}
func (nopSink) AddOutbound(*config.Server, int64) {}
func (nopSink) RecordLatency(*config.Server, time.Duration) {}

// Context 中继共享依赖, 创建后只读
type Context struct {
	Strategy strategy.Strategy
	Ciphers  *cipher.Provider
	Sink     Sink
	Resolver *Resolver
	Dialer   proxy.ContextDialer
	Limiter  *limiter.Limiter
	Salts    *cipher.SaltFilter
	Log      *logrus.Entry

	ConnectTimeout time.Duration
	MaxAttempts    int
	IdleTimeout    time.Duration

	now func() time.Time
}

// Option 上下文选项
type Option func(*Context)

// WithDialer 替换上游拨号器, 默认 proxy.Direct
func WithDialer(d proxy.ContextDialer) Option {
	return func(c *Context) {
		c.Dialer = d
	}
}

// WithResolver 替换域名解析器
func WithResolver(r *Resolver) Option {
	return func(c *Context) {
		c.Resolver = r
	}
}

// WithLimiter 客户端带宽限制
func WithLimiter(l *limiter.Limiter) Option {
	return func(c *Context) {
		c.Limiter = l
	}
}

// WithSaltFilter UDP 回包 salt 过滤器
func WithSaltFilter(f *cipher.SaltFilter) Option {
	return func(c *Context) {
		c.Salts = f
	}
}

// WithLogger 设置日志
func WithLogger(log *logrus.Entry) Option {
	return func(c *Context) {
		c.Log = log
	}
}

// WithConnectTimeout 单次连接超时
func WithConnectTimeout(d time.Duration) Option {
	return func(c *Context) {
		if d > 0 {
			c.ConnectTimeout = d
		}
	}
}

// WithMaxAttempts 最大连接尝试次数
func WithMaxAttempts(n int) Option {
	return func(c *Context) {
		if n > 0 {
			c.MaxAttempts = n
		}
	}
}

// WithIdleTimeout 空闲连接超时
func WithIdleTimeout(d time.Duration) Option {
	return func(c *Context) {
		if d > 0 {
			c.IdleTimeout = d
		}
	}
}

// WithClock 替换时钟 (测试用)
func WithClock(now func() time.Time) Option {
	return func(c *Context) {
		c.now = now
	}
}

// NewContext 创建中继上下文
func NewContext(st strategy.Strategy, ciphers *cipher.Provider, sink Sink, opts ...Option) *Context {
	c := &Context{
		Strategy:       st,
		Ciphers:        ciphers,
		Sink:           sink,
		ConnectTimeout: DefaultConnectTimeout,
		MaxAttempts:    DefaultMaxAttempts,
		IdleTimeout:    DefaultIdleTimeout,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.Sink == nil {
		c.Sink = nopSink{}
	}
	if c.Ciphers == nil {
		c.Ciphers = cipher.NewProvider()
	}
	if c.Dialer == nil {
		c.Dialer = proxy.Direct
	}
	if c.Resolver == nil {
		c.Resolver = NewResolver(DefaultDNSTimeout)
	}
	if c.Log == nil {
		c.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	return c
}

func (c *Context) logger(component string) *logrus.Entry {
	return c.Log.WithField("component", component)
}

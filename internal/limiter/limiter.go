// =============================================================================
// 文件: internal/limiter/limiter.go
// 描述: 带宽限制 - 令牌桶包装客户端连接的读写
// =============================================================================
package limiter

import (
	"net"
	"sync/atomic"

	"github.com/juju/ratelimit"
)

// Limiter 每连接带宽限制器
// 每个被包装的连接拥有独立的令牌桶
type Limiter struct {
	rate    int64
	wrapped uint64
}

// New 创建限制器, bytesPerSec <= 0 时返回 nil 表示不限速
func New(bytesPerSec int64) *Limiter {
	if bytesPerSec <= 0 {
		return nil
	}
	return &Limiter{rate: bytesPerSec}
}

// Rate 每秒字节数
func (l *Limiter) Rate() int64 {
	if l == nil {
		return 0
	}
	return l.rate
}

// Wrapped 已包装的连接数
func (l *Limiter) Wrapped() uint64 {
	if l == nil {
		return 0
	}
	return atomic.LoadUint64(&l.wrapped)
}

// Wrap 包装连接, nil 限制器原样返回
func (l *Limiter) Wrap(c net.Conn) net.Conn {
	if l == nil {
		return c
	}
	atomic.AddUint64(&l.wrapped, 1)
	return &throttledConn{
		Conn:   c,
		bucket: ratelimit.NewBucketWithRate(float64(l.rate), l.rate),
	}
}

// throttledConn 读写共享同一个令牌桶
type throttledConn struct {
	net.Conn
	bucket *ratelimit.Bucket
}

func (t *throttledConn) Read(p []byte) (int, error) {
	n, err := t.Conn.Read(p)
	if n > 0 {
		t.bucket.Wait(int64(n))
	}
	return n, err
}

func (t *throttledConn) Write(p []byte) (int, error) {
	t.bucket.Wait(int64(len(p)))
	return t.Conn.Write(p)
}

// CloseWrite 透传半关闭
func (t *throttledConn) CloseWrite() error {
	if cw, ok := t.Conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return t.Conn.Close()
}

// =============================================================================
// 文件: internal/relay/resolver.go
// 描述: 域名解析 - 带超时, 同一主机的并发解析合并为一次
// =============================================================================
package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"golang.org/x/sync/singleflight"
)

// ErrNoAddress 解析结果为空
var ErrNoAddress = errors.New("relay: no address for host")

// Resolver 上游服务器地址解析
type Resolver struct {
	resolver *net.Resolver
	timeout  time.Duration
	group    singleflight.Group
}

// NewResolver 创建解析器, timeout 为单次解析上限
func NewResolver(timeout time.Duration) *Resolver {
	if timeout <= 0 {
		timeout = DefaultDNSTimeout
	}
	return &Resolver{
		resolver: net.DefaultResolver,
		timeout:  timeout,
	}
}

// Resolve 解析主机名, IP 字面量直接返回
// 调用方 ctx 取消时立即返回, 进行中的解析继续为其他调用方服务
func (r *Resolver) Resolve(ctx context.Context, host string) (net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		return ip, nil
	}

	ch := r.group.DoChan(host, func() (interface{}, error) {
		lookupCtx, cancel := context.WithTimeout(context.Background(), r.timeout)
		defer cancel()

		addrs, err := r.resolver.LookupIPAddr(lookupCtx, host)
		if err != nil {
			return nil, err
		}
		// 优先 IPv4
		for _, a := range addrs {
			if a.IP.To4() != nil {
				return a.IP, nil
			}
		}
		if len(addrs) > 0 {
			return addrs[0].IP, nil
		}
		return nil, ErrNoAddress
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, fmt.Errorf("relay: resolve %s: %w", host, res.Err)
		}
		return res.Val.(net.IP), nil
	case <-ctx.Done():
		return nil, fmt.Errorf("relay: resolve %s: %w", host, ctx.Err())
	}
}

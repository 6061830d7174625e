// =============================================================================
// 文件: internal/relay/udp_relay.go
// 描述: UDP 中继服务 - 按客户端端点缓存会话, 容量有界, 淘汰即关闭
// =============================================================================
package relay

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/mrcgq/ssrelay/internal/cache"
	"github.com/mrcgq/ssrelay/internal/listener"
	"github.com/mrcgq/ssrelay/internal/socks5"
	"github.com/mrcgq/ssrelay/internal/strategy"
)

// DefaultUDPCacheSize 默认会话缓存容量
const DefaultUDPCacheSize = 512

// UDPRelay SOCKS5 UDP 中继
type UDPRelay struct {
	ctx      *Context
	sessions *cache.LRU[string, *UDPSession]

	// 串行化会话创建, 同一端点只创建一次
	createMu sync.Mutex
}

// NewUDPRelay 创建 UDP 中继, size 为会话缓存容量
func NewUDPRelay(ctx *Context, size int) (*UDPRelay, error) {
	if size <= 0 {
		size = DefaultUDPCacheSize
	}
	sessions, err := cache.New[string, *UDPSession](size, func(_ string, s *UDPSession) {
		s.Close()
	})
	if err != nil {
		return nil, fmt.Errorf("relay: %w", err)
	}
	return &UDPRelay{ctx: ctx, sessions: sessions}, nil
}

// Handle 实现 listener.Service
// 接管长度不小于 4 的 UDP 数据报, 发送错误不向上返回
func (r *UDPRelay) Handle(req *listener.Request) (bool, error) {
	if req.Network != listener.NetworkUDP || len(req.First) < socks5.MinUDPPacketLen {
		return false, nil
	}

	s, err := r.session(req)
	if err != nil {
		return true, err
	}
	if err := s.Send(req.First); err != nil {
		s.log.WithError(err).Debug("发送失败")
	}
	return true, nil
}

func (r *UDPRelay) session(req *listener.Request) (*UDPSession, error) {
	key := req.From.String()
	if s, ok := r.sessions.Get(key); ok {
		return s, nil
	}

	r.createMu.Lock()
	defer r.createMu.Unlock()

	if s, ok := r.sessions.Get(key); ok {
		return s, nil
	}

	server, err := r.ctx.Strategy.GetAServer(strategy.UDP, req.From)
	if err != nil {
		return nil, err
	}
	ciph, err := r.ctx.Ciphers.Get(server.Method, server.Password)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.ctx.ConnectTimeout)
	defer cancel()
	ip, err := r.ctx.Resolver.Resolve(ctx, server.Host)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrServerUnavailable, err)
	}
	target := &net.UDPAddr{IP: ip, Port: server.Port}

	network := "udp4"
	if ip.To4() == nil {
		network = "udp6"
	}
	conn, err := net.ListenPacket(network, ":0")
	if err != nil {
		return nil, fmt.Errorf("relay: open upstream socket: %w", err)
	}

	s := newUDPSession(r.ctx, req.From, req.PacketConn, server, target, ciph, conn)
	go s.readLoop()
	r.sessions.Add(key, s)

	s.log.WithField("server", server.FriendlyName()).Debug("新建 UDP 会话")
	return s, nil
}

// Len 缓存中的会话数
func (r *UDPRelay) Len() int {
	return r.sessions.Len()
}

// ReplaysDropped 因 salt 重复被丢弃的回包数
func (r *UDPRelay) ReplaysDropped() uint64 {
	if r.ctx.Salts == nil {
		return 0
	}
	return r.ctx.Salts.Stats().Replays
}

// Stop 关闭所有会话
func (r *UDPRelay) Stop() {
	r.sessions.Purge()
}

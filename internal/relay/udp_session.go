// =============================================================================
// 文件: internal/relay/udp_session.go
// 描述: UDP 会话 - 每个客户端端点一个上游套接字, 常驻接收回包
// =============================================================================
package relay

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/mrcgq/ssrelay/internal/cipher"
	"github.com/mrcgq/ssrelay/internal/config"
	"github.com/mrcgq/ssrelay/internal/listener"
	"github.com/mrcgq/ssrelay/internal/socks5"
)

var errSessionClosed = errors.New("relay: udp session closed")

// UDPSession 单个客户端端点的 UDP 会话
type UDPSession struct {
	ctx *Context
	log *logrus.Entry

	client net.Addr
	// reply 本地监听套接字, 回包经它发回客户端
	reply net.PacketConn

	server *config.Server
	target *net.UDPAddr
	ciph   cipher.Cipher
	conn   net.PacketConn

	sendMu  sync.Mutex
	sendBuf []byte
	recvBuf []byte
	outBuf  []byte

	failed int32
	closed int32
	done   chan struct{}
}

func newUDPSession(ctx *Context, client net.Addr, reply net.PacketConn, server *config.Server,
	target *net.UDPAddr, ciph cipher.Cipher, conn net.PacketConn) *UDPSession {
	return &UDPSession{
		ctx:     ctx,
		log:     ctx.logger("UDPRelay").WithField("client", client),
		client:  client,
		reply:   reply,
		server:  server,
		target:  target,
		ciph:    ciph,
		conn:    conn,
		sendBuf: make([]byte, listener.MaxDatagramSize+cipher.MaxOverhead),
		recvBuf: make([]byte, listener.MaxDatagramSize),
		outBuf:  make([]byte, listener.MaxDatagramSize+socks5.UDPHeaderLen),
		done:    make(chan struct{}),
	}
}

// Send 去掉 3 字节头, 用新的 salt 加密后发往上游
func (s *UDPSession) Send(pkt []byte) error {
	if atomic.LoadInt32(&s.closed) == 1 {
		return errSessionClosed
	}
	payload := pkt[socks5.UDPHeaderLen:]

	s.sendMu.Lock()
	sealed, err := cipher.Seal(s.sendBuf, payload, s.ciph)
	if err == nil {
		_, err = s.conn.WriteTo(sealed, s.target)
	}
	s.sendMu.Unlock()
	if err != nil {
		atomic.StoreInt32(&s.failed, 1)
		return err
	}

	s.ctx.Sink.AddOutbound(s.server, int64(len(payload)))
	s.ctx.Strategy.UpdateLastWrite(s.server)
	return nil
}

// readLoop 接收上游回包, 解密后加上 00 00 00 发回客户端
// 出错后停止, 等待被缓存淘汰
func (s *UDPSession) readLoop() {
	defer close(s.done)

	saltSize := s.ciph.SaltSize()
	for {
		n, _, err := s.conn.ReadFrom(s.recvBuf)
		if err != nil {
			if atomic.LoadInt32(&s.closed) == 0 {
				atomic.StoreInt32(&s.failed, 1)
				s.log.WithError(err).Debug("接收上游失败, 会话停止")
			}
			return
		}
		if n < saltSize {
			continue
		}

		pkt := s.recvBuf[:n]
		if !s.ctx.Salts.CheckAndAdd(pkt[:saltSize]) {
			s.log.Debug("丢弃重放的回包")
			continue
		}

		plain, err := cipher.Open(s.outBuf[socks5.UDPHeaderLen:], pkt, s.ciph)
		if err != nil {
			s.log.WithError(err).Debug("解密回包失败")
			continue
		}

		out := s.outBuf[:socks5.UDPHeaderLen+len(plain)]
		out[0], out[1], out[2] = 0, 0, 0
		if _, err := s.reply.WriteTo(out, s.client); err != nil {
			s.log.WithError(err).Debug("回包发送失败")
			continue
		}

		s.ctx.Sink.AddInbound(s.server, int64(len(plain)))
		s.ctx.Strategy.UpdateLastRead(s.server)
	}
}

// Close 关闭上游套接字, 可重复调用
func (s *UDPSession) Close() {
	if !atomic.CompareAndSwapInt32(&s.closed, 0, 1) {
		return
	}
	s.conn.Close()
}

// Failed 会话是否已出错
func (s *UDPSession) Failed() bool {
	return atomic.LoadInt32(&s.failed) == 1
}

// Server 会话使用的上游
func (s *UDPSession) Server() *config.Server {
	return s.server
}

// Done 接收循环退出后关闭
func (s *UDPSession) Done() <-chan struct{} {
	return s.done
}

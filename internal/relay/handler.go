// =============================================================================
// 文件: internal/relay/handler.go
// 描述: TCP 中继会话 - SOCKS5 握手、选择上游、加密双向转发与半关闭
// =============================================================================
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mrcgq/ssrelay/internal/config"
	"github.com/mrcgq/ssrelay/internal/socks5"
	"github.com/mrcgq/ssrelay/internal/strategy"
)

// ErrServerUnavailable 上游不可用 (解析、拨号或超时), 会换服务器重试
var ErrServerUnavailable = errors.New("relay: server unavailable")

var errNoHalfClose = errors.New("relay: half close not supported")

type direction int

const (
	upload   direction = iota // 客户端 -> 上游
	download                  // 上游 -> 客户端
)

// Handler 单个 TCP 连接的中继会话
type Handler struct {
	id         uint64
	ctx        *Context
	log        *logrus.Entry
	unregister func(id uint64)

	// conn 原始客户端连接, 半关闭与关闭使用
	conn net.Conn
	// client 读写客户端数据 (限速, 首包剩余数据)
	client net.Conn
	first  []byte

	state    int32
	attempts int32

	server      *config.Server
	target      string
	upstream    net.Conn
	upstreamRaw net.Conn

	encMu   sync.Mutex
	decMu   sync.Mutex
	upBuf   []byte
	downBuf []byte

	inbound      int64
	outbound     int64
	lastActivity int64

	// 连接阶段随 Close 取消
	connectCtx    context.Context
	cancelConnect context.CancelFunc

	closeMu   sync.Mutex
	closed    bool
	uploadEOF bool
	remoteEOF bool
	done      chan struct{}
}

func newHandler(id uint64, ctx *Context, conn net.Conn, first []byte, unregister func(uint64)) *Handler {
	cctx, cancel := context.WithCancel(context.Background())
	h := &Handler{
		id:            id,
		ctx:           ctx,
		log:           ctx.logger("TCPRelay").WithField("client", conn.RemoteAddr()),
		unregister:    unregister,
		conn:          conn,
		client:        ctx.Limiter.Wrap(conn),
		first:         first,
		state:         int32(StateGreetingWait),
		upBuf:         make([]byte, RecvSize),
		downBuf:       make([]byte, RecvSize),
		connectCtx:    cctx,
		cancelConnect: cancel,
		done:          make(chan struct{}),
	}
	h.touch()
	return h
}

// Start 在独立 goroutine 中运行状态机
func (h *Handler) Start() {
	go h.run()
}

func (h *Handler) run() {
	if !h.greet() {
		h.Close()
		return
	}

	req, err := socks5.ReadRequestHeader(h.client)
	if err != nil {
		h.log.WithError(err).Debug("读取请求失败")
		h.Close()
		return
	}
	h.touch()
	if err := req.CheckCommand(); err != nil {
		h.log.WithError(err).Debug("拒绝请求")
		h.Close()
		return
	}

	switch req.Command {
	case socks5.CmdConnect:
		if !h.setState(StateConnecting) {
			return
		}
		if _, err := h.client.Write(socks5.ConnectReply()); err != nil {
			h.Close()
			return
		}
		if err := h.connect(); err != nil {
			h.logConnectError(err)
			h.Close()
			return
		}
		h.pipe()

	case socks5.CmdUDPAssociate:
		reply, err := socks5.AssociateReply(h.conn.LocalAddr())
		if err != nil || !h.setState(StateAssociate) {
			h.Close()
			return
		}
		if _, err := h.client.Write(reply); err != nil {
			h.Close()
			return
		}
		// UDP 数据走监听端口, TCP 连接仅用于维持关联
		io.Copy(io.Discard, h.client)
		h.Close()
	}
}

func (h *Handler) greet() bool {
	reply, err := socks5.ReplyGreeting(h.first)
	switch {
	case errors.Is(err, socks5.ErrShortRead):
		return false
	case errors.Is(err, socks5.ErrVersion):
		h.client.Write(reply)
		return false
	}

	// 方法列表可能分多次到达, 也可能与请求一起发送
	need := socks5.GreetingLen(h.first)
	if need > len(h.first) {
		if _, err := io.ReadFull(h.client, make([]byte, need-len(h.first))); err != nil {
			h.log.WithError(err).Debug("读取协商报文失败")
			return false
		}
	} else if rest := h.first[need:]; len(rest) > 0 {
		h.client = &prefixConn{Conn: h.client, prefix: rest}
	}

	if _, err := h.client.Write(reply); err != nil {
		return false
	}
	return h.setState(StateRequestWait)
}

// =============================================================================
// 连接上游
// =============================================================================

func (h *Handler) connect() error {
	var lastErr error
	for int(atomic.LoadInt32(&h.attempts)) < h.ctx.MaxAttempts {
		server, err := h.ctx.Strategy.GetAServer(strategy.TCP, h.conn.RemoteAddr())
		if err != nil {
			return err
		}
		if _, err := h.ctx.Ciphers.Get(server.Method, server.Password); err != nil {
			return err
		}
		attempt := atomic.AddInt32(&h.attempts, 1)

		start := h.ctx.now()
		raw, err := h.dial(server)
		if err != nil {
			lastErr = err
			h.ctx.Strategy.SetFailure(server)
			h.log.WithFields(logrus.Fields{
				"server":  server.FriendlyName(),
				"attempt": attempt,
			}).WithError(err).Debug("连接上游失败")
			if h.isClosed() {
				return net.ErrClosed
			}
			continue
		}
		latency := h.ctx.now().Sub(start)

		enc, err := h.ctx.Ciphers.StreamConn(raw, server.Method, server.Password)
		if err != nil {
			raw.Close()
			return err
		}
		if !h.setUpstream(server, raw, enc) {
			raw.Close()
			return net.ErrClosed
		}

		h.ctx.Strategy.UpdateLatency(server, latency)
		h.ctx.Sink.RecordLatency(server, latency)
		h.log.WithFields(logrus.Fields{
			"server":  server.FriendlyName(),
			"latency": latency,
		}).Debug("已连接上游")
		return nil
	}
	return fmt.Errorf("%w: %d attempts: %v", ErrServerUnavailable, h.ctx.MaxAttempts, lastErr)
}

func (h *Handler) dial(server *config.Server) (net.Conn, error) {
	ip, err := h.ctx.Resolver.Resolve(h.connectCtx, server.Host)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrServerUnavailable, err)
	}

	ctx, cancel := context.WithTimeout(h.connectCtx, h.ctx.ConnectTimeout)
	defer cancel()

	addr := net.JoinHostPort(ip.String(), strconv.Itoa(server.Port))
	raw, err := h.ctx.Dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrServerUnavailable, server.Addr(), err)
	}
	return raw, nil
}

func (h *Handler) setUpstream(server *config.Server, raw, enc net.Conn) bool {
	h.closeMu.Lock()
	defer h.closeMu.Unlock()
	if h.closed {
		return false
	}
	h.server = server
	h.upstreamRaw = raw
	h.upstream = enc
	return true
}

func (h *Handler) logConnectError(err error) {
	switch {
	case errors.Is(err, net.ErrClosed):
	case errors.Is(err, strategy.ErrNoServer):
		h.log.Warn("没有可用的服务器")
	default:
		h.log.WithError(err).Warn("无法连接上游")
	}
}

// =============================================================================
// 双向转发
// =============================================================================

func (h *Handler) pipe() {
	if !h.setState(StatePiping) {
		return
	}
	go h.upload()
	go h.download()
}

// upload 客户端 -> 上游, 加密
func (h *Handler) upload() {
	for {
		n, err := h.client.Read(h.upBuf)
		if n > 0 {
			h.touch()
			if atomic.LoadInt64(&h.outbound) == 0 {
				h.parseTarget(h.upBuf[:n])
			}
			h.encMu.Lock()
			_, werr := h.upstream.Write(h.upBuf[:n])
			h.encMu.Unlock()
			if werr != nil {
				h.fail("写入上游", werr)
				return
			}
			atomic.AddInt64(&h.outbound, int64(n))
			h.ctx.Sink.AddOutbound(h.server, int64(n))
			h.ctx.Strategy.UpdateLastWrite(h.server)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				h.halfClose(upload)
				return
			}
			h.fail("读取客户端", err)
			return
		}
	}
}

// download 上游 -> 客户端, 解密
func (h *Handler) download() {
	for {
		h.decMu.Lock()
		n, err := h.upstream.Read(h.downBuf)
		h.decMu.Unlock()
		if n > 0 {
			h.touch()
			if _, werr := h.client.Write(h.downBuf[:n]); werr != nil {
				h.fail("写入客户端", werr)
				return
			}
			atomic.AddInt64(&h.inbound, int64(n))
			h.ctx.Sink.AddInbound(h.server, int64(n))
			h.ctx.Strategy.UpdateLastRead(h.server)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				h.halfClose(download)
				return
			}
			h.fail("读取上游", err)
			return
		}
	}
}

// parseTarget 首段上行数据以目标地址开头
func (h *Handler) parseTarget(b []byte) {
	target, err := socks5.ParseAddr(b)
	if err != nil {
		return
	}
	h.closeMu.Lock()
	h.target = target
	h.closeMu.Unlock()
	h.log.WithFields(logrus.Fields{
		"server": h.server.FriendlyName(),
		"target": target,
	}).Debug("转发")
}

// halfClose 一个方向读到 EOF: 关闭对端的发送方向, 两个方向都结束后关闭会话
func (h *Handler) halfClose(dir direction) {
	h.closeMu.Lock()
	if h.closed {
		h.closeMu.Unlock()
		return
	}
	target := h.conn
	if dir == upload {
		h.uploadEOF = true
		target = h.upstreamRaw
	} else {
		h.remoteEOF = true
	}
	both := h.uploadEOF && h.remoteEOF
	h.closeMu.Unlock()

	if both {
		h.Close()
		return
	}
	if err := closeWrite(target); err != nil {
		h.Close()
	}
}

func closeWrite(c net.Conn) error {
	if cw, ok := c.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return errNoHalfClose
}

func (h *Handler) fail(op string, err error) {
	if !errors.Is(err, net.ErrClosed) && !h.isClosed() {
		h.log.WithError(err).Debug(op + "失败")
	}
	h.Close()
}

// =============================================================================
// 关闭
// =============================================================================

// Close 关闭会话, 可重复调用
func (h *Handler) Close() {
	h.closeMu.Lock()
	if h.closed {
		h.closeMu.Unlock()
		return
	}
	h.closed = true
	up := h.upstreamRaw
	h.closeMu.Unlock()

	atomic.StoreInt32(&h.state, int32(StateClosed))
	h.cancelConnect()

	h.conn.Close()
	if up != nil {
		up.Close()
	}
	if h.unregister != nil {
		h.unregister(h.id)
	}
	close(h.done)
}

func (h *Handler) isClosed() bool {
	h.closeMu.Lock()
	defer h.closeMu.Unlock()
	return h.closed
}

// =============================================================================
// 状态
// =============================================================================

func (h *Handler) setState(to State) bool {
	for {
		from := State(atomic.LoadInt32(&h.state))
		if !canTransition(from, to) {
			return false
		}
		if atomic.CompareAndSwapInt32(&h.state, int32(from), int32(to)) {
			return true
		}
	}
}

func (h *Handler) touch() {
	atomic.StoreInt64(&h.lastActivity, h.ctx.now().UnixNano())
}

// ID 会话标识
func (h *Handler) ID() uint64 { return h.id }

// State 当前状态
func (h *Handler) State() State { return State(atomic.LoadInt32(&h.state)) }

// Done 会话关闭后关闭的通道
func (h *Handler) Done() <-chan struct{} { return h.done }

// Inbound 上游 -> 客户端的明文字节数
func (h *Handler) Inbound() int64 { return atomic.LoadInt64(&h.inbound) }

// Outbound 客户端 -> 上游的明文字节数
func (h *Handler) Outbound() int64 { return atomic.LoadInt64(&h.outbound) }

// LastActivity 最近一次收发数据的时间
func (h *Handler) LastActivity() time.Time {
	return time.Unix(0, atomic.LoadInt64(&h.lastActivity))
}

// Server 已连接的上游, 未连接时为 nil
func (h *Handler) Server() *config.Server {
	h.closeMu.Lock()
	defer h.closeMu.Unlock()
	return h.server
}

// Target 客户端请求的目标地址, 首段上行数据到达前为空
func (h *Handler) Target() string {
	h.closeMu.Lock()
	defer h.closeMu.Unlock()
	return h.target
}

// Attempts 已进行的连接尝试次数
func (h *Handler) Attempts() int { return int(atomic.LoadInt32(&h.attempts)) }

// =============================================================================
// prefixConn
// =============================================================================

// prefixConn 先返回已读取的数据, 再从连接读取
type prefixConn struct {
	net.Conn
	prefix []byte
}

func (c *prefixConn) Read(p []byte) (int, error) {
	if len(c.prefix) > 0 {
		n := copy(p, c.prefix)
		c.prefix = c.prefix[n:]
		return n, nil
	}
	return c.Conn.Read(p)
}

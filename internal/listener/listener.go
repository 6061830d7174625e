// =============================================================================
// 文件: internal/listener/listener.go
// 描述: 本地监听 - 同一端口的 TCP/UDP 套接字, 按顺序分发给服务链
// =============================================================================
package listener

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	// NetworkTCP TCP 请求
	NetworkTCP = "tcp"
	// NetworkUDP UDP 请求
	NetworkUDP = "udp"

	// FirstPacketSize TCP 首包最大读取长度
	FirstPacketSize = 4096
	// MaxDatagramSize UDP 接收缓冲
	MaxDatagramSize = 64 * 1024
	// DefaultFirstPacketTimeout 等待 TCP 首包的默认时间
	DefaultFirstPacketTimeout = 10 * time.Second
)

// ErrPortInUse 端口已被占用
var ErrPortInUse = errors.New("listener: port already in use")

// Request 分发给服务的请求
type Request struct {
	Network string
	// First TCP 首包或完整的 UDP 数据报
	First []byte

	// Conn TCP 连接 (UDP 时为 nil)
	Conn net.Conn
	// PacketConn 监听 UDP 套接字 (TCP 时为 nil)
	PacketConn net.PacketConn

	From net.Addr
}

// Service 请求处理者
// 返回 true 表示接管该请求, 此后由服务负责连接的生命周期
type Service interface {
	Handle(req *Request) (bool, error)
}

// Listener 本地监听器
type Listener struct {
	addr     string
	services []Service
	log      *logrus.Entry

	// 连接后迟迟不发数据的客户端在此时间后关闭
	firstPacketTimeout time.Duration

	tcp net.Listener
	udp net.PacketConn

	running int32
	stopped int32
	wg      sync.WaitGroup
	mu      sync.Mutex
}

// Option 监听器选项
type Option func(*Listener)

// WithFirstPacketTimeout 设置等待 TCP 首包的时间, <= 0 表示不限
func WithFirstPacketTimeout(d time.Duration) Option {
	return func(l *Listener) {
		l.firstPacketTimeout = d
	}
}

// New 创建监听器, services 按优先级排序
func New(addr string, services []Service, log *logrus.Entry, opts ...Option) *Listener {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	l := &Listener{
		addr:               addr,
		services:           services,
		log:                log.WithField("component", "Listener"),
		firstPacketTimeout: DefaultFirstPacketTimeout,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Start 绑定 TCP 与 UDP 并启动收包循环
// 端口为 0 时 UDP 使用 TCP 分配到的端口
func (l *Listener) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.tcp != nil {
		return fmt.Errorf("listener: already started")
	}

	lc := net.ListenConfig{Control: reuseAddr}

	tcp, err := lc.Listen(ctx, "tcp", l.addr)
	if err != nil {
		return bindError(l.addr, err)
	}

	host, _, _ := net.SplitHostPort(l.addr)
	port := tcp.Addr().(*net.TCPAddr).Port
	udpAddr := net.JoinHostPort(host, strconv.Itoa(port))

	udp, err := lc.ListenPacket(ctx, "udp", udpAddr)
	if err != nil {
		tcp.Close()
		return bindError(udpAddr, err)
	}

	l.tcp = tcp
	l.udp = udp
	atomic.StoreInt32(&l.stopped, 0)
	atomic.StoreInt32(&l.running, 1)

	l.wg.Add(2)
	go l.acceptLoop(tcp)
	go l.receiveLoop(udp)

	l.log.WithField("addr", tcp.Addr().String()).Info("开始监听 TCP/UDP")
	return nil
}

func bindError(addr string, err error) error {
	if isAddrInUse(err) {
		return fmt.Errorf("%w: %s", ErrPortInUse, addr)
	}
	return fmt.Errorf("listener: bind %s: %w", addr, err)
}

// Stop 关闭两个套接字并等待收包循环退出
// 已接管的连接不受影响
func (l *Listener) Stop() {
	l.mu.Lock()
	if l.tcp == nil {
		l.mu.Unlock()
		return
	}
	atomic.StoreInt32(&l.stopped, 1)
	atomic.StoreInt32(&l.running, 0)
	l.tcp.Close()
	l.udp.Close()
	l.tcp = nil
	l.udp = nil
	l.mu.Unlock()

	l.wg.Wait()
	l.log.Info("监听已停止")
}

// Running 是否处于监听状态
func (l *Listener) Running() bool {
	return atomic.LoadInt32(&l.running) == 1
}

// Addr TCP 监听地址
func (l *Listener) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.tcp == nil {
		return nil
	}
	return l.tcp.Addr()
}

// UDPAddr UDP 监听地址
func (l *Listener) UDPAddr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.udp == nil {
		return nil
	}
	return l.udp.LocalAddr()
}

func (l *Listener) closing(err error) bool {
	return atomic.LoadInt32(&l.stopped) == 1 || errors.Is(err, net.ErrClosed)
}

// =============================================================================
// TCP
// =============================================================================

func (l *Listener) acceptLoop(ln net.Listener) {
	defer l.wg.Done()

	var backoff time.Duration
	for {
		c, err := ln.Accept()
		if err != nil {
			if l.closing(err) {
				return
			}
			// 文件描述符耗尽等临时错误
			if backoff == 0 {
				backoff = 5 * time.Millisecond
			} else if backoff *= 2; backoff > time.Second {
				backoff = time.Second
			}
			l.log.WithError(err).Warn("accept 失败")
			time.Sleep(backoff)
			continue
		}
		backoff = 0
		go l.serveConn(c)
	}
}

func (l *Listener) serveConn(c net.Conn) {
	if l.firstPacketTimeout > 0 {
		c.SetReadDeadline(time.Now().Add(l.firstPacketTimeout))
	}
	buf := make([]byte, FirstPacketSize)
	n, err := c.Read(buf)
	if err != nil || n == 0 {
		c.Close()
		return
	}
	// 接管后的读写不受首包期限影响
	c.SetReadDeadline(time.Time{})

	req := &Request{
		Network: NetworkTCP,
		First:   buf[:n],
		Conn:    c,
		From:    c.RemoteAddr(),
	}
	if !l.dispatch(req) {
		l.log.WithField("from", req.From).Debug("TCP 请求无服务接管, 关闭")
		c.Close()
	}
}

// =============================================================================
// UDP
// =============================================================================

func (l *Listener) receiveLoop(pc net.PacketConn) {
	defer l.wg.Done()

	buf := make([]byte, MaxDatagramSize)
	for {
		n, from, err := pc.ReadFrom(buf)
		if err != nil {
			if l.closing(err) {
				return
			}
			l.log.WithError(err).Debug("UDP 接收失败")
			continue
		}

		pkt := make([]byte, n)
		copy(pkt, buf[:n])

		req := &Request{
			Network:    NetworkUDP,
			First:      pkt,
			PacketConn: pc,
			From:       from,
		}
		if !l.dispatch(req) {
			l.log.WithField("from", from).Debug("UDP 数据报无服务接管, 丢弃")
		}
	}
}

// =============================================================================
// 分发
// =============================================================================

// dispatch 依次询问服务, 返回是否被接管
// 服务出错或 panic 时记录日志并关闭连接, 视为已处理
func (l *Listener) dispatch(req *Request) bool {
	for _, s := range l.services {
		claimed, err := offer(s, req)
		if err != nil {
			l.log.WithFields(logrus.Fields{
				"network": req.Network,
				"from":    req.From,
			}).WithError(err).Warn("服务处理失败")
			if req.Conn != nil {
				req.Conn.Close()
			}
			return true
		}
		if claimed {
			return true
		}
	}
	return false
}

func offer(s Service, req *Request) (claimed bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			claimed, err = true, fmt.Errorf("listener: service panic: %v", r)
		}
	}()
	return s.Handle(req)
}

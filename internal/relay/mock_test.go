package relay

import (
	"bytes"
	"context"
	gocipher "crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/mrcgq/ssrelay/internal/cipher"
	"github.com/mrcgq/ssrelay/internal/config"
	"github.com/mrcgq/ssrelay/internal/listener"
	"github.com/mrcgq/ssrelay/internal/logging"
	"github.com/mrcgq/ssrelay/internal/strategy"
)

const (
	testMethod   = "aes-256-gcm"
	testPassword = "secret"
	maxChunk     = 0x3FFF
)

// targetAddr SOCKS5 目标地址 127.0.0.1:80
var targetAddr = []byte{0x01, 127, 0, 0, 1, 0x00, 0x50}

func testServer(port int) *config.Server {
	return &config.Server{Host: "127.0.0.1", Port: port, Method: testMethod, Password: testPassword}
}

func testCipher(t *testing.T) cipher.Cipher {
	t.Helper()
	c, err := cipher.NewProvider().Get(testMethod, testPassword)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

// =============================================================================
// fakeStrategy
// =============================================================================

type fakeStrategy struct {
	mu      sync.Mutex
	servers []*config.Server
	next    int
	err     error

	callers   []strategy.CallerType
	failures  int
	reads     int
	writes    int
	latencies int
}

func (s *fakeStrategy) ID() string { return "fake" }
func (s *fakeStrategy) Name() string { return "fake" }
func (s *fakeStrategy) ReloadServers() {}

func (s *fakeStrategy) GetAServer(caller strategy.CallerType, _ net.Addr) (*config.Server, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callers = append(s.callers, caller)
	if s.err != nil {
		return nil, s.err
	}
	if len(s.servers) == 0 {
		return nil, strategy.ErrNoServer
	}
	srv := s.servers[s.next%len(s.servers)]
	s.next++
	return srv, nil
}

func (s *fakeStrategy) UpdateLatency(*config.Server, time.Duration) {
	s.mu.Lock()
	s.latencies++
	s.mu.Unlock()
}

func (s *fakeStrategy) UpdateLastRead(*config.Server) {
	s.mu.Lock()
	s.reads++
	s.mu.Unlock()
}

func (s *fakeStrategy) UpdateLastWrite(*config.Server) {
	s.mu.Lock()
	s.writes++
	s.mu.Unlock()
}

func (s *fakeStrategy) SetFailure(*config.Server) {
	s.mu.Lock()
	s.failures++
	s.mu.Unlock()
}

func (s *fakeStrategy) snapshot() fakeStrategy {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fakeStrategy{
		callers:   append([]strategy.CallerType(nil), s.callers...),
		failures:  s.failures,
		reads:     s.reads,
		writes:    s.writes,
		latencies: s.latencies,
	}
}

// =============================================================================
// recordingSink
// =============================================================================

type recordingSink struct {
	mu        sync.Mutex
	inbound   int64
	outbound  int64
	latencies int
}

func (s *recordingSink) AddInbound(_ *config.Server, n int64) {
	s.mu.Lock()
	s.inbound += n
	s.mu.Unlock()
}

func (s *recordingSink) AddOutbound(_ *config.Server, n int64) {
	s.mu.Lock()
	s.outbound += n
	s.mu.Unlock()
}

func (s *recordingSink) RecordLatency(*config.Server, time.Duration) {
	s.mu.Lock()
	s.latencies++
	s.mu.Unlock()
}

func (s *recordingSink) totals() (in, out int64, latencies int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inbound, s.outbound, s.latencies
}

// =============================================================================
// 时钟与拨号
// =============================================================================

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type timeoutError struct{}

func (timeoutError) Error() string { return "i/o timeout" }
func (timeoutError) Timeout() bool { return true }
func (timeoutError) Temporary() bool { return true }

// timeoutDialer 每次拨号都超时
type timeoutDialer struct {
	mu    sync.Mutex
	calls []string
}

func (d *timeoutDialer) DialContext(_ context.Context, network, addr string) (net.Conn, error) {
	d.mu.Lock()
	d.calls = append(d.calls, addr)
	d.mu.Unlock()
	return nil, &net.OpError{Op: "dial", Net: network, Err: timeoutError{}}
}

func (d *timeoutDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.calls)
}

// =============================================================================
// 测试环境
// =============================================================================

func newTestContext(st strategy.Strategy, sink Sink, opts ...Option) *Context {
	opts = append([]Option{WithLogger(logging.Discard())}, opts...)
	return NewContext(st, cipher.NewProvider(), sink, opts...)
}

func startListener(t *testing.T, services ...listener.Service) *listener.Listener {
	t.Helper()
	l := listener.New("127.0.0.1:0", services, logging.Discard())
	if err := l.Start(context.Background()); err != nil {
		t.Fatalf("启动监听失败: %v", err)
	}
	t.Cleanup(l.Stop)
	return l
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("等待超时: %s", what)
}

func readExactly(t *testing.T, c net.Conn, n int) []byte {
	t.Helper()
	buf := make([]byte, n)
	c.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, err := io.ReadFull(c, buf); err != nil {
		t.Fatalf("读取 %d 字节失败: %v", n, err)
	}
	c.SetReadDeadline(time.Time{})
	return buf
}

// socksConnect 完成协商与 CONNECT 请求, 目标地址随后作为数据发送
func socksConnect(t *testing.T, addr string) net.Conn {
	t.Helper()
	c, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	c.Write([]byte{0x05, 0x01, 0x00})
	if got := readExactly(t, c, 2); !bytes.Equal(got, []byte{0x05, 0x00}) {
		t.Fatalf("协商回复 = %x", got)
	}
	c.Write([]byte{0x05, 0x01, 0x00})
	if got := readExactly(t, c, 10); !bytes.Equal(got, []byte{5, 0, 0, 1, 0, 0, 0, 0, 0, 0}) {
		t.Fatalf("CONNECT 回复 = %x", got)
	}
	return c
}

// =============================================================================
// AEAD 流格式 (手工实现, 独立于被测代码)
// salt || [len(2)+tag][payload+tag]...
// =============================================================================

type aeadChunks struct {
	aead  gocipher.AEAD
	nonce []byte
}

func newChunks(aead gocipher.AEAD) *aeadChunks {
	return &aeadChunks{aead: aead, nonce: make([]byte, aead.NonceSize())}
}

func (a *aeadChunks) incNonce() {
	for i := range a.nonce {
		a.nonce[i]++
		if a.nonce[i] != 0 {
			return
		}
	}
}

func (a *aeadChunks) seal(dst, p []byte) []byte {
	dst = a.aead.Seal(dst, a.nonce, p, nil)
	a.incNonce()
	return dst
}

func (a *aeadChunks) open(p []byte) ([]byte, error) {
	out, err := a.aead.Open(nil, a.nonce, p, nil)
	a.incNonce()
	return out, err
}

func (a *aeadChunks) readChunk(r io.Reader) ([]byte, error) {
	head := make([]byte, 2+a.aead.Overhead())
	if _, err := io.ReadFull(r, head); err != nil {
		return nil, err
	}
	size, err := a.open(head)
	if err != nil {
		return nil, err
	}
	body := make([]byte, int(binary.BigEndian.Uint16(size))&maxChunk+a.aead.Overhead())
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return a.open(body)
}

func (a *aeadChunks) writeChunks(w io.Writer, p []byte) error {
	for len(p) > 0 {
		n := len(p)
		if n > maxChunk {
			n = maxChunk
		}
		out := a.seal(nil, []byte{byte(n >> 8), byte(n)})
		out = a.seal(out, p[:n])
		if _, err := w.Write(out); err != nil {
			return err
		}
		p = p[n:]
	}
	return nil
}

// aeadUpstream 模拟上游服务器
// mode "echo": 边收边回显; "collect": 读到 EOF 后一次性回显并半关闭;
// "early": 收到首段数据后回复 "hi" 并立即半关闭, 继续接收直到 EOF
type aeadUpstream struct {
	ln   net.Listener
	ciph cipher.Cipher
	mode string

	mu       sync.Mutex
	received [][]byte
	sawEOF   int
}

func startAEADUpstream(t *testing.T, mode string) *aeadUpstream {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	u := &aeadUpstream{ln: ln, ciph: testCipher(t), mode: mode}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go u.serve(c)
		}
	}()
	return u
}

func (u *aeadUpstream) port() int {
	return u.ln.Addr().(*net.TCPAddr).Port
}

func (u *aeadUpstream) serve(c net.Conn) {
	defer c.Close()

	salt := make([]byte, u.ciph.SaltSize())
	if _, err := io.ReadFull(c, salt); err != nil {
		return
	}
	dec, err := u.ciph.Decrypter(salt)
	if err != nil {
		return
	}
	replySalt := make([]byte, u.ciph.SaltSize())
	rand.Read(replySalt)
	enc, err := u.ciph.Encrypter(replySalt)
	if err != nil {
		return
	}
	if _, err := c.Write(replySalt); err != nil {
		return
	}

	r, w := newChunks(dec), newChunks(enc)
	var all []byte
	for {
		p, err := r.readChunk(c)
		if err != nil {
			if errors.Is(err, io.EOF) {
				u.mu.Lock()
				u.sawEOF++
				u.mu.Unlock()
			}
			break
		}
		first := len(all) == 0
		all = append(all, p...)
		switch {
		case u.mode == "echo":
			if err := w.writeChunks(c, p); err != nil {
				return
			}
		case u.mode == "early" && first:
			if err := w.writeChunks(c, []byte("hi")); err != nil {
				return
			}
			c.(*net.TCPConn).CloseWrite()
		}
	}

	u.mu.Lock()
	u.received = append(u.received, all)
	u.mu.Unlock()

	switch u.mode {
	case "collect":
		w.writeChunks(c, all)
		c.(*net.TCPConn).CloseWrite()
	case "echo":
		c.(*net.TCPConn).CloseWrite()
	}
	// 等待对端关闭
	io.Copy(io.Discard, c)
}

// receivedAll 各连接收到的明文, 连接读到结尾后才记录
func (u *aeadUpstream) receivedAll() [][]byte {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([][]byte(nil), u.received...)
}

func (u *aeadUpstream) eofCount() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.sawEOF
}

// udpUpstream 模拟 UDP 上游, 解密后按原样加密回显
// repeat > 1 时同一密文重复发送
type udpUpstream struct {
	pc     net.PacketConn
	ciph   cipher.Cipher
	repeat int
}

func startUDPUpstream(t *testing.T, repeat int) *udpUpstream {
	t.Helper()
	pc, err := net.ListenPacket("udp4", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	u := &udpUpstream{pc: pc, ciph: testCipher(t), repeat: repeat}
	t.Cleanup(func() { pc.Close() })

	go func() {
		buf := make([]byte, 64*1024)
		for {
			n, from, err := pc.ReadFrom(buf)
			if err != nil {
				return
			}
			saltSize := u.ciph.SaltSize()
			if n < saltSize {
				continue
			}
			dec, err := u.ciph.Decrypter(buf[:saltSize])
			if err != nil {
				continue
			}
			plain, err := dec.Open(nil, make([]byte, dec.NonceSize()), buf[saltSize:n], nil)
			if err != nil {
				continue
			}

			salt := make([]byte, saltSize)
			rand.Read(salt)
			enc, _ := u.ciph.Encrypter(salt)
			reply := enc.Seal(append([]byte{}, salt...), make([]byte, enc.NonceSize()), plain, nil)
			for i := 0; i < u.repeat; i++ {
				pc.WriteTo(reply, from)
			}
		}
	}()
	return u
}

func (u *udpUpstream) port() int {
	return u.pc.LocalAddr().(*net.UDPAddr).Port
}

// =============================================================================
// 文件: internal/cipher/cipher.go
// 描述: 加密提供者 - shadowsocks AEAD 流/数据包变换
// =============================================================================
package cipher

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/shadowsocks/go-shadowsocks2/core"
	"github.com/shadowsocks/go-shadowsocks2/shadowaead"
)

const (
	// MaxSaltSize AEAD 最大 salt 长度 (AES-256-GCM / CHACHA20)
	MaxSaltSize = 32
	// TagSize AEAD 认证标签长度
	TagSize = 16
	// MaxOverhead 单个数据包的最大加密开销
	MaxOverhead = MaxSaltSize + TagSize
)

// ErrUnsupportedMethod 不支持的加密方法
var ErrUnsupportedMethod = errors.New("cipher: unsupported method")

// Cipher AEAD 加密器
type Cipher = shadowaead.Cipher

// Provider 按 method+password 缓存密钥派生结果
type Provider struct {
	mu    sync.RWMutex
	cache map[string]Cipher
}

// NewProvider 创建加密提供者
func NewProvider() *Provider {
	return &Provider{cache: make(map[string]Cipher)}
}

// Get 返回 method/password 对应的 AEAD 加密器
func (p *Provider) Get(method, password string) (Cipher, error) {
	key := strings.ToUpper(method) + "\x00" + password

	p.mu.RLock()
	c, ok := p.cache[key]
	p.mu.RUnlock()
	if ok {
		return c, nil
	}

	c, err := pick(method, password)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.cache[key] = c
	p.mu.Unlock()
	return c, nil
}

// StreamConn 将 TCP 连接包装为加密流
// 写入时加密, 读取时解密; 首次写入发送 salt
func (p *Provider) StreamConn(c net.Conn, method, password string) (net.Conn, error) {
	ciph, err := p.Get(method, password)
	if err != nil {
		return nil, err
	}
	return shadowaead.NewConn(c, ciph), nil
}

// Seal 使用新的随机 salt 加密单个数据包
// dst 长度至少为 len(payload)+MaxOverhead
func Seal(dst, payload []byte, c Cipher) ([]byte, error) {
	return shadowaead.Pack(dst, payload, c)
}

// Open 解密单个数据包, 返回 dst 中的明文切片
func Open(dst, pkt []byte, c Cipher) ([]byte, error) {
	return shadowaead.Unpack(dst, pkt, c)
}

// Supported 判断加密方法是否可用
func Supported(method string) bool {
	_, err := pick(method, "probe")
	return err == nil
}

func pick(method, password string) (Cipher, error) {
	c, err := core.PickCipher(method, nil, password)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedMethod, method)
	}
	aead, ok := c.(shadowaead.Cipher)
	if !ok {
		return nil, fmt.Errorf("%w: %s is not an AEAD method", ErrUnsupportedMethod, method)
	}
	return aead, nil
}

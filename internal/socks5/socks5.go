// internal/socks5/socks5.go
// SOCKS5 协议子集 - RFC 1928 无认证协商、CONNECT 与 UDP ASSOCIATE
// 作为本地中继的流量入口

package socks5

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
)

// ============================================
// SOCKS5 协议常量
// ============================================

const (
	Version5 = 0x05

	// 认证方法
	AuthNone     = 0x00
	AuthNoAccept = 0xFF

	// 命令类型
	CmdConnect      = 0x01
	CmdBind         = 0x02
	CmdUDPAssociate = 0x03

	// 地址类型
	AtypIPv4   = 0x01
	AtypDomain = 0x03
	AtypIPv6   = 0x04

	// 回复状态
	RepSuccess = 0x00

	// 版本不符时的拒绝回复 (SOCKS4 "request rejected or failed")
	RejectVersion = 0x00
	RejectCode    = 0x5B

	// RequestHeaderLen VER CMD RSV
	RequestHeaderLen = 3
	// UDPHeaderLen UDP 请求头中 RSV(2) + FRAG(1)
	UDPHeaderLen = 3
	// MinUDPPacketLen UDP 数据报最小长度
	MinUDPPacketLen = 4
)

// ============================================
// 错误定义
// ============================================

var (
	// ErrVersion 版本不是 5
	ErrVersion = errors.New("socks5: unsupported version")
	// ErrShortRead 数据不足
	ErrShortRead = errors.New("socks5: short read")
	// ErrCommandNotSupported 不支持的命令
	ErrCommandNotSupported = errors.New("socks5: command not supported")
	// ErrAddressType 不支持的地址类型
	ErrAddressType = errors.New("socks5: unsupported address type")
)

var (
	greetingAccept = []byte{Version5, AuthNone}
	greetingReject = []byte{RejectVersion, RejectCode}
	connectReply   = []byte{Version5, RepSuccess, 0x00, AtypIPv4, 0, 0, 0, 0, 0, 0}
)

// ============================================
// 协商阶段
// ============================================

// ReplyGreeting 根据客户端的方法协商报文给出回复
// 长度不足 2 时无回复; 版本不是 5 时返回拒绝回复和 ErrVersion
func ReplyGreeting(greeting []byte) ([]byte, error) {
	if len(greeting) < 2 {
		return nil, ErrShortRead
	}
	if greeting[0] != Version5 {
		return clone(greetingReject), ErrVersion
	}
	return clone(greetingAccept), nil
}

// GreetingLen 协商报文声明的长度 (VER NMETHODS METHODS...)
// 结果可能大于 len(greeting), 调用方需补读剩余的方法字节
func GreetingLen(greeting []byte) int {
	if len(greeting) < 2 {
		return len(greeting)
	}
	return 2 + int(greeting[1])
}

// ============================================
// 请求阶段
// ============================================

// Request 请求头
type Request struct {
	Version  byte
	Command  byte
	Reserved byte
}

// CheckCommand 只接受 CONNECT 与 UDP ASSOCIATE
func (r Request) CheckCommand() error {
	switch r.Command {
	case CmdConnect, CmdUDPAssociate:
		return nil
	}
	return fmt.Errorf("%w: 0x%02x", ErrCommandNotSupported, r.Command)
}

// ReadRequestHeader 读取 VER CMD RSV 三个字节
func ReadRequestHeader(r io.Reader) (Request, error) {
	var buf [RequestHeaderLen]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return Request{}, ErrShortRead
		}
		return Request{}, err
	}
	return Request{Version: buf[0], Command: buf[1], Reserved: buf[2]}, nil
}

// ConnectReply CONNECT 成功回复, 固定为零地址
func ConnectReply() []byte {
	return clone(connectReply)
}

// AssociateReply UDP ASSOCIATE 回复, 携带本地监听地址
func AssociateReply(addr net.Addr) ([]byte, error) {
	ip, port, err := splitAddr(addr)
	if err != nil {
		return nil, err
	}

	reply := []byte{Version5, RepSuccess, 0x00}
	if ip4 := ip.To4(); ip4 != nil {
		reply = append(reply, AtypIPv4)
		reply = append(reply, ip4...)
	} else if ip6 := ip.To16(); ip6 != nil {
		reply = append(reply, AtypIPv6)
		reply = append(reply, ip6...)
	} else {
		return nil, fmt.Errorf("%w: %v", ErrAddressType, addr)
	}
	return binary.BigEndian.AppendUint16(reply, uint16(port)), nil
}

func splitAddr(addr net.Addr) (net.IP, int, error) {
	switch a := addr.(type) {
	case *net.TCPAddr:
		return a.IP, a.Port, nil
	case *net.UDPAddr:
		return a.IP, a.Port, nil
	case nil:
		return nil, 0, fmt.Errorf("%w: nil address", ErrAddressType)
	}

	host, portStr, err := net.SplitHostPort(addr.String())
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrAddressType, err)
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return nil, 0, fmt.Errorf("%w: %s", ErrAddressType, host)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrAddressType, err)
	}
	return ip, port, nil
}

// ============================================
// 地址解析
// ============================================

// AddrLen 返回 ATYP 开头的地址 (含端口) 的长度
// 数据不足以判断时返回 ErrShortRead
func AddrLen(b []byte) (int, error) {
	if len(b) < 1 {
		return 0, ErrShortRead
	}
	var n int
	switch b[0] {
	case AtypIPv4:
		n = 1 + net.IPv4len + 2
	case AtypIPv6:
		n = 1 + net.IPv6len + 2
	case AtypDomain:
		if len(b) < 2 {
			return 0, ErrShortRead
		}
		n = 1 + 1 + int(b[1]) + 2
	default:
		return 0, ErrAddressType
	}
	if len(b) < n {
		return 0, ErrShortRead
	}
	return n, nil
}

// ParseAddr 解析 ATYP 开头的地址为 host:port
func ParseAddr(b []byte) (string, error) {
	n, err := AddrLen(b)
	if err != nil {
		return "", err
	}
	port := binary.BigEndian.Uint16(b[n-2 : n])

	var host string
	switch b[0] {
	case AtypIPv4, AtypIPv6:
		host = net.IP(b[1 : n-2]).String()
	case AtypDomain:
		host = string(b[2 : n-2])
	}
	return net.JoinHostPort(host, strconv.Itoa(int(port))), nil
}

func clone(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

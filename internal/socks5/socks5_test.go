package socks5

import (
	"bytes"
	"errors"
	"net"
	"testing"
)

func TestReplyGreeting(t *testing.T) {
	tests := []struct {
		name    string
		in      []byte
		want    []byte
		wantErr error
	}{
		{"无认证", []byte{0x05, 0x01, 0x00}, []byte{0x05, 0x00}, nil},
		{"多种方法", []byte{0x05, 0x02, 0x00, 0x02}, []byte{0x05, 0x00}, nil},
		{"SOCKS4", []byte{0x04, 0x01, 0x00}, []byte{0x00, 0x5B}, ErrVersion},
		{"长度不足", []byte{0x05}, nil, ErrShortRead},
		{"空", nil, nil, ErrShortRead},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ReplyGreeting(tt.in)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
			if !bytes.Equal(got, tt.want) {
				t.Errorf("reply = %x, want %x", got, tt.want)
			}
		})
	}
}

func TestGreetingLen(t *testing.T) {
	if n := GreetingLen([]byte{5, 1, 0, 5, 1, 0}); n != 3 {
		t.Errorf("GreetingLen = %d, want 3", n)
	}
	if n := GreetingLen([]byte{5, 9, 0}); n != 11 {
		t.Errorf("不完整报文应返回声明长度, got %d", n)
	}
	if n := GreetingLen([]byte{5}); n != 1 {
		t.Errorf("缺少 NMETHODS 时返回实际长度, got %d", n)
	}
}

func TestCheckCommand(t *testing.T) {
	for _, cmd := range []byte{CmdConnect, CmdUDPAssociate} {
		if err := (Request{Version: Version5, Command: cmd}).CheckCommand(); err != nil {
			t.Errorf("命令 0x%02x 应被接受: %v", cmd, err)
		}
	}
	for _, cmd := range []byte{CmdBind, 0x00, 0x7F} {
		err := (Request{Version: Version5, Command: cmd}).CheckCommand()
		if !errors.Is(err, ErrCommandNotSupported) {
			t.Errorf("命令 0x%02x 应返回 ErrCommandNotSupported, got %v", cmd, err)
		}
	}
}

func TestReadRequestHeader(t *testing.T) {
	req, err := ReadRequestHeader(bytes.NewReader([]byte{0x05, 0x01, 0x00, 0x01}))
	if err != nil {
		t.Fatal(err)
	}
	if req.Command != CmdConnect || req.Version != Version5 {
		t.Errorf("req = %+v", req)
	}

	if _, err := ReadRequestHeader(bytes.NewReader([]byte{0x05, 0x01})); !errors.Is(err, ErrShortRead) {
		t.Errorf("不足 3 字节应返回 ErrShortRead, got %v", err)
	}
}

func TestConnectReply(t *testing.T) {
	want := []byte{5, 0, 0, 1, 0, 0, 0, 0, 0, 0}
	got := ConnectReply()
	if !bytes.Equal(got, want) {
		t.Fatalf("ConnectReply = %x", got)
	}
	// 返回副本
	got[0] = 0
	if ConnectReply()[0] != 5 {
		t.Error("ConnectReply 应返回副本")
	}
}

func TestAssociateReply(t *testing.T) {
	got, err := AssociateReply(&net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 1080})
	if err != nil {
		t.Fatal(err)
	}
	want := []byte{5, 0, 0, AtypIPv4, 127, 0, 0, 1, 0x04, 0x38}
	if !bytes.Equal(got, want) {
		t.Errorf("IPv4 reply = %x, want %x", got, want)
	}

	got, err = AssociateReply(&net.UDPAddr{IP: net.IPv6loopback, Port: 443})
	if err != nil {
		t.Fatal(err)
	}
	if got[3] != AtypIPv6 || len(got) != 3+1+16+2 {
		t.Errorf("IPv6 reply = %x", got)
	}
	if got[len(got)-2] != 0x01 || got[len(got)-1] != 0xBB {
		t.Errorf("端口编码错误: %x", got[len(got)-2:])
	}

	if _, err := AssociateReply(nil); !errors.Is(err, ErrAddressType) {
		t.Errorf("nil 地址应报错, got %v", err)
	}
}

func TestParseAddr(t *testing.T) {
	tests := []struct {
		in   []byte
		want string
	}{
		{[]byte{AtypIPv4, 8, 8, 4, 4, 0, 53}, "8.8.4.4:53"},
		{append([]byte{AtypDomain, 11}, append([]byte("example.com"), 0x01, 0xBB)...), "example.com:443"},
		{append(append([]byte{AtypIPv6}, net.IPv6loopback...), 0, 80), "[::1]:80"},
	}
	for _, tt := range tests {
		got, err := ParseAddr(tt.in)
		if err != nil {
			t.Fatalf("ParseAddr(%x): %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("ParseAddr = %s, want %s", got, tt.want)
		}
	}

	if _, err := AddrLen([]byte{AtypIPv4, 1, 2}); !errors.Is(err, ErrShortRead) {
		t.Errorf("截断地址应返回 ErrShortRead, got %v", err)
	}
	if _, err := AddrLen([]byte{0x09, 0}); !errors.Is(err, ErrAddressType) {
		t.Errorf("未知类型应返回 ErrAddressType, got %v", err)
	}
}

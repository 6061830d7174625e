// =============================================================================
// 文件: internal/relay/forwarder.go
// 描述: 端口转发 - 接管其他服务不认领的 TCP 连接, 原样转发到本机端口
// =============================================================================
package relay

import (
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/mrcgq/ssrelay/internal/listener"
)

// PortForwarder 本机端口转发, 放在服务链末尾
type PortForwarder struct {
	ctx    *Context
	target string
	log    *logrus.Entry
}

// NewPortForwarder 创建转发到 127.0.0.1:port 的服务
func NewPortForwarder(ctx *Context, port int) *PortForwarder {
	target := net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
	return &PortForwarder{
		ctx:    ctx,
		target: target,
		log:    ctx.logger("PortForwarder").WithField("target", target),
	}
}

// Handle 实现 listener.Service, 接管所有 TCP 请求
func (f *PortForwarder) Handle(req *listener.Request) (bool, error) {
	if req.Network != listener.NetworkTCP {
		return false, nil
	}
	go f.forward(req.Conn, req.First)
	return true, nil
}

func (f *PortForwarder) forward(client net.Conn, first []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), f.ctx.ConnectTimeout)
	remote, err := f.ctx.Dialer.DialContext(ctx, "tcp", f.target)
	cancel()
	if err != nil {
		f.log.WithError(err).Warn("连接转发目标失败")
		client.Close()
		return
	}

	if _, err := remote.Write(first); err != nil {
		client.Close()
		remote.Close()
		return
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		copyHalf(remote, client)
	}()
	go func() {
		defer wg.Done()
		copyHalf(client, remote)
	}()
	wg.Wait()

	client.Close()
	remote.Close()
}

// copyHalf 单向复制, 源端结束后半关闭目的端; 出错时关闭双方
func copyHalf(dst, src net.Conn) {
	_, err := io.Copy(dst, src)
	if err == nil {
		if closeWrite(dst) == nil {
			return
		}
	} else if errors.Is(err, net.ErrClosed) {
		return
	}
	dst.Close()
	src.Close()
}

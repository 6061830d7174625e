//go:build unix

package listener

import (
	"errors"
	"syscall"

	"golang.org/x/sys/unix"
)

// reuseAddr 设置 SO_REUSEADDR
// 不设置 SO_REUSEPORT, 否则两个进程可以同时监听同一端口
func reuseAddr(network, address string, c syscall.RawConn) error {
	var opErr error
	err := c.Control(func(fd uintptr) {
		opErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	})
	if err != nil {
		return err
	}
	return opErr
}

func isAddrInUse(err error) bool {
	return errors.Is(err, unix.EADDRINUSE)
}

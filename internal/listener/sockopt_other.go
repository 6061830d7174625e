//go:build !unix

package listener

import (
	"errors"
	"syscall"
)

// Windows 上 SO_REUSEADDR 允许抢占已占用端口, 保持系统默认
func reuseAddr(network, address string, c syscall.RawConn) error {
	return nil
}

func isAddrInUse(err error) bool {
	return errors.Is(err, syscall.EADDRINUSE)
}

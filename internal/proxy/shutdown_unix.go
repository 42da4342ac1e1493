//go:build unix

package proxy

import (
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// shutdown issues shutdown(SHUT_RDWR) on c's socket, which also wakes any
// goroutine blocked reading it.
func shutdown(c net.Conn) {
	sc, ok := c.(syscall.Conn)
	if !ok {
		closeHalves(c)
		return
	}
	rc, err := sc.SyscallConn()
	if err != nil {
		closeHalves(c)
		return
	}
	_ = rc.Control(func(fd uintptr) {
		_ = unix.Shutdown(int(fd), unix.SHUT_RDWR)
	})
}

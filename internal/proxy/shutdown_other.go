//go:build !unix

package proxy

import "net"

func shutdown(c net.Conn) {
	closeHalves(c)
}

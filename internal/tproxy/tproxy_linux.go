//go:build linux

package tproxy

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/die-net/tokenproxy/internal/proxy"
)

// IsSupported is true on TPROXY-supporting OSes.
const IsSupported = true

// ip6tSOOriginalDst is IP6T_SO_ORIGINAL_DST from linux/netfilter_ipv6/ip6_tables.h,
// read at SOL_IPV6. x/sys/unix does not export it.
const ip6tSOOriginalDst = 80

// ListenTransparentTCP listens on addr and enables IP_TRANSPARENT so the socket
// can accept redirected connections (typical TPROXY setup).
//
// This requires CAP_NET_ADMIN. Callers still need appropriate iptables or
// nftables rules.
func ListenTransparentTCP(ctx context.Context, addr string, ka net.KeepAliveConfig) (net.Listener, error) {
	lc := net.ListenConfig{Control: func(network, _ string, c syscall.RawConn) error {
		var ctrlErr error
		err := c.Control(func(fd uintptr) {
			if network == "tcp6" {
				ctrlErr = unix.SetsockoptInt(int(fd), unix.SOL_IPV6, unix.IPV6_TRANSPARENT, 1)
			} else {
				ctrlErr = unix.SetsockoptInt(int(fd), unix.SOL_IP, unix.IP_TRANSPARENT, 1)
			}
		})
		if err != nil {
			return err
		}
		return ctrlErr
	}}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen tproxy %s: %w", addr, err)
	}
	return &proxy.KeepAliveListener{Listener: ln, KeepAliveConfig: ka}, nil
}

// OriginalDst returns the original destination for a TCP connection redirected
// to this listener.
func OriginalDst(c net.Conn) (*net.TCPAddr, bool) {
	tc, ok := c.(*net.TCPConn)
	if !ok {
		return nil, false
	}
	local, ok := tc.LocalAddr().(*net.TCPAddr)
	if !ok {
		return nil, false
	}
	rc, err := tc.SyscallConn()
	if err != nil {
		return nil, false
	}

	var addr *net.TCPAddr
	_ = rc.Control(func(fd uintptr) {
		if local.IP.To4() != nil {
			// The kernel fills a sockaddr_in; IPv6Mreq is merely a 16 byte
			// buffer of the right size.
			mreq, err := unix.GetsockoptIPv6Mreq(int(fd), unix.SOL_IP, unix.SO_ORIGINAL_DST)
			if err != nil {
				return
			}
			addr = decodeSockaddr4(mreq.Multiaddr)
			return
		}
		info, err := unix.GetsockoptIPv6MTUInfo(int(fd), unix.SOL_IPV6, ip6tSOOriginalDst)
		if err != nil {
			return
		}
		addr = decodeSockaddr6(&info.Addr)
	})

	return addr, addr != nil
}

// decodeSockaddr4 decodes a raw sockaddr_in.
func decodeSockaddr4(raw [16]byte) *net.TCPAddr {
	if binary.NativeEndian.Uint16(raw[0:2]) != unix.AF_INET {
		return nil
	}
	return &net.TCPAddr{
		IP:   net.IPv4(raw[4], raw[5], raw[6], raw[7]),
		Port: int(binary.BigEndian.Uint16(raw[2:4])),
	}
}

// decodeSockaddr6 decodes a raw sockaddr_in6.
func decodeSockaddr6(sa *unix.RawSockaddrInet6) *net.TCPAddr {
	if sa.Family != unix.AF_INET6 {
		return nil
	}
	var port [2]byte
	binary.NativeEndian.PutUint16(port[:], sa.Port)
	ip := make(net.IP, net.IPv6len)
	copy(ip, sa.Addr[:])
	return &net.TCPAddr{IP: ip, Port: int(binary.BigEndian.Uint16(port[:]))}
}

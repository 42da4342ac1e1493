//go:build !linux && !freebsd && !openbsd

package tproxy

import (
	"context"
	"errors"
	"net"
)

// IsSupported is false where no transparent listener is implemented.
const IsSupported = false

var errUnsupported = errors.New("transparent proxy is not supported on this OS")

func ListenTransparentTCP(_ context.Context, _ string, _ net.KeepAliveConfig) (net.Listener, error) {
	return nil, errUnsupported
}

func OriginalDst(_ net.Conn) (*net.TCPAddr, bool) {
	return nil, false
}

package tproxy

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/die-net/tokenproxy/internal/proxy"
)

var errNoOriginalDst = errors.New("original destination unavailable")

// Server tunnels each redirected connection to its original destination.
type Server struct {
	*proxy.Acceptor
	cfg proxy.Config

	// OriginalDst looks up where a connection was headed before it was
	// redirected. It defaults to the platform lookup.
	OriginalDst func(net.Conn) (*net.TCPAddr, bool)
}

func NewServer(ctx context.Context, cfg proxy.Config) *Server {
	s := &Server{cfg: cfg, OriginalDst: OriginalDst}
	s.Acceptor = proxy.NewAcceptor(ctx, "tproxy", cfg, s.handle)
	return s
}

func (s *Server) handle(ctx context.Context, conn net.Conn) error {
	dst, ok := s.OriginalDst(conn)
	if !ok {
		_ = conn.Close()
		return errNoOriginalDst
	}

	up, err := s.cfg.Negotiator.DialContext(ctx, "tcp", dst.String())
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("tunnel to %s: %w", dst, err)
	}

	return s.Relay(ctx, conn, up)
}

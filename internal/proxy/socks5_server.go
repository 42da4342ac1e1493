package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	txsocks5 "github.com/txthinking/socks5"

	"github.com/die-net/tokenproxy/internal/dialer"
	"github.com/die-net/tokenproxy/internal/socks5"
)

var errUnsupportedCommand = errors.New("socks5: unsupported command")

// SOCKS5Server serves the SOCKS5 front-end. Each CONNECT becomes an
// authenticated CONNECT tunnel through the upstream proxy.
type SOCKS5Server struct {
	*Acceptor
	cfg Config
}

func NewSOCKS5Server(ctx context.Context, cfg Config) *SOCKS5Server {
	s := &SOCKS5Server{cfg: cfg.withDefaults()}
	s.Acceptor = NewAcceptor(ctx, "socks5", s.cfg, s.handle)
	return s
}

func (s *SOCKS5Server) handle(ctx context.Context, conn net.Conn) error {
	if s.cfg.NegotiationTimeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(s.cfg.NegotiationTimeout))
	}

	up, err := s.connect(ctx, conn)
	if err != nil {
		_ = conn.Close()
		return err
	}

	_ = conn.SetDeadline(time.Time{})
	return s.Relay(ctx, conn, up)
}

// connect runs the SOCKS5 handshake and returns the tunnel to the target.
func (s *SOCKS5Server) connect(ctx context.Context, conn net.Conn) (net.Conn, error) {
	if err := socks5.ServerNegotiate(conn, s.cfg.SOCKS5Auth); err != nil {
		return nil, err
	}

	req, err := socks5.ServerReadRequest(conn)
	if err != nil {
		return nil, err
	}
	if req.Cmd != socks5.CmdConnect {
		_ = socks5.WriteReply(conn, txsocks5.RepCommandNotSupported, req.Atyp)
		return nil, fmt.Errorf("%w %#x", errUnsupportedCommand, req.Cmd)
	}

	target := req.Address()
	up, err := s.cfg.Negotiator.DialContext(ctx, "tcp", target)
	if err != nil {
		_ = socks5.WriteReply(conn, replyCode(err), req.Atyp)
		return nil, fmt.Errorf("connect %s: %w", target, err)
	}

	if err := socks5.WriteSuccessReply(conn, up.LocalAddr()); err != nil {
		_ = up.Close()
		return nil, err
	}
	return up, nil
}

// replyCode maps a negotiation failure to a SOCKS5 reply code.
func replyCode(err error) byte {
	var exhausted *dialer.ExhaustedError
	var connectErr *dialer.UpstreamConnectError
	switch {
	case errors.As(err, &exhausted):
		return txsocks5.RepNotAllowed
	case errors.As(err, &connectErr):
		return txsocks5.RepConnectionRefused
	default:
		return txsocks5.RepServerFailure
	}
}

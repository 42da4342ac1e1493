package proxy

import (
	"context"
	"log/slog"
	"net"
	"time"

	"github.com/die-net/tokenproxy/internal/dialer"
	"github.com/die-net/tokenproxy/internal/httpwire"
	"github.com/die-net/tokenproxy/internal/metrics"
	"github.com/die-net/tokenproxy/internal/socks5"
)

// Negotiator authenticates a client request against the upstream proxy.
// *dialer.Negotiator implements it.
type Negotiator interface {
	Negotiate(ctx context.Context, req *httpwire.ClientRequest) (net.Conn, *dialer.Result, error)
	dialer.Dialer
}

type Config struct {
	// NegotiationTimeout bounds everything before the relay starts: reading
	// the client request, the upstream handshake, and the reply to the client.
	NegotiationTimeout time.Duration

	// IdleTimeout closes a relay after no bytes moved for this long.
	IdleTimeout time.Duration

	MaxHeaderBytes int

	KeepAlive net.KeepAliveConfig

	Negotiator Negotiator

	// SOCKS5Auth requires SOCKS5 clients to authenticate when Username is set.
	SOCKS5Auth socks5.Auth

	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.MaxHeaderBytes <= 0 {
		c.MaxHeaderBytes = httpwire.DefaultMaxHeadBytes
	}
	if c.Metrics == nil {
		c.Metrics = metrics.New()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

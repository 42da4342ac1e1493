package dialer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"

	"github.com/die-net/tokenproxy/internal/auth"
	"github.com/die-net/tokenproxy/internal/httpwire"
	"github.com/die-net/tokenproxy/internal/metrics"
)

// Negotiator authenticates requests against a fixed upstream proxy.
//
// Every strategy is offered on a brand-new upstream connection: a connection
// that saw a rejection is closed, never patched and reused, because the
// upstream may latch authentication state per connection.
type Negotiator struct {
	cfg        Config
	upstream   string
	strategies []auth.Strategy
	direct     Dialer
	metrics    *metrics.Metrics
	log        *slog.Logger
}

// Result describes a successful negotiation.
type Result struct {
	Strategy auth.Strategy
	// Attempts counts upstream connections used, including the accepted one.
	Attempts int
	// Response is the upstream reply to the accepted attempt.
	Response *httpwire.UpstreamResponse
}

// NewNegotiator constructs a Negotiator for the upstream proxy at upstream
// (host:port) that tries strategies in order.
func NewNegotiator(cfg Config, upstream string, strategies []auth.Strategy) (*Negotiator, error) {
	if _, _, err := net.SplitHostPort(upstream); err != nil {
		return nil, fmt.Errorf("negotiator: invalid upstream %q: %w", upstream, err)
	}
	if len(strategies) == 0 {
		return nil, errors.New("negotiator: no strategies")
	}

	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Direct == nil {
		cfg.Direct = NewDirectDialer(cfg)
	}

	return &Negotiator{
		cfg:        cfg,
		upstream:   upstream,
		strategies: strategies,
		direct:     cfg.Direct,
		metrics:    cfg.Metrics,
		log:        cfg.Logger,
	}, nil
}

// Upstream returns the upstream proxy address.
func (n *Negotiator) Upstream() string {
	return n.upstream
}

// Negotiate sends req to the upstream with each strategy in turn.
//
// On success it returns the upstream connection, with no deadline set, and
// the accepted reply. For a forwarded request the request itself, body prefix
// included, has already been delivered. The reply's Rest holds any bytes the
// upstream sent past its header block.
//
// Errors are *UpstreamConnectError when the upstream cannot be reached and
// *ExhaustedError when every strategy was rejected.
//
// Forwarded requests are resent in full on each retry. Only a 407 triggers a
// retry, but an upstream that acted on the request before rejecting it would
// see it again.
func (n *Negotiator) Negotiate(ctx context.Context, req *httpwire.ClientRequest) (net.Conn, *Result, error) {
	var (
		last    *httpwire.UpstreamResponse
		lastErr error
	)

	for i, s := range n.strategies {
		if n.cfg.Limiter != nil {
			if err := n.cfg.Limiter.Wait(ctx); err != nil {
				return nil, nil, fmt.Errorf("upstream rate limit: %w", err)
			}
		}

		conn, err := n.direct.DialContext(ctx, "tcp", n.upstream)
		if err != nil {
			n.metrics.Handshakes.WithLabelValues(metrics.OutcomeConnectFailed).Inc()
			return nil, nil, &UpstreamConnectError{Addr: n.upstream, Err: err}
		}

		resp, err := n.attempt(ctx, conn, req, s)
		if err != nil {
			_ = conn.Close()
			n.metrics.HandshakeAttempts.WithLabelValues(s.Name, metrics.AttemptError).Inc()
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, nil, ctxErr
			}
			n.log.Debug("upstream attempt failed", "strategy", s.Name, "attempt", i+1, "error", err)
			lastErr = err
			continue
		}

		if accepted(req, resp) {
			n.metrics.HandshakeAttempts.WithLabelValues(s.Name, metrics.AttemptAccepted).Inc()
			n.metrics.Handshakes.WithLabelValues(metrics.OutcomeEstablished).Inc()
			return conn, &Result{Strategy: s, Attempts: i + 1, Response: resp}, nil
		}

		_ = conn.Close()
		n.metrics.HandshakeAttempts.WithLabelValues(s.Name, metrics.AttemptRejected).Inc()
		n.log.Debug("upstream rejected strategy", "strategy", s.Name, "attempt", i+1, "status", resp.StatusLine)
		last = resp
	}

	n.metrics.Handshakes.WithLabelValues(metrics.OutcomeRejected).Inc()
	return nil, nil, &ExhaustedError{Attempts: len(n.strategies), Last: last, Err: lastErr}
}

func (n *Negotiator) attempt(ctx context.Context, conn net.Conn, req *httpwire.ClientRequest, s auth.Strategy) (*httpwire.UpstreamResponse, error) {
	if n.cfg.NegotiationTimeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(n.cfg.NegotiationTimeout))
	}
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Unix(1, 0))
	})

	if _, err := conn.Write(httpwire.Frame(req, s)); err != nil {
		stop()
		return nil, fmt.Errorf("write request: %w", err)
	}

	resp, err := httpwire.ReadResponse(conn, n.cfg.MaxHeaderBytes)
	if !stop() && ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, fmt.Errorf("read reply: %w", err)
	}

	_ = conn.SetDeadline(time.Time{})
	return resp, nil
}

// accepted reports whether resp ends the strategy search. A tunnel needs a
// 200. A forwarded request is answered by the origin through the upstream,
// so anything but a proxy authentication challenge is the final reply.
func accepted(req *httpwire.ClientRequest, resp *httpwire.UpstreamResponse) bool {
	if req.IsConnect() {
		return resp.StatusCode == http.StatusOK
	}
	return resp.StatusCode != http.StatusProxyAuthRequired
}

// DialContext opens an authenticated tunnel to address through the upstream
// proxy, for front-ends that only know a destination.
func (n *Negotiator) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	if !strings.HasPrefix(network, "tcp") {
		return nil, fmt.Errorf("negotiator dial %s %s: unsupported network", network, address)
	}

	conn, res, err := n.Negotiate(ctx, httpwire.NewConnectRequest(address))
	if err != nil {
		return nil, err
	}
	if len(res.Response.Rest) > 0 {
		return &prefixConn{Conn: conn, prefix: res.Response.Rest}, nil
	}
	return conn, nil
}

// prefixConn replays bytes the upstream sent along with its reply before
// reading from the connection.
type prefixConn struct {
	net.Conn
	prefix []byte
}

func (c *prefixConn) Read(p []byte) (int, error) {
	if len(c.prefix) > 0 {
		n := copy(p, c.prefix)
		c.prefix = c.prefix[n:]
		return n, nil
	}
	return c.Conn.Read(p)
}

// SyscallConn exposes the underlying socket so teardown can shut it down.
func (c *prefixConn) SyscallConn() (syscall.RawConn, error) {
	sc, ok := c.Conn.(syscall.Conn)
	if !ok {
		return nil, errors.New("prefixConn: underlying conn has no syscall conn")
	}
	return sc.SyscallConn()
}

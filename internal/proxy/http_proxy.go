package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/die-net/tokenproxy/internal/dialer"
	"github.com/die-net/tokenproxy/internal/httpwire"
	"github.com/die-net/tokenproxy/internal/metrics"
)

// HTTPProxyServer serves the HTTP forward proxy front-end.
//
// Each connection carries exactly one request: a CONNECT tunnel, or one
// absolute-form request whose connection becomes a raw relay once the
// upstream accepts it. Requests are read as raw bytes, so header casing and
// order reach the upstream untouched.
type HTTPProxyServer struct {
	*Acceptor
	cfg Config
}

// NewHTTPProxyServer constructs an HTTP proxy server with the given config.
//
// Serve starts accepting connections on a listener; Close stops all
// listeners and connections.
func NewHTTPProxyServer(ctx context.Context, cfg Config) *HTTPProxyServer {
	s := &HTTPProxyServer{cfg: cfg.withDefaults()}
	s.Acceptor = NewAcceptor(ctx, "http", s.cfg, s.handle)
	return s
}

func (s *HTTPProxyServer) handle(ctx context.Context, client net.Conn) error {
	upstream, err := s.establish(ctx, client)
	if err != nil {
		return err
	}
	return s.Relay(ctx, client, upstream)
}

// establish reads the client request, negotiates it upstream, and answers the
// client. On error client has already been answered where possible and
// closed.
func (s *HTTPProxyServer) establish(ctx context.Context, client net.Conn) (upstream net.Conn, err error) {
	defer func() {
		if r := recover(); r != nil {
			if upstream != nil {
				_ = upstream.Close()
				upstream = nil
			}
			err = fmt.Errorf("internal error: %v", r)
			s.cfg.Metrics.Handshakes.WithLabelValues(metrics.OutcomeInternal).Inc()
			s.fail(client, httpwire.StatusLine(http.StatusInternalServerError))
		}
	}()

	if s.cfg.NegotiationTimeout > 0 {
		_ = client.SetDeadline(time.Now().Add(s.cfg.NegotiationTimeout))
	}

	req, err := s.readRequest(client)
	if err != nil {
		// Nothing is written back for a request that cannot be parsed.
		s.cfg.Metrics.Handshakes.WithLabelValues(metrics.OutcomeMalformed).Inc()
		_ = client.Close()
		return nil, err
	}

	upstream, res, err := s.cfg.Negotiator.Negotiate(ctx, req)
	if err != nil {
		s.fail(client, s.failureStatus(err))
		return nil, err
	}

	s.cfg.Logger.Debug("upstream accepted",
		"method", req.Method,
		"strategy", res.Strategy.Name,
		"attempts", res.Attempts,
		"status", res.Response.StatusCode)

	if err := s.deliver(client, upstream, req, res); err != nil {
		_ = upstream.Close()
		s.cfg.Metrics.Handshakes.WithLabelValues(metrics.OutcomeInternal).Inc()
		s.fail(client, httpwire.StatusLine(http.StatusInternalServerError))
		return nil, err
	}

	_ = client.SetDeadline(time.Time{})
	return upstream, nil
}

func (s *HTTPProxyServer) readRequest(client net.Conn) (*httpwire.ClientRequest, error) {
	head, body, err := httpwire.ReadHead(client, s.cfg.MaxHeaderBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", httpwire.ErrMalformedRequest, err)
	}
	return httpwire.ParseRequest(head, body)
}

// deliver completes the client side of an accepted handshake. Bytes the
// upstream already sent past its response head go to the client, and request
// bytes the client sent past its CONNECT head go to the upstream.
func (s *HTTPProxyServer) deliver(client, upstream net.Conn, req *httpwire.ClientRequest, res *dialer.Result) error {
	if s.cfg.NegotiationTimeout > 0 {
		_ = upstream.SetWriteDeadline(time.Now().Add(s.cfg.NegotiationTimeout))
		defer func() { _ = upstream.SetWriteDeadline(time.Time{}) }()
	}

	var reply []byte
	if req.IsConnect() {
		reply = append([]byte(httpwire.ConnectEstablished), res.Response.Rest...)
	} else {
		reply = append(append([]byte{}, res.Response.Head...), res.Response.Rest...)
	}
	if _, err := client.Write(reply); err != nil {
		return fmt.Errorf("write reply to client: %w", err)
	}

	if req.IsConnect() && len(req.Body) > 0 {
		if _, err := upstream.Write(req.Body); err != nil {
			return fmt.Errorf("write early tunnel bytes: %w", err)
		}
	}
	return nil
}

func (s *HTTPProxyServer) failureStatus(err error) string {
	var exhausted *dialer.ExhaustedError
	var connectErr *dialer.UpstreamConnectError
	switch {
	case errors.As(err, &exhausted):
		return exhausted.StatusLine()
	case errors.As(err, &connectErr):
		return httpwire.StatusLine(http.StatusBadGateway)
	default:
		s.cfg.Metrics.Handshakes.WithLabelValues(metrics.OutcomeInternal).Inc()
		return httpwire.StatusLine(http.StatusInternalServerError)
	}
}

// fail writes a best-effort status reply and closes client.
func (s *HTTPProxyServer) fail(client net.Conn, statusLine string) {
	_ = httpwire.WriteStatus(client, statusLine)
	_ = client.Close()
}

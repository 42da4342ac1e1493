package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/die-net/tokenproxy/internal/metrics"
)

// ErrServerClosed is returned by Serve after Close.
var ErrServerClosed = errors.New("proxy: server closed")

// HandlerFunc serves one accepted connection. It owns conn and must close it
// on every path, directly or through Relay.
type HandlerFunc func(ctx context.Context, conn net.Conn) error

// Acceptor accepts connections and serves each on its own goroutine, so a
// slow handshake on one connection never delays the next accept.
type Acceptor struct {
	name    string
	cfg     Config
	handler HandlerFunc
	log     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	closed    bool
	listeners map[net.Listener]struct{}
	wg        sync.WaitGroup
}

// NewAcceptor returns an Acceptor labeled name in metrics and logs. Canceling
// ctx or calling Close tears down connections still in flight.
func NewAcceptor(ctx context.Context, name string, cfg Config, handler HandlerFunc) *Acceptor {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg = cfg.withDefaults()
	a := &Acceptor{
		name:      name,
		cfg:       cfg,
		handler:   handler,
		log:       cfg.Logger.With("listener", name),
		listeners: make(map[net.Listener]struct{}),
	}
	a.ctx, a.cancel = context.WithCancel(ctx)
	return a
}

// Serve accepts connections on ln until ln fails or the Acceptor is closed.
func (a *Acceptor) Serve(ln net.Listener) error {
	if !a.track(ln) {
		_ = ln.Close()
		return ErrServerClosed
	}
	defer a.untrack(ln)

	for {
		c, err := ln.Accept()
		if err != nil {
			if a.isClosed() {
				return ErrServerClosed
			}
			return fmt.Errorf("accept: %w", err)
		}

		a.cfg.Metrics.ConnectionsTotal.WithLabelValues(a.name).Inc()

		a.mu.Lock()
		if a.closed {
			a.mu.Unlock()
			_ = c.Close()
			return ErrServerClosed
		}
		a.wg.Add(1)
		a.mu.Unlock()

		go func() {
			defer a.wg.Done()
			a.serveConn(c)
		}()
	}
}

func (a *Acceptor) serveConn(c net.Conn) {
	a.cfg.Metrics.ConnectionsActive.Inc()
	defer a.cfg.Metrics.ConnectionsActive.Dec()

	// Unblock any read still pending in the handshake on shutdown. Once the
	// relay runs it closes both sides itself.
	stop := context.AfterFunc(a.ctx, func() {
		_ = c.SetDeadline(time.Unix(1, 0))
	})
	defer stop()

	if err := a.handler(a.ctx, c); err != nil {
		a.log.Debug("connection closed", "remote", c.RemoteAddr().String(), "error", err)
	}
}

// Relay runs Relay on the two connections with the configured idle timeout
// and records why it ended.
func (a *Acceptor) Relay(ctx context.Context, client, upstream net.Conn) error {
	err := Relay(ctx, client, upstream, a.cfg.IdleTimeout)

	reason := metrics.CloseEOF
	switch {
	case err == nil:
	case errors.Is(err, ErrIdleTimeout):
		reason = metrics.CloseIdle
	default:
		reason = metrics.CloseError
	}
	a.cfg.Metrics.RelaysClosed.WithLabelValues(reason).Inc()
	return err
}

// Close stops all listeners, tears down connections in flight, and waits for
// their handlers to return.
func (a *Acceptor) Close() error {
	a.mu.Lock()
	a.closed = true
	var errs []error
	for ln := range a.listeners {
		if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
	}
	a.mu.Unlock()

	a.cancel()
	a.wg.Wait()
	return errors.Join(errs...)
}

func (a *Acceptor) track(ln net.Listener) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return false
	}
	a.listeners[ln] = struct{}{}
	return true
}

func (a *Acceptor) untrack(ln net.Listener) {
	a.mu.Lock()
	delete(a.listeners, ln)
	a.mu.Unlock()
}

func (a *Acceptor) isClosed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closed
}

package proxy

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// ErrIdleTimeout is returned by Relay when neither side made progress for
// the idle timeout.
var ErrIdleTimeout = errors.New("relay idle timeout")

const relayChunkSize = 65536

var relayBuffers = newBufferPool(relayChunkSize)

// Relay copies bytes between left and right until either side reaches EOF,
// an I/O error occurs, ctx is canceled, or no bytes move in either direction
// for idleTimeout. Zero idleTimeout disables the idle check.
//
// Relay owns both connections: on every path each is shut down and closed
// exactly once, and teardown errors are ignored. The error returned is the
// reason the first direction stopped; a clean EOF returns nil.
func Relay(ctx context.Context, left, right net.Conn, idleTimeout time.Duration) error {
	var (
		closeOnce sync.Once
		stopped   atomic.Bool
	)
	closeBoth := func() {
		closeOnce.Do(func() {
			teardown(left)
			teardown(right)
		})
	}
	defer closeBoth()

	stop := context.AfterFunc(ctx, func() {
		stopped.Store(true)
		closeBoth()
	})
	defer stop()

	var last activity
	last.touch()

	var g errgroup.Group
	run := func(dst, src net.Conn) func() error {
		return func() error {
			err := pipe(dst, src, &last, idleTimeout)
			if stopped.Swap(true) {
				// The other direction or ctx already ended the relay.
				return nil
			}
			closeBoth()
			return err
		}
	}
	g.Go(run(left, right))
	g.Go(run(right, left))

	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

func pipe(dst, src net.Conn, last *activity, idleTimeout time.Duration) error {
	buf := relayBuffers.Get()
	defer relayBuffers.Put(buf)

	for {
		if idleTimeout > 0 {
			_ = src.SetReadDeadline(last.get().Add(idleTimeout))
		}
		n, err := src.Read(buf)
		if n > 0 {
			last.touch()
			if idleTimeout > 0 {
				_ = dst.SetWriteDeadline(time.Now().Add(idleTimeout))
			}
			if _, werr := dst.Write(buf[:n]); werr != nil {
				if errors.Is(werr, os.ErrDeadlineExceeded) {
					return ErrIdleTimeout
				}
				return werr
			}
			last.touch()
		}
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
				return nil
			case idleTimeout > 0 && errors.Is(err, os.ErrDeadlineExceeded):
				if time.Since(last.get()) < idleTimeout {
					continue
				}
				return ErrIdleTimeout
			default:
				return err
			}
		}
	}
}

// activity is the time bytes last moved in either direction.
type activity struct {
	nanos atomic.Int64
}

func (a *activity) touch() {
	a.nanos.Store(time.Now().UnixNano())
}

func (a *activity) get() time.Time {
	return time.Unix(0, a.nanos.Load())
}

// teardown signals both directions as finished, then closes c.
func teardown(c net.Conn) {
	shutdown(c)
	_ = c.Close()
}

// closeHalves is the portable fallback for shutdown.
func closeHalves(c net.Conn) {
	if cw, ok := c.(interface{ CloseWrite() error }); ok {
		_ = cw.CloseWrite()
	}
	if cr, ok := c.(interface{ CloseRead() error }); ok {
		_ = cr.CloseRead()
	}
}

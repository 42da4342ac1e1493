package dialer

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/die-net/tokenproxy/internal/metrics"
)

// upstreamDialer opens a new TCP connection to the upstream proxy on every
// call. Connections are never pooled.
type upstreamDialer struct {
	timeout   time.Duration
	keepAlive net.KeepAliveConfig
	metrics   *metrics.Metrics
}

// NewDirectDialer returns a Dialer that opens a fresh TCP connection per
// call, applying cfg's dial timeout and keepalive settings. Dial latency is
// recorded in cfg.Metrics when set.
func NewDirectDialer(cfg Config) Dialer {
	return &upstreamDialer{
		timeout:   cfg.DialTimeout,
		keepAlive: cfg.KeepAlive,
		metrics:   cfg.Metrics,
	}
}

func (d *upstreamDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	nd := net.Dialer{Timeout: d.timeout, KeepAliveConfig: d.keepAlive}

	start := time.Now()
	conn, err := nd.DialContext(ctx, network, address)
	if d.metrics != nil {
		result := metrics.DialOK
		if err != nil {
			result = metrics.DialFailed
		}
		d.metrics.UpstreamDialSeconds.WithLabelValues(result).Observe(time.Since(start).Seconds())
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s %s: %w", network, address, err)
	}

	return conn, nil
}

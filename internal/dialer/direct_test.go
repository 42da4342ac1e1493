package dialer

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/die-net/tokenproxy/internal/metrics"
	"github.com/die-net/tokenproxy/internal/testutil"
)

func TestDirectDialer(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	echoLn, stop := testutil.StartEchoTCPServer(ctx, t)
	defer stop()

	m := metrics.New()
	d := NewDirectDialer(Config{
		DialTimeout: 2 * time.Second,
		KeepAlive:   net.KeepAliveConfig{Enable: true},
		Metrics:     m,
	})

	c1, err := d.DialContext(ctx, "tcp", echoLn.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer c1.Close()

	c2, err := d.DialContext(ctx, "tcp", echoLn.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer c2.Close()

	if c1.LocalAddr().String() == c2.LocalAddr().String() {
		t.Fatal("expected a fresh connection per dial")
	}
	testutil.AssertEcho(t, c1, c1, []byte("hello"))
	testutil.AssertEcho(t, c2, c2, []byte("hello2"))

	if got := testutil.HistogramCount(t, m.UpstreamDialSeconds.WithLabelValues(metrics.DialOK)); got != 2 {
		t.Errorf("successful dials observed = %d, want 2", got)
	}
}

func TestDirectDialerRefused(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	m := metrics.New()
	d := NewDirectDialer(Config{DialTimeout: time.Second, Metrics: m})
	if _, err := d.DialContext(ctx, "tcp", testutil.ClosedAddr(t)); err == nil {
		t.Fatal("expected error")
	}
	if got := testutil.HistogramCount(t, m.UpstreamDialSeconds.WithLabelValues(metrics.DialFailed)); got != 1 {
		t.Errorf("failed dials observed = %d, want 1", got)
	}
}

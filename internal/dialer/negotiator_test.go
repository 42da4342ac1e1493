package dialer

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"github.com/die-net/tokenproxy/internal/auth"
	"github.com/die-net/tokenproxy/internal/httpwire"
	"github.com/die-net/tokenproxy/internal/metrics"
	"github.com/die-net/tokenproxy/internal/testutil"
)

var allStrategies = auth.Strategies(auth.Options{
	Token:             "tok",
	Basic:             auth.EncodeBasic("user", "pass"),
	SendAuthorization: true,
})

func newTestNegotiator(t *testing.T, upstream string, strategies []auth.Strategy) (*Negotiator, *metrics.Metrics) {
	t.Helper()

	m := metrics.New()
	n, err := NewNegotiator(Config{
		DialTimeout:        2 * time.Second,
		NegotiationTimeout: 2 * time.Second,
		Metrics:            m,
	}, upstream, strategies)
	if err != nil {
		t.Fatal(err)
	}
	return n, m
}

func TestNegotiatorTunnelFirstStrategy(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	up := testutil.StartMockUpstream(ctx, t, testutil.ReplyEstablished)
	n, _ := newTestNegotiator(t, up.Addr(), auth.Strategies(auth.Options{Token: "tok"}))

	conn, res, err := n.Negotiate(ctx, httpwire.NewConnectRequest("example.com:443"))
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	if res.Attempts != 1 || res.Strategy.Name != "bearer" {
		t.Fatalf("attempts=%d strategy=%q", res.Attempts, res.Strategy.Name)
	}
	if res.Response.StatusCode != 200 {
		t.Fatalf("status=%d", res.Response.StatusCode)
	}

	testutil.AssertEcho(t, conn, conn, []byte("hello"))

	reqs := up.Requests()
	if len(reqs) != 1 {
		t.Fatalf("got %d upstream connections, want 1", len(reqs))
	}
	want := "CONNECT example.com:443 HTTP/1.1\r\n" +
		"Host: example.com:443\r\n" +
		"Proxy-Authorization: Bearer tok\r\n" +
		"Proxy-Connection: keep-alive\r\n" +
		"Connection: keep-alive\r\n" +
		"\r\n"
	if reqs[0] != want {
		t.Fatalf("upstream got\n%q\nwant\n%q", reqs[0], want)
	}
}

func TestNegotiatorFallback(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	up := testutil.StartMockUpstream(ctx, t,
		testutil.ReplyAuthRequired,
		testutil.ReplyAuthRequired,
		testutil.ReplyEstablished,
	)
	n, m := newTestNegotiator(t, up.Addr(), allStrategies)

	conn, res, err := n.Negotiate(ctx, httpwire.NewConnectRequest("example.com:443"))
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	if res.Attempts != 3 {
		t.Fatalf("attempts=%d want 3", res.Attempts)
	}
	if res.Strategy.Name != "basic" {
		t.Fatalf("strategy=%q want basic", res.Strategy.Name)
	}

	testutil.AssertEcho(t, conn, conn, []byte("through the third connection"))

	reqs := up.Requests()
	if len(reqs) != 3 {
		t.Fatalf("got %d upstream connections, want 3", len(reqs))
	}
	wantAuth := []string{
		"Proxy-Authorization: Bearer tok\r\nProxy-Connection",
		"Proxy-Authorization: Bearer tok\r\nAuthorization: Bearer tok\r\n",
		"Proxy-Authorization: Basic dXNlcjpwYXNz\r\nProxy-Connection",
	}
	for i, want := range wantAuth {
		if !strings.Contains(reqs[i], want) {
			t.Errorf("request %d = %q, want it to contain %q", i, reqs[i], want)
		}
	}
	if up.Reused() {
		t.Fatal("a rejected upstream connection was reused")
	}

	if got := testutil.CounterValue(t, m.HandshakeAttempts.WithLabelValues("bearer", metrics.AttemptRejected)); got != 1 {
		t.Errorf("bearer rejected = %v, want 1", got)
	}
	if got := testutil.CounterValue(t, m.HandshakeAttempts.WithLabelValues("basic", metrics.AttemptAccepted)); got != 1 {
		t.Errorf("basic accepted = %v, want 1", got)
	}
	if got := testutil.CounterValue(t, m.Handshakes.WithLabelValues(metrics.OutcomeEstablished)); got != 1 {
		t.Errorf("established = %v, want 1", got)
	}
}

func TestNegotiatorExhausted(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	up := testutil.StartMockUpstream(ctx, t, testutil.ReplyAuthRequired)
	n, m := newTestNegotiator(t, up.Addr(), allStrategies)

	conn, _, err := n.Negotiate(ctx, httpwire.NewConnectRequest("example.com:443"))
	if err == nil {
		_ = conn.Close()
		t.Fatal("expected error")
	}

	var ee *ExhaustedError
	if !errors.As(err, &ee) {
		t.Fatalf("err=%T %v, want *ExhaustedError", err, err)
	}
	if ee.Attempts != len(allStrategies) {
		t.Errorf("attempts=%d want %d", ee.Attempts, len(allStrategies))
	}
	if got, want := ee.StatusLine(), "HTTP/1.1 407 Proxy Authentication Required"; got != want {
		t.Errorf("status line=%q want %q", got, want)
	}
	if got := len(up.Requests()); got != len(allStrategies) {
		t.Errorf("got %d upstream connections, want %d", got, len(allStrategies))
	}
	if up.Reused() {
		t.Error("a rejected upstream connection was reused")
	}
	if got := testutil.CounterValue(t, m.Handshakes.WithLabelValues(metrics.OutcomeRejected)); got != 1 {
		t.Errorf("rejected = %v, want 1", got)
	}
}

func TestNegotiatorExhaustedWithoutStatus(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	up := testutil.StartMockUpstream(ctx, t, "not http at all\r\n\r\n")
	n, _ := newTestNegotiator(t, up.Addr(), auth.Strategies(auth.Options{Token: "tok", SendAuthorization: true}))

	_, _, err := n.Negotiate(ctx, httpwire.NewConnectRequest("example.com:443"))

	var ee *ExhaustedError
	if !errors.As(err, &ee) {
		t.Fatalf("err=%v, want *ExhaustedError", err)
	}
	if ee.Last != nil {
		t.Errorf("last=%q, want none", ee.Last.StatusLine)
	}
	if !errors.Is(err, httpwire.ErrMalformedResponse) {
		t.Errorf("err=%v, want it to wrap ErrMalformedResponse", err)
	}
	if got, want := ee.StatusLine(), "HTTP/1.1 502 Bad Gateway"; got != want {
		t.Errorf("status line=%q want %q", got, want)
	}
}

func TestNegotiatorMalformedReplyThenSuccess(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	up := testutil.StartMockUpstream(ctx, t, "garbage\r\n\r\n", testutil.ReplyEstablished)
	n, _ := newTestNegotiator(t, up.Addr(), allStrategies)

	conn, res, err := n.Negotiate(ctx, httpwire.NewConnectRequest("example.com:443"))
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	if res.Attempts != 2 || res.Strategy.Name != "bearer+authorization" {
		t.Fatalf("attempts=%d strategy=%q", res.Attempts, res.Strategy.Name)
	}
}

func TestNegotiatorForwardAcceptsOriginStatus(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	up := testutil.StartMockUpstream(ctx, t, "HTTP/1.1 404 Not Found\r\nContent-Length: 0\r\n\r\n")
	n, _ := newTestNegotiator(t, up.Addr(), allStrategies)

	req, err := httpwire.ParseRequest([]byte("GET http://example.com/missing HTTP/1.1\r\nHost: example.com"), nil)
	if err != nil {
		t.Fatal(err)
	}

	conn, res, err := n.Negotiate(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	if res.Attempts != 1 || res.Response.StatusCode != 404 {
		t.Fatalf("attempts=%d status=%d", res.Attempts, res.Response.StatusCode)
	}
}

func TestNegotiatorForwardRetriesOn407(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	up := testutil.StartMockUpstream(ctx, t,
		testutil.ReplyAuthRequired,
		"HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok",
	)
	n, _ := newTestNegotiator(t, up.Addr(), allStrategies)

	req, err := httpwire.ParseRequest([]byte("POST http://example.com/ HTTP/1.1\r\nHost: example.com\r\nContent-Length: 4"), []byte("data"))
	if err != nil {
		t.Fatal(err)
	}

	conn, res, err := n.Negotiate(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	if res.Attempts != 2 {
		t.Fatalf("attempts=%d want 2", res.Attempts)
	}
	for i, r := range up.Requests() {
		if !strings.HasSuffix(r, "\r\n\r\ndata") {
			t.Errorf("request %d = %q, want the body prefix resent", i, r)
		}
	}
}

func TestNegotiatorUpstreamDown(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	n, m := newTestNegotiator(t, testutil.ClosedAddr(t), allStrategies)

	_, _, err := n.Negotiate(ctx, httpwire.NewConnectRequest("example.com:443"))

	var ce *UpstreamConnectError
	if !errors.As(err, &ce) {
		t.Fatalf("err=%v, want *UpstreamConnectError", err)
	}
	if ce.Addr != n.Upstream() {
		t.Errorf("addr=%q want %q", ce.Addr, n.Upstream())
	}
	if got := testutil.CounterValue(t, m.Handshakes.WithLabelValues(metrics.OutcomeConnectFailed)); got != 1 {
		t.Errorf("connect_failed = %v, want 1", got)
	}
}

func TestNegotiatorContextCanceled(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	ln, wait := testutil.StartSingleAcceptServer(context.Background(), t, func(c net.Conn) {
		_, _ = io.Copy(io.Discard, c)
	})
	defer wait()

	m := metrics.New()
	n, err := NewNegotiator(Config{DialTimeout: 2 * time.Second, Metrics: m}, ln.Addr().String(), allStrategies)
	if err != nil {
		t.Fatal(err)
	}

	_, _, err = n.Negotiate(ctx, httpwire.NewConnectRequest("example.com:443"))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err=%v, want context.DeadlineExceeded", err)
	}
}

func TestNegotiatorRateLimited(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	up := testutil.StartMockUpstream(ctx, t, testutil.ReplyAuthRequired)
	n, err := NewNegotiator(Config{
		DialTimeout:        2 * time.Second,
		NegotiationTimeout: 2 * time.Second,
		Metrics:            metrics.New(),
		Limiter:            rate.NewLimiter(rate.Every(time.Hour), 2),
	}, up.Addr(), allStrategies)
	if err != nil {
		t.Fatal(err)
	}

	_, _, err = n.Negotiate(ctx, httpwire.NewConnectRequest("example.com:443"))
	if err == nil {
		t.Fatal("expected error")
	}
	var exhausted *ExhaustedError
	if errors.As(err, &exhausted) {
		t.Fatalf("err=%v, want the limiter to stop the search", err)
	}
	if got := len(up.Requests()); got != 2 {
		t.Fatalf("got %d upstream connections, want 2", got)
	}
}

func TestNegotiatorDialContext(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	up := testutil.StartMockUpstream(ctx, t, "HTTP/1.1 200 Connection Established\r\n\r\nearly")
	n, _ := newTestNegotiator(t, up.Addr(), allStrategies)

	conn, err := n.DialContext(ctx, "tcp", "example.com:443")
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	buf := make([]byte, len("early"))
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatal(err)
	}
	if string(buf) != "early" {
		t.Fatalf("got %q want %q", buf, "early")
	}
	testutil.AssertEcho(t, conn, conn, []byte("hello"))

	if _, err := n.DialContext(ctx, "udp", "example.com:53"); err == nil {
		t.Fatal("expected error for udp")
	}
}

func TestPrefixConn(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	go func() {
		_, _ = b.Write([]byte("tail"))
	}()

	c := &prefixConn{Conn: a, prefix: []byte("head")}
	buf := make([]byte, 8)
	if _, err := io.ReadFull(c, buf); err != nil {
		t.Fatal(err)
	}
	if string(buf) != "headtail" {
		t.Fatalf("got %q", buf)
	}
	if _, err := c.SyscallConn(); err == nil {
		t.Fatal("expected error for net.Pipe")
	}
}

func TestNewNegotiator(t *testing.T) {
	t.Parallel()

	if _, err := NewNegotiator(Config{}, "no-port", allStrategies); err == nil {
		t.Error("expected error for upstream without port")
	}
	if _, err := NewNegotiator(Config{}, "127.0.0.1:3128", nil); err == nil {
		t.Error("expected error for empty strategies")
	}
	if _, err := NewNegotiator(Config{}, "127.0.0.1:3128", allStrategies); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

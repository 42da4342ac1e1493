package testutil

import (
	"context"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/die-net/tokenproxy/internal/httpwire"
)

// Canned upstream replies.
const (
	ReplyEstablished  = "HTTP/1.1 200 Connection Established\r\nVia: 1.1 upstream\r\n\r\n"
	ReplyAuthRequired = "HTTP/1.1 407 Proxy Authentication Required\r\nProxy-Authenticate: Bearer realm=\"corp\"\r\n\r\n"
)

// MockUpstream is a scripted upstream proxy. The n-th accepted connection
// reads one request head, records it, and writes the n-th reply verbatim; the
// last reply repeats. A reply with status 200 turns the connection into an
// echo pipe. Any other reply ends the exchange, and further bytes from the
// client on that connection are recorded as reuse.
type MockUpstream struct {
	ln      net.Listener
	replies []string

	mu       sync.Mutex
	requests []string
	reused   bool
	conns    []net.Conn
	wg       sync.WaitGroup
}

// StartMockUpstream starts a MockUpstream on a loopback port.
func StartMockUpstream(ctx context.Context, t *testing.T, replies ...string) *MockUpstream {
	t.Helper()

	if len(replies) == 0 {
		t.Fatal("mock upstream needs at least one reply")
	}

	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	m := &MockUpstream{ln: ln, replies: replies}
	m.wg.Go(m.serve)
	t.Cleanup(m.Close)
	return m
}

// Addr returns the listening address.
func (m *MockUpstream) Addr() string {
	return m.ln.Addr().String()
}

// Requests returns the request heads received so far, one per connection,
// each including any bytes that arrived with it.
func (m *MockUpstream) Requests() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.requests...)
}

// Reused reports whether a client sent more bytes on a rejected connection.
func (m *MockUpstream) Reused() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reused
}

// Close stops the listener, closes open connections and waits for handlers.
func (m *MockUpstream) Close() {
	_ = m.ln.Close()
	m.mu.Lock()
	for _, c := range m.conns {
		_ = c.Close()
	}
	m.mu.Unlock()
	m.wg.Wait()
}

func (m *MockUpstream) serve() {
	for n := 0; ; n++ {
		c, err := m.ln.Accept()
		if err != nil {
			return
		}
		m.mu.Lock()
		m.conns = append(m.conns, c)
		m.mu.Unlock()

		reply := m.replies[min(n, len(m.replies)-1)]
		m.wg.Go(func() { m.handle(c, reply) })
	}
}

func (m *MockUpstream) handle(c net.Conn, reply string) {
	defer c.Close()
	_ = c.SetDeadline(time.Now().Add(10 * time.Second))

	head, rest, err := httpwire.ReadHead(c, 0)
	if err != nil {
		return
	}
	m.mu.Lock()
	m.requests = append(m.requests, string(head)+"\r\n\r\n"+string(rest))
	m.mu.Unlock()

	if _, err := io.WriteString(c, reply); err != nil {
		return
	}

	if !strings.HasPrefix(reply, "HTTP/1.1 200 ") {
		_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
		buf := make([]byte, 1)
		if n, _ := c.Read(buf); n > 0 {
			m.mu.Lock()
			m.reused = true
			m.mu.Unlock()
		}
		return
	}

	if len(rest) > 0 {
		if _, err := c.Write(rest); err != nil {
			return
		}
	}
	_, _ = io.Copy(c, c)
}

package httpwire

import (
	"bytes"
	"strings"

	"github.com/die-net/tokenproxy/internal/auth"
)

const headerProxyAuthorization = "Proxy-Authorization"

// Frame returns the bytes to send to the upstream proxy for req when
// offering strategy s.
func Frame(req *ClientRequest, s auth.Strategy) []byte {
	if req.IsConnect() {
		return FrameConnect(req.Target, s)
	}
	return FrameForward(req, s)
}

// FrameConnect frames a tunnel request for authority.
func FrameConnect(authority string, s auth.Strategy) []byte {
	var b bytes.Buffer
	writeLine(&b, "CONNECT "+authority+" HTTP/1.1")
	writeLine(&b, "Host: "+authority)
	writeStrategy(&b, s)
	writeLine(&b, "Proxy-Connection: keep-alive")
	writeLine(&b, "Connection: keep-alive")
	b.Write(crlf)
	return b.Bytes()
}

// FrameForward frames a plain request. The request line and headers pass
// through unchanged except that any Proxy-Authorization sent by the client is
// replaced by the strategy's headers. Content-Length and the request target
// are not recomputed.
func FrameForward(req *ClientRequest, s auth.Strategy) []byte {
	var b bytes.Buffer
	b.Grow(len(req.Body) + 512)

	writeLine(&b, req.RequestLine())
	for _, line := range req.HeaderLines {
		if isHeader(line, headerProxyAuthorization) {
			continue
		}
		writeLine(&b, line)
	}
	writeStrategy(&b, s)
	writeLine(&b, "Connection: keep-alive")
	b.Write(crlf)
	b.Write(req.Body)
	return b.Bytes()
}

func writeStrategy(b *bytes.Buffer, s auth.Strategy) {
	for _, h := range s.Headers {
		writeLine(b, h.String())
	}
}

func writeLine(b *bytes.Buffer, line string) {
	b.WriteString(line)
	b.Write(crlf)
}

// isHeader reports whether line is a header named name, ignoring case.
func isHeader(line, name string) bool {
	n, _, ok := strings.Cut(line, ":")
	return ok && strings.EqualFold(strings.TrimSpace(n), name)
}

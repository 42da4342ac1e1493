package httpwire

import (
	"errors"
	"strings"
)

// ErrMalformedRequest is returned when the client's first message has no
// usable request line.
var ErrMalformedRequest = errors.New("malformed request")

const methodConnect = "CONNECT"

// ClientRequest is the first HTTP message read from a client connection.
type ClientRequest struct {
	Method string
	// Target is the CONNECT authority (host:port) or the request URI.
	Target string
	Proto  string
	// HeaderLines are the raw header lines in the order received.
	HeaderLines []string
	// Body holds bytes that arrived in the same reads as the header block.
	Body []byte

	requestLine string
}

// ParseRequest parses a header block returned by ReadHead. body is the rest
// returned alongside it.
func ParseRequest(head, body []byte) (*ClientRequest, error) {
	if len(head) == 0 {
		return nil, ErrMalformedRequest
	}
	lines := splitLines(head)

	parts := strings.SplitN(lines[0], " ", 3)
	if len(parts) != 3 {
		return nil, ErrMalformedRequest
	}
	for _, p := range parts {
		if p == "" {
			return nil, ErrMalformedRequest
		}
	}

	return &ClientRequest{
		Method:      parts[0],
		Target:      parts[1],
		Proto:       parts[2],
		HeaderLines: lines[1:],
		Body:        body,
		requestLine: lines[0],
	}, nil
}

// NewConnectRequest builds the request a tunnel to authority would have
// arrived with. Front-ends that are not HTTP use it to share the CONNECT path.
func NewConnectRequest(authority string) *ClientRequest {
	return &ClientRequest{
		Method:      methodConnect,
		Target:      authority,
		Proto:       "HTTP/1.1",
		requestLine: methodConnect + " " + authority + " HTTP/1.1",
	}
}

// IsConnect reports whether r asks for a tunnel.
func (r *ClientRequest) IsConnect() bool {
	return strings.EqualFold(r.Method, methodConnect)
}

// RequestLine returns the request line exactly as received.
func (r *ClientRequest) RequestLine() string {
	if r.requestLine == "" {
		return r.Method + " " + r.Target + " " + r.Proto
	}
	return r.requestLine
}

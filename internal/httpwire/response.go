package httpwire

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
)

// ErrMalformedResponse is returned when an upstream reply has no parseable
// status line.
var ErrMalformedResponse = errors.New("malformed response")

// ConnectEstablished is the reply sent to a client once its tunnel is up.
// It is synthesized rather than copied from the upstream so that
// upstream-specific headers stay on this side.
const ConnectEstablished = "HTTP/1.1 200 Connection Established\r\n\r\n"

// UpstreamResponse is the header block of an upstream proxy reply.
type UpstreamResponse struct {
	StatusLine string
	StatusCode int
	// Head is the raw header block including its terminating blank line.
	Head []byte
	// Rest holds bytes read past the header block.
	Rest []byte
}

// ParseResponse parses a header block returned by ReadHead.
func ParseResponse(head, rest []byte) (*UpstreamResponse, error) {
	line, _, _ := bytes.Cut(head, crlf)
	statusLine := string(line)

	proto, status, ok := strings.Cut(statusLine, " ")
	if !ok || !strings.HasPrefix(proto, "HTTP/") {
		return nil, fmt.Errorf("%w: %q", ErrMalformedResponse, statusLine)
	}
	codeStr, _, _ := strings.Cut(status, " ")
	code, err := strconv.Atoi(codeStr)
	if err != nil || len(codeStr) != 3 {
		return nil, fmt.Errorf("%w: %q", ErrMalformedResponse, statusLine)
	}

	raw := make([]byte, 0, len(head)+len(headTerminator))
	raw = append(raw, head...)
	raw = append(raw, headTerminator...)

	return &UpstreamResponse{
		StatusLine: statusLine,
		StatusCode: code,
		Head:       raw,
		Rest:       rest,
	}, nil
}

// ReadResponse reads and parses an upstream reply header block.
func ReadResponse(r io.Reader, limit int) (*UpstreamResponse, error) {
	head, rest, err := ReadHead(r, limit)
	if err != nil {
		return nil, err
	}
	return ParseResponse(head, rest)
}

// StatusLine returns a canonical HTTP/1.1 status line for code.
func StatusLine(code int) string {
	return fmt.Sprintf("HTTP/1.1 %d %s", code, http.StatusText(code))
}

// WriteStatus writes a bodiless reply made of statusLine, for use on raw
// connections before they are closed.
func WriteStatus(w io.Writer, statusLine string) error {
	_, err := io.WriteString(w, statusLine+"\r\nConnection: close\r\n\r\n")
	return err
}

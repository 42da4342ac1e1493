package dialer

import (
	"fmt"
	"net/http"

	"github.com/die-net/tokenproxy/internal/httpwire"
)

// UpstreamConnectError reports that the upstream proxy could not be reached.
type UpstreamConnectError struct {
	Addr string
	Err  error
}

func (e *UpstreamConnectError) Error() string {
	return fmt.Sprintf("connect upstream %s: %v", e.Addr, e.Err)
}

func (e *UpstreamConnectError) Unwrap() error {
	return e.Err
}

// ExhaustedError reports that the upstream rejected every strategy.
type ExhaustedError struct {
	Attempts int
	// Last is the most recent reply the upstream sent, or nil if no attempt
	// produced a parseable reply.
	Last *httpwire.UpstreamResponse
	// Err is the most recent attempt failure that produced no reply.
	Err error
}

func (e *ExhaustedError) Error() string {
	if e.Last != nil {
		return fmt.Sprintf("upstream rejected %d strategies, last status %q", e.Attempts, e.Last.StatusLine)
	}
	return fmt.Sprintf("upstream rejected %d strategies: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Err
}

// StatusLine is the reply to relay to the client: the last upstream status
// line, or 502 Bad Gateway when none was observed.
func (e *ExhaustedError) StatusLine() string {
	if e.Last != nil {
		return e.Last.StatusLine
	}
	return httpwire.StatusLine(http.StatusBadGateway)
}

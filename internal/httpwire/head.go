package httpwire

import (
	"bytes"
	"errors"
	"fmt"
	"io"
)

// DefaultMaxHeadBytes bounds a header block when no limit is configured.
const DefaultMaxHeadBytes = 65536

const readChunkSize = 4096

var (
	// ErrHeadTooLarge is returned when the header block exceeds the limit
	// without a terminating blank line.
	ErrHeadTooLarge = errors.New("header block too large")

	crlf           = []byte("\r\n")
	headTerminator = []byte("\r\n\r\n")
)

// ReadHead reads from r until the blank line that ends an HTTP header block.
//
// head is everything before the terminator. rest holds any bytes read past
// it, which belong to the message body or, for tunnels, to the next protocol.
//
// A head longer than limit bytes fails with ErrHeadTooLarge, whether or not
// its terminator has arrived. A reader that ends before sending anything
// returns io.EOF; one that ends mid-header returns io.ErrUnexpectedEOF.
func ReadHead(r io.Reader, limit int) (head, rest []byte, err error) {
	if limit <= 0 {
		limit = DefaultMaxHeadBytes
	}

	buf := make([]byte, 0, readChunkSize)
	chunk := make([]byte, readChunkSize)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			from := max(0, len(buf)-len(headTerminator)+1)
			buf = append(buf, chunk[:n]...)
			if i := bytes.Index(buf[from:], headTerminator); i >= 0 {
				end := from + i
				if end > limit {
					return nil, nil, fmt.Errorf("%w: %d bytes", ErrHeadTooLarge, end)
				}
				return buf[:end:end], bytes.Clone(buf[end+len(headTerminator):]), nil
			}
			if len(buf) > limit {
				return nil, nil, fmt.Errorf("%w: %d bytes", ErrHeadTooLarge, len(buf))
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				if len(buf) == 0 {
					return nil, nil, io.EOF
				}
				return nil, nil, io.ErrUnexpectedEOF
			}
			return nil, nil, err
		}
	}
}

// splitLines splits a header block into lines without their terminators.
func splitLines(head []byte) []string {
	parts := bytes.Split(head, crlf)
	lines := make([]string, 0, len(parts))
	for _, p := range parts {
		lines = append(lines, string(p))
	}
	return lines
}

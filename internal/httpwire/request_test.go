package httpwire

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestParseRequest(t *testing.T) {
	t.Parallel()

	req, err := ParseRequest([]byte("GET http://example.com/ HTTP/1.1\r\nHost: example.com\r\nAccept: */*"), []byte("body"))
	if err != nil {
		t.Fatal(err)
	}
	if req.Method != "GET" || req.Target != "http://example.com/" || req.Proto != "HTTP/1.1" {
		t.Fatalf("got %q %q %q", req.Method, req.Target, req.Proto)
	}
	if diff := cmp.Diff([]string{"Host: example.com", "Accept: */*"}, req.HeaderLines); diff != "" {
		t.Fatalf("header lines mismatch (-want +got):\n%s", diff)
	}
	if string(req.Body) != "body" {
		t.Fatalf("body=%q", req.Body)
	}
	if req.IsConnect() {
		t.Fatal("GET reported as CONNECT")
	}
	if got := req.RequestLine(); got != "GET http://example.com/ HTTP/1.1" {
		t.Fatalf("request line=%q", got)
	}
}

func TestParseRequestConnectCaseInsensitive(t *testing.T) {
	t.Parallel()

	req, err := ParseRequest([]byte("connect example.com:443 HTTP/1.1"), nil)
	if err != nil {
		t.Fatal(err)
	}
	if !req.IsConnect() {
		t.Fatal("expected CONNECT")
	}
}

func TestParseRequestMalformed(t *testing.T) {
	t.Parallel()

	for _, head := range []string{
		"",
		"GET",
		"GET /",
		"GET  HTTP/1.1",
		"\r\nHost: example.com",
	} {
		t.Run(head, func(t *testing.T) {
			if _, err := ParseRequest([]byte(head), nil); !errors.Is(err, ErrMalformedRequest) {
				t.Fatalf("err=%v want ErrMalformedRequest", err)
			}
		})
	}
}

func TestNewConnectRequest(t *testing.T) {
	t.Parallel()

	req := NewConnectRequest("example.com:443")
	if !req.IsConnect() {
		t.Fatal("expected CONNECT")
	}
	if got := req.RequestLine(); got != "CONNECT example.com:443 HTTP/1.1" {
		t.Fatalf("request line=%q", got)
	}
}

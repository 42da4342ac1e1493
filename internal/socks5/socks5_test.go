package socks5

import (
	"errors"
	"fmt"
	"net"
	"testing"

	txsocks5 "github.com/txthinking/socks5"
	"golang.org/x/sync/errgroup"
)

func TestClientDialToServer(t *testing.T) {
	tests := []struct {
		name       string
		serverAuth Auth
		clientAuth Auth
		wantServer error
		wantClient error
	}{
		{name: "no_auth"},
		{
			name:       "user_pass",
			serverAuth: Auth{Username: "user", Password: "pass"},
			clientAuth: Auth{Username: "user", Password: "pass"},
		},
		{
			name:       "wrong_password",
			serverAuth: Auth{Username: "user", Password: "pass"},
			clientAuth: Auth{Username: "user", Password: "nope"},
			wantServer: ErrAuthFailed,
			wantClient: ErrAuthFailed,
		},
		{
			name:       "no_acceptable_method",
			clientAuth: Auth{Username: "user", Password: "pass"},
			wantServer: ErrNoAcceptableMethod,
			wantClient: ErrNoAcceptableMethod,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clientConn, serverConn := net.Pipe()
			defer clientConn.Close()
			defer serverConn.Close()

			g := errgroup.Group{}
			g.Go(func() error {
				// Unblock the client on failure: net.Pipe writes wait for a reader.
				defer serverConn.Close()

				if err := ServerNegotiate(serverConn, tt.serverAuth); err != nil {
					return err
				}

				req, err := ServerReadRequest(serverConn)
				if err != nil {
					return err
				}
				if req.Cmd != CmdConnect {
					return fmt.Errorf("unexpected command: %d", req.Cmd)
				}
				if req.Address() != "example.com:443" {
					return fmt.Errorf("unexpected address: %s", req.Address())
				}

				return WriteSuccessReply(serverConn, &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 12345})
			})

			err := ClientDial(clientConn, tt.clientAuth, "example.com:443")
			if !errors.Is(err, tt.wantClient) {
				t.Fatalf("ClientDial() error = %v, want %v", err, tt.wantClient)
			}
			if err := g.Wait(); !errors.Is(err, tt.wantServer) {
				t.Fatalf("server error = %v, want %v", err, tt.wantServer)
			}
		})
	}
}

func TestFailureReply(t *testing.T) {
	for _, atyp := range []byte{txsocks5.ATYPIPv4, txsocks5.ATYPIPv6} {
		clientConn, serverConn := net.Pipe()

		g := errgroup.Group{}
		g.Go(func() error {
			defer serverConn.Close()
			if err := ServerNegotiate(serverConn, Auth{}); err != nil {
				return err
			}
			if _, err := ServerReadRequest(serverConn); err != nil {
				return err
			}
			return WriteReply(serverConn, txsocks5.RepConnectionRefused, atyp)
		})

		err := ClientDial(clientConn, Auth{}, "10.0.0.1:80")
		var re *ReplyError
		if !errors.As(err, &re) || re.Rep != txsocks5.RepConnectionRefused {
			t.Fatalf("atyp %#x: ClientDial() error = %v, want ReplyError(RepConnectionRefused)", atyp, err)
		}
		if err := g.Wait(); err != nil {
			t.Fatal(err)
		}
		_ = clientConn.Close()
	}
}

// Package socks5 is the SOCKS5 handshake layer used by the tokenproxy SOCKS5
// front-end and its tests.
//
// It wraps the protocol types in github.com/txthinking/socks5 so negotiation,
// CONNECT parsing and reply writing live in one place. It is not a full SOCKS5
// implementation: only CONNECT is understood.
package socks5

// Package dialer provides the outbound side of tokenproxy.
//
// A direct dialer opens plain TCP connections to the upstream proxy. The
// Negotiator layers the authentication handshake on top: it offers each
// header strategy on a fresh connection until the upstream accepts one.
package dialer

// Package httpwire reads and writes the small slice of HTTP/1.1 that
// tokenproxy needs before a connection turns into a byte pipe.
//
// Header blocks are kept as raw lines rather than parsed into net/http
// types: forwarded requests must reach the upstream byte for byte, apart from
// the authentication headers this proxy replaces.
package httpwire

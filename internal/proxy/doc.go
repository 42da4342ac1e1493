// Package proxy implements the listener side of tokenproxy.
//
// It contains the HTTP front-end that accepts CONNECT and absolute-form
// requests from local clients, the SOCKS5 front-end, and the connection
// plumbing they share: the accept loop, keepalive listeners, and the
// bidirectional relay with idle timeout.
package proxy

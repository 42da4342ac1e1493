// Package tproxy implements transparent proxy listeners for Linux, FreeBSD,
// and OpenBSD. Every redirected connection is tunneled to its original
// destination through the authenticated upstream proxy.
//
// On Linux, it listens with IP_TRANSPARENT and retrieves the original
// destination of redirected TCP connections via SO_ORIGINAL_DST. This is
// designed for use with iptables/nftables TPROXY or REDIRECT rules.
//
// On FreeBSD and OpenBSD, it listens with IP_BINDANY or SO_BINDANY and takes
// the original destination from the socket's local address, which IPFW fwd
// and PF rdr-to preserve.
//
// On other platforms, the listener and original-destination lookup are stubbed
// out and return errors.
package tproxy

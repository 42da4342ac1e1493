// Package auth builds the ordered list of authentication header sets that
// tokenproxy offers to the upstream proxy.
//
// A Strategy is one candidate set of header lines. Strategies are tried in
// the order returned by Strategies, each on a fresh upstream connection, until
// the upstream accepts one.
package auth

package auth

import (
	"encoding/base64"
	"strings"
)

// TokenPrefix is the marker some token issuers prepend to the bearer token.
// It is not part of the credential the upstream expects.
const TokenPrefix = "jwt_"

const (
	headerProxyAuthorization = "Proxy-Authorization"
	headerAuthorization      = "Authorization"
)

// Header is a single header line.
type Header struct {
	Name  string
	Value string
}

// String formats h as it appears on the wire, without the line terminator.
func (h Header) String() string {
	return h.Name + ": " + h.Value
}

// Strategy is one candidate set of authentication headers.
type Strategy struct {
	// Name identifies the strategy in logs and metrics. It never contains
	// credential material.
	Name    string
	Headers []Header
}

// Options configures Strategies.
type Options struct {
	// Token is the bearer token, already normalized.
	Token string
	// Basic is the base64 encoded "user:pass" credential. Empty disables the
	// Basic strategies.
	Basic string
	// SendAuthorization additionally offers each scheme with a duplicate
	// Authorization header, which some upstreams require even for CONNECT.
	SendAuthorization bool
}

// NormalizeToken strips TokenPrefix from token if present.
func NormalizeToken(token string) string {
	return strings.TrimPrefix(token, TokenPrefix)
}

// EncodeBasic encodes username and password as the credential part of a
// Basic authorization header.
func EncodeBasic(username, password string) string {
	return base64.StdEncoding.EncodeToString([]byte(username + ":" + password))
}

// Strategies returns the header sets to try, highest priority first:
//
//  1. Proxy-Authorization: Bearer
//  2. Proxy-Authorization + Authorization: Bearer (SendAuthorization only)
//  3. Proxy-Authorization: Basic (Basic only)
//  4. Proxy-Authorization + Authorization: Basic (Basic and SendAuthorization)
//
// The result is never empty.
func Strategies(opts Options) []Strategy {
	strategies := schemeStrategies("bearer", "Bearer "+opts.Token, opts.SendAuthorization)
	if opts.Basic != "" {
		strategies = append(strategies, schemeStrategies("basic", "Basic "+opts.Basic, opts.SendAuthorization)...)
	}
	return strategies
}

func schemeStrategies(name, value string, withAuthorization bool) []Strategy {
	proxyOnly := Strategy{
		Name:    name,
		Headers: []Header{{Name: headerProxyAuthorization, Value: value}},
	}
	if !withAuthorization {
		return []Strategy{proxyOnly}
	}

	both := Strategy{
		Name: name + "+authorization",
		Headers: []Header{
			{Name: headerProxyAuthorization, Value: value},
			{Name: headerAuthorization, Value: value},
		},
	}
	return []Strategy{proxyOnly, both}
}

// Package hop classifies HTTP header names as forwardable or hop-by-hop.
package hop

import (
	"strings"

	"golang.org/x/net/http/httpguts"
)

// hopByHopHeaders are meaningful for a single transport hop and never forwarded.
// Keys are lower case.
var hopByHopHeaders = map[string]bool{
	"proxy-connection":    true,
	"connection":          true,
	"keep-alive":          true,
	"transfer-encoding":   true,
	"te":                  true,
	"trailer":             true,
	"proxy-authorization": true,
	"proxy-authenticate":  true,
	"upgrade":             true,
}

// IsHopByHop reports whether name is in the fixed hop-by-hop set (case-insensitive).
func IsHopByHop(name string) bool {
	return hopByHopHeaders[strings.ToLower(name)]
}

// ShouldForward reports whether a header named name may be copied onto the
// outbound request. connectionValue is the request's Connection header value,
// or empty when the request had none.
//
// Headers in the hop-by-hop set are never forwarded. A Connection value that is
// not itself "keep-alive" or "close" nominates request-scoped headers; any header
// listed there is dropped as well.
func ShouldForward(name, connectionValue string) bool {
	lname := strings.ToLower(name)
	if hopByHopHeaders[lname] {
		return false
	}
	if connectionValue == "" {
		return true
	}
	for _, tok := range ConnectionTokens(connectionValue) {
		if tok == lname {
			return false
		}
	}
	return true
}

// ConnectionTokens splits a Connection header value on commas and returns the
// lower-cased header names it nominates. The connection options "keep-alive"
// and "close" are not header names and are left out.
func ConnectionTokens(connectionValue string) []string {
	var tokens []string
	for _, raw := range strings.Split(connectionValue, ",") {
		tok := strings.ToLower(strings.TrimSpace(raw))
		if tok == "" || tok == "keep-alive" || tok == "close" {
			continue
		}
		if !httpguts.ValidHeaderFieldName(tok) {
			continue
		}
		tokens = append(tokens, tok)
	}
	return tokens
}

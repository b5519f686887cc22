// Package model defines shared types for the monitoring proxy.
package model

import (
	"io"
	"net/http"
	"net/url"
)

// ProxyRequest is an inbound request as taken in by the proxy handler.
type ProxyRequest struct {
	Method        string
	URL           *url.URL // request URI as received; absolute for forward-proxy requests
	Host          string   // server name the client addressed
	RemoteAddr    string   // caller address without port
	Header        http.Header
	ContentLength int64 // -1 when unknown
	Body          io.ReadCloser
}

package pool

import (
	"net/http"
	"strconv"

	"monitor-proxy-go/internal/model"
)

// defaultUserAgent is what net/http sends on HTTP/1.1 when a request has no
// User-Agent header. The pool's transports never negotiate HTTP/2.
const defaultUserAgent = "Go-http-client/1.1"

// framingHeaders are written by the transport from request fields; any copy
// of them in req.Header is ignored on the wire.
var framingHeaders = []string{"Host", "User-Agent", "Content-Length", "Transfer-Encoding", "Trailer"}

// WireHeaders returns the header block the transport writes for req, in the
// order it writes it: Host, User-Agent, the framing header, then the
// remaining headers sorted by name. Pass the request a response came back
// with (resp.Request) to see what the pool actually sent, including the
// User-Agent override and any persistent-state cookies or authorization.
func WireHeaders(req *http.Request) model.Headers {
	host := req.Host
	if host == "" && req.URL != nil {
		host = req.URL.Host
	}
	out := model.Headers{{Name: "Host", Value: host}}

	switch ua, ok := req.Header["User-Agent"]; {
	case !ok:
		out = append(out, model.Header{Name: "User-Agent", Value: defaultUserAgent})
	case len(ua) > 0 && ua[0] != "":
		out = append(out, model.Header{Name: "User-Agent", Value: ua[0]})
	}

	switch {
	case req.ContentLength > 0 || (req.ContentLength == 0 && sendsEmptyLength(req.Method)):
		out = append(out, model.Header{Name: "Content-Length", Value: strconv.FormatInt(req.ContentLength, 10)})
	case req.ContentLength < 0 && req.Body != nil && req.Body != http.NoBody:
		out = append(out, model.Header{Name: "Transfer-Encoding", Value: "chunked"})
	}

	rest := req.Header.Clone()
	for _, name := range framingHeaders {
		delete(rest, name)
	}
	return append(out, model.HeadersFromHTTP(rest)...)
}

// sendsEmptyLength reports whether net/http writes "Content-Length: 0" for an
// empty body of this method.
func sendsEmptyLength(method string) bool {
	return method == http.MethodPost || method == http.MethodPut || method == http.MethodPatch
}

package model

import (
	"bytes"
	"slices"
	"time"

	"github.com/google/uuid"
)

// Exchange is the captured record of one proxied request/response pair.
// It is built by a single proxy session and must not be modified once handed
// to a Monitor.
type Exchange struct {
	ID         string `json:"id" msgpack:"id"`
	TargetHost string `json:"target_host" msgpack:"target_host"`
	TargetURL  string `json:"target_url" msgpack:"target_url"`
	Method     string `json:"method" msgpack:"method"`
	StatusCode int    `json:"status_code" msgpack:"status_code"`

	// RequestHeaders are the inbound headers as received from the caller.
	RequestHeaders Headers `json:"request_headers" msgpack:"request_headers"`
	// ForwardedHeaders are the headers as written upstream: the hop-filtered
	// inbound headers plus what the pool and transport added, in wire order.
	ForwardedHeaders Headers `json:"forwarded_headers" msgpack:"forwarded_headers"`
	ResponseHeaders  Headers `json:"response_headers" msgpack:"response_headers"`

	RequestBody  []byte `json:"request_body" msgpack:"request_body"`
	ResponseBody []byte `json:"response_body" msgpack:"response_body"`

	RawRequest  []byte `json:"raw_request" msgpack:"raw_request"`
	RawResponse []byte `json:"raw_response" msgpack:"raw_response"`

	StartedAt time.Time     `json:"started_at" msgpack:"started_at"`
	Duration  time.Duration `json:"duration" msgpack:"duration"`
}

// NewExchange starts a record bound to the request's host and full target URL.
func NewExchange(host, targetURL, method string, requestHeaders Headers) *Exchange {
	return &Exchange{
		ID:             uuid.NewString(),
		TargetHost:     host,
		TargetURL:      targetURL,
		Method:         method,
		RequestHeaders: requestHeaders,
		StartedAt:      time.Now(),
	}
}

// Clone returns a deep copy.
func (e *Exchange) Clone() *Exchange {
	c := *e
	c.RequestHeaders = slices.Clone(e.RequestHeaders)
	c.ForwardedHeaders = slices.Clone(e.ForwardedHeaders)
	c.ResponseHeaders = slices.Clone(e.ResponseHeaders)
	c.RequestBody = bytes.Clone(e.RequestBody)
	c.ResponseBody = bytes.Clone(e.ResponseBody)
	c.RawRequest = bytes.Clone(e.RawRequest)
	c.RawResponse = bytes.Clone(e.RawResponse)
	return &c
}

// ContentEncoding returns the response Content-Encoding, if any.
func (e *Exchange) ContentEncoding() string {
	return e.ResponseHeaders.Get("Content-Encoding")
}

// DecodedResponseBody returns the response body with its content encoding
// removed, up to limit bytes (see DecodeBody). Unknown encodings return the
// captured bytes unchanged.
func (e *Exchange) DecodedResponseBody(limit int64) ([]byte, error) {
	body, _, err := DecodeBody(e.ResponseBody, e.ContentEncoding(), limit)
	return body, err
}

package model

import (
	"bytes"
	"net/http"
	"slices"
	"strings"
)

// Header is a single header line.
type Header struct {
	Name  string `json:"name" msgpack:"name"`
	Value string `json:"value" msgpack:"value"`
}

// String returns the header in its wire form, including the line ending.
func (h Header) String() string {
	return h.Name + ": " + h.Value + "\r\n"
}

// Headers is an ordered header list with case-insensitive lookup.
type Headers []Header

// HeadersFromHTTP flattens h in the order net/http writes it on the wire:
// keys sorted, values in insertion order.
func HeadersFromHTTP(h http.Header) Headers {
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	out := make(Headers, 0, len(keys))
	for _, k := range keys {
		for _, v := range h[k] {
			out = append(out, Header{Name: k, Value: v})
		}
	}
	return out
}

// Get returns the first value for name, or "".
func (hs Headers) Get(name string) string {
	for _, h := range hs {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

// Values returns all values for name in order.
func (hs Headers) Values(name string) []string {
	var vals []string
	for _, h := range hs {
		if strings.EqualFold(h.Name, name) {
			vals = append(vals, h.Value)
		}
	}
	return vals
}

// Dump renders the raw capture layout: each header's wire form in order, one
// blank line, then body verbatim.
func Dump(headers Headers, body []byte) []byte {
	var buf bytes.Buffer
	for _, h := range headers {
		buf.WriteString(h.String())
	}
	buf.WriteString("\r\n")
	buf.Write(body)
	return buf.Bytes()
}

// SplitDump separates a raw dump produced by Dump into its header block
// (without the blank line) and body. ok is false when no boundary is found.
func SplitDump(raw []byte) (head, body []byte, ok bool) {
	if bytes.HasPrefix(raw, []byte("\r\n")) {
		return nil, raw[2:], true
	}
	i := bytes.Index(raw, []byte("\r\n\r\n"))
	if i < 0 {
		return nil, nil, false
	}
	return raw[:i+2], raw[i+4:], true
}

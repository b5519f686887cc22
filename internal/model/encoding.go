package model

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
)

// ErrDecodedTooLarge is returned when a decoded body would exceed the limit
// given to DecodeBody.
var ErrDecodedTooLarge = errors.New("decoded body exceeds limit")

// NormalizeEncoding lower-cases and trims a Content-Encoding value and maps
// aliases. Stacked encodings ("gzip, br") are reported as unsupported.
func NormalizeEncoding(encoding string) (string, bool) {
	encoding = strings.ToLower(strings.TrimSpace(encoding))
	if strings.Contains(encoding, ",") {
		return "", false
	}
	switch encoding {
	case "gzip", "x-gzip":
		return "gzip", true
	case "deflate":
		return "deflate", true
	case "zstd":
		return "zstd", true
	default:
		return encoding, false
	}
}

// DecodeBody removes the content encoding from data. decoded is false, and data
// is returned as is, when the encoding is empty or unsupported. Decoding stops
// with ErrDecodedTooLarge once the output passes limit bytes; limit <= 0
// means no limit.
func DecodeBody(data []byte, encoding string, limit int64) (out []byte, decoded bool, err error) {
	enc, ok := NormalizeEncoding(encoding)
	if !ok || len(data) == 0 {
		return data, false, nil
	}

	switch enc {
	case "gzip":
		gr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return data, false, fmt.Errorf("decode gzip: %w", err)
		}
		defer func() { _ = gr.Close() }()
		out, err = readLimited(gr, limit)
		if err != nil {
			return data, false, fmt.Errorf("decode gzip: %w", err)
		}
	case "deflate":
		// Servers disagree on whether deflate means zlib-wrapped or raw.
		if zr, zerr := zlib.NewReader(bytes.NewReader(data)); zerr == nil {
			out, err = readLimited(zr, limit)
			_ = zr.Close()
		} else {
			fr := flate.NewReader(bytes.NewReader(data))
			out, err = readLimited(fr, limit)
			_ = fr.Close()
		}
		if err != nil {
			return data, false, fmt.Errorf("decode deflate: %w", err)
		}
	case "zstd":
		zr, err := zstd.NewReader(bytes.NewReader(data))
		if err != nil {
			return data, false, fmt.Errorf("decode zstd: %w", err)
		}
		defer zr.Close()
		out, err = readLimited(zr, limit)
		if err != nil {
			return data, false, fmt.Errorf("decode zstd: %w", err)
		}
	}
	return out, true, nil
}

func readLimited(r io.Reader, limit int64) ([]byte, error) {
	if limit <= 0 {
		return io.ReadAll(r)
	}
	out, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(out)) > limit {
		return nil, fmt.Errorf("%w of %d bytes", ErrDecodedTooLarge, limit)
	}
	return out, nil
}

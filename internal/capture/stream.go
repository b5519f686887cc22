// Package capture records the bytes a consumer reads from a stream.
package capture

import (
	"bytes"
	"io"
	"net/http"
	"sync"
)

// Stream wraps a byte source and keeps a copy of every byte successfully
// delivered to the reader, in read order. The copy survives end-of-stream
// and Close.
type Stream struct {
	src io.Reader

	mu  sync.Mutex
	buf bytes.Buffer
}

// NewStream returns a Stream reading from src. A nil src behaves as an empty stream.
func NewStream(src io.Reader) *Stream {
	if src == nil {
		src = http.NoBody
	}
	return &Stream{src: src}
}

// Read implements io.Reader. Only the n bytes handed back to the caller are
// recorded, also when the source returns them together with an error.
func (s *Stream) Read(p []byte) (int, error) {
	n, err := s.src.Read(p)
	if n > 0 {
		s.mu.Lock()
		s.buf.Write(p[:n])
		s.mu.Unlock()
	}
	return n, err
}

// Close closes the source when it is an io.Closer. Captured bytes are kept.
func (s *Stream) Close() error {
	if c, ok := s.src.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// Captured returns a copy of the bytes read so far. It may be called before
// the source is exhausted.
func (s *Stream) Captured() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return bytes.Clone(s.buf.Bytes())
}

// Len returns the number of bytes captured so far.
func (s *Stream) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Len()
}

package pool

import (
	"errors"
	"net"
)

var (
	// ErrUnsupportedScheme is returned for URL schemes with no registered transport.
	ErrUnsupportedScheme = errors.New("pool: unsupported scheme")
	// ErrPoolExhausted is returned when AcquireTimeout elapses before a slot frees.
	ErrPoolExhausted = errors.New("pool: no free connection slot")
	// ErrStopped is returned after Stop.
	ErrStopped = errors.New("pool: stopped")
)

// TransportError wraps a failure to reach or talk to the upstream: connect
// refused, TLS handshake failure, I/O error, missing trust material.
type TransportError struct {
	Op  string
	URL string
	Err error
}

func (e *TransportError) Error() string {
	return "pool: " + e.Op + " " + e.URL + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error { return e.Err }

// Timeout reports whether the underlying failure was a timeout.
func (e *TransportError) Timeout() bool {
	var ne net.Error
	return errors.As(e.Err, &ne) && ne.Timeout()
}

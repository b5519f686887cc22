// Package pool is the process-wide outbound HTTP client of the monitor.
//
// Every outbound request takes a slot bounded by a per-host and a total cap
// before it is dispatched through the transport registered for its scheme.
// The slot is held until the response body is closed.
package pool

import (
	"errors"
	"fmt"
	"time"
)

// Defaults match the caps the monitor has always shipped with.
const (
	DefaultMaxConnectionsPerHost = 500
	DefaultMaxTotalConnections   = 2000
	DefaultSocketTimeout         = 60 * time.Second
	DefaultIdleConnections       = 100
)

// ErrInvalidConfig is returned when a configuration is rejected. The
// previously active configuration stays in force.
var ErrInvalidConfig = errors.New("pool: invalid configuration")

// Config is one immutable pool configuration.
type Config struct {
	MaxConnectionsPerHost int
	MaxTotalConnections   int
	// SocketTimeout bounds dialing and waiting for response headers. Zero disables it.
	SocketTimeout time.Duration
	// AcquireTimeout bounds the wait for a free slot. Zero waits until a slot
	// frees or the request context ends.
	AcquireTimeout       time.Duration
	IdleConnections      int
	ReusePersistentState bool
	UserAgent            string
}

// DefaultConfig returns the default pool configuration.
func DefaultConfig() Config {
	return Config{
		MaxConnectionsPerHost: DefaultMaxConnectionsPerHost,
		MaxTotalConnections:   DefaultMaxTotalConnections,
		SocketTimeout:         DefaultSocketTimeout,
		IdleConnections:       DefaultIdleConnections,
	}
}

// Validate checks that all limits are in range.
func (c Config) Validate() error {
	if c.MaxConnectionsPerHost <= 0 {
		return fmt.Errorf("%w: max connections per host must be > 0; got %d", ErrInvalidConfig, c.MaxConnectionsPerHost)
	}
	if c.MaxTotalConnections <= 0 {
		return fmt.Errorf("%w: max total connections must be > 0; got %d", ErrInvalidConfig, c.MaxTotalConnections)
	}
	if c.SocketTimeout < 0 {
		return fmt.Errorf("%w: socket timeout must be non-negative; got %s", ErrInvalidConfig, c.SocketTimeout)
	}
	if c.AcquireTimeout < 0 {
		return fmt.Errorf("%w: acquire timeout must be non-negative; got %s", ErrInvalidConfig, c.AcquireTimeout)
	}
	if c.IdleConnections < 0 {
		return fmt.Errorf("%w: idle connections must be non-negative; got %d", ErrInvalidConfig, c.IdleConnections)
	}
	return nil
}

// transportChanged reports whether moving from a to b requires new transports.
func transportChanged(a, b Config) bool {
	return a.SocketTimeout != b.SocketTimeout || a.IdleConnections != b.IdleConnections
}

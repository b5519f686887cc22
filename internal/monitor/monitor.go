// Package monitor keeps the exchanges captured by the proxy.
package monitor

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"monitor-proxy-go/internal/model"
)

// ErrNotFound is returned by Get for unknown or evicted exchange IDs.
var ErrNotFound = errors.New("exchange not found")

// Monitor receives completed exchanges. AddExchange is called exactly once
// per completed proxy session, possibly from many goroutines at once. The
// exchange must not be modified afterwards by either side.
type Monitor interface {
	AddExchange(ex *model.Exchange)
}

// Failure describes a proxy session that ended before its exchange could be
// published.
type Failure struct {
	ID        string    `json:"id" msgpack:"id"`
	Method    string    `json:"method" msgpack:"method"`
	TargetURL string    `json:"target_url" msgpack:"target_url"`
	Reason    string    `json:"reason" msgpack:"reason"`
	Error     string    `json:"error" msgpack:"error"`
	At        time.Time `json:"at" msgpack:"at"`
}

// FailureObserver is optionally implemented by a Monitor that wants to hear
// about aborted sessions.
type FailureObserver interface {
	ExchangeFailed(f Failure)
}

// History is a bounded, newest-first store of exchanges and failures. When a
// dump directory is configured, the raw request and response of every
// exchange are also written there.
type History struct {
	logger  *slog.Logger
	dumpDir string

	mu       sync.RWMutex
	ring     []*model.Exchange
	next     int
	count    int
	byID     map[string]*model.Exchange
	failures []Failure
	total    uint64
	failed   uint64
}

// NewHistory creates a History keeping the last size exchanges. size must be
// positive.
func NewHistory(size int, dumpDir string, logger *slog.Logger) (*History, error) {
	if size <= 0 {
		return nil, fmt.Errorf("monitor: history size must be > 0; got %d", size)
	}
	if dumpDir != "" {
		if err := os.MkdirAll(dumpDir, 0o750); err != nil {
			return nil, fmt.Errorf("monitor: create dump dir: %w", err)
		}
	}
	return &History{
		logger:  logger.With("component", "monitor"),
		dumpDir: dumpDir,
		ring:    make([]*model.Exchange, size),
		byID:    make(map[string]*model.Exchange, size),
	}, nil
}

// AddExchange stores ex, evicting the oldest exchange when full.
func (h *History) AddExchange(ex *model.Exchange) {
	h.mu.Lock()
	if old := h.ring[h.next]; old != nil {
		delete(h.byID, old.ID)
	}
	h.ring[h.next] = ex
	h.byID[ex.ID] = ex
	h.next = (h.next + 1) % len(h.ring)
	if h.count < len(h.ring) {
		h.count++
	}
	h.total++
	h.mu.Unlock()

	h.logger.Debug("exchange captured",
		"id", ex.ID,
		"method", ex.Method,
		"target", ex.TargetURL,
		"status", ex.StatusCode,
		"request_bytes", len(ex.RequestBody),
		"response_bytes", len(ex.ResponseBody),
	)

	if h.dumpDir != "" {
		h.dump(ex)
	}
}

// ExchangeFailed records f, keeping as many failures as exchanges.
func (h *History) ExchangeFailed(f Failure) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.failures) == len(h.ring) {
		copy(h.failures, h.failures[1:])
		h.failures = h.failures[:len(h.failures)-1]
	}
	h.failures = append(h.failures, f)
	h.failed++
}

// List returns up to limit exchanges, newest first. limit <= 0 means all.
func (h *History) List(limit int) []*model.Exchange {
	h.mu.RLock()
	defer h.mu.RUnlock()

	n := h.count
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]*model.Exchange, 0, n)
	for i := 1; i <= n; i++ {
		idx := (h.next - i + len(h.ring)) % len(h.ring)
		out = append(out, h.ring[idx])
	}
	return out
}

// Get returns the exchange with the given ID.
func (h *History) Get(id string) (*model.Exchange, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ex, ok := h.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return ex, nil
}

// Failures returns the recorded failures, newest first.
func (h *History) Failures() []Failure {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Failure, len(h.failures))
	for i, f := range h.failures {
		out[len(out)-1-i] = f
	}
	return out
}

// Stats holds counters since startup.
type Stats struct {
	Stored    int    `json:"stored"`
	Capacity  int    `json:"capacity"`
	Published uint64 `json:"published"`
	Failed    uint64 `json:"failed"`
}

// Stats returns counters since startup.
func (h *History) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return Stats{
		Stored:    h.count,
		Capacity:  len(h.ring),
		Published: h.total,
		Failed:    h.failed,
	}
}

func (h *History) dump(ex *model.Exchange) {
	for suffix, data := range map[string][]byte{
		".request":  ex.RawRequest,
		".response": ex.RawResponse,
	} {
		path := filepath.Join(h.dumpDir, ex.ID+suffix)
		if err := os.WriteFile(path, data, 0o640); err != nil {
			h.logger.Error("write exchange dump", "path", path, "err", err)
		}
	}
}

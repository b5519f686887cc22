// Package settings is the runtime settings store. Values are strings keyed by
// name; subscribers are told about single-key changes and full reloads.
package settings

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"
	"sync"
)

// Setting keys.
const (
	KeyTrustStorePath        = "ssl.truststore_path"
	KeyTrustStorePassword    = "ssl.truststore_password"
	KeyMaxConnectionsPerHost = "pool.max_connections_per_host"
	KeyMaxTotalConnections   = "pool.max_total_connections"
	KeySocketTimeout         = "pool.socket_timeout_seconds"
	KeyAcquireTimeout        = "pool.acquire_timeout_seconds"
	KeyReusePersistentState  = "pool.reuse_persistent_state"
	KeyUserAgent             = "upstream.user_agent"
)

// ErrInvalidSetting is returned when a value is rejected at the settings boundary.
var ErrInvalidSetting = errors.New("invalid setting")

// validators guard the typed keys. Unknown keys are accepted as plain strings.
var validators = map[string]func(string) error{
	KeyMaxConnectionsPerHost: positiveInt,
	KeyMaxTotalConnections:   positiveInt,
	KeySocketTimeout:         nonNegativeInt,
	KeyAcquireTimeout:        nonNegativeInt,
	KeyReusePersistentState:  boolean,
}

// secretKeys are redacted by Snapshot.
var secretKeys = map[string]bool{
	KeyTrustStorePassword: true,
}

// Event is delivered to subscribers. It is either Changed or Reloaded.
type Event interface {
	event()
}

// Changed reports that one key took a new value. Reloading is set when the
// change is part of a Reload, in which case a Reloaded event follows once
// every key has been announced.
type Changed struct {
	Key       string
	NewValue  string
	OldValue  string
	Reloading bool
}

// Reloaded reports that the whole store was re-read from its source.
type Reloaded struct{}

func (Changed) event()  {}
func (Reloaded) event() {}

// Handler receives events synchronously, in the order they happen. Handlers
// must not call Set or Reload.
type Handler func(Event)

// Loader returns a fresh set of values for Reload.
type Loader func() (map[string]string, error)

// Store is safe for concurrent use.
type Store struct {
	loader Loader

	// writeMu serializes writers so subscribers see events in value order.
	writeMu sync.Mutex

	mu     sync.RWMutex
	values map[string]string

	subMu  sync.Mutex
	subs   map[int]Handler
	nextID int
}

// New creates a Store seeded with initial. loader may be nil, in which case
// Reload only re-announces the current values.
func New(initial map[string]string, loader Loader) (*Store, error) {
	if err := validateAll(initial); err != nil {
		return nil, err
	}
	return &Store{
		loader: loader,
		values: maps.Clone(initial),
		subs:   make(map[int]Handler),
	}, nil
}

// GetString returns the value for key, or def when unset.
func (s *Store) GetString(key, def string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if v, ok := s.values[key]; ok {
		return v
	}
	return def
}

// GetBool returns the value for key parsed as a bool; unset or malformed is false.
func (s *Store) GetBool(key string) bool {
	b, _ := strconv.ParseBool(strings.TrimSpace(s.GetString(key, "")))
	return b
}

// GetLong returns the value for key parsed as an int64, or def when unset or malformed.
func (s *Store) GetLong(key string, def int64) int64 {
	v, err := strconv.ParseInt(strings.TrimSpace(s.GetString(key, "")), 10, 64)
	if err != nil {
		return def
	}
	return v
}

// Set stores value under key and notifies subscribers when it changed.
// A rejected value leaves the previous one in force.
func (s *Store) Set(key, value string) error {
	if err := validate(key, value); err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	old, existed := s.values[key]
	if existed && old == value {
		s.mu.Unlock()
		return nil
	}
	s.values[key] = value
	s.mu.Unlock()

	s.emit(Changed{Key: key, NewValue: value, OldValue: old})
	return nil
}

// Reload replaces all values with the loader's result. Subscribers get one
// Changed per differing key, in key order, then a single Reloaded.
func (s *Store) Reload() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var fresh map[string]string
	if s.loader != nil {
		v, err := s.loader()
		if err != nil {
			return fmt.Errorf("settings: reload: %w", err)
		}
		if err := validateAll(v); err != nil {
			return fmt.Errorf("settings: reload: %w", err)
		}
		fresh = maps.Clone(v)
	} else {
		s.mu.RLock()
		fresh = maps.Clone(s.values)
		s.mu.RUnlock()
	}

	s.mu.Lock()
	old := s.values
	s.values = fresh
	s.mu.Unlock()

	for _, k := range slices.Sorted(maps.Keys(unionKeys(old, fresh))) {
		if old[k] != fresh[k] {
			s.emit(Changed{Key: k, NewValue: fresh[k], OldValue: old[k], Reloading: true})
		}
	}
	s.emit(Reloaded{})
	return nil
}

// Subscribe registers h and returns a function that removes it.
func (s *Store) Subscribe(h Handler) (unsubscribe func()) {
	s.subMu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = h
	s.subMu.Unlock()

	return func() {
		s.subMu.Lock()
		delete(s.subs, id)
		s.subMu.Unlock()
	}
}

// Snapshot returns a copy of all values with secrets redacted.
func (s *Store) Snapshot() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := maps.Clone(s.values)
	for k := range out {
		if secretKeys[k] && out[k] != "" {
			out[k] = "[REDACTED]"
		}
	}
	return out
}

func (s *Store) emit(ev Event) {
	s.subMu.Lock()
	ids := slices.Sorted(maps.Keys(s.subs))
	handlers := make([]Handler, 0, len(ids))
	for _, id := range ids {
		handlers = append(handlers, s.subs[id])
	}
	s.subMu.Unlock()

	for _, h := range handlers {
		h(ev)
	}
}

func unionKeys(a, b map[string]string) map[string]struct{} {
	out := make(map[string]struct{}, len(a)+len(b))
	for k := range a {
		out[k] = struct{}{}
	}
	for k := range b {
		out[k] = struct{}{}
	}
	return out
}

func validateAll(values map[string]string) error {
	for k, v := range values {
		if err := validate(k, v); err != nil {
			return err
		}
	}
	return nil
}

func validate(key, value string) error {
	if key == "" {
		return fmt.Errorf("%w: empty key", ErrInvalidSetting)
	}
	if fn, ok := validators[key]; ok {
		if err := fn(value); err != nil {
			return fmt.Errorf("%w: %s: %w", ErrInvalidSetting, key, err)
		}
	}
	return nil
}

func positiveInt(v string) error {
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 32)
	if err != nil {
		return fmt.Errorf("%q is not an integer", v)
	}
	if n <= 0 {
		return fmt.Errorf("must be > 0; got %d", n)
	}
	return nil
}

func nonNegativeInt(v string) error {
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 32)
	if err != nil {
		return fmt.Errorf("%q is not an integer", v)
	}
	if n < 0 {
		return fmt.Errorf("must be non-negative; got %d", n)
	}
	return nil
}

func boolean(v string) error {
	if _, err := strconv.ParseBool(strings.TrimSpace(v)); err != nil {
		return fmt.Errorf("%q is not a boolean", v)
	}
	return nil
}

// Package store provides the in-memory string store behind the cachewire
// development server.
//
// Keys hold plain strings with an optional expiry. Expired keys are invisible
// to every read and are removed by a background sweep.
//
// Example usage:
//
//	s := store.New()
//	defer s.Close()
//
//	s.Set("user:123", "john_doe", time.Hour)
//	value, exists := s.Get("user:123")
//
// All operations are safe for concurrent use.
package store

import (
	"sync"
	"time"
)

const sweepInterval = time.Minute

// Value is a single stored entry.
type Value struct {
	ExpiresAt time.Time // When this value expires (zero means no expiration)
	Data      string
}

// Store is a concurrency-safe map of strings with per-key expiry.
type Store struct {
	data map[string]*Value
	now  func() time.Time
	stop chan struct{}
	once sync.Once
	mu   sync.RWMutex
}

// New creates a Store and starts its background sweep.
func New() *Store {
	s := newStore(time.Now)
	go s.sweep()
	return s
}

func newStore(now func() time.Time) *Store {
	return &Store{
		data: make(map[string]*Value),
		now:  now,
		stop: make(chan struct{}),
	}
}

// Close stops the background sweep. The store stays usable.
func (s *Store) Close() {
	s.once.Do(func() { close(s.stop) })
}

func (s *Store) sweep() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.removeExpired()
		}
	}
}

func (s *Store) removeExpired() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, value := range s.data {
		if s.isExpired(value) {
			delete(s.data, key)
			removed++
		}
	}
	return removed
}

func (s *Store) isExpired(value *Value) bool {
	return !value.ExpiresAt.IsZero() && !s.now().Before(value.ExpiresAt)
}

// Get returns the value of key and whether it exists and has not expired.
func (s *Store) Get(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	value, exists := s.data[key]
	if !exists || s.isExpired(value) {
		return "", false
	}
	return value.Data, true
}

// Set stores val under key. A positive ttl makes the key expire after that
// duration; zero or negative stores it without expiry.
func (s *Store) Set(key, val string, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	value := &Value{Data: val}
	if ttl > 0 {
		value.ExpiresAt = s.now().Add(ttl)
	}
	s.data[key] = value
}

// Del removes key and reports whether a live key was removed.
func (s *Store) Del(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	value, exists := s.data[key]
	if !exists {
		return false
	}
	delete(s.data, key)
	return !s.isExpired(value)
}

// Exists reports whether key exists and has not expired.
func (s *Store) Exists(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	value, exists := s.data[key]
	return exists && !s.isExpired(value)
}

// Flush removes every key.
func (s *Store) Flush() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data = make(map[string]*Value)
}

// Len returns the number of live keys.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, value := range s.data {
		if !s.isExpired(value) {
			n++
		}
	}
	return n
}

package application

import (
	"context"
	"sync"
	"time"
)

// FailureStore tracks failed auth attempts per identifier in a sliding
// window. The in-memory implementation covers a single instance; a shared
// store is required when several instances must see the same lockouts.
type FailureStore interface {
	RecordFailure(ctx context.Context, identifier string, at time.Time) error
	FailureCount(ctx context.Context, identifier string, since time.Time) (int, error)
	Clear(ctx context.Context, identifier string) error
}

// MemoryFailureStore keeps attempt timestamps in process memory.
type MemoryFailureStore struct {
	mu       sync.Mutex
	attempts map[string][]time.Time
}

// NewMemoryFailureStore constructs an empty store.
func NewMemoryFailureStore() *MemoryFailureStore {
	return &MemoryFailureStore{attempts: make(map[string][]time.Time)}
}

// RecordFailure appends one attempt and drops entries older than an hour.
func (s *MemoryFailureStore) RecordFailure(_ context.Context, identifier string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := at.Add(-time.Hour)
	kept := s.attempts[identifier][:0]
	for _, t := range s.attempts[identifier] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	s.attempts[identifier] = append(kept, at)
	return nil
}

// FailureCount counts attempts at or after the window start.
func (s *MemoryFailureStore) FailureCount(_ context.Context, identifier string, since time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for _, t := range s.attempts[identifier] {
		if t.After(since) {
			count++
		}
	}
	return count, nil
}

// Clear forgets every attempt for one identifier.
func (s *MemoryFailureStore) Clear(_ context.Context, identifier string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.attempts, identifier)
	return nil
}

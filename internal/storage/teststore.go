package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// TestStore is an in-memory KeyValueStore. FailPuts makes the next n Put
// calls return a transient storage failure, for exercising retry paths.
type TestStore struct {
	mu       sync.Mutex
	data     map[string]Value
	failPuts int
}

// NewTestStore creates an empty TestStore.
func NewTestStore() *TestStore {
	return &TestStore{data: make(map[string]Value)}
}

// FailPuts arranges for the next n Put calls to fail.
func (s *TestStore) FailPuts(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failPuts = n
}

// Put implements KeyValueStore.
func (s *TestStore) Put(ctx context.Context, key Key, value Value) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failPuts > 0 {
		s.failPuts--
		return Error.New("injected put failure")
	}
	s.data[string(key)] = append(Value(nil), value...)
	return nil
}

// Get implements KeyValueStore.
func (s *TestStore) Get(ctx context.Context, key Key) (Value, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	value, ok := s.data[string(key)]
	if !ok {
		return nil, ErrKeyNotFound.New("%q", string(key))
	}
	return append(Value(nil), value...), nil
}

// Delete implements KeyValueStore.
func (s *TestStore) Delete(ctx context.Context, key Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, string(key))
	return nil
}

// ListPrefix implements KeyValueStore.
func (s *TestStore) ListPrefix(ctx context.Context, prefix Key) ([]Key, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var keys []Key
	for k := range s.data {
		if strings.HasPrefix(k, string(prefix)) {
			keys = append(keys, Key(k))
		}
	}
	sort.Slice(keys, func(i, j int) bool { return string(keys[i]) < string(keys[j]) })
	return keys, nil
}

// Close implements KeyValueStore.
func (s *TestStore) Close() error { return nil }

package entity

import "sync"

// Store is a concurrency-safe map that iterates in insertion order.
type Store[K comparable, V any] struct {
	mu    sync.RWMutex
	items map[K]V
	order []K
}

// NewStore creates an empty store.
func NewStore[K comparable, V any]() *Store[K, V] {
	return &Store[K, V]{items: make(map[K]V)}
}

// Set inserts or replaces the value for key. A replaced key keeps its position.
func (s *Store[K, V]) Set(key K, value V) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[key]; !ok {
		s.order = append(s.order, key)
	}
	s.items[key] = value
}

func (s *Store[K, V]) Get(key K) (V, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.items[key]
	return v, ok
}

func (s *Store[K, V]) Delete(key K) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[key]; !ok {
		return false
	}
	delete(s.items, key)
	for i, k := range s.order {
		if k == key {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return true
}

func (s *Store[K, V]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// Values returns the values in insertion order.
func (s *Store[K, V]) Values() []V {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]V, 0, len(s.order))
	for _, k := range s.order {
		out = append(out, s.items[k])
	}
	return out
}

// Find returns the first value matching fn.
func (s *Store[K, V]) Find(fn func(V) bool) (V, bool) {
	for _, v := range s.Values() {
		if fn(v) {
			return v, true
		}
	}
	var zero V
	return zero, false
}

// Filter returns every value matching fn, in insertion order.
func (s *Store[K, V]) Filter(fn func(V) bool) []V {
	var out []V
	for _, v := range s.Values() {
		if fn(v) {
			out = append(out, v)
		}
	}
	return out
}

// Clear removes every entry.
func (s *Store[K, V]) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = make(map[K]V)
	s.order = nil
}

package generic

import "sync"

// SyncMap wraps sync.Map with concrete key and value types so that callers
// do not need type assertions.
type SyncMap[K comparable, V any] struct {
	m sync.Map
}

func (s *SyncMap[K, V]) Load(key K) (V, bool) {
	var zero V

	v, ok := s.m.Load(key)
	if !ok {
		return zero, false
	}

	return v.(V), true
}

func (s *SyncMap[K, V]) Store(key K, value V) {
	s.m.Store(key, value)
}

// LoadOrStore returns the existing value for the key if present. Otherwise it
// stores and returns the given value. The loaded result is true if the value
// was present.
func (s *SyncMap[K, V]) LoadOrStore(key K, value V) (V, bool) {
	v, loaded := s.m.LoadOrStore(key, value)
	return v.(V), loaded
}

func (s *SyncMap[K, V]) Delete(key K) {
	s.m.Delete(key)
}

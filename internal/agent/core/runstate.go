package core

import (
	"fmt"
	"sort"
	"sync"
)

// ErrKeyWritten is returned when a key is written twice within one run.
type ErrKeyWritten struct{ Key string }

func (e ErrKeyWritten) Error() string { return fmt.Sprintf("run state key %q already written", e.Key) }

// RunState is the shared key/value map of one run. Keys are write-once;
// concurrent readers only observe keys whose writers have finished.
type RunState struct {
	mu     sync.RWMutex
	values map[string]any
}

// NewRunState seeds a state with the run inputs.
func NewRunState(seed map[string]any) *RunState {
	values := make(map[string]any, len(seed)+12)
	for k, v := range seed {
		values[k] = v
	}
	return &RunState{values: values}
}

// Get returns the value stored under key.
func (s *RunState) Get(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return v, ok
}

// Put stores v under key unless the key already exists.
func (s *RunState) Put(key string, v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.values[key]; ok {
		return ErrKeyWritten{Key: key}
	}
	s.values[key] = v
	return nil
}

// Keys returns the stored keys in sorted order.
func (s *RunState) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.values))
	for k := range s.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Snapshot copies the current map.
func (s *RunState) Snapshot() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]any, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}

// Lookup reads key as T. It accepts both T and *T values.
func Lookup[T any](s *RunState, key string) (T, bool) {
	var zero T
	v, ok := s.Get(key)
	if !ok {
		return zero, false
	}
	switch t := v.(type) {
	case T:
		return t, true
	case *T:
		if t == nil {
			return zero, false
		}
		return *t, true
	}
	return zero, false
}

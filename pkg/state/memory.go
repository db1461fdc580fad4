package state

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryFactory keeps agent state in process memory. State is lost on exit.
type MemoryFactory struct {
	mu     sync.Mutex
	stores map[string]*memoryStore
}

// NewMemoryFactory creates an empty in-memory factory.
func NewMemoryFactory() *MemoryFactory {
	return &MemoryFactory{stores: make(map[string]*memoryStore)}
}

// Create implements Factory.
func (f *MemoryFactory) Create(_ context.Context, agentID string) (Store, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.stores[agentID]; ok {
		return nil, fmt.Errorf("%s - create %s: %w", logPrefix, agentID, ErrExists)
	}
	s := &memoryStore{id: agentID, data: make(map[string][]byte)}
	f.stores[agentID] = s
	return s, nil
}

// Get implements Factory.
func (f *MemoryFactory) Get(_ context.Context, agentID string) (Store, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.stores[agentID]
	if !ok {
		return nil, fmt.Errorf("%s - get %s: %w", logPrefix, agentID, ErrNotFound)
	}
	return s, nil
}

// Exists implements Factory.
func (f *MemoryFactory) Exists(_ context.Context, agentID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.stores[agentID]
	return ok, nil
}

// Delete implements Factory.
func (f *MemoryFactory) Delete(_ context.Context, agentID string) error {
	f.mu.Lock()
	s, ok := f.stores[agentID]
	delete(f.stores, agentID)
	f.mu.Unlock()
	if ok {
		s.mu.Lock()
		s.data = make(map[string][]byte)
		s.mu.Unlock()
	}
	return nil
}

type memoryStore struct {
	id   string
	mu   sync.Mutex
	data map[string][]byte
}

func (s *memoryStore) AgentID() string { return s.id }

func (s *memoryStore) Get(_ context.Context, key string, out any) (bool, error) {
	s.mu.Lock()
	raw, ok := s.data[key]
	s.mu.Unlock()
	if !ok {
		return false, nil
	}
	return true, decode(raw, out)
}

func (s *memoryStore) Put(_ context.Context, key string, value any) error {
	raw, err := encode(value)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.data[key] = raw
	s.mu.Unlock()
	return nil
}

func (s *memoryStore) Remove(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.data, key)
	s.mu.Unlock()
	return nil
}

func (s *memoryStore) PutIfUnchanged(_ context.Context, key string, newValue, oldValue any) (bool, error) {
	raw, err := encode(newValue)
	if err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.data[key]
	if oldValue == nil {
		if ok {
			return false, nil
		}
	} else {
		if !ok {
			return false, nil
		}
		same, err := sameJSON(current, oldValue)
		if err != nil || !same {
			return false, err
		}
	}
	s.data[key] = raw
	return true, nil
}

func (s *memoryStore) Keys(_ context.Context) ([]string, error) {
	s.mu.Lock()
	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		keys = append(keys, k)
	}
	s.mu.Unlock()
	sort.Strings(keys)
	return keys, nil
}

func (s *memoryStore) Clear(_ context.Context) error {
	s.mu.Lock()
	s.data = make(map[string][]byte)
	s.mu.Unlock()
	return nil
}

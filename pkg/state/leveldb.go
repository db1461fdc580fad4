package state

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

const leveldbLogPrefix = "state:leveldb"

// Key layout:
//
//	a\x00{agentID}             agent marker
//	s\x00{agentID}\x00{key}    state value (JSON)
const (
	agentMarker = "a\x00"
	statePrefix = "s\x00"
)

// LevelDBFactory stores all agents in one LevelDB database.
type LevelDBFactory struct {
	db *leveldb.DB
	// mu serialises read-modify-write sequences (PutIfUnchanged, Create).
	mu sync.Mutex
}

// OpenLevelDB opens (or creates) the database at path.
func OpenLevelDB(path string) (*LevelDBFactory, error) {
	slog.Info(fmt.Sprintf("%s - Opening state database at %s", leveldbLogPrefix, path))
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("%s - open %s: %w", leveldbLogPrefix, path, err)
	}
	return NewLevelDBFactory(db), nil
}

// NewLevelDBFactory wraps an open database.
func NewLevelDBFactory(db *leveldb.DB) *LevelDBFactory {
	return &LevelDBFactory{db: db}
}

// Close closes the database.
func (f *LevelDBFactory) Close() error {
	return f.db.Close()
}

// Create implements Factory.
func (f *LevelDBFactory) Create(_ context.Context, agentID string) (Store, error) {
	if err := checkAgentID(agentID); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	ok, err := f.db.Has(markerKey(agentID), nil)
	if err != nil {
		return nil, fmt.Errorf("%s - create %s: %w", leveldbLogPrefix, agentID, err)
	}
	if ok {
		return nil, fmt.Errorf("%s - create %s: %w", leveldbLogPrefix, agentID, ErrExists)
	}
	if err := f.db.Put(markerKey(agentID), nil, nil); err != nil {
		return nil, fmt.Errorf("%s - create %s: %w", leveldbLogPrefix, agentID, err)
	}
	return &levelStore{f: f, id: agentID}, nil
}

// Get implements Factory.
func (f *LevelDBFactory) Get(ctx context.Context, agentID string) (Store, error) {
	ok, err := f.Exists(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%s - get %s: %w", leveldbLogPrefix, agentID, ErrNotFound)
	}
	return &levelStore{f: f, id: agentID}, nil
}

// Exists implements Factory.
func (f *LevelDBFactory) Exists(_ context.Context, agentID string) (bool, error) {
	ok, err := f.db.Has(markerKey(agentID), nil)
	if err != nil {
		return false, fmt.Errorf("%s - exists %s: %w", leveldbLogPrefix, agentID, err)
	}
	return ok, nil
}

// Delete implements Factory.
func (f *LevelDBFactory) Delete(_ context.Context, agentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	batch := new(leveldb.Batch)
	f.collect(agentID, batch)
	batch.Delete(markerKey(agentID))
	if err := f.db.Write(batch, nil); err != nil {
		return fmt.Errorf("%s - delete %s: %w", leveldbLogPrefix, agentID, err)
	}
	return nil
}

// AgentIDs lists every agent with state, sorted.
func (f *LevelDBFactory) AgentIDs() ([]string, error) {
	iter := f.db.NewIterator(util.BytesPrefix([]byte(agentMarker)), nil)
	defer iter.Release()
	var ids []string
	for iter.Next() {
		ids = append(ids, strings.TrimPrefix(string(iter.Key()), agentMarker))
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("%s - list agents: %w", leveldbLogPrefix, err)
	}
	sort.Strings(ids)
	return ids, nil
}

// collect adds a delete for every state key of agentID to batch.
func (f *LevelDBFactory) collect(agentID string, batch *leveldb.Batch) {
	iter := f.db.NewIterator(util.BytesPrefix(stateKeyPrefix(agentID)), nil)
	defer iter.Release()
	for iter.Next() {
		batch.Delete(append([]byte(nil), iter.Key()...))
	}
}

func checkAgentID(id string) error {
	if id == "" || strings.ContainsRune(id, 0) {
		return fmt.Errorf("%s - invalid agent id %q", leveldbLogPrefix, id)
	}
	return nil
}

func markerKey(agentID string) []byte { return []byte(agentMarker + agentID) }

func stateKeyPrefix(agentID string) []byte { return []byte(statePrefix + agentID + "\x00") }

func stateKey(agentID, key string) []byte { return []byte(statePrefix + agentID + "\x00" + key) }

type levelStore struct {
	f  *LevelDBFactory
	id string
}

func (s *levelStore) AgentID() string { return s.id }

func (s *levelStore) Get(_ context.Context, key string, out any) (bool, error) {
	raw, err := s.f.db.Get(stateKey(s.id, key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%s - get %s/%s: %w", leveldbLogPrefix, s.id, key, err)
	}
	return true, decode(raw, out)
}

func (s *levelStore) Put(_ context.Context, key string, value any) error {
	raw, err := encode(value)
	if err != nil {
		return err
	}
	if err := s.f.db.Put(stateKey(s.id, key), raw, nil); err != nil {
		return fmt.Errorf("%s - put %s/%s: %w", leveldbLogPrefix, s.id, key, err)
	}
	return nil
}

func (s *levelStore) Remove(_ context.Context, key string) error {
	if err := s.f.db.Delete(stateKey(s.id, key), nil); err != nil {
		return fmt.Errorf("%s - remove %s/%s: %w", leveldbLogPrefix, s.id, key, err)
	}
	return nil
}

func (s *levelStore) PutIfUnchanged(_ context.Context, key string, newValue, oldValue any) (bool, error) {
	raw, err := encode(newValue)
	if err != nil {
		return false, err
	}
	s.f.mu.Lock()
	defer s.f.mu.Unlock()

	current, err := s.f.db.Get(stateKey(s.id, key), nil)
	exists := err == nil
	if err != nil && !errors.Is(err, leveldb.ErrNotFound) {
		return false, fmt.Errorf("%s - get %s/%s: %w", leveldbLogPrefix, s.id, key, err)
	}
	if oldValue == nil {
		if exists {
			return false, nil
		}
	} else {
		if !exists {
			return false, nil
		}
		same, err := sameJSON(current, oldValue)
		if err != nil || !same {
			return false, err
		}
	}
	if err := s.f.db.Put(stateKey(s.id, key), raw, nil); err != nil {
		return false, fmt.Errorf("%s - put %s/%s: %w", leveldbLogPrefix, s.id, key, err)
	}
	return true, nil
}

func (s *levelStore) Keys(_ context.Context) ([]string, error) {
	prefix := stateKeyPrefix(s.id)
	iter := s.f.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer iter.Release()
	keys := []string{}
	for iter.Next() {
		keys = append(keys, string(iter.Key()[len(prefix):]))
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("%s - keys %s: %w", leveldbLogPrefix, s.id, err)
	}
	return keys, nil
}

func (s *levelStore) Clear(_ context.Context) error {
	s.f.mu.Lock()
	defer s.f.mu.Unlock()
	batch := new(leveldb.Batch)
	s.f.collect(s.id, batch)
	if err := s.f.db.Write(batch, nil); err != nil {
		return fmt.Errorf("%s - clear %s: %w", leveldbLogPrefix, s.id, err)
	}
	return nil
}

// Package state provides durable per-agent key/value storage.
//
// Values are stored as JSON. Get decodes into the caller's value the way
// json.Unmarshal does, so a value written as a struct can be read back as a
// map and the other way round.
package state

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

const logPrefix = "state:state"

// KeyType is the reserved key holding the agent's type reference.
const KeyType = "_type"

var (
	// ErrNotFound is returned when an agent has no state.
	ErrNotFound = errors.New("agent state not found")
	// ErrExists is returned by Create when the agent already has state.
	ErrExists = errors.New("agent state already exists")
)

// Store is the key/value state of one agent.
type Store interface {
	// AgentID returns the owning agent's id.
	AgentID() string
	// Get decodes the value under key into out (which may be nil to only test
	// presence) and reports whether the key exists.
	Get(ctx context.Context, key string, out any) (bool, error)
	Put(ctx context.Context, key string, value any) error
	Remove(ctx context.Context, key string) error
	// PutIfUnchanged stores newValue only if the current value equals
	// oldValue. A nil oldValue means the key must be absent.
	PutIfUnchanged(ctx context.Context, key string, newValue, oldValue any) (bool, error)
	// Keys lists the keys, sorted.
	Keys(ctx context.Context) ([]string, error)
	// Clear removes every key.
	Clear(ctx context.Context) error
}

// Factory creates, opens and deletes agent stores.
type Factory interface {
	// Create returns a new empty store, or ErrExists.
	Create(ctx context.Context, agentID string) (Store, error)
	// Get opens an existing store, or returns ErrNotFound.
	Get(ctx context.Context, agentID string) (Store, error)
	Exists(ctx context.Context, agentID string) (bool, error)
	// Delete removes the store and all its keys. Deleting a missing store is
	// not an error.
	Delete(ctx context.Context, agentID string) error
}

func encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%s - encode value: %w", logPrefix, err)
	}
	return data, nil
}

func decode(data []byte, out any) error {
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%s - decode value: %w", logPrefix, err)
	}
	return nil
}

// canonical re-encodes JSON so that semantically equal documents compare
// equal byte for byte (object keys sorted, whitespace dropped).
func canonical(data []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("%s - canonicalise value: %w", logPrefix, err)
	}
	return json.Marshal(v)
}

// sameJSON reports whether stored equals the encoding of expected.
func sameJSON(stored []byte, expected any) (bool, error) {
	want, err := encode(expected)
	if err != nil {
		return false, err
	}
	a, err := canonical(stored)
	if err != nil {
		return false, err
	}
	b, err := canonical(want)
	if err != nil {
		return false, err
	}
	return bytes.Equal(a, b), nil
}

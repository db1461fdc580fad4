package state

import (
	"context"
	"fmt"

	"github.com/morezero/agent-host/pkg/db"
)

const postgresLogPrefix = "state:postgres"

// PostgresFactory stores agent state in the agents and agent_state tables.
type PostgresFactory struct {
	repo *db.Repository
}

// NewPostgresFactory creates a factory over repo.
func NewPostgresFactory(repo *db.Repository) *PostgresFactory {
	return &PostgresFactory{repo: repo}
}

// Create implements Factory.
func (f *PostgresFactory) Create(ctx context.Context, agentID string) (Store, error) {
	created, err := f.repo.CreateAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if !created {
		return nil, fmt.Errorf("%s - create %s: %w", postgresLogPrefix, agentID, ErrExists)
	}
	return &pgStore{repo: f.repo, id: agentID}, nil
}

// Get implements Factory.
func (f *PostgresFactory) Get(ctx context.Context, agentID string) (Store, error) {
	a, err := f.repo.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, fmt.Errorf("%s - get %s: %w", postgresLogPrefix, agentID, ErrNotFound)
	}
	return &pgStore{repo: f.repo, id: agentID}, nil
}

// Exists implements Factory.
func (f *PostgresFactory) Exists(ctx context.Context, agentID string) (bool, error) {
	a, err := f.repo.GetAgent(ctx, agentID)
	if err != nil {
		return false, err
	}
	return a != nil, nil
}

// Delete implements Factory.
func (f *PostgresFactory) Delete(ctx context.Context, agentID string) error {
	_, err := f.repo.DeleteAgent(ctx, agentID)
	return err
}

type pgStore struct {
	repo *db.Repository
	id   string
}

func (s *pgStore) AgentID() string { return s.id }

func (s *pgStore) Get(ctx context.Context, key string, out any) (bool, error) {
	raw, found, err := s.repo.GetState(ctx, s.id, key)
	if err != nil || !found {
		return false, err
	}
	return true, decode(raw, out)
}

func (s *pgStore) Put(ctx context.Context, key string, value any) error {
	raw, err := encode(value)
	if err != nil {
		return err
	}
	return s.repo.PutState(ctx, s.id, key, raw)
}

func (s *pgStore) Remove(ctx context.Context, key string) error {
	return s.repo.RemoveState(ctx, s.id, key)
}

// PutIfUnchanged relies on jsonb equality, which ignores key order and
// whitespace like the other backends.
func (s *pgStore) PutIfUnchanged(ctx context.Context, key string, newValue, oldValue any) (bool, error) {
	raw, err := encode(newValue)
	if err != nil {
		return false, err
	}
	var expected []byte
	if oldValue != nil {
		if expected, err = encode(oldValue); err != nil {
			return false, err
		}
	}
	return s.repo.PutStateIfUnchanged(ctx, s.id, key, raw, expected)
}

func (s *pgStore) Keys(ctx context.Context) ([]string, error) {
	return s.repo.StateKeys(ctx, s.id)
}

func (s *pgStore) Clear(ctx context.Context) error {
	return s.repo.ClearState(ctx, s.id)
}

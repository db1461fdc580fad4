package db

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const repoLogPrefix = "db:repository"

// Repository provides database access for agents and their state.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a new Repository with the given connection pool.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Pool returns the underlying pool, for health checks.
func (r *Repository) Pool() *pgxpool.Pool { return r.pool }

// =========================================================================
// AGENT OPERATIONS
// =========================================================================

// CreateAgent inserts an agent row. It reports false when the id is taken.
func (r *Repository) CreateAgent(ctx context.Context, id string) (bool, error) {
	slog.Debug(fmt.Sprintf("%s - CreateAgent id=%s", repoLogPrefix, id))

	tag, err := r.pool.Exec(ctx,
		`INSERT INTO agents (id, created, modified) VALUES ($1, $2, $2)
		 ON CONFLICT (id) DO NOTHING`, id, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("%s - CreateAgent: %w", repoLogPrefix, err)
	}
	return tag.RowsAffected() == 1, nil
}

// GetAgent finds an agent by id. Returns nil, nil when absent.
func (r *Repository) GetAgent(ctx context.Context, id string) (*Agent, error) {
	var a Agent
	err := r.pool.QueryRow(ctx,
		`SELECT id, created, modified FROM agents WHERE id = $1`, id,
	).Scan(&a.ID, &a.Created, &a.Modified)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%s - GetAgent: %w", repoLogPrefix, err)
	}
	return &a, nil
}

// ListAgents returns all agents ordered by id.
func (r *Repository) ListAgents(ctx context.Context) ([]Agent, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, created, modified FROM agents ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("%s - ListAgents: %w", repoLogPrefix, err)
	}
	defer rows.Close()

	var out []Agent
	for rows.Next() {
		var a Agent
		if err := rows.Scan(&a.ID, &a.Created, &a.Modified); err != nil {
			return nil, fmt.Errorf("%s - ListAgents scan: %w", repoLogPrefix, err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// DeleteAgent removes an agent and, by cascade, its state. It reports whether
// a row was removed.
func (r *Repository) DeleteAgent(ctx context.Context, id string) (bool, error) {
	slog.Debug(fmt.Sprintf("%s - DeleteAgent id=%s", repoLogPrefix, id))

	tag, err := r.pool.Exec(ctx, `DELETE FROM agents WHERE id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("%s - DeleteAgent: %w", repoLogPrefix, err)
	}
	return tag.RowsAffected() == 1, nil
}

// =========================================================================
// STATE OPERATIONS
// =========================================================================

// GetState returns the JSON value stored under key.
func (r *Repository) GetState(ctx context.Context, agentID, key string) ([]byte, bool, error) {
	var value []byte
	err := r.pool.QueryRow(ctx,
		`SELECT value FROM agent_state WHERE agent_id = $1 AND key = $2`, agentID, key,
	).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("%s - GetState %s/%s: %w", repoLogPrefix, agentID, key, err)
	}
	return value, true, nil
}

// PutState stores a JSON value under key, replacing any previous value.
func (r *Repository) PutState(ctx context.Context, agentID, key string, value []byte) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO agent_state (agent_id, key, value, modified)
		 VALUES ($1, $2, $3::jsonb, $4)
		 ON CONFLICT (agent_id, key) DO UPDATE SET
		   value = EXCLUDED.value,
		   revision = agent_state.revision + 1,
		   modified = EXCLUDED.modified`,
		agentID, key, value, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("%s - PutState %s/%s: %w", repoLogPrefix, agentID, key, err)
	}
	return nil
}

// PutStateIfUnchanged stores value only if the current value equals expected
// (jsonb equality). A nil expected means the key must not exist yet.
func (r *Repository) PutStateIfUnchanged(ctx context.Context, agentID, key string, value, expected []byte) (bool, error) {
	now := time.Now().UTC()
	var (
		sql  string
		args []any
	)
	if expected == nil {
		sql = `INSERT INTO agent_state (agent_id, key, value, modified)
		       VALUES ($1, $2, $3::jsonb, $4)
		       ON CONFLICT (agent_id, key) DO NOTHING`
		args = []any{agentID, key, value, now}
	} else {
		sql = `UPDATE agent_state
		       SET value = $3::jsonb, revision = revision + 1, modified = $4
		       WHERE agent_id = $1 AND key = $2 AND value = $5::jsonb`
		args = []any{agentID, key, value, now, expected}
	}

	tag, err := r.pool.Exec(ctx, sql, args...)
	if err != nil {
		return false, fmt.Errorf("%s - PutStateIfUnchanged %s/%s: %w", repoLogPrefix, agentID, key, err)
	}
	return tag.RowsAffected() == 1, nil
}

// RemoveState deletes key.
func (r *Repository) RemoveState(ctx context.Context, agentID, key string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM agent_state WHERE agent_id = $1 AND key = $2`, agentID, key)
	if err != nil {
		return fmt.Errorf("%s - RemoveState %s/%s: %w", repoLogPrefix, agentID, key, err)
	}
	return nil
}

// StateKeys lists the keys of an agent, sorted.
func (r *Repository) StateKeys(ctx context.Context, agentID string) ([]string, error) {
	rows, err := r.pool.Query(ctx, `SELECT key FROM agent_state WHERE agent_id = $1 ORDER BY key`, agentID)
	if err != nil {
		return nil, fmt.Errorf("%s - StateKeys %s: %w", repoLogPrefix, agentID, err)
	}
	defer rows.Close()

	keys := []string{}
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("%s - StateKeys scan: %w", repoLogPrefix, err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// ClearState removes every key of an agent.
func (r *Repository) ClearState(ctx context.Context, agentID string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM agent_state WHERE agent_id = $1`, agentID)
	if err != nil {
		return fmt.Errorf("%s - ClearState %s: %w", repoLogPrefix, agentID, err)
	}
	return nil
}

// GetStateEntry returns the full row for key, or nil when absent.
func (r *Repository) GetStateEntry(ctx context.Context, agentID, key string) (*StateEntry, error) {
	var e StateEntry
	err := r.pool.QueryRow(ctx,
		`SELECT agent_id, key, value, revision, modified
		 FROM agent_state WHERE agent_id = $1 AND key = $2`, agentID, key,
	).Scan(&e.AgentID, &e.Key, &e.Value, &e.Revision, &e.Modified)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%s - GetStateEntry %s/%s: %w", repoLogPrefix, agentID, key, err)
	}
	return &e, nil
}

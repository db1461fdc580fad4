package db

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
)

const clearLogPrefix = "db:clear"

// ClearStates removes every agent and its state. The schema is preserved.
func ClearStates(ctx context.Context, pool *pgxpool.Pool) error {
	slog.Info(fmt.Sprintf("%s - Clearing agent state tables", clearLogPrefix))

	_, err := pool.Exec(ctx, `TRUNCATE TABLE agent_state, agents CASCADE`)
	if err != nil {
		return fmt.Errorf("%s - truncate failed: %w", clearLogPrefix, err)
	}

	slog.Info(fmt.Sprintf("%s - Agent state cleared", clearLogPrefix))
	return nil
}

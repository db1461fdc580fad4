// Package main is the entrypoint for the agent host (binary name "agenthost").
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/morezero/agent-host/internal/config"
	"github.com/morezero/agent-host/internal/server"
	"github.com/morezero/agent-host/pkg/commsutil"
	"github.com/morezero/agent-host/pkg/db"
	"github.com/morezero/agent-host/pkg/jsonrpc"
)

const usage = `Usage: agenthost [command]
       agenthost serve                          Start the host (NATS, state, bootstrap agents, HTTP health).
       agenthost migrate up                     Run database migrations.
       agenthost migrate down                   Roll back one migration (not supported by the shipped migrations).
       agenthost migrate status                 Show migration status.
       agenthost ensure-db [name]               Create database if missing (default name: agent_host_test). Uses DATABASE_URL host/user.
       agenthost clear                          Delete all agents and their state; schema is preserved.
       agenthost call <url> <method> [params]   Call an agent over NATS; params is a JSON object.
       agenthost describe <url>                 List the methods of an agent over NATS.

Commands:
  serve            (default) Start the agent host.
  migrate up       Run database migrations only.
  migrate down     Roll back last migration.
  migrate status   Show current migration status.
  ensure-db [name] Create database (e.g. agent_host_test) on same host as DATABASE_URL; then run tests with that URL.
  clear            Truncate agent state; schema preserved.
  call             Send one request, e.g. agenthost call nats://local/agents/echo echo '{"message":"hi"}'.
  describe         Print getMethods of an agent.

Environment: COMMS_URL, AGENT_HOST_NAME, STATE_BACKEND (memory, leveldb, postgres), DATABASE_URL (postgres),
MIGRATION_PATH, STATE_LEVELDB_PATH, AGENT_BOOTSTRAP_FILE, WIRE_CODEC, HTTP_PORT. See README.
`

func main() {
	args := os.Args[1:]
	cmd := ""
	if len(args) > 0 && args[0] != "" {
		cmd = args[0]
	}

	switch cmd {
	case "migrate":
		if len(args) < 2 {
			log.Fatalf("agenthost migrate: require subcommand (up, down, status)")
		}
		sub := args[1]
		switch sub {
		case "up":
			if err := runMigrateUp(); err != nil {
				log.Fatalf("agenthost migrate up: %v", err)
			}
		case "status":
			if err := runMigrateStatus(); err != nil {
				log.Fatalf("agenthost migrate status: %v", err)
			}
		case "down":
			if err := runMigrateDown(); err != nil {
				log.Fatalf("agenthost migrate down: %v", err)
			}
		default:
			log.Fatalf("agenthost migrate: unknown subcommand %q (use up, down, status)", sub)
		}
		return
	case "clear":
		if err := runClear(); err != nil {
			log.Fatalf("agenthost clear: %v", err)
		}
		return
	case "ensure-db":
		dbName := "agent_host_test"
		if len(args) > 1 && args[1] != "" {
			dbName = args[1]
		}
		if err := runEnsureDB(dbName); err != nil {
			log.Fatalf("agenthost ensure-db: %v", err)
		}
		return
	case "call":
		if len(args) < 3 {
			log.Fatalf("agenthost call: require <url> <method> [params]")
		}
		rawParams := ""
		if len(args) > 3 {
			rawParams = args[3]
		}
		if err := runCall(args[1], args[2], rawParams); err != nil {
			log.Fatalf("agenthost call: %v", err)
		}
		return
	case "describe":
		if len(args) < 2 {
			log.Fatalf("agenthost describe: require <url>")
		}
		if err := runCall(args[1], "getMethods", ""); err != nil {
			log.Fatalf("agenthost describe: %v", err)
		}
		return
	case "help", "-h", "--help":
		fmt.Print(usage)
		return
	case "serve", "":
		// serve (explicit or default)
		break
	default:
		fmt.Fprintf(os.Stderr, "Unknown command %q.\n%s", cmd, usage)
		os.Exit(1)
	}

	if err := server.Run(); err != nil {
		log.Fatalf("agenthost: %v", err)
	}
}

// withDB loads the config, opens the database and runs fn.
func withDB(fn func(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) error) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.ValidateForDB(); err != nil {
		return err
	}
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	return fn(ctx, cfg, pool)
}

func runMigrateUp() error {
	return withDB(func(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) error {
		migrationSQL, err := db.LoadMigrationFiles(cfg.MigrationPath)
		if err != nil {
			return fmt.Errorf("load migrations: %w", err)
		}
		if err := db.RunMigrations(ctx, pool, migrationSQL); err != nil {
			return fmt.Errorf("run migrations: %w", err)
		}
		return nil
	})
}

func runMigrateStatus() error {
	return withDB(func(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) error {
		return db.MigrationStatus(ctx, pool, cfg.MigrationPath)
	})
}

func runMigrateDown() error {
	return withDB(func(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) error {
		return db.MigrationDown(ctx, pool, cfg.MigrationPath)
	})
}

func runClear() error {
	return withDB(func(ctx context.Context, _ *config.Config, pool *pgxpool.Pool) error {
		if err := db.ClearStates(ctx, pool); err != nil {
			return fmt.Errorf("clear states: %w", err)
		}
		return nil
	})
}

func runEnsureDB(dbName string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	targetURL, err := db.WithDatabaseName(cfg.DatabaseURL, dbName)
	if err != nil {
		return err
	}
	if err := db.EnsureDatabase(context.Background(), targetURL); err != nil {
		return err
	}
	fmt.Printf("Database %q is ready.\n", dbName)
	return nil
}

// parseParams decodes the optional JSON object given on the command line.
func parseParams(raw string) (jsonrpc.Params, error) {
	if raw == "" {
		return nil, nil
	}
	var params jsonrpc.Params
	if err := json.Unmarshal([]byte(raw), &params); err != nil {
		return nil, fmt.Errorf("params must be a JSON object: %w", err)
	}
	return params, nil
}

func runCall(target, methodName, rawParams string) error {
	params, err := parseParams(rawParams)
	if err != nil {
		return err
	}
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	server.SetupLogging("error")

	nc, err := commsutil.Connect(cfg.COMMSURL, cfg.COMMSName+"-cli")
	if err != nil {
		return fmt.Errorf("connect NATS: %w", err)
	}
	defer nc.Close()

	h, err := server.Dial(cfg, nc)
	if err != nil {
		return err
	}
	defer h.Shutdown(context.Background())

	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 25 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	resp, err := h.Send(ctx, "", target, jsonrpc.NewRequest(methodName, params))
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(resp, "", "  ")
	if err != nil {
		return fmt.Errorf("encode response: %w", err)
	}
	fmt.Println(string(out))
	return resp.Err()
}

//go:build integration

package state

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/morezero/agent-host/pkg/db"
)

func TestPostgresFactory(t *testing.T) {
	url := os.Getenv("DATABASE_URL")
	if url == "" {
		t.Skip("state:postgres_integration_test - DATABASE_URL not set, skipping")
	}
	ctx := context.Background()
	pool, err := db.NewPool(ctx, url)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	files, err := db.LoadMigrationFiles("")
	require.NoError(t, err)
	require.NoError(t, db.RunMigrations(ctx, pool, files))

	runFactorySuite(t, func(t *testing.T) Factory {
		// Each subtest gets its own id namespace so runs do not collide.
		return &prefixedFactory{Factory: NewPostgresFactory(db.NewRepository(pool)), prefix: uuid.NewString() + "-"}
	})
}

// prefixedFactory namespaces agent ids on a shared database.
type prefixedFactory struct {
	Factory
	prefix string
}

func (p *prefixedFactory) Create(ctx context.Context, id string) (Store, error) {
	return p.Factory.Create(ctx, p.prefix+id)
}

func (p *prefixedFactory) Get(ctx context.Context, id string) (Store, error) {
	return p.Factory.Get(ctx, p.prefix+id)
}

func (p *prefixedFactory) Exists(ctx context.Context, id string) (bool, error) {
	return p.Factory.Exists(ctx, p.prefix+id)
}

func (p *prefixedFactory) Delete(ctx context.Context, id string) error {
	return p.Factory.Delete(ctx, p.prefix+id)
}

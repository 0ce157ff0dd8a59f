package migrate

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storeline/internal/db"
)

func TestMigrateContextIsIdempotent(t *testing.T) {
	ctx := context.Background()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	defer conn.Close()

	v, err := Version(ctx, conn)
	require.NoError(t, err)
	assert.Equal(t, 0, v)

	applied, err := MigrateContext(ctx, conn)
	require.NoError(t, err)
	assert.Equal(t, []string{"001_init.sql", "002_sandbox.sql"}, applied)

	applied, err = MigrateContext(ctx, conn)
	require.NoError(t, err)
	assert.Empty(t, applied)

	v, err = Version(ctx, conn)
	require.NoError(t, err)
	assert.Equal(t, 2, v)
}

func TestLoadMigrationsOrdered(t *testing.T) {
	ms, err := loadMigrations()
	require.NoError(t, err)
	require.Len(t, ms, 2)
	assert.Less(t, ms[0].Version, ms[1].Version)
}

package app

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dairyline/internal/config"
	"dairyline/internal/db"
	"dairyline/internal/migrate"
	"dairyline/internal/repo"
)

func openWorkspace(t *testing.T) (string, repo.Repo) {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	return dir, repo.Repo{DB: conn}
}

func TestResolveCreatesPlantFromOverride(t *testing.T) {
	dir, r := openWorkspace(t)
	ctx := context.Background()
	id, cfg, err := ResolvePlantAndConfig(ctx, r.DB, dir, "north", "")
	require.NoError(t, err)
	assert.Equal(t, "north", id)
	assert.Equal(t, "north", cfg.Plant.ID)

	grants, err := r.ListGrants(ctx, nil, "north")
	require.NoError(t, err)
	assert.NotEmpty(t, grants)

	// the single plant is picked without an override
	id, _, err = ResolvePlantAndConfig(ctx, r.DB, dir, "", "")
	require.NoError(t, err)
	assert.Equal(t, "north", id)
}

func TestResolveUsesWorkspaceFile(t *testing.T) {
	dir, r := openWorkspace(t)
	cfg := config.Default("south")
	cfg.Plant.Name = "South Dairy"
	data, err := cfg.ToYAML()
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(config.Path(dir), data, 0o644))

	id, got, err := ResolvePlantAndConfig(context.Background(), r.DB, dir, "", "")
	require.NoError(t, err)
	assert.Equal(t, "south", id)
	assert.Equal(t, "South Dairy", got.Plant.Name)

	p, err := r.GetPlant(context.Background(), "south")
	require.NoError(t, err)
	assert.Equal(t, "South Dairy", p.Name)
}

func TestResolveWithoutPlantFails(t *testing.T) {
	dir, r := openWorkspace(t)
	_, _, err := ResolvePlantAndConfig(context.Background(), r.DB, dir, "", "")
	assert.Error(t, err)
}

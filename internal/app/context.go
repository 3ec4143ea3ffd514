package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"dairyline/internal/config"
	"dairyline/internal/engine"
	"dairyline/internal/repo"
)

// ResolvePlantAndConfig picks the active plant and returns its stored config.
// It prefers the override, then the only plant in the database, then the
// plant named by dairyline.yml in the workspace. A missing plant is created
// from the workspace file when present, otherwise from the built-in default.
func ResolvePlantAndConfig(ctx context.Context, conn *sql.DB, workspace, plantOverride, actorID string) (string, *config.Config, error) {
	r := repo.Repo{DB: conn}
	fileCfg, err := config.LoadOptional(workspace)
	if err != nil {
		return "", nil, err
	}
	plantID := plantOverride
	if plantID == "" {
		p, err := r.SinglePlant(ctx)
		switch {
		case err == nil:
			plantID = p.ID
		case errors.Is(err, repo.ErrNotFound) && fileCfg != nil:
			plantID = fileCfg.Plant.ID
		case errors.Is(err, repo.ErrNotFound):
			return "", nil, fmt.Errorf("plant not specified; run dl plant init or use --plant")
		default:
			return "", nil, err
		}
	}

	if _, err := r.GetPlant(ctx, plantID); err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return "", nil, err
		}
		seed := config.Default(plantID)
		if fileCfg != nil && fileCfg.Plant.ID == plantID {
			seed = fileCfg
		}
		if actorID == "" {
			actorID = "local-user"
		}
		eng := engine.New(conn, seed)
		if _, err := eng.InitPlant(ctx, plantID, "", actorID, seed); err != nil {
			return "", nil, fmt.Errorf("create plant %s: %w", plantID, err)
		}
	}
	cfg, err := r.GetPlantConfig(ctx, plantID)
	if errors.Is(err, repo.ErrNotFound) {
		cfg = config.Default(plantID)
		if err := r.UpsertPlantConfig(ctx, nil, plantID, cfg); err != nil {
			return "", nil, fmt.Errorf("seed plant config: %w", err)
		}
	} else if err != nil {
		return "", nil, err
	}
	return plantID, cfg, nil
}

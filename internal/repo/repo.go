package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"dairyline/internal/config"
	"dairyline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// q returns tx when non-nil so reads inside a transaction see its writes.
func (r Repo) q(tx *sql.Tx) queryer {
	if tx != nil {
		return tx
	}
	return r.DB
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

const plantColumns = `id,name,status,created_at`

func scanPlant(row *sql.Row) (domain.Plant, error) {
	var p domain.Plant
	err := row.Scan(&p.ID, &p.Name, &p.Status, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	return p, err
}

func (r Repo) InsertPlant(ctx context.Context, tx *sql.Tx, p domain.Plant) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO plants(id,name,status,created_at) VALUES (?,?,?,?)`,
		p.ID, p.Name, p.Status, p.CreatedAt)
	return err
}

func (r Repo) GetPlant(ctx context.Context, id string) (domain.Plant, error) {
	return scanPlant(r.DB.QueryRowContext(ctx, `SELECT `+plantColumns+` FROM plants WHERE id=?`, id))
}

func (r Repo) GetPlantTx(ctx context.Context, tx *sql.Tx, id string) (domain.Plant, error) {
	return scanPlant(r.q(tx).QueryRowContext(ctx, `SELECT `+plantColumns+` FROM plants WHERE id=?`, id))
}

func (r Repo) ListPlants(ctx context.Context) ([]domain.Plant, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+plantColumns+` FROM plants ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Plant
	for rows.Next() {
		var p domain.Plant
		if err := rows.Scan(&p.ID, &p.Name, &p.Status, &p.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// SinglePlant returns the only plant in the workspace.
func (r Repo) SinglePlant(ctx context.Context) (domain.Plant, error) {
	plants, err := r.ListPlants(ctx)
	if err != nil {
		return domain.Plant{}, err
	}
	switch len(plants) {
	case 0:
		return domain.Plant{}, ErrNotFound
	case 1:
		return plants[0], nil
	default:
		return domain.Plant{}, fmt.Errorf("multiple plants exist; specify --plant")
	}
}

// UpsertPlantConfig validates cfg and stores it as YAML under plantID.
func (r Repo) UpsertPlantConfig(ctx context.Context, tx *sql.Tx, plantID string, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	cfg.Plant.ID = plantID
	if err := cfg.Validate(); err != nil {
		return err
	}
	payload, err := cfg.ToYAML()
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(domain.TimeLayout)
	_, err = r.q(tx).ExecContext(ctx, `INSERT INTO plant_configs(plant_id,config_yaml,updated_at) VALUES (?,?,?)
ON CONFLICT(plant_id) DO UPDATE SET config_yaml=excluded.config_yaml, updated_at=excluded.updated_at`, plantID, string(payload), now)
	return err
}

func (r Repo) GetPlantConfig(ctx context.Context, plantID string) (*config.Config, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT config_yaml FROM plant_configs WHERE plant_id=?`, plantID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	cfg, err := config.FromYAML([]byte(payload))
	if err != nil {
		return nil, fmt.Errorf("stored config for %s: %w", plantID, err)
	}
	return cfg, nil
}

package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"dairyline/internal/config"
	"dairyline/internal/domain"
	"dairyline/internal/events"
	"dairyline/internal/logging"
	"dairyline/internal/repo"
)

var (
	// ErrInvalid marks rejected input.
	ErrInvalid = errors.New("invalid input")
	// ErrConflict marks a request the current record state does not allow.
	ErrConflict = errors.New("conflict")
)

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

func conflictf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConflict, fmt.Sprintf(format, args...))
}

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Logger *zap.Logger
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Config: cfg,
		Logger: zap.NewNop(),
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) stamp() string {
	return e.now().UTC().Format(domain.TimeLayout)
}

func (e Engine) log() *zap.Logger {
	return logging.OrNop(e.Logger)
}

func (e Engine) writer() events.Writer {
	w := e.Events
	if w.Now == nil {
		w.Now = e.now
	}
	return w
}

func (e Engine) plantID(id string) string {
	if id != "" {
		return id
	}
	if e.Config != nil {
		return e.Config.Plant.ID
	}
	return ""
}

// InitPlant creates the plant, stores cfg (the built-in default when nil) and seeds its default grants.
func (e Engine) InitPlant(ctx context.Context, plantID, name, actorID string, cfg *config.Config) (domain.Plant, error) {
	plantID = strings.TrimSpace(plantID)
	if plantID == "" {
		return domain.Plant{}, invalidf("plant id required")
	}
	if cfg == nil {
		cfg = config.Default(plantID)
	}
	if name == "" {
		name = cfg.Plant.Name
	}
	if name == "" {
		name = plantID
	}
	p := domain.Plant{ID: plantID, Name: name, Status: "active", CreatedAt: e.stamp()}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Plant{}, err
	}
	defer tx.Rollback()

	if _, err := e.Repo.GetPlantTx(ctx, tx, plantID); err == nil {
		return domain.Plant{}, conflictf("plant %s already exists", plantID)
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Plant{}, err
	}
	if err := e.Repo.InsertPlant(ctx, tx, p); err != nil {
		return domain.Plant{}, fmt.Errorf("insert plant: %w", err)
	}
	if err := e.Repo.UpsertPlantConfig(ctx, tx, plantID, cfg); err != nil {
		return domain.Plant{}, fmt.Errorf("insert plant config: %w", err)
	}
	seeded, err := e.seedGrants(ctx, tx, plantID, cfg, actorID)
	if err != nil {
		return domain.Plant{}, err
	}
	if err := e.writer().Append(ctx, tx, events.PlantInit, plantID, "plant", plantID, actorID, events.EventPayload{
		"name":           p.Name,
		"grants_seeded":  seeded,
		"pipeline_steps": len(cfg.Pipeline.Steps),
	}); err != nil {
		return domain.Plant{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Plant{}, err
	}
	e.log().Info("plant initialized", zap.String("plant", plantID), zap.Int("grants", seeded))
	return p, nil
}

// ImportConfig replaces the stored plant configuration.
func (e Engine) ImportConfig(ctx context.Context, plantID string, cfg *config.Config, actorID string) error {
	plantID = e.plantID(plantID)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := e.Repo.GetPlantTx(ctx, tx, plantID); err != nil {
		return err
	}
	if err := e.Repo.UpsertPlantConfig(ctx, tx, plantID, cfg); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := e.writer().Append(ctx, tx, events.PlantConfigUpdated, plantID, "plant", plantID, actorID, events.EventPayload{
		"pipeline_steps": len(cfg.Pipeline.Steps),
		"form_types":     len(cfg.Forms.Catalog),
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// UpsertUser registers u or updates its role and department.
func (e Engine) UpsertUser(ctx context.Context, u domain.User, actorID string) (domain.User, error) {
	u.ID = strings.TrimSpace(u.ID)
	if u.ID == "" {
		return domain.User{}, invalidf("user id required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.User{}, err
	}
	defer tx.Rollback()

	existing, err := e.Repo.GetUserTx(ctx, tx, u.ID)
	switch {
	case err == nil:
		u.CreatedAt = existing.CreatedAt
	case errors.Is(err, repo.ErrNotFound):
		u.CreatedAt = e.stamp()
	default:
		return domain.User{}, err
	}
	if err := e.Repo.UpsertUser(ctx, tx, u); err != nil {
		return domain.User{}, err
	}
	if err := e.writer().Append(ctx, tx, events.UserUpserted, e.plantID(""), "user", u.ID, actorID, events.EventPayload{
		"role":       u.Role,
		"department": u.Department,
	}); err != nil {
		return domain.User{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.User{}, err
	}
	return u, nil
}

// ResolveUser loads a user; unknown ids resolve to a user with no role or department.
func (e Engine) ResolveUser(ctx context.Context, userID string) (domain.User, error) {
	u, err := e.Repo.GetUser(ctx, userID)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.User{ID: userID}, nil
	}
	return u, err
}

// CreateAPIKey stores the hash of rawKey for userID.
func (e Engine) CreateAPIKey(ctx context.Context, key domain.APIKey, rawKey, actorID string) (domain.APIKey, error) {
	if strings.TrimSpace(rawKey) == "" {
		return domain.APIKey{}, invalidf("key required")
	}
	if key.UserID == "" {
		return domain.APIKey{}, invalidf("user id required")
	}
	if key.ID == "" {
		key.ID = uuid.NewString()
	}
	key.KeyHash = repo.HashAPIKey(rawKey)
	key.CreatedAt = e.stamp()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.APIKey{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertAPIKey(ctx, tx, key); err != nil {
		return domain.APIKey{}, err
	}
	if err := e.writer().Append(ctx, tx, events.APIKeyCreated, e.plantID(""), "api_key", key.ID, actorID, events.EventPayload{
		"user_id": key.UserID,
		"name":    key.Name,
	}); err != nil {
		return domain.APIKey{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.APIKey{}, err
	}
	return key, nil
}

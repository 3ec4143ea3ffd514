package engine

import (
	"context"
	"database/sql"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"dairyline/internal/config"
	"dairyline/internal/domain"
	"dairyline/internal/engine/auth"
	"dairyline/internal/events"
)

func validateGrant(g domain.PermissionGrant) error {
	scopes := 0
	for _, v := range []string{g.UserID, g.Role, g.Department} {
		if strings.TrimSpace(v) != "" {
			scopes++
		}
	}
	if scopes == 0 {
		return invalidf("grant requires user_id, role or department")
	}
	if g.FormID == "" && g.FormType == "" {
		return invalidf("grant requires form_id or form_type")
	}
	return nil
}

// CreateGrant appends a grant; it is consulted after every grant created before it.
func (e Engine) CreateGrant(ctx context.Context, g domain.PermissionGrant, actorID string) (domain.PermissionGrant, error) {
	if err := validateGrant(g); err != nil {
		return domain.PermissionGrant{}, err
	}
	if g.FormType != "" && e.Config != nil && !e.Config.KnownFormType(g.FormType) {
		return domain.PermissionGrant{}, invalidf("unknown form type %s", g.FormType)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.PermissionGrant{}, err
	}
	defer tx.Rollback()
	created, err := e.insertGrant(ctx, tx, g, actorID)
	if err != nil {
		return domain.PermissionGrant{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.PermissionGrant{}, err
	}
	return created, nil
}

func (e Engine) insertGrant(ctx context.Context, tx *sql.Tx, g domain.PermissionGrant, actorID string) (domain.PermissionGrant, error) {
	if g.ID == "" {
		g.ID = uuid.NewString()
	}
	g.PlantID = e.plantID(g.PlantID)
	g.CreatedAt = e.stamp()
	if err := e.Repo.InsertGrant(ctx, tx, g); err != nil {
		return domain.PermissionGrant{}, err
	}
	if err := e.writer().Append(ctx, tx, events.GrantCreated, g.PlantID, "grant", g.ID, actorID, events.EventPayload{
		"user_id":     g.UserID,
		"role":        g.Role,
		"department":  g.Department,
		"form_id":     g.FormID,
		"form_type":   g.FormType,
		"permissions": g.Permissions,
	}); err != nil {
		return domain.PermissionGrant{}, err
	}
	return g, nil
}

func (e Engine) DeleteGrant(ctx context.Context, id, actorID string) error {
	g, err := e.Repo.GetGrant(ctx, id)
	if err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.DeleteGrant(ctx, tx, id); err != nil {
		return err
	}
	if err := e.writer().Append(ctx, tx, events.GrantDeleted, g.PlantID, "grant", g.ID, actorID, nil); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) ListGrants(ctx context.Context, plantID string) ([]domain.PermissionGrant, error) {
	return e.Repo.ListGrants(ctx, nil, e.plantID(plantID))
}

// SeedDefaultGrants inserts the configured default grants when the plant has none yet.
func (e Engine) SeedDefaultGrants(ctx context.Context, plantID, actorID string) (int, error) {
	if e.Config == nil {
		return 0, nil
	}
	plantID = e.plantID(plantID)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	n, err := e.seedGrants(ctx, tx, plantID, e.Config, actorID)
	if err != nil {
		return 0, err
	}
	return n, tx.Commit()
}

func (e Engine) seedGrants(ctx context.Context, tx *sql.Tx, plantID string, cfg *config.Config, actorID string) (int, error) {
	existing, err := e.Repo.CountGrants(ctx, tx, plantID)
	if err != nil {
		return 0, err
	}
	if existing > 0 {
		return 0, nil
	}
	for _, gc := range cfg.Access.DefaultGrants {
		_, err := e.insertGrant(ctx, tx, domain.PermissionGrant{
			PlantID:     plantID,
			UserID:      gc.UserID,
			Role:        gc.Role,
			Department:  gc.Department,
			FormID:      gc.FormID,
			FormType:    gc.FormType,
			Permissions: gc.Permissions,
			Conditions:  gc.Conditions,
		}, actorID)
		if err != nil {
			return 0, err
		}
	}
	return len(cfg.Access.DefaultGrants), nil
}

// Access is a user's resolved capability set on one form.
type Access struct {
	User        domain.User
	Form        domain.FormRecord
	Resolution  auth.Resolution
	AccessLevel string
}

// Capabilities resolves what userID may do with form against the plant's grants.
func (e Engine) Capabilities(ctx context.Context, userID string, form domain.FormRecord) (Access, error) {
	user, err := e.ResolveUser(ctx, userID)
	if err != nil {
		return Access{}, err
	}
	plantID := form.PlantID
	if plantID == "" {
		plantID = e.plantID("")
	}
	grants, err := e.Repo.ListGrants(ctx, nil, plantID)
	if err != nil {
		return Access{}, err
	}
	res := auth.ResolveDetailed(form, user, grants)
	return Access{
		User:        user,
		Form:        form,
		Resolution:  res,
		AccessLevel: auth.AccessLevel(res.Capabilities),
	}, nil
}

// FormAccess loads a form by id and resolves userID's capabilities on it.
func (e Engine) FormAccess(ctx context.Context, userID, formID string) (Access, error) {
	f, err := e.Repo.GetForm(ctx, formID)
	if err != nil {
		return Access{}, err
	}
	return e.Capabilities(ctx, userID, f)
}

// Authorize returns auth.ForbiddenError unless userID holds action on form.
func (e Engine) Authorize(ctx context.Context, userID string, form domain.FormRecord, action domain.Action) error {
	access, err := e.Capabilities(ctx, userID, form)
	if err != nil {
		return err
	}
	if !auth.CanAccess(access.Resolution.Capabilities, action) {
		e.log().Debug("access denied",
			zap.String("user", userID),
			zap.String("form", form.ID),
			zap.String("form_type", form.Type),
			zap.String("action", string(action)))
		return auth.ForbiddenError{Action: action, FormID: form.ID}
	}
	return nil
}

// AdminRole may manage users, grants, API keys and read the event log.
const AdminRole = "admin"

// ActionManage is checked for plant administration rather than a single form.
const ActionManage domain.Action = "manage"

func (e Engine) RequireAdmin(ctx context.Context, userID string) error {
	u, err := e.ResolveUser(ctx, userID)
	if err != nil {
		return err
	}
	if u.Role != AdminRole {
		return auth.ForbiddenError{Action: ActionManage}
	}
	return nil
}

// VisibleForms keeps the forms userID may view, in their original order.
func (e Engine) VisibleForms(ctx context.Context, userID string, forms []domain.FormRecord) ([]domain.FormRecord, error) {
	user, err := e.ResolveUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	grants, err := e.Repo.ListGrants(ctx, nil, e.plantID(""))
	if err != nil {
		return nil, err
	}
	res := make([]domain.FormRecord, 0, len(forms))
	for _, f := range forms {
		if auth.CanAccess(auth.Resolve(f, user, grants), domain.ActionView) {
			res = append(res, f)
		}
	}
	return res, nil
}

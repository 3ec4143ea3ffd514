package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"dairyline/internal/domain"
)

const grantColumns = `id,plant_id,COALESCE(user_id,''),COALESCE(role,''),COALESCE(department,''),COALESCE(form_id,''),COALESCE(form_type,''),can_view,can_edit,can_delete,can_approve,can_create,conditions_json,created_at`

// InsertGrant appends g after every existing grant of its plant; resolution order follows insertion.
func (r Repo) InsertGrant(ctx context.Context, tx *sql.Tx, g domain.PermissionGrant) error {
	var conditions any
	if g.Conditions != nil {
		data, err := json.Marshal(g.Conditions)
		if err != nil {
			return fmt.Errorf("marshal grant conditions: %w", err)
		}
		conditions = string(data)
	}
	p := g.Permissions
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO grants(id,plant_id,user_id,role,department,form_id,form_type,can_view,can_edit,can_delete,can_approve,can_create,conditions_json,created_at,seq)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,(SELECT COALESCE(MAX(seq),0)+1 FROM grants WHERE plant_id=?))`,
		g.ID, g.PlantID, nullable(g.UserID), nullable(g.Role), nullable(g.Department), nullable(g.FormID), nullable(g.FormType),
		boolInt(p.View), boolInt(p.Edit), boolInt(p.Delete), boolInt(p.Approve), boolInt(p.Create), conditions, g.CreatedAt, g.PlantID)
	return err
}

func scanGrant(s rowScanner) (domain.PermissionGrant, error) {
	var g domain.PermissionGrant
	var view, edit, del, approve, create int
	var conditions sql.NullString
	if err := s.Scan(&g.ID, &g.PlantID, &g.UserID, &g.Role, &g.Department, &g.FormID, &g.FormType,
		&view, &edit, &del, &approve, &create, &conditions, &g.CreatedAt); err != nil {
		return g, err
	}
	g.Permissions = domain.Capabilities{View: view != 0, Edit: edit != 0, Delete: del != 0, Approve: approve != 0, Create: create != 0}
	if conditions.Valid && conditions.String != "" {
		var c domain.GrantConditions
		if err := json.Unmarshal([]byte(conditions.String), &c); err != nil {
			return g, fmt.Errorf("grant %s conditions: %w", g.ID, err)
		}
		g.Conditions = &c
	}
	return g, nil
}

func (r Repo) GetGrant(ctx context.Context, id string) (domain.PermissionGrant, error) {
	g, err := scanGrant(r.DB.QueryRowContext(ctx, `SELECT `+grantColumns+` FROM grants WHERE id=?`, id))
	if err == sql.ErrNoRows {
		return g, ErrNotFound
	}
	return g, err
}

// ListGrants returns a plant's grants in insertion order.
func (r Repo) ListGrants(ctx context.Context, tx *sql.Tx, plantID string) ([]domain.PermissionGrant, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT `+grantColumns+` FROM grants WHERE plant_id=? ORDER BY seq ASC`, plantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.PermissionGrant
	for rows.Next() {
		g, err := scanGrant(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, g)
	}
	return res, rows.Err()
}

func (r Repo) CountGrants(ctx context.Context, tx *sql.Tx, plantID string) (int, error) {
	var n int
	err := r.q(tx).QueryRowContext(ctx, `SELECT COUNT(*) FROM grants WHERE plant_id=?`, plantID).Scan(&n)
	return n, err
}

func (r Repo) DeleteGrant(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := r.q(tx).ExecContext(ctx, `DELETE FROM grants WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

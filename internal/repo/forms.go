package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"dairyline/internal/domain"
)

type FormFilters struct {
	PlantID     string
	Type        string
	Status      string
	Operator    string
	ProcessStep string
	Limit       int
	// CursorUpdatedAt and CursorID resume after the last row of a previous page.
	CursorUpdatedAt string
	CursorID        string
}

const formColumns = `id,plant_id,type,title,status,operator,process_step,priority,description,metadata_json,created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanForm(s rowScanner) (domain.FormRecord, error) {
	var f domain.FormRecord
	var description, metadata sql.NullString
	var status, priority string
	if err := s.Scan(&f.ID, &f.PlantID, &f.Type, &f.Title, &status, &f.Operator, &f.ProcessStep, &priority, &description, &metadata, &f.CreatedAt, &f.UpdatedAt); err != nil {
		return f, err
	}
	f.Status = domain.Status(status)
	f.Priority = domain.Priority(priority)
	if description.Valid {
		f.Description = description.String
	}
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &f.Metadata); err != nil {
			return f, fmt.Errorf("form %s metadata: %w", f.ID, err)
		}
	}
	return f, nil
}

func metadataJSON(m map[string]any) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	return string(data), nil
}

func (r Repo) InsertForm(ctx context.Context, tx *sql.Tx, f domain.FormRecord) error {
	meta, err := metadataJSON(f.Metadata)
	if err != nil {
		return err
	}
	_, err = r.q(tx).ExecContext(ctx, `INSERT INTO forms(`+formColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		f.ID, f.PlantID, f.Type, f.Title, string(f.Status), f.Operator, f.ProcessStep, string(f.Priority), nullable(f.Description), meta, f.CreatedAt, f.UpdatedAt)
	return err
}

func (r Repo) UpdateForm(ctx context.Context, tx *sql.Tx, f domain.FormRecord) error {
	meta, err := metadataJSON(f.Metadata)
	if err != nil {
		return err
	}
	res, err := r.q(tx).ExecContext(ctx, `UPDATE forms SET title=?, status=?, operator=?, process_step=?, priority=?, description=?, metadata_json=?, updated_at=? WHERE id=?`,
		f.Title, string(f.Status), f.Operator, f.ProcessStep, string(f.Priority), nullable(f.Description), meta, f.UpdatedAt, f.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetForm(ctx context.Context, id string) (domain.FormRecord, error) {
	return r.GetFormTx(ctx, nil, id)
}

func (r Repo) GetFormTx(ctx context.Context, tx *sql.Tx, id string) (domain.FormRecord, error) {
	f, err := scanForm(r.q(tx).QueryRowContext(ctx, `SELECT `+formColumns+` FROM forms WHERE id=?`, id))
	if err == sql.ErrNoRows {
		return f, ErrNotFound
	}
	return f, err
}

func (r Repo) DeleteForm(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := r.q(tx).ExecContext(ctx, `DELETE FROM forms WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListForms returns forms most recently updated first.
func (r Repo) ListForms(ctx context.Context, f FormFilters) ([]domain.FormRecord, error) {
	var clauses []string
	var args []any
	add := func(clause, v string) {
		if v != "" {
			clauses = append(clauses, clause)
			args = append(args, v)
		}
	}
	add("plant_id=?", f.PlantID)
	add("type=?", f.Type)
	add("status=?", f.Status)
	add("operator=?", f.Operator)
	add("process_step=?", f.ProcessStep)
	if f.CursorUpdatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(updated_at < ? OR (updated_at = ? AND id < ?))")
		args = append(args, f.CursorUpdatedAt, f.CursorUpdatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + formColumns + ` FROM forms ` + where + ` ORDER BY updated_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.FormRecord
	for rows.Next() {
		form, err := scanForm(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, form)
	}
	return res, rows.Err()
}

func (r Repo) CountFormsByStatus(ctx context.Context, plantID string) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, COUNT(*) FROM forms WHERE plant_id=? GROUP BY status`, plantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, rows.Err()
}

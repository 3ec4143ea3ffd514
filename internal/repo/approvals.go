package repo

import (
	"context"
	"database/sql"

	"dairyline/internal/domain"
)

func (r Repo) InsertApproval(ctx context.Context, tx *sql.Tx, a domain.Approval) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO approvals(id,form_id,approver_id,decision,comment,created_at) VALUES (?,?,?,?,?,?)`,
		a.ID, a.FormID, a.ApproverID, string(a.Decision), nullable(a.Comment), a.CreatedAt)
	return err
}

// ListApprovals returns a form's approvals oldest first.
func (r Repo) ListApprovals(ctx context.Context, formID string) ([]domain.Approval, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,form_id,approver_id,decision,COALESCE(comment,''),created_at FROM approvals WHERE form_id=? ORDER BY created_at ASC, rowid ASC`, formID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Approval
	for rows.Next() {
		var a domain.Approval
		var decision string
		if err := rows.Scan(&a.ID, &a.FormID, &a.ApproverID, &decision, &a.Comment, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.Decision = domain.ApprovalDecision(decision)
		res = append(res, a)
	}
	return res, rows.Err()
}

package engine

import (
	"context"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"dairyline/internal/domain"
	"dairyline/internal/events"
)

// FormCreateOptions are parameters for logging a new form.
type FormCreateOptions struct {
	ID          string
	PlantID     string
	Type        string
	Title       string
	Operator    string
	ProcessStep string
	Priority    domain.Priority
	Description string
	Metadata    map[string]any
	ActorID     string
}

func (e Engine) CreateForm(ctx context.Context, opts FormCreateOptions) (domain.FormRecord, error) {
	if e.Config == nil {
		return domain.FormRecord{}, fmt.Errorf("config not loaded")
	}
	opts.Title = strings.TrimSpace(opts.Title)
	if opts.Title == "" {
		return domain.FormRecord{}, invalidf("title is required")
	}
	if opts.Type == "" {
		return domain.FormRecord{}, invalidf("form type is required")
	}
	if !e.Config.KnownFormType(opts.Type) {
		return domain.FormRecord{}, invalidf("unknown form type %s", opts.Type)
	}
	if opts.ProcessStep != "" {
		if _, ok := e.Config.Step(opts.ProcessStep); !ok {
			return domain.FormRecord{}, invalidf("unknown process step %s", opts.ProcessStep)
		}
	}
	if opts.Priority == "" {
		opts.Priority = domain.PriorityMedium
	}
	if !opts.Priority.Valid() {
		return domain.FormRecord{}, invalidf("invalid priority %s", opts.Priority)
	}
	if opts.Operator == "" {
		opts.Operator = opts.ActorID
	}
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := e.stamp()
	f := domain.FormRecord{
		ID:          id,
		PlantID:     e.plantID(opts.PlantID),
		Type:        opts.Type,
		Title:       opts.Title,
		Status:      domain.StatusPending,
		Operator:    opts.Operator,
		CreatedAt:   now,
		UpdatedAt:   now,
		ProcessStep: opts.ProcessStep,
		Priority:    opts.Priority,
		Description: opts.Description,
		Metadata:    maps.Clone(opts.Metadata),
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.FormRecord{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertForm(ctx, tx, f); err != nil {
		return domain.FormRecord{}, fmt.Errorf("insert form: %w", err)
	}
	if err := e.writer().Append(ctx, tx, events.FormCreated, f.PlantID, "form", f.ID, opts.ActorID, events.EventPayload{
		"type":         f.Type,
		"title":        f.Title,
		"status":       f.Status,
		"process_step": f.ProcessStep,
	}); err != nil {
		return domain.FormRecord{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.FormRecord{}, err
	}
	e.log().Debug("form created", zap.String("form", f.ID), zap.String("type", f.Type))
	return f, nil
}

// FormUpdateOptions encapsulates allowed edits. Nil pointers leave a field unchanged.
type FormUpdateOptions struct {
	ID          string
	Title       *string
	Description *string
	Operator    *string
	ProcessStep *string
	Priority    domain.Priority
	Status      domain.Status
	// Metadata keys are merged into the record; a nil value removes the key.
	Metadata map[string]any
	ActorID  string
	Force    bool

	// Transition rejects a Status equal to the current one with ErrConflict.
	Transition bool
}

func (e Engine) UpdateForm(ctx context.Context, opts FormUpdateOptions) (domain.FormRecord, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.FormRecord{}, err
	}
	defer tx.Rollback()

	f, err := e.Repo.GetFormTx(ctx, tx, opts.ID)
	if err != nil {
		return f, err
	}
	original := f
	f.Metadata = maps.Clone(f.Metadata)
	if opts.Title != nil {
		title := strings.TrimSpace(*opts.Title)
		if title == "" {
			return original, invalidf("title is required")
		}
		f.Title = title
	}
	if opts.Description != nil {
		f.Description = *opts.Description
	}
	if opts.Operator != nil {
		f.Operator = *opts.Operator
	}
	if opts.ProcessStep != nil && *opts.ProcessStep != f.ProcessStep {
		if *opts.ProcessStep != "" && e.Config != nil {
			if _, ok := e.Config.Step(*opts.ProcessStep); !ok {
				return original, invalidf("unknown process step %s", *opts.ProcessStep)
			}
		}
		f.ProcessStep = *opts.ProcessStep
	}
	if opts.Priority != "" {
		if !opts.Priority.Valid() {
			return original, invalidf("invalid priority %s", opts.Priority)
		}
		f.Priority = opts.Priority
	}
	if len(opts.Metadata) > 0 {
		if f.Metadata == nil {
			f.Metadata = map[string]any{}
		}
		for k, v := range opts.Metadata {
			if v == nil {
				delete(f.Metadata, k)
				continue
			}
			f.Metadata[k] = v
		}
	}
	statusChanged := false
	if opts.Status != "" {
		if !opts.Status.Valid() {
			return original, invalidf("invalid status %s", opts.Status)
		}
		if opts.Status != f.Status || opts.Transition {
			if err := ensureFormTransition(f.Status, opts.Status, opts.Force); err != nil {
				return original, err
			}
			statusChanged = opts.Status != f.Status
			f.Status = opts.Status
		}
	}
	diff := formDiff(original, f)
	if len(diff) == 0 {
		return original, nil
	}
	f.UpdatedAt = e.bumpedAt(f.CreatedAt)

	if err := e.Repo.UpdateForm(ctx, tx, f); err != nil {
		return original, err
	}
	if err := e.writer().Append(ctx, tx, events.FormUpdated, f.PlantID, "form", f.ID, opts.ActorID, diff); err != nil {
		return original, err
	}
	if statusChanged {
		if err := e.writer().Append(ctx, tx, events.FormStatusChanged, f.PlantID, "form", f.ID, opts.ActorID, events.EventPayload{
			"from":   original.Status,
			"to":     f.Status,
			"forced": opts.Force,
		}); err != nil {
			return original, err
		}
	}
	if err := tx.Commit(); err != nil {
		return original, err
	}
	if statusChanged {
		e.log().Info("form status changed",
			zap.String("form", f.ID),
			zap.String("from", string(original.Status)),
			zap.String("to", string(f.Status)),
			zap.String("actor", opts.ActorID))
	}
	return f, nil
}

// bumpedAt returns the current time, clamped so it never precedes createdAt.
func (e Engine) bumpedAt(createdAt string) string {
	now := e.now().UTC()
	if created, err := time.Parse(time.RFC3339, createdAt); err == nil && now.Before(created) {
		return createdAt
	}
	return now.Format(domain.TimeLayout)
}

func formDiff(before, after domain.FormRecord) events.EventPayload {
	changed := events.EventPayload{}
	if before.Title != after.Title {
		changed["title"] = after.Title
	}
	if before.Description != after.Description {
		changed["description"] = after.Description
	}
	if before.Operator != after.Operator {
		changed["operator"] = after.Operator
	}
	if before.ProcessStep != after.ProcessStep {
		changed["process_step"] = after.ProcessStep
	}
	if before.Priority != after.Priority {
		changed["priority"] = after.Priority
	}
	if before.Status != after.Status {
		changed["status"] = after.Status
	}
	if !maps.EqualFunc(before.Metadata, after.Metadata, func(a, b any) bool { return fmt.Sprint(a) == fmt.Sprint(b) }) {
		changed["metadata"] = after.Metadata
	}
	return changed
}

func ensureFormTransition(oldStatus, newStatus domain.Status, force bool) error {
	if force {
		return nil
	}
	switch oldStatus {
	case domain.StatusPending:
		if newStatus == domain.StatusActive || newStatus == domain.StatusError {
			return nil
		}
	case domain.StatusActive:
		if newStatus == domain.StatusCompleted || newStatus == domain.StatusError {
			return nil
		}
	case domain.StatusError:
		if newStatus == domain.StatusActive {
			return nil
		}
	}
	return conflictf("invalid form status transition %s -> %s", oldStatus, newStatus)
}

// SaveForm moves a pending form into active work.
func (e Engine) SaveForm(ctx context.Context, id, actorID string) (domain.FormRecord, error) {
	return e.UpdateForm(ctx, FormUpdateOptions{ID: id, Status: domain.StatusActive, ActorID: actorID, Transition: true})
}

// CompleteForm marks an active form completed.
func (e Engine) CompleteForm(ctx context.Context, id, actorID string) (domain.FormRecord, error) {
	return e.UpdateForm(ctx, FormUpdateOptions{ID: id, Status: domain.StatusCompleted, ActorID: actorID, Transition: true})
}

// FailForm moves a form to error and records reason under metadata "error_reason".
func (e Engine) FailForm(ctx context.Context, id, reason, actorID string) (domain.FormRecord, error) {
	opts := FormUpdateOptions{ID: id, Status: domain.StatusError, ActorID: actorID, Transition: true}
	if reason = strings.TrimSpace(reason); reason != "" {
		opts.Metadata = map[string]any{"error_reason": reason}
	}
	return e.UpdateForm(ctx, opts)
}

func (e Engine) DeleteForm(ctx context.Context, id, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	f, err := e.Repo.GetFormTx(ctx, tx, id)
	if err != nil {
		return err
	}
	if err := e.Repo.DeleteForm(ctx, tx, id); err != nil {
		return err
	}
	if err := e.writer().Append(ctx, tx, events.FormDeleted, f.PlantID, "form", f.ID, actorID, events.EventPayload{
		"type":   f.Type,
		"status": f.Status,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// RecordApproval stores a QA decision on a completed form. A rejection sends the form back to error.
func (e Engine) RecordApproval(ctx context.Context, formID, approverID string, decision domain.ApprovalDecision, comment string) (domain.Approval, domain.FormRecord, error) {
	if decision != domain.DecisionApproved && decision != domain.DecisionRejected {
		return domain.Approval{}, domain.FormRecord{}, invalidf("invalid decision %s", decision)
	}
	if approverID == "" {
		return domain.Approval{}, domain.FormRecord{}, invalidf("approver required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Approval{}, domain.FormRecord{}, err
	}
	defer tx.Rollback()

	f, err := e.Repo.GetFormTx(ctx, tx, formID)
	if err != nil {
		return domain.Approval{}, f, err
	}
	if f.Status != domain.StatusCompleted {
		return domain.Approval{}, f, conflictf("form %s is %s; only completed forms can be approved", f.ID, f.Status)
	}
	a := domain.Approval{
		ID:         uuid.NewString(),
		FormID:     f.ID,
		ApproverID: approverID,
		Decision:   decision,
		Comment:    comment,
		CreatedAt:  e.stamp(),
	}
	if err := e.Repo.InsertApproval(ctx, tx, a); err != nil {
		return domain.Approval{}, f, err
	}
	if err := e.writer().Append(ctx, tx, events.FormApproval, f.PlantID, "form", f.ID, approverID, events.EventPayload{
		"approval_id": a.ID,
		"decision":    a.Decision,
	}); err != nil {
		return domain.Approval{}, f, err
	}
	if decision == domain.DecisionRejected {
		from := f.Status
		f.Status = domain.StatusError
		if f.Metadata == nil {
			f.Metadata = map[string]any{}
		}
		if comment != "" {
			f.Metadata["error_reason"] = comment
		}
		f.UpdatedAt = e.bumpedAt(f.CreatedAt)
		if err := e.Repo.UpdateForm(ctx, tx, f); err != nil {
			return domain.Approval{}, f, err
		}
		if err := e.writer().Append(ctx, tx, events.FormStatusChanged, f.PlantID, "form", f.ID, approverID, events.EventPayload{
			"from":   from,
			"to":     f.Status,
			"reason": "rejected",
		}); err != nil {
			return domain.Approval{}, f, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.Approval{}, f, err
	}
	return a, f, nil
}

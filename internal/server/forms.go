package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"dairyline/internal/domain"
	"dairyline/internal/engine"
	"dairyline/internal/repo"
)

type formBody struct {
	Body domain.FormRecord `json:"body"`
}

// loadAuthorized fetches a form and checks the caller holds action on it.
func loadAuthorized(ctx context.Context, e engine.Engine, id string, action domain.Action) (domain.FormRecord, string, error) {
	userID, authErr := userIDFromContext(ctx)
	if authErr != nil {
		return domain.FormRecord{}, "", authErr
	}
	f, err := e.Repo.GetForm(ctx, id)
	if err != nil {
		return domain.FormRecord{}, userID, handleError(err)
	}
	if f.PlantID != e.Config.Plant.ID {
		return domain.FormRecord{}, userID, newAPIError(http.StatusNotFound, "not_found", "form not found in plant", nil)
	}
	if err := e.Authorize(ctx, userID, f, action); err != nil {
		return domain.FormRecord{}, userID, handleError(err)
	}
	return f, userID, nil
}

func registerForms(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-form",
		Method:        http.MethodPost,
		Path:          "/forms",
		Summary:       "Log a new form",
		Tags:          []string{"forms"},
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body CreateFormRequest `json:"body"`
	}) (*formBody, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		target := domain.FormRecord{PlantID: e.Config.Plant.ID, Type: input.Body.Type}
		if err := e.Authorize(ctx, userID, target, domain.ActionCreate); err != nil {
			return nil, handleError(err)
		}
		f, err := e.CreateForm(ctx, engine.FormCreateOptions{
			ID:          input.Body.ID,
			Type:        input.Body.Type,
			Title:       input.Body.Title,
			Operator:    input.Body.Operator,
			ProcessStep: input.Body.ProcessStep,
			Priority:    domain.Priority(input.Body.Priority),
			Description: input.Body.Description,
			Metadata:    input.Body.Metadata,
			ActorID:     userID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &formBody{Body: f}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-forms",
		Method:      http.MethodGet,
		Path:        "/forms",
		Summary:     "List forms the caller may view, most recently updated first",
		Tags:        []string{"forms"},
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Type        string `query:"type"`
		Status      string `query:"status" enum:"pending,active,completed,error"`
		Operator    string `query:"operator"`
		ProcessStep string `query:"process_step"`
		Limit       int    `query:"limit" default:"50"`
		Cursor      string `query:"cursor"`
	}) (*struct {
		Body paginatedForms `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		limit := normalizeLimit(input.Limit)
		cursorUpdated, cursorID, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		forms, err := e.Repo.ListForms(ctx, repo.FormFilters{
			PlantID:         e.Config.Plant.ID,
			Type:            input.Type,
			Status:          input.Status,
			Operator:        input.Operator,
			ProcessStep:     input.ProcessStep,
			Limit:           limit + 1,
			CursorUpdatedAt: cursorUpdated,
			CursorID:        cursorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedForms{}
		if len(forms) > limit {
			last := forms[limit-1]
			resp.NextCursor = composeCursor(last.UpdatedAt, last.ID)
			forms = forms[:limit]
		}
		visible, err := e.VisibleForms(ctx, userID, forms)
		if err != nil {
			return nil, handleError(err)
		}
		resp.Items = nonNilSlice(visible)
		return &struct {
			Body paginatedForms `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-form",
		Method:      http.MethodGet,
		Path:        "/forms/{id}",
		Summary:     "Get form",
		Tags:        []string{"forms"},
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*formBody, error) {
		f, _, err := loadAuthorized(ctx, e, input.ID, domain.ActionView)
		if err != nil {
			return nil, err
		}
		return &formBody{Body: f}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-form",
		Method:      http.MethodPatch,
		Path:        "/forms/{id}",
		Summary:     "Edit a form or change its status",
		Tags:        []string{"forms"},
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   string            `path:"id"`
		Body UpdateFormRequest `json:"body"`
	}) (*formBody, error) {
		_, userID, err := loadAuthorized(ctx, e, input.ID, domain.ActionEdit)
		if err != nil {
			return nil, err
		}
		if input.Body.Force {
			if err := e.RequireAdmin(ctx, userID); err != nil {
				return nil, handleError(err)
			}
		}
		f, err := e.UpdateForm(ctx, engine.FormUpdateOptions{
			ID:          input.ID,
			Title:       input.Body.Title,
			Description: input.Body.Description,
			Operator:    input.Body.Operator,
			ProcessStep: input.Body.ProcessStep,
			Priority:    domain.Priority(input.Body.Priority),
			Status:      domain.Status(input.Body.Status),
			Metadata:    input.Body.Metadata,
			ActorID:     userID,
			Force:       input.Body.Force,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &formBody{Body: f}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-form",
		Method:        http.MethodDelete,
		Path:          "/forms/{id}",
		Summary:       "Delete form",
		Tags:          []string{"forms"},
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		_, userID, err := loadAuthorized(ctx, e, input.ID, domain.ActionDelete)
		if err != nil {
			return nil, err
		}
		if err := e.DeleteForm(ctx, input.ID, userID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	registerFormAction(api, e, "save-form", "save", "Move a pending form to active", func(ctx context.Context, id, userID string, _ FailFormRequest) (domain.FormRecord, error) {
		return e.SaveForm(ctx, id, userID)
	})
	registerFormAction(api, e, "complete-form", "complete", "Mark an active form completed", func(ctx context.Context, id, userID string, _ FailFormRequest) (domain.FormRecord, error) {
		return e.CompleteForm(ctx, id, userID)
	})
	registerFormAction(api, e, "fail-form", "fail", "Flag a form as errored", func(ctx context.Context, id, userID string, body FailFormRequest) (domain.FormRecord, error) {
		return e.FailForm(ctx, id, body.Reason, userID)
	})
}

func registerFormAction(api huma.API, e engine.Engine, opID, verb, summary string, act func(ctx context.Context, id, userID string, body FailFormRequest) (domain.FormRecord, error)) {
	huma.Register(api, huma.Operation{
		OperationID: opID,
		Method:      http.MethodPost,
		Path:        "/forms/{id}/" + verb,
		Summary:     summary,
		Tags:        []string{"forms"},
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   string           `path:"id"`
		Body *FailFormRequest `json:"body,omitempty" required:"false"`
	}) (*formBody, error) {
		_, userID, err := loadAuthorized(ctx, e, input.ID, domain.ActionEdit)
		if err != nil {
			return nil, err
		}
		var body FailFormRequest
		if input.Body != nil {
			body = *input.Body
		}
		f, err := act(ctx, input.ID, userID, body)
		if err != nil {
			return nil, handleError(err)
		}
		return &formBody{Body: f}, nil
	})
}

func registerApprovals(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "record-approval",
		Method:        http.MethodPost,
		Path:          "/forms/{id}/approvals",
		Summary:       "Record a QA decision on a completed form",
		Tags:          []string{"approvals"},
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   string          `path:"id"`
		Body ApprovalRequest `json:"body"`
	}) (*struct {
		Body ApprovalResponse `json:"body"`
	}, error) {
		_, userID, err := loadAuthorized(ctx, e, input.ID, domain.ActionApprove)
		if err != nil {
			return nil, err
		}
		a, f, err := e.RecordApproval(ctx, input.ID, userID, domain.ApprovalDecision(input.Body.Decision), input.Body.Comment)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ApprovalResponse `json:"body"`
		}{Body: ApprovalResponse{Approval: a, Form: f}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-approvals",
		Method:      http.MethodGet,
		Path:        "/forms/{id}/approvals",
		Summary:     "List approvals for a form",
		Tags:        []string{"approvals"},
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body []domain.Approval `json:"body"`
	}, error) {
		if _, _, err := loadAuthorized(ctx, e, input.ID, domain.ActionView); err != nil {
			return nil, err
		}
		items, err := e.Repo.ListApprovals(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Approval `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})
}

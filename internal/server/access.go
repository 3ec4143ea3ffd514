package server

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"dairyline/internal/domain"
	"dairyline/internal/engine"
)

func requireAdmin(ctx context.Context, e engine.Engine) (string, error) {
	userID, authErr := userIDFromContext(ctx)
	if authErr != nil {
		return "", authErr
	}
	if err := e.RequireAdmin(ctx, userID); err != nil {
		return userID, handleError(err)
	}
	return userID, nil
}

func registerMe(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current user",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body MeResponse `json:"body"`
	}, error) {
		p, ok := principalFromContext(ctx)
		if !ok || p.UserID == "" {
			return nil, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
		}
		u, err := e.ResolveUser(ctx, p.UserID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MeResponse `json:"body"`
		}{Body: MeResponse{User: u, Source: p.Source}}, nil
	})
}

func registerAccess(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "form-access",
		Method:      http.MethodGet,
		Path:        "/forms/{id}/access",
		Summary:     "Resolve capabilities on a form",
		Description: "Resolves the caller's capabilities, or another user's when user_id is set and the caller is an admin.",
		Tags:        []string{"access"},
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID     string `path:"id"`
		UserID string `query:"user_id"`
	}) (*struct {
		Body AccessResponse `json:"body"`
	}, error) {
		caller, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		subject := caller
		if input.UserID != "" && input.UserID != caller {
			if err := e.RequireAdmin(ctx, caller); err != nil {
				return nil, handleError(err)
			}
			subject = input.UserID
		}
		access, err := e.FormAccess(ctx, subject, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AccessResponse `json:"body"`
		}{Body: accessResponse(access)}, nil
	})
}

func registerGrants(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-grants",
		Method:      http.MethodGet,
		Path:        "/grants",
		Summary:     "List grants in resolution order",
		Tags:        []string{"access"},
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.PermissionGrant `json:"body"`
	}, error) {
		if _, err := requireAdmin(ctx, e); err != nil {
			return nil, err
		}
		grants, err := e.ListGrants(ctx, "")
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.PermissionGrant `json:"body"`
		}{Body: nonNilSlice(grants)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-grant",
		Method:        http.MethodPost,
		Path:          "/grants",
		Summary:       "Append a grant",
		Tags:          []string{"access"},
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body CreateGrantRequest `json:"body"`
	}) (*struct {
		Body domain.PermissionGrant `json:"body"`
	}, error) {
		userID, err := requireAdmin(ctx, e)
		if err != nil {
			return nil, err
		}
		g, err := e.CreateGrant(ctx, domain.PermissionGrant{
			ID:          input.Body.ID,
			UserID:      input.Body.UserID,
			Role:        input.Body.Role,
			Department:  input.Body.Department,
			FormID:      input.Body.FormID,
			FormType:    input.Body.FormType,
			Permissions: input.Body.Permissions,
			Conditions:  input.Body.Conditions,
		}, userID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.PermissionGrant `json:"body"`
		}{Body: g}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-grant",
		Method:        http.MethodDelete,
		Path:          "/grants/{id}",
		Summary:       "Delete a grant",
		Tags:          []string{"access"},
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		userID, err := requireAdmin(ctx, e)
		if err != nil {
			return nil, err
		}
		if err := e.DeleteGrant(ctx, input.ID, userID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerUsers(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-users",
		Method:      http.MethodGet,
		Path:        "/users",
		Summary:     "List users",
		Tags:        []string{"users"},
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.User `json:"body"`
	}, error) {
		if _, err := requireAdmin(ctx, e); err != nil {
			return nil, err
		}
		users, err := e.Repo.ListUsers(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.User `json:"body"`
		}{Body: nonNilSlice(users)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "upsert-user",
		Method:      http.MethodPost,
		Path:        "/users",
		Summary:     "Create or update a user",
		Tags:        []string{"users"},
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body UpsertUserRequest `json:"body"`
	}) (*struct {
		Body domain.User `json:"body"`
	}, error) {
		actorID, err := requireAdmin(ctx, e)
		if err != nil {
			return nil, err
		}
		u, err := e.UpsertUser(ctx, domain.User{
			ID:         input.Body.ID,
			Name:       input.Body.Name,
			Role:       input.Body.Role,
			Department: input.Body.Department,
		}, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.User `json:"body"`
		}{Body: u}, nil
	})
}

func registerDevAuth(api huma.API, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors:      []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		userID := strings.TrimSpace(input.Body.UserID)
		if userID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "user_id is required", nil)
		}
		ttl := time.Hour
		if input.Body.TTLSeconds > 0 {
			ttl = time.Duration(input.Body.TTLSeconds) * time.Second
		}
		token, err := SignToken(authCfg.JWTSecret, userID, ttl)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})
}

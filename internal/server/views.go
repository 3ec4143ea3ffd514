package server

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/danielgtaylor/huma/v2"

	"dairyline/internal/domain"
	"dairyline/internal/engine"
	"dairyline/internal/engine/pipeline"
	"dairyline/internal/repo"
)

func registerViews(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "dashboard-metrics",
		Method:      http.MethodGet,
		Path:        "/dashboard/metrics",
		Summary:     "Aggregate status metrics over the plant's forms",
		Tags:        []string{"dashboard"},
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Type        string `query:"type"`
		Operator    string `query:"operator"`
		ProcessStep string `query:"process_step"`
	}) (*struct {
		Body domain.StatusMetrics `json:"body"`
	}, error) {
		if _, authErr := userIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		m, err := e.Dashboard(ctx, engine.DashboardFilters{
			Type:        input.Type,
			Operator:    input.Operator,
			ProcessStep: input.ProcessStep,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.StatusMetrics `json:"body"`
		}{Body: m}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "pipeline",
		Method:      http.MethodGet,
		Path:        "/pipeline",
		Summary:     "Project process steps with derived statuses",
		Tags:        []string{"dashboard"},
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body PipelineResponse `json:"body"`
	}, error) {
		if _, authErr := userIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		steps, err := e.Pipeline(ctx, "")
		if err != nil {
			return nil, handleError(err)
		}
		summary := map[string]int{}
		for status, n := range pipeline.Summary(steps) {
			summary[string(status)] = n
		}
		return &struct {
			Body PipelineResponse `json:"body"`
		}{Body: PipelineResponse{Steps: nonNilSlice(steps), Summary: summary}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-form-types",
		Method:      http.MethodGet,
		Path:        "/form-types",
		Summary:     "List the form type catalog",
		Tags:        []string{"forms"},
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.FormType `json:"body"`
	}, error) {
		if _, authErr := userIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		return &struct {
			Body []domain.FormType `json:"body"`
		}{Body: e.Config.FormTypes()}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events",
		Tags:        []string{"events"},
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:"plant,form,grant,user,api_key"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		if _, err := requireAdmin(ctx, e); err != nil {
			return nil, err
		}
		limit := normalizeLimit(input.Limit)
		var before int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			before = parsed
		}
		items, err := e.Repo.LatestEvents(ctx, repo.EventFilters{
			PlantID:    e.Config.Plant.ID,
			Type:       input.Type,
			EntityKind: input.EntityKind,
			EntityID:   input.EntityID,
			Before:     before,
			Limit:      limit + 1,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			items = items[:limit]
			resp.NextCursor = fmt.Sprintf("%d", items[limit-1].ID)
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

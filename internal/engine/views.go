package engine

import (
	"context"
	"time"

	"dairyline/internal/domain"
	"dairyline/internal/engine/metrics"
	"dairyline/internal/engine/pipeline"
	"dairyline/internal/repo"
)

type DashboardFilters struct {
	PlantID     string
	Type        string
	Operator    string
	ProcessStep string
}

func (e Engine) location() *time.Location {
	if e.Config == nil {
		return time.UTC
	}
	return e.Config.Location()
}

// Dashboard aggregates metrics over every matching form.
func (e Engine) Dashboard(ctx context.Context, f DashboardFilters) (domain.StatusMetrics, error) {
	forms, err := e.Repo.ListForms(ctx, repo.FormFilters{
		PlantID:     e.plantID(f.PlantID),
		Type:        f.Type,
		Operator:    f.Operator,
		ProcessStep: f.ProcessStep,
	})
	if err != nil {
		return domain.StatusMetrics{}, err
	}
	return metrics.Aggregate(forms, metrics.WithNow(e.now), metrics.WithLocation(e.location())), nil
}

// Pipeline projects the configured steps over the plant's forms, most recently updated first.
func (e Engine) Pipeline(ctx context.Context, plantID string) ([]domain.ProcessStep, error) {
	if e.Config == nil {
		return nil, invalidf("config not loaded")
	}
	forms, err := e.Repo.ListForms(ctx, repo.FormFilters{PlantID: e.plantID(plantID)})
	if err != nil {
		return nil, err
	}
	return pipeline.Project(e.Config.Steps(), forms), nil
}

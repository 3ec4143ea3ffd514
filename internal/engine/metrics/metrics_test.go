package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"dairyline/internal/domain"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func fixedNow() time.Time {
	return time.Date(2024, 1, 7, 15, 30, 0, 0, time.UTC)
}

func TestAggregateEmpty(t *testing.T) {
	m := Aggregate(nil, WithNow(fixedNow))
	assert.Zero(t, m.TotalForms)
	assert.Zero(t, m.ActiveForms)
	assert.Zero(t, m.PendingForms)
	assert.Zero(t, m.CompletedForms)
	assert.Zero(t, m.ErrorForms)
	assert.Zero(t, m.CompletionRate)
	assert.Zero(t, m.AverageProcessingTime)
	require.NotNil(t, m.OperatorEfficiency)
	assert.Empty(t, m.OperatorEfficiency)
	require.Len(t, m.DailyTrends, TrendDays)
	for _, d := range m.DailyTrends {
		assert.Zero(t, d.Completed)
		assert.Zero(t, d.Created)
		assert.Zero(t, d.Errors)
	}
}

func TestAggregateSingleCompleted(t *testing.T) {
	forms := []domain.FormRecord{{
		Status:    domain.StatusCompleted,
		Operator:  "Alice",
		CreatedAt: "2024-01-01T00:00:00Z",
		UpdatedAt: "2024-01-01T02:00:00Z",
	}}
	m := Aggregate(forms, WithNow(fixedNow))
	assert.Equal(t, 1, m.CompletedForms)
	assert.Equal(t, 100.0, m.CompletionRate)
	assert.Equal(t, 2.0, m.AverageProcessingTime)
	assert.Equal(t, map[string]float64{"Alice": 100}, m.OperatorEfficiency)
	assert.Equal(t, domain.DailyTrend{Date: "2024-01-01", Completed: 1, Created: 1}, m.DailyTrends[0])
}

func TestAggregateCountsAndRates(t *testing.T) {
	forms := []domain.FormRecord{
		{Status: domain.StatusPending, Operator: "Bob", CreatedAt: "2024-01-07T08:00:00Z"},
		{Status: domain.StatusActive, Operator: "Bob", CreatedAt: "2024-01-07T09:00:00Z"},
		{Status: domain.StatusCompleted, Operator: "Bob", CreatedAt: "2024-01-06T08:00:00Z", UpdatedAt: "2024-01-06T09:00:00Z"},
		{Status: domain.StatusCompleted, Operator: "Carol", CreatedAt: "2024-01-06T08:00:00Z", UpdatedAt: "2024-01-06T11:00:00Z"},
		{Status: domain.StatusError, Operator: "Carol", CreatedAt: "2024-01-05T08:00:00Z"},
	}
	m := Aggregate(forms, WithNow(fixedNow))
	assert.Equal(t, 5, m.TotalForms)
	assert.Equal(t, 1, m.PendingForms)
	assert.Equal(t, 1, m.ActiveForms)
	assert.Equal(t, 2, m.CompletedForms)
	assert.Equal(t, 1, m.ErrorForms)
	assert.Equal(t, 2.0/5.0*100, m.CompletionRate)
	assert.Equal(t, 2.0, m.AverageProcessingTime)
	assert.InDelta(t, 100.0/3.0, m.OperatorEfficiency["Bob"], 1e-9)
	assert.Equal(t, 50.0, m.OperatorEfficiency["Carol"])

	last := m.DailyTrends[TrendDays-1]
	assert.Equal(t, "2024-01-07", last.Date)
	assert.Equal(t, 2, last.Created)
	assert.Equal(t, domain.DailyTrend{Date: "2024-01-06", Completed: 2, Created: 2}, m.DailyTrends[5])
	assert.Equal(t, domain.DailyTrend{Date: "2024-01-05", Created: 1, Errors: 1}, m.DailyTrends[4])
}

func TestAggregateUnknownStatus(t *testing.T) {
	forms := []domain.FormRecord{
		{Status: domain.StatusCompleted, Operator: "Alice"},
		{Status: domain.Status("archived"), Operator: "Alice"},
	}
	m := Aggregate(forms, WithNow(fixedNow))
	assert.Equal(t, 2, m.TotalForms)
	buckets := m.PendingForms + m.ActiveForms + m.CompletedForms + m.ErrorForms
	assert.Equal(t, 1, buckets)
	assert.Less(t, buckets, m.TotalForms)
	assert.Equal(t, 50.0, m.CompletionRate)
}

func TestAggregateSkipsUnparseableTimes(t *testing.T) {
	forms := []domain.FormRecord{
		{Status: domain.StatusCompleted, CreatedAt: "garbage", UpdatedAt: "2024-01-01T02:00:00Z"},
		{Status: domain.StatusCompleted, CreatedAt: "2024-01-01T00:00:00Z", UpdatedAt: "2024-01-01T04:00:00Z"},
	}
	m := Aggregate(forms, WithNow(fixedNow))
	assert.Equal(t, 4.0, m.AverageProcessingTime)
}

func TestTrendSeriesShape(t *testing.T) {
	m := Aggregate(nil, WithNow(fixedNow))
	want := []string{"2024-01-01", "2024-01-02", "2024-01-03", "2024-01-04", "2024-01-05", "2024-01-06", "2024-01-07"}
	got := make([]string, 0, len(m.DailyTrends))
	for _, d := range m.DailyTrends {
		got = append(got, d.Date)
	}
	assert.Equal(t, want, got)
}

func TestTrendLocation(t *testing.T) {
	loc := time.FixedZone("UTC+10", 10*60*60)
	m := Aggregate(nil, WithNow(fixedNow), WithLocation(loc))
	assert.Equal(t, "2024-01-08", m.DailyTrends[TrendDays-1].Date)
}

func TestAggregateDoesNotMutateInput(t *testing.T) {
	forms := []domain.FormRecord{{ID: "a", Status: domain.StatusActive, Operator: "Dan"}}
	_ = Aggregate(forms, WithNow(fixedNow))
	assert.Equal(t, domain.FormRecord{ID: "a", Status: domain.StatusActive, Operator: "Dan"}, forms[0])
}

// Package metrics computes dashboard aggregates over a form collection.
package metrics

import (
	"strings"
	"time"

	"dairyline/internal/domain"
)

// TrendDays is the length of the daily trend series.
const TrendDays = 7

const dateLayout = "2006-01-02"

type options struct {
	now func() time.Time
	loc *time.Location
}

type Option func(*options)

// WithNow overrides the clock that anchors the trend series.
func WithNow(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithLocation sets the calendar used for trend dates. Defaults to UTC.
func WithLocation(loc *time.Location) Option {
	return func(o *options) {
		if loc != nil {
			o.loc = loc
		}
	}
}

// Aggregate reduces forms into a StatusMetrics snapshot.
func Aggregate(forms []domain.FormRecord, opts ...Option) domain.StatusMetrics {
	o := options{now: time.Now, loc: time.UTC}
	for _, opt := range opts {
		opt(&o)
	}

	m := domain.StatusMetrics{TotalForms: len(forms)}
	for _, f := range forms {
		switch f.Status {
		case domain.StatusPending:
			m.PendingForms++
		case domain.StatusActive:
			m.ActiveForms++
		case domain.StatusCompleted:
			m.CompletedForms++
		case domain.StatusError:
			m.ErrorForms++
		}
	}
	m.CompletionRate = percent(m.CompletedForms, m.TotalForms)
	m.AverageProcessingTime = averageProcessingHours(forms)
	m.OperatorEfficiency = operatorEfficiency(forms)
	m.DailyTrends = dailyTrends(forms, o.now().In(o.loc))
	return m
}

func percent(part, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(part) / float64(total) * 100
}

func averageProcessingHours(forms []domain.FormRecord) float64 {
	var sum time.Duration
	n := 0
	for _, f := range forms {
		if f.Status != domain.StatusCompleted {
			continue
		}
		d, ok := processingTime(f)
		if !ok {
			continue
		}
		sum += d
		n++
	}
	if n == 0 {
		return 0
	}
	return sum.Hours() / float64(n)
}

func processingTime(f domain.FormRecord) (time.Duration, bool) {
	created, err := time.Parse(time.RFC3339, f.CreatedAt)
	if err != nil {
		return 0, false
	}
	updated, err := time.Parse(time.RFC3339, f.UpdatedAt)
	if err != nil {
		return 0, false
	}
	return updated.Sub(created), true
}

func operatorEfficiency(forms []domain.FormRecord) map[string]float64 {
	type tally struct{ total, completed int }
	byOperator := map[string]*tally{}
	for _, f := range forms {
		t, ok := byOperator[f.Operator]
		if !ok {
			t = &tally{}
			byOperator[f.Operator] = t
		}
		t.total++
		if f.Status == domain.StatusCompleted {
			t.completed++
		}
	}
	res := make(map[string]float64, len(byOperator))
	for op, t := range byOperator {
		res[op] = percent(t.completed, t.total)
	}
	return res
}

func dailyTrends(forms []domain.FormRecord, today time.Time) []domain.DailyTrend {
	trends := make([]domain.DailyTrend, TrendDays)
	for i := range trends {
		day := today.AddDate(0, 0, i-(TrendDays-1)).Format(dateLayout)
		trend := domain.DailyTrend{Date: day}
		for _, f := range forms {
			if !strings.HasPrefix(f.CreatedAt, day) {
				continue
			}
			trend.Created++
			switch f.Status {
			case domain.StatusCompleted:
				trend.Completed++
			case domain.StatusError:
				trend.Errors++
			}
		}
		trends[i] = trend
	}
	return trends
}

// Package pipeline projects form records onto the fixed process step list.
package pipeline

import "dairyline/internal/domain"

// Project returns a copy of steps with Status, Timestamp and Operator derived
// from the related forms. A form relates to a step when its ProcessStep equals
// the step id. Status precedence is error > active > completed > pending.
func Project(steps []domain.ProcessStep, forms []domain.FormRecord) []domain.ProcessStep {
	byStep := make(map[string][]domain.FormRecord, len(steps))
	for _, f := range forms {
		byStep[f.ProcessStep] = append(byStep[f.ProcessStep], f)
	}
	out := make([]domain.ProcessStep, 0, len(steps))
	for _, s := range steps {
		related := byStep[s.ID]
		s.Status = deriveStatus(related)
		if f, ok := firstWorked(related); ok {
			s.Timestamp = f.UpdatedAt
			s.Operator = f.Operator
		}
		out = append(out, s)
	}
	return out
}

func deriveStatus(related []domain.FormRecord) domain.Status {
	var active, completed bool
	for _, f := range related {
		switch f.Status {
		case domain.StatusError:
			return domain.StatusError
		case domain.StatusActive:
			active = true
		case domain.StatusCompleted:
			completed = true
		}
	}
	switch {
	case active:
		return domain.StatusActive
	case completed:
		return domain.StatusCompleted
	default:
		return domain.StatusPending
	}
}

// firstWorked returns the first form in iteration order that is active or completed.
func firstWorked(related []domain.FormRecord) (domain.FormRecord, bool) {
	for _, f := range related {
		if f.Status == domain.StatusActive || f.Status == domain.StatusCompleted {
			return f, true
		}
	}
	return domain.FormRecord{}, false
}

// Summary counts projected steps by status.
func Summary(steps []domain.ProcessStep) map[domain.Status]int {
	res := make(map[domain.Status]int, len(domain.Statuses))
	for _, st := range domain.Statuses {
		res[st] = 0
	}
	for _, s := range steps {
		res[s.Status]++
	}
	return res
}

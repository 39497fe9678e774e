package engine

import (
	"time"

	"github.com/ph0rque/MakeDealCRM-sub004/internal/domain"
)

const AdjustmentReason = "Dependency constraint"

// ScheduleTasks pushes due dates forward so each task starts no earlier than
// its dependencies allow. ordered must list dependencies before dependents.
// Due dates only ever move later.
func ScheduleTasks(ordered []domain.Task) []domain.Task {
	out := make([]domain.Task, len(ordered))
	copy(out, ordered)
	scheduled := make(map[string]time.Time, len(out))
	for i := range out {
		t := &out[i]
		t.Resolved = append([]domain.DependencyEdge(nil), t.Resolved...)
		var (
			latest time.Time
			found  bool
		)
		for j := range t.Resolved {
			edge := &t.Resolved[j]
			if edge.Type == domain.DependencyInternal {
				due, ok := scheduled[edge.TargetID]
				if !ok {
					continue
				}
				edge.ReferenceDate = &due
			}
			if edge.ReferenceDate == nil {
				continue
			}
			start := requiredStart(*edge.ReferenceDate, *edge)
			if !found || start.After(latest) {
				latest, found = start, true
			}
		}
		if found && latest.After(t.DueDate) {
			original := t.DueDate
			t.OriginalDueDate = &original
			t.DueDate = latest
			t.ScheduleAdjusted = true
			t.AdjustmentReason = AdjustmentReason
		}
		scheduled[t.ID] = t.DueDate
	}
	return out
}

// requiredStart adds the lag to the reference date. All four relationship
// kinds use the same arithmetic because tasks carry a due date only, not a
// separate start date.
func requiredStart(ref time.Time, edge domain.DependencyEdge) time.Time {
	return ref.AddDate(0, 0, edge.LagDays)
}

// Package blueprint turns a resolved goal plan into a dated task calendar.
package blueprint

import (
	"time"

	"github.com/google/uuid"

	"stride/internal/domain"
	"stride/internal/schema"
)

const DateLayout = "2006-01-02"

// NewID is the default id generator.
func NewID() string { return uuid.NewString() }

// Materialize builds a Goal with exactly EffectiveTotalDays daily tasks, one
// per calendar day starting at now's date. Phases are walked in order and
// the walk stops as soon as the total is reached. When phases run out first,
// the last phase's template fills the remaining days. Blueprints that did not
// come through the resolver are clamped to schema.MaxPlanDays.
func Materialize(bp schema.Blueprint, now time.Time, newID func() string) domain.Goal {
	if newID == nil {
		newID = NewID
	}
	total := min(bp.EffectiveTotalDays(), schema.MaxPlanDays)
	goal := domain.Goal{
		ID:        newID(),
		Title:     bp.Title,
		TotalDays: total,
		CreatedAt: now.UTC().Format(time.RFC3339),
		Phases:    make([]domain.Phase, 0, len(bp.Phases)),
	}
	for i, p := range bp.Phases {
		goal.Phases = append(goal.Phases, domain.Phase{
			GoalID:       goal.ID,
			OrderIndex:   i,
			Name:         p.Name,
			DurationDays: p.DurationDays,
			TaskLabel:    p.TaskLabel,
			TaskDetail:   p.TaskDetail,
			ColorTag:     p.ColorTag,
		})
	}
	if total <= 0 || len(goal.Phases) == 0 {
		return goal
	}

	start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	goal.DailyTasks = make([]domain.DailyTask, 0, total)
	phase, used := 0, 0
	for day := 0; day < total; day++ {
		for used >= goal.Phases[phase].DurationDays && phase < len(goal.Phases)-1 {
			phase++
			used = 0
		}
		p := goal.Phases[phase]
		goal.DailyTasks = append(goal.DailyTasks, domain.DailyTask{
			ID:         newID(),
			GoalID:     goal.ID,
			PhaseIndex: phase,
			DayIndex:   day,
			Date:       start.AddDate(0, 0, day).Format(DateLayout),
			Label:      p.TaskLabel,
			Detail:     p.TaskDetail,
			ColorTag:   p.ColorTag,
		})
		used++
	}
	return goal
}

// PhaseIndexOn returns the phase of the task dated date, or the last phase
// index when date is past the calendar. ok is false for an empty calendar or
// a date before the first task.
func PhaseIndexOn(g domain.Goal, date string) (int, bool) {
	if len(g.DailyTasks) == 0 || date < g.DailyTasks[0].Date {
		return 0, false
	}
	idx := g.DailyTasks[0].PhaseIndex
	for _, t := range g.DailyTasks {
		if t.Date > date {
			break
		}
		idx = t.PhaseIndex
	}
	return idx, true
}

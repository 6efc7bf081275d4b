package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"stride/internal/blueprint"
	"stride/internal/domain"
	"stride/internal/events"
	"stride/internal/repo"
)

func (e Engine) ActiveGoal(ctx context.Context) (domain.Goal, error) {
	g, err := e.Repo.ActiveGoal(ctx, nil)
	if errors.Is(err, repo.ErrNotFound) {
		return g, ErrNoActiveGoal
	}
	return g, err
}

func (e Engine) GetGoal(ctx context.Context, id string) (domain.Goal, error) {
	return e.Repo.GetGoal(ctx, nil, id)
}

func (e Engine) ListGoals(ctx context.Context, f repo.GoalFilters) ([]domain.Goal, error) {
	return e.Repo.ListGoals(ctx, f)
}

// goalOf resolves the goal a session is working on. A session whose goal was
// reset, completed or superseded has none.
func (e Engine) goalOf(ctx context.Context, tx *sql.Tx, s domain.Session) (domain.Goal, error) {
	if s.ActiveGoalID == nil {
		return domain.Goal{}, ErrNoActiveGoal
	}
	g, err := e.Repo.GetGoal(ctx, tx, *s.ActiveGoalID)
	if errors.Is(err, repo.ErrNotFound) {
		return g, ErrNoActiveGoal
	}
	if err != nil {
		return g, err
	}
	if !g.Active() {
		return g, ErrNoActiveGoal
	}
	return g, nil
}

// SessionGoal returns the active goal of one session.
func (e Engine) SessionGoal(ctx context.Context, sessionID string) (domain.Goal, error) {
	s, err := e.Repo.GetSession(ctx, nil, sessionID)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Goal{}, ErrNoActiveGoal
	}
	if err != nil {
		return domain.Goal{}, err
	}
	return e.goalOf(ctx, nil, s)
}

// TodayTask returns a session's active goal and its task for today.
func (e Engine) TodayTask(ctx context.Context, sessionID string) (domain.Goal, domain.DailyTask, error) {
	g, err := e.SessionGoal(ctx, sessionID)
	if err != nil {
		return g, domain.DailyTask{}, err
	}
	t, err := e.Repo.TaskOnDate(ctx, nil, g.ID, e.Today())
	if errors.Is(err, repo.ErrNotFound) {
		return g, t, ErrNoTaskToday
	}
	return g, t, err
}

// CreateGoal persists a materialized goal as the new active goal. Any goal
// that was active before is archived in the same transaction, and sessions
// still working on it go back to onboarding.
func (e Engine) CreateGoal(ctx context.Context, g domain.Goal, m Mutation) (domain.Goal, error) {
	tx, err := e.begin(ctx)
	if err != nil {
		return g, err
	}
	defer tx.Rollback()
	s, err := e.advance(ctx, tx, m)
	if err != nil {
		return g, err
	}
	prior, err := e.Repo.ActiveGoalIDs(ctx, tx.Tx)
	if err != nil {
		return g, err
	}
	for _, id := range prior {
		if err := e.Repo.ArchiveGoal(ctx, tx.Tx, id); err != nil {
			return g, fmt.Errorf("archive goal %s: %w", id, err)
		}
		if err := tx.append(ctx, events.GoalArchived, s.ID, "goal", id, m.actor(), events.EventPayload{"superseded_by": g.ID}); err != nil {
			return g, err
		}
		if err := e.detachSessions(ctx, tx, id, s.ID, m); err != nil {
			return g, err
		}
	}
	if err := e.Repo.InsertGoal(ctx, tx.Tx, g); err != nil {
		return g, err
	}
	if err := tx.append(ctx, events.GoalCreated, s.ID, "goal", g.ID, m.actor(), events.EventPayload{
		"title":      g.Title,
		"total_days": g.TotalDays,
		"phases":     len(g.Phases),
	}); err != nil {
		return g, err
	}
	s.ActiveGoalID = &g.ID
	if err := e.saveSession(ctx, tx, s); err != nil {
		return g, err
	}
	if err := tx.commit(); err != nil {
		return g, err
	}
	return e.Repo.GetGoal(ctx, nil, g.ID)
}

func (e Engine) detachSessions(ctx context.Context, tx *txn, goalID, keep string, m Mutation) error {
	holders, err := e.Repo.SessionsWithGoal(ctx, tx.Tx, goalID)
	if err != nil {
		return err
	}
	for _, other := range holders {
		if other.ID == keep {
			continue
		}
		if err := tx.append(ctx, events.SessionPhase, other.ID, "session", other.ID, m.actor(), events.EventPayload{
			"from":   other.Phase,
			"to":     domain.PhaseOnboarding,
			"reason": "goal_superseded",
		}); err != nil {
			return err
		}
		other.Phase = domain.PhaseOnboarding
		other.ActiveGoalID = nil
		other.AwaitingConfirmation = false
		other.ConfirmationNonce = ""
		if err := e.saveSession(ctx, tx, other); err != nil {
			return err
		}
	}
	return nil
}

// UpdateTodayTask relabels the session goal's task for today.
func (e Engine) UpdateTodayTask(ctx context.Context, label string, m Mutation) (domain.DailyTask, error) {
	tx, err := e.begin(ctx)
	if err != nil {
		return domain.DailyTask{}, err
	}
	defer tx.Rollback()
	s, err := e.advance(ctx, tx, m)
	if err != nil {
		return domain.DailyTask{}, err
	}
	g, err := e.goalOf(ctx, tx.Tx, s)
	if err != nil {
		return domain.DailyTask{}, err
	}
	t, err := e.Repo.TaskOnDate(ctx, tx.Tx, g.ID, e.Today())
	if errors.Is(err, repo.ErrNotFound) {
		return t, ErrNoTaskToday
	}
	if err != nil {
		return t, err
	}
	old := t.Label
	if err := e.Repo.UpdateTaskLabel(ctx, tx.Tx, t.ID, label); err != nil {
		return t, err
	}
	t.Label = label
	if err := tx.append(ctx, events.TaskUpdated, s.ID, "daily_task", t.ID, m.actor(), events.EventPayload{"goal_id": g.ID, "from": old, "to": label}); err != nil {
		return t, err
	}
	if err := e.saveSession(ctx, tx, s); err != nil {
		return t, err
	}
	return t, tx.commit()
}

// CompleteGoal force-completes every open task of the session's goal and marks
// the goal completed and archived.
func (e Engine) CompleteGoal(ctx context.Context, m Mutation) (domain.Goal, error) {
	tx, err := e.begin(ctx)
	if err != nil {
		return domain.Goal{}, err
	}
	defer tx.Rollback()
	s, err := e.advance(ctx, tx, m)
	if err != nil {
		return domain.Goal{}, err
	}
	g, err := e.goalOf(ctx, tx.Tx, s)
	if err != nil {
		return g, err
	}
	if err := e.finishGoal(ctx, tx, s, g, m, "confirmed"); err != nil {
		return g, err
	}
	if err := e.saveSession(ctx, tx, s); err != nil {
		return g, err
	}
	if err := tx.commit(); err != nil {
		return g, err
	}
	return e.Repo.GetGoal(ctx, nil, g.ID)
}

func (e Engine) finishGoal(ctx context.Context, tx *txn, s domain.Session, g domain.Goal, m Mutation, reason string) error {
	now := e.timestamp()
	forced, err := e.Repo.CompleteOpenTasks(ctx, tx.Tx, g.ID, now)
	if err != nil {
		return fmt.Errorf("complete open tasks: %w", err)
	}
	if err := e.Repo.MarkGoalCompleted(ctx, tx.Tx, g.ID, now); err != nil {
		return fmt.Errorf("mark goal completed: %w", err)
	}
	return tx.append(ctx, events.GoalCompleted, s.ID, "goal", g.ID, m.actor(), events.EventPayload{
		"reason":       reason,
		"forced_tasks": forced,
		"total_days":   g.TotalDays,
	})
}

// ResetGoal deletes the session's goal along with its phases and tasks.
func (e Engine) ResetGoal(ctx context.Context, m Mutation) (domain.Goal, error) {
	tx, err := e.begin(ctx)
	if err != nil {
		return domain.Goal{}, err
	}
	defer tx.Rollback()
	s, err := e.advance(ctx, tx, m)
	if err != nil {
		return domain.Goal{}, err
	}
	g, err := e.goalOf(ctx, tx.Tx, s)
	if err != nil {
		return g, err
	}
	if err := e.Repo.DeleteGoal(ctx, tx.Tx, g.ID); err != nil {
		return g, err
	}
	if err := tx.append(ctx, events.GoalReset, s.ID, "goal", g.ID, m.actor(), events.EventPayload{"title": g.Title}); err != nil {
		return g, err
	}
	s.ActiveGoalID = nil
	s.AwaitingConfirmation = false
	s.ConfirmationNonce = ""
	if err := e.saveSession(ctx, tx, s); err != nil {
		return g, err
	}
	return g, tx.commit()
}

// TaskCompletion is the outcome of checking off one daily task.
type TaskCompletion struct {
	Task domain.DailyTask
	Goal domain.Goal
	// GoalCompleted is set when this was the last open task.
	GoalCompleted bool
	Session       domain.Session
}

// CompleteDailyTask marks one task of the session's goal done. When no open
// task remains the goal is completed and archived and onExhausted moves the
// session. The session in m is only advanced in that case. Tasks of other
// goals are refused with ErrForeignTask.
func (e Engine) CompleteDailyTask(ctx context.Context, taskID string, m Mutation, onExhausted Transition) (TaskCompletion, error) {
	var res TaskCompletion
	tx, err := e.begin(ctx)
	if err != nil {
		return res, err
	}
	defer tx.Rollback()
	t, err := e.Repo.GetDailyTask(ctx, tx.Tx, taskID)
	if err != nil {
		return res, fmt.Errorf("daily task %s: %w", taskID, err)
	}
	current, err := e.Repo.GetSession(ctx, tx.Tx, m.SessionID)
	if err != nil {
		return res, fmt.Errorf("session %s: %w", m.SessionID, err)
	}
	g, err := e.goalOf(ctx, tx.Tx, current)
	if err != nil {
		return res, err
	}
	if g.ID != t.GoalID {
		return res, fmt.Errorf("daily task %s: %w", taskID, ErrForeignTask)
	}
	if t.IsCompleted {
		res.Task, res.Goal, res.Session = t, g, current
		return res, nil
	}
	if err := e.Repo.CompleteTask(ctx, tx.Tx, t.ID, e.timestamp()); err != nil {
		return res, err
	}
	if err := tx.append(ctx, events.TaskCompleted, m.SessionID, "daily_task", t.ID, m.actor(), events.EventPayload{"goal_id": g.ID, "day_index": t.DayIndex}); err != nil {
		return res, err
	}
	if idx, ok := blueprint.PhaseIndexOn(g, e.Today()); ok && idx != g.CurrentPhaseIndex {
		if err := e.Repo.SetCurrentPhase(ctx, tx.Tx, g.ID, idx); err != nil {
			return res, err
		}
		if err := tx.append(ctx, events.PhaseAdvanced, m.SessionID, "goal", g.ID, m.actor(), events.EventPayload{"from": g.CurrentPhaseIndex, "to": idx}); err != nil {
			return res, err
		}
	}
	open, err := e.Repo.CountOpenTasks(ctx, tx.Tx, g.ID)
	if err != nil {
		return res, err
	}
	step := m
	step.Transition = nil
	if open == 0 {
		step.Transition = onExhausted
	}
	s, err := e.advance(ctx, tx, step)
	if err != nil {
		return res, err
	}
	if open == 0 {
		if err := e.finishGoal(ctx, tx, s, g, m, "exhausted"); err != nil {
			return res, err
		}
		res.GoalCompleted = true
	}
	if err := e.saveSession(ctx, tx, s); err != nil {
		return res, err
	}
	if err := tx.commit(); err != nil {
		return res, err
	}
	res.Session = s
	if res.Task, err = e.Repo.GetDailyTask(ctx, nil, t.ID); err != nil {
		return res, err
	}
	res.Goal, err = e.Repo.GetGoal(ctx, nil, g.ID)
	return res, err
}

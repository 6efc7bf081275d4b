package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"stride/internal/domain"
)

const goalColumns = `id,title,total_days,current_phase_index,is_completed,is_archived,created_at,completed_at`

func scanGoal(scan func(dest ...any) error) (domain.Goal, error) {
	var g domain.Goal
	var completedAt sql.NullString
	err := scan(&g.ID, &g.Title, &g.TotalDays, &g.CurrentPhaseIndex, &g.IsCompleted, &g.IsArchived, &g.CreatedAt, &completedAt)
	if err == sql.ErrNoRows {
		return g, ErrNotFound
	}
	g.CompletedAt = stringPtr(completedAt)
	return g, err
}

// InsertGoal stores a goal with its phases and daily tasks.
func (r Repo) InsertGoal(ctx context.Context, tx *sql.Tx, g domain.Goal) error {
	q := r.q(tx)
	if _, err := q.ExecContext(ctx, `INSERT INTO goals(`+goalColumns+`) VALUES (?,?,?,?,?,?,?,?)`,
		g.ID, g.Title, g.TotalDays, g.CurrentPhaseIndex, boolInt(g.IsCompleted), boolInt(g.IsArchived), g.CreatedAt, nullableStringPtr(g.CompletedAt)); err != nil {
		return fmt.Errorf("insert goal: %w", err)
	}
	for _, p := range g.Phases {
		if _, err := q.ExecContext(ctx, `INSERT INTO phases(goal_id,order_index,name,duration_days,task_label,task_detail,color_tag) VALUES (?,?,?,?,?,?,?)`,
			g.ID, p.OrderIndex, p.Name, p.DurationDays, p.TaskLabel, p.TaskDetail, p.ColorTag); err != nil {
			return fmt.Errorf("insert phase %d: %w", p.OrderIndex, err)
		}
	}
	for _, t := range g.DailyTasks {
		if _, err := q.ExecContext(ctx, `INSERT INTO daily_tasks(id,goal_id,phase_index,day_index,date,label,detail,color_tag,is_completed,completed_at) VALUES (?,?,?,?,?,?,?,?,?,?)`,
			t.ID, g.ID, t.PhaseIndex, t.DayIndex, t.Date, t.Label, t.Detail, t.ColorTag, boolInt(t.IsCompleted), nullableStringPtr(t.CompletedAt)); err != nil {
			return fmt.Errorf("insert daily task %d: %w", t.DayIndex, err)
		}
	}
	return nil
}

// GetGoal loads a goal with its phases and tasks.
func (r Repo) GetGoal(ctx context.Context, tx *sql.Tx, id string) (domain.Goal, error) {
	g, err := scanGoal(r.q(tx).QueryRowContext(ctx, `SELECT `+goalColumns+` FROM goals WHERE id=?`, id).Scan)
	if err != nil {
		return g, err
	}
	return r.loadChildren(ctx, tx, g)
}

// ActiveGoal returns the most recently created goal that is neither archived
// nor completed. Callers must not assume older active rows do not exist.
func (r Repo) ActiveGoal(ctx context.Context, tx *sql.Tx) (domain.Goal, error) {
	g, err := scanGoal(r.q(tx).QueryRowContext(ctx, `SELECT `+goalColumns+` FROM goals
WHERE is_archived=0 AND is_completed=0 ORDER BY created_at DESC, rowid DESC LIMIT 1`).Scan)
	if err != nil {
		return g, err
	}
	return r.loadChildren(ctx, tx, g)
}

// ActiveGoalIDs lists every goal matching the active filter, newest first.
func (r Repo) ActiveGoalIDs(ctx context.Context, tx *sql.Tx) ([]string, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT id FROM goals WHERE is_archived=0 AND is_completed=0 ORDER BY created_at DESC, rowid DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

type GoalFilters struct {
	IncludeArchived bool
	CompletedOnly   bool
	Limit           int
}

// ListGoals returns goal headers without phases or tasks, newest first.
func (r Repo) ListGoals(ctx context.Context, f GoalFilters) ([]domain.Goal, error) {
	clauses := []string{"1=1"}
	var args []any
	if !f.IncludeArchived {
		clauses = append(clauses, "is_archived=0")
	}
	if f.CompletedOnly {
		clauses = append(clauses, "is_completed=1")
	}
	query := `SELECT ` + goalColumns + ` FROM goals WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC, rowid DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Goal
	for rows.Next() {
		g, err := scanGoal(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, g)
	}
	return res, rows.Err()
}

func (r Repo) loadChildren(ctx context.Context, tx *sql.Tx, g domain.Goal) (domain.Goal, error) {
	var err error
	if g.Phases, err = r.ListPhases(ctx, tx, g.ID); err != nil {
		return g, err
	}
	if g.DailyTasks, err = r.ListDailyTasks(ctx, tx, g.ID); err != nil {
		return g, err
	}
	return g, nil
}

func (r Repo) ListPhases(ctx context.Context, tx *sql.Tx, goalID string) ([]domain.Phase, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT goal_id,order_index,name,duration_days,task_label,task_detail,color_tag
FROM phases WHERE goal_id=? ORDER BY order_index`, goalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Phase
	for rows.Next() {
		var p domain.Phase
		if err := rows.Scan(&p.GoalID, &p.OrderIndex, &p.Name, &p.DurationDays, &p.TaskLabel, &p.TaskDetail, &p.ColorTag); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

const taskColumns = `id,goal_id,phase_index,day_index,date,label,detail,color_tag,is_completed,completed_at`

func scanTask(scan func(dest ...any) error) (domain.DailyTask, error) {
	var t domain.DailyTask
	var completedAt sql.NullString
	err := scan(&t.ID, &t.GoalID, &t.PhaseIndex, &t.DayIndex, &t.Date, &t.Label, &t.Detail, &t.ColorTag, &t.IsCompleted, &completedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	t.CompletedAt = stringPtr(completedAt)
	return t, err
}

func (r Repo) ListDailyTasks(ctx context.Context, tx *sql.Tx, goalID string) ([]domain.DailyTask, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT `+taskColumns+` FROM daily_tasks WHERE goal_id=? ORDER BY day_index`, goalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.DailyTask
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) GetDailyTask(ctx context.Context, tx *sql.Tx, id string) (domain.DailyTask, error) {
	return scanTask(r.q(tx).QueryRowContext(ctx, `SELECT `+taskColumns+` FROM daily_tasks WHERE id=?`, id).Scan)
}

// TaskOnDate returns the goal's task scheduled for date (YYYY-MM-DD).
func (r Repo) TaskOnDate(ctx context.Context, tx *sql.Tx, goalID, date string) (domain.DailyTask, error) {
	return scanTask(r.q(tx).QueryRowContext(ctx, `SELECT `+taskColumns+` FROM daily_tasks WHERE goal_id=? AND date=? ORDER BY day_index LIMIT 1`, goalID, date).Scan)
}

func (r Repo) UpdateTaskLabel(ctx context.Context, tx *sql.Tx, taskID, label string) error {
	return affectedOrNotFound(r.q(tx).ExecContext(ctx, `UPDATE daily_tasks SET label=? WHERE id=?`, label, taskID))
}

// CompleteTask marks one task done. Already completed tasks keep their
// original completion time.
func (r Repo) CompleteTask(ctx context.Context, tx *sql.Tx, taskID, ts string) error {
	return affectedOrNotFound(r.q(tx).ExecContext(ctx, `UPDATE daily_tasks SET is_completed=1, completed_at=COALESCE(completed_at,?) WHERE id=?`, ts, taskID))
}

// CompleteOpenTasks force-completes every open task of a goal and reports how
// many changed.
func (r Repo) CompleteOpenTasks(ctx context.Context, tx *sql.Tx, goalID, ts string) (int64, error) {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE daily_tasks SET is_completed=1, completed_at=? WHERE goal_id=? AND is_completed=0`, ts, goalID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r Repo) CountOpenTasks(ctx context.Context, tx *sql.Tx, goalID string) (int, error) {
	var n int
	err := r.q(tx).QueryRowContext(ctx, `SELECT COUNT(*) FROM daily_tasks WHERE goal_id=? AND is_completed=0`, goalID).Scan(&n)
	return n, err
}

func (r Repo) MarkGoalCompleted(ctx context.Context, tx *sql.Tx, goalID, ts string) error {
	return affectedOrNotFound(r.q(tx).ExecContext(ctx, `UPDATE goals SET is_completed=1, is_archived=1, completed_at=? WHERE id=?`, ts, goalID))
}

func (r Repo) ArchiveGoal(ctx context.Context, tx *sql.Tx, goalID string) error {
	return affectedOrNotFound(r.q(tx).ExecContext(ctx, `UPDATE goals SET is_archived=1 WHERE id=?`, goalID))
}

func (r Repo) SetCurrentPhase(ctx context.Context, tx *sql.Tx, goalID string, idx int) error {
	return affectedOrNotFound(r.q(tx).ExecContext(ctx, `UPDATE goals SET current_phase_index=? WHERE id=?`, idx, goalID))
}

// DeleteGoal removes a goal; phases and tasks cascade.
func (r Repo) DeleteGoal(ctx context.Context, tx *sql.Tx, goalID string) error {
	return affectedOrNotFound(r.q(tx).ExecContext(ctx, `DELETE FROM goals WHERE id=?`, goalID))
}

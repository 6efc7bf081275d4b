package repo

import (
	"context"
	"database/sql"

	"stride/internal/domain"
)

const sessionColumns = `id,phase,active_goal_id,awaiting_confirmation,confirmation_nonce,created_at,updated_at`

func scanSession(scan func(dest ...any) error) (domain.Session, error) {
	var s domain.Session
	var activeGoal sql.NullString
	if err := scan(&s.ID, &s.Phase, &activeGoal, &s.AwaitingConfirmation, &s.ConfirmationNonce, &s.CreatedAt, &s.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return s, ErrNotFound
		}
		return s, err
	}
	s.ActiveGoalID = stringPtr(activeGoal)
	return s, nil
}

func (r Repo) GetSession(ctx context.Context, tx *sql.Tx, id string) (domain.Session, error) {
	return scanSession(r.q(tx).QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id=?`, id).Scan)
}

func (r Repo) InsertSession(ctx context.Context, tx *sql.Tx, s domain.Session) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO sessions(id,phase,active_goal_id,awaiting_confirmation,confirmation_nonce,created_at,updated_at) VALUES (?,?,?,?,?,?,?)`,
		s.ID, string(s.Phase), nullableStringPtr(s.ActiveGoalID), boolInt(s.AwaitingConfirmation), s.ConfirmationNonce, s.CreatedAt, s.UpdatedAt)
	return err
}

// UpdateSession rewrites the mutable session fields.
func (r Repo) UpdateSession(ctx context.Context, tx *sql.Tx, s domain.Session) error {
	return affectedOrNotFound(r.q(tx).ExecContext(ctx, `UPDATE sessions SET phase=?, active_goal_id=?, awaiting_confirmation=?, confirmation_nonce=?, updated_at=? WHERE id=?`,
		string(s.Phase), nullableStringPtr(s.ActiveGoalID), boolInt(s.AwaitingConfirmation), s.ConfirmationNonce, s.UpdatedAt, s.ID))
}

func (r Repo) ListSessions(ctx context.Context) ([]domain.Session, error) {
	return r.querySessions(ctx, nil, `SELECT `+sessionColumns+` FROM sessions ORDER BY updated_at DESC`)
}

// SessionsWithGoal returns the sessions whose active goal is goalID.
func (r Repo) SessionsWithGoal(ctx context.Context, tx *sql.Tx, goalID string) ([]domain.Session, error) {
	return r.querySessions(ctx, tx, `SELECT `+sessionColumns+` FROM sessions WHERE active_goal_id=? ORDER BY id`, goalID)
}

func (r Repo) querySessions(ctx context.Context, tx *sql.Tx, query string, args ...any) ([]domain.Session, error) {
	rows, err := r.q(tx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Session
	for rows.Next() {
		s, err := scanSession(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

func (r Repo) AppendMessage(ctx context.Context, tx *sql.Tx, m domain.ChatMessage) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO chat_messages(id,session_id,seq,role,content,created_at)
VALUES (?,?,(SELECT COALESCE(MAX(seq),0)+1 FROM chat_messages WHERE session_id=?),?,?,?)`,
		m.ID, m.SessionID, m.SessionID, m.Role, m.Content, m.CreatedAt)
	return err
}

// RecentMessages returns up to limit of the newest messages in chronological
// order. limit <= 0 returns the whole history.
func (r Repo) RecentMessages(ctx context.Context, tx *sql.Tx, sessionID string, limit int) ([]domain.ChatMessage, error) {
	query := `SELECT id,session_id,role,content,created_at FROM (
  SELECT id,session_id,role,content,created_at,seq FROM chat_messages WHERE session_id=? ORDER BY seq DESC`
	args := []any{sessionID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	query += `) ORDER BY seq ASC`
	rows, err := r.q(tx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ChatMessage
	for rows.Next() {
		var m domain.ChatMessage
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &m.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

func (r Repo) ClearMessages(ctx context.Context, tx *sql.Tx, sessionID string) (int64, error) {
	res, err := r.q(tx).ExecContext(ctx, `DELETE FROM chat_messages WHERE session_id=?`, sessionID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

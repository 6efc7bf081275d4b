package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"stride/internal/domain"
)

// Event types appended to the log.
const (
	SessionCreated     = "session.created"
	SessionPhase       = "session.phase_changed"
	SessionRestarted   = "session.restarted"
	ConfirmationAsked  = "session.confirmation_requested"
	GoalCreated        = "goal.created"
	GoalArchived       = "goal.archived"
	GoalCompleted      = "goal.completed"
	GoalReset          = "goal.reset"
	TaskUpdated        = "task.updated"
	TaskCompleted      = "task.completed"
	CommandRejected    = "command.rejected"
	PlanRejected       = "plan.rejected"
	PhaseAdvanced      = "goal.phase_advanced"
	EncouragementShown = "checkin.encouragement"
	APIKeyIssued       = "api_key.issued"
	APIKeyRevoked      = "api_key.revoked"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Append writes one event inside tx and returns it with its assigned id.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, sessionID, entityKind, entityID, actorID string, payload EventPayload) (domain.Event, error) {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return domain.Event{}, fmt.Errorf("marshal event payload: %w", err)
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO events(ts,type,session_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		ts, evtType, nullable(sessionID), entityKind, nullable(entityID), actorID, string(data))
	if err != nil {
		return domain.Event{}, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return domain.Event{}, err
	}
	return domain.Event{
		ID:         id,
		TS:         ts,
		Type:       evtType,
		SessionID:  sessionID,
		EntityKind: entityKind,
		EntityID:   entityID,
		ActorID:    actorID,
		Payload:    string(data),
	}, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

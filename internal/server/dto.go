package server

import (
	"encoding/json"

	"stride/internal/domain"
	"stride/internal/engine"
)

// Request payloads

type TurnRequest struct {
	Message string `json:"message" minLength:"1" maxLength:"8000" doc:"What the user said"`
}

// Response payloads

type SessionResponse struct {
	domain.Session
	Messages []domain.ChatMessage `json:"messages,omitempty"`
}

type TaskCompletionResponse struct {
	Task          domain.DailyTask `json:"task"`
	Goal          domain.Goal      `json:"goal"`
	GoalCompleted bool             `json:"goal_completed"`
	Session       domain.Session   `json:"session"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	SessionID  string         `json:"session_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload,omitempty"`
}

type WhoAmIResponse struct {
	ActorID string `json:"actor_id"`
	Source  string `json:"source" enum:"default,jwt,api_key,header"`
}

// ChunkEvent is one piece of a streamed reply.
type ChunkEvent struct {
	Text string `json:"text"`
}

type paginatedGoals struct {
	Items []domain.Goal `json:"items"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

func sessionResponse(s domain.Session, msgs []domain.ChatMessage) SessionResponse {
	return SessionResponse{Session: s, Messages: msgs}
}

func taskCompletionResponse(res engine.TaskCompletion) TaskCompletionResponse {
	return TaskCompletionResponse{
		Task:          res.Task,
		Goal:          res.Goal,
		GoalCompleted: res.GoalCompleted,
		Session:       res.Session,
	}
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		SessionID:  e.SessionID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return map[string]any{"raw": raw}
	}
	return out
}

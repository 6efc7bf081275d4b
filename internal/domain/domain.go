package domain

// ConversationPhase is the coach's current conversational mode.
type ConversationPhase string

const (
	PhaseOnboarding ConversationPhase = "onboarding"
	PhaseCompanion  ConversationPhase = "companion"
	PhaseWitness    ConversationPhase = "witness"
)

func (p ConversationPhase) Valid() bool {
	switch p {
	case PhaseOnboarding, PhaseCompanion, PhaseWitness:
		return true
	}
	return false
}

type Goal struct {
	ID                string      `json:"id"`
	Title             string      `json:"title"`
	TotalDays         int         `json:"total_days"`
	CurrentPhaseIndex int         `json:"current_phase_index"`
	IsCompleted       bool        `json:"is_completed"`
	IsArchived        bool        `json:"is_archived"`
	CreatedAt         string      `json:"created_at" format:"date-time"`
	CompletedAt       *string     `json:"completed_at,omitempty" format:"date-time"`
	Phases            []Phase     `json:"phases,omitempty"`
	DailyTasks        []DailyTask `json:"daily_tasks,omitempty"`
}

// Active reports whether the goal is neither archived nor completed.
func (g Goal) Active() bool {
	return !g.IsArchived && !g.IsCompleted
}

type Phase struct {
	GoalID       string `json:"goal_id"`
	OrderIndex   int    `json:"order_index"`
	Name         string `json:"name"`
	DurationDays int    `json:"duration_days"`
	TaskLabel    string `json:"task_label"`
	TaskDetail   string `json:"task_detail,omitempty"`
	ColorTag     string `json:"color_tag"`
}

type DailyTask struct {
	ID          string  `json:"id"`
	GoalID      string  `json:"goal_id"`
	PhaseIndex  int     `json:"phase_index"`
	DayIndex    int     `json:"day_index"`
	Date        string  `json:"date" format:"date"`
	Label       string  `json:"label"`
	Detail      string  `json:"detail,omitempty"`
	ColorTag    string  `json:"color_tag"`
	IsCompleted bool    `json:"is_completed"`
	CompletedAt *string `json:"completed_at,omitempty" format:"date-time"`
}

type Session struct {
	ID                   string            `json:"id"`
	Phase                ConversationPhase `json:"phase" enum:"onboarding,companion,witness"`
	ActiveGoalID         *string           `json:"active_goal_id,omitempty"`
	AwaitingConfirmation bool              `json:"awaiting_confirmation"`
	ConfirmationNonce    string            `json:"-"`
	CreatedAt            string            `json:"created_at" format:"date-time"`
	UpdatedAt            string            `json:"updated_at" format:"date-time"`
}

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

type ChatMessage struct {
	ID        string `json:"id"`
	SessionID string `json:"session_id"`
	Role      string `json:"role" enum:"user,assistant"`
	Content   string `json:"content"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	SessionID  string `json:"session_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// APIKey is a long-lived API credential. Only its hash is stored.
type APIKey struct {
	ID         string  `json:"id"`
	ActorID    string  `json:"actor_id"`
	Name       string  `json:"name,omitempty"`
	KeyHash    string  `json:"-"`
	CreatedAt  string  `json:"created_at" format:"date-time"`
	LastUsedAt *string `json:"last_used_at,omitempty" format:"date-time"`
}
